// Package qr recovers an embedded QR payload from a receipt photo that may
// be rotated, cropped or low quality.
package qr

import (
	"fmt"
	"image"
	"log/slog"
	"strings"

	"github.com/zombor/receipt-verifier/internal/imageio"
)

const (
	// DefaultMaxSide caps the longest side of every candidate.
	DefaultMaxSide = 1600
	// DefaultSmallSide is the size below which a 2x upscale is tried.
	DefaultSmallSide = 600

	// ErrNotDecoded is reported when every candidate was tried. It never
	// means the receipt has no QR code.
	ErrNotDecoded = "not_decoded"
)

// Result is the outcome of the decode search. Present and Decoded are
// independent: a miss never implies the code is absent.
type Result struct {
	Present bool    `json:"present"`
	Decoded bool    `json:"decoded"`
	Payload *string `json:"payload"`
	Method  *string `json:"method"`
	Error   *string `json:"error"`
}

// Failed builds a result for a search that could not complete.
func Failed(reason string) Result {
	return Result{Error: &reason}
}

// Pipeline runs the candidate search.
type Pipeline struct {
	primary   Decoder
	secondary Decoder
	maxSide   int
	smallSide int
}

// NewPipeline creates a Pipeline with the default decoders and limits.
func NewPipeline() *Pipeline {
	return NewPipelineWithDecoders(NewZXingDecoder(false), GoQRDecoder{}, DefaultMaxSide, DefaultSmallSide)
}

// NewPipelineWithDecoders creates a Pipeline with custom decoders for testing.
func NewPipelineWithDecoders(primary, secondary Decoder, maxSide, smallSide int) *Pipeline {
	return &Pipeline{
		primary:   primary,
		secondary: secondary,
		maxSide:   maxSide,
		smallSide: smallSide,
	}
}

// Decode searches raw upload bytes for a QR payload.
func (p *Pipeline) Decode(data []byte, contentType string) Result {
	img, err := imageio.Decode(data, contentType)
	if err != nil {
		slog.Warn("QR pipeline could not decode image", "content_type", contentType, "error", err)
		return Failed("image_decode_failed")
	}
	return p.DecodeImage(img)
}

// DecodeImage searches an already decoded image, stopping at the first
// candidate either decoder can read.
func (p *Pipeline) DecodeImage(img image.Image) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("QR pipeline panicked", "panic", r)
			res = Failed(fmt.Sprintf("internal_error: %v", r))
		}
	}()

	tried := 0
	for c := range Candidates(img, p.maxSide, p.smallSide) {
		tried++
		candidate := bound(c.Image, p.maxSide)
		for _, d := range []Decoder{p.primary, p.secondary} {
			if d == nil {
				continue
			}
			if payload, ok := d.Decode(candidate); ok {
				method := fmt.Sprintf("%s:%s/%s/rot%d", d.Name(), c.Region, c.Filter, c.Rotation)
				slog.Debug("QR decoded", "method", method, "candidates", tried)
				return Result{
					Present: true,
					Decoded: true,
					Payload: &payload,
					Method:  &method,
				}
			}
		}
	}

	slog.Debug("QR not decoded", "candidates", tried)
	return Failed(ErrNotDecoded)
}

// ContainsDestination strips non-digits from a payload and reports whether
// some accepted destination appears inside it.
func ContainsDestination(payload string, accepted []string) bool {
	digits := digitsOnly(payload)
	if digits == "" {
		return false
	}
	for _, entry := range accepted {
		want := digitsOnly(entry)
		if want != "" && strings.Contains(digits, want) {
			return true
		}
	}
	return false
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
