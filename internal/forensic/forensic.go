// Package forensic estimates how likely it is that a receipt image was
// edited, using pixel statistics only. The score is a soft signal: it can
// ask for a human look, it cannot prove tampering.
package forensic

import (
	"bytes"
	"fmt"
	"image"
	"log/slog"

	"github.com/disintegration/imaging"

	"github.com/zombor/receipt-verifier/internal/imageio"
)

// Weights of each heuristic in the combined score.
const (
	weightRecompression = 0.45
	weightBlock         = 0.22
	weightSmooth        = 0.18
	weightEdge          = 0.15
)

const (
	// DefaultModerateThreshold and DefaultHighThreshold gate the advisory tags.
	DefaultModerateThreshold = 0.45
	DefaultHighThreshold     = 0.70

	maxTags = 6

	// TagError marks a report produced after an internal failure.
	TagError = "forensic_error"
)

// Report holds the per-heuristic scores, each in [0,1].
type Report struct {
	RecompressionDelta float64  `json:"recompression_delta"`
	BlockArtifact      float64  `json:"block_artifact"`
	SmoothPatch        float64  `json:"smooth_patch"`
	EdgeDensity        float64  `json:"edge_density"`
	CombinedScore      float64  `json:"combined_score"`
	Tags               []string `json:"tags"`
}

// Failed is the report used when scoring could not run.
func Failed() Report {
	return Report{Tags: []string{TagError}}
}

// Combine fuses the four heuristic scores into one clamped score.
func Combine(recompression, block, smooth, edge float64) float64 {
	return clamp01(weightRecompression*recompression +
		weightBlock*block +
		weightSmooth*smooth +
		weightEdge*edge)
}

// Scorer computes Reports.
type Scorer struct {
	moderate float64
	high     float64
}

// NewScorer creates a Scorer with the given tag thresholds.
func NewScorer(moderate, high float64) *Scorer {
	return &Scorer{moderate: moderate, high: high}
}

// Score decodes raw upload bytes and scores them. Decode failures degrade
// to a zero-score report tagged forensic_error.
func (s *Scorer) Score(data []byte, contentType string) Report {
	img, err := imageio.Decode(data, contentType)
	if err != nil {
		slog.Warn("Forensic scorer could not decode image", "content_type", contentType, "error", err)
		return Failed()
	}
	return s.ScoreImage(img)
}

// ScoreImage scores a decoded image.
func (s *Scorer) ScoreImage(img image.Image) (report Report) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Forensic scorer panicked", "panic", r)
			report = Failed()
		}
	}()

	bounded := img
	if b := img.Bounds(); b.Dx() > analysisMaxSide || b.Dy() > analysisMaxSide {
		bounded = imaging.Fit(img, analysisMaxSide, analysisMaxSide, imaging.Lanczos)
	}
	if b := bounded.Bounds(); b.Dx() < minAnalysisSide || b.Dy() < minAnalysisSide {
		slog.Warn("Forensic scorer image too small", "width", b.Dx(), "height", b.Dy())
		return Failed()
	}

	plane := newLumaPlane(bounded)
	delta, err := recompressionDelta(bounded, plane)
	if err != nil {
		slog.Warn("Forensic recompression failed", "error", err)
		return Failed()
	}

	report = Report{
		RecompressionDelta: linear(delta, recompressionFloor, recompressionCeiling),
		BlockArtifact:      linear(blockRatio(plane), blockFloor, blockCeiling),
		SmoothPatch:        linear(smoothFraction(plane), smoothFloor, smoothCeiling),
		EdgeDensity:        linear(edgeDeviation(plane), edgeFloor, edgeCeiling),
	}
	report.CombinedScore = Combine(report.RecompressionDelta, report.BlockArtifact, report.SmoothPatch, report.EdgeDensity)
	report.Tags = s.tags(report)
	return report
}

func (s *Scorer) tags(r Report) []string {
	tags := make([]string, 0, maxTags)
	add := func(name string, score float64) {
		switch {
		case score >= s.high:
			tags = append(tags, name+"_high")
		case score >= s.moderate:
			tags = append(tags, name+"_elevated")
		}
	}
	switch {
	case r.CombinedScore >= s.high:
		tags = append(tags, "likely_edited")
	case r.CombinedScore >= s.moderate:
		tags = append(tags, "possible_edit")
	}
	add("recompression", r.RecompressionDelta)
	add("block_artifact", r.BlockArtifact)
	add("smooth_patch", r.SmoothPatch)
	add("edge_density", r.EdgeDensity)

	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	return tags
}

// recompressionDelta re-encodes the image as a moderate-quality JPEG and
// measures the mean luma change on a sparse grid.
func recompressionDelta(img image.Image, original *lumaPlane) (float64, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(recompressionQuality)); err != nil {
		return 0, fmt.Errorf("encoding JPEG: %w", err)
	}
	again, err := imaging.Decode(&buf)
	if err != nil {
		return 0, fmt.Errorf("decoding JPEG: %w", err)
	}
	recompressed := newLumaPlane(again)

	var sum float64
	var n int
	for y := 0; y < original.h && y < recompressed.h; y += recompressionStride {
		for x := 0; x < original.w && x < recompressed.w; x += recompressionStride {
			d := original.at(x, y) - recompressed.at(x, y)
			if d < 0 {
				d = -d
			}
			sum += d
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

func linear(v, floor, ceiling float64) float64 {
	return clamp01((v - floor) / (ceiling - floor))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
