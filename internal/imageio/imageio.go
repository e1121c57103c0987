// Package imageio decodes receipt uploads into images and sniffs their real
// content type. PDFs are rendered from their first page and HEIC/HEIF photos
// are decoded in pure Go.
package imageio

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// Supported content types, canonical form.
const (
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"
	MIMEGIF  = "image/gif"
	MIMEWebP = "image/webp"
	MIMEHEIC = "image/heic"
	MIMEHEIF = "image/heif"
	MIMEPDF  = "application/pdf"
)

var supported = map[string]bool{
	MIMEJPEG: true,
	MIMEPNG:  true,
	MIMEGIF:  true,
	MIMEWebP: true,
	MIMEHEIC: true,
	MIMEHEIF: true,
	MIMEPDF:  true,
}

// CanonicalMIME lowercases a declared content type, drops parameters and
// folds common aliases.
func CanonicalMIME(contentType string) string {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	switch mimeType {
	case "image/jpg", "image/pjpeg":
		return MIMEJPEG
	case "image/heic-sequence":
		return MIMEHEIC
	case "image/heif-sequence":
		return MIMEHEIF
	}
	return mimeType
}

var extensions = map[string]string{
	MIMEJPEG: ".jpg",
	MIMEPNG:  ".png",
	MIMEGIF:  ".gif",
	MIMEWebP: ".webp",
	MIMEHEIC: ".heic",
	MIMEHEIF: ".heif",
	MIMEPDF:  ".pdf",
}

// Extension returns the file extension used when storing an upload of the
// given content type.
func Extension(contentType string) string {
	if ext, ok := extensions[CanonicalMIME(contentType)]; ok {
		return ext
	}
	return ".bin"
}

// FromFilename guesses a content type from a filename extension, for
// uploads that arrive without one.
func FromFilename(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return MIMEJPEG
	case ".png":
		return MIMEPNG
	case ".gif":
		return MIMEGIF
	case ".webp":
		return MIMEWebP
	case ".pdf":
		return MIMEPDF
	case ".heic":
		return MIMEHEIC
	case ".heif":
		return MIMEHEIF
	default:
		return "application/octet-stream"
	}
}

// Supported reports whether a declared content type can be decoded.
func Supported(contentType string) bool {
	return supported[CanonicalMIME(contentType)]
}

// Sniff detects the content type from magic bytes.
func Sniff(data []byte) string {
	return CanonicalMIME(mimetype.Detect(data).String())
}

// SameFamily reports whether a declared and a sniffed content type describe
// the same format. HEIC and HEIF containers are interchangeable.
func SameFamily(declared, sniffed string) bool {
	declared, sniffed = CanonicalMIME(declared), CanonicalMIME(sniffed)
	if declared == sniffed {
		return true
	}
	return isHEICMimeType(declared) && isHEICMimeType(sniffed)
}

// Decode turns raw upload bytes into an image.
func Decode(data []byte, contentType string) (image.Image, error) {
	mimeType := CanonicalMIME(contentType)
	switch {
	case mimeType == MIMEPDF:
		return pdfToImage(data)
	case isHEICFormat(data) || isHEICMimeType(mimeType):
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, WebP, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// Dimensions reads the pixel size of a raster upload without decoding it
// fully. PDFs report ok=false since their size depends on rendering.
func Dimensions(data []byte, contentType string) (width, height int, ok bool, err error) {
	mimeType := CanonicalMIME(contentType)
	if mimeType == MIMEPDF {
		return 0, 0, false, nil
	}

	var cfg image.Config
	if isHEICFormat(data) || isHEICMimeType(mimeType) {
		cfg, err = heic.DecodeConfig(bytes.NewReader(data))
	} else {
		cfg, _, err = image.DecodeConfig(bytes.NewReader(data))
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("reading image header: %w", err)
	}
	return cfg.Width, cfg.Height, true, nil
}

// PreparePNG normalizes an upload to PNG for the vision models. PNG input
// is passed through untouched. The returned bool reports whether a
// conversion happened.
func PreparePNG(data []byte, contentType string) ([]byte, bool, error) {
	mimeType := CanonicalMIME(contentType)
	if mimeType == "" {
		mimeType = MIMEJPEG
	}
	if mimeType == MIMEPNG && !isHEICFormat(data) {
		return data, false, nil
	}

	img, err := Decode(data, mimeType)
	if err != nil {
		return nil, false, fmt.Errorf("converting image to PNG: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, false, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), true, nil
}

// pdfToImage renders the first page of a PDF. Receipts are single page.
func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// isHEICFormat checks for an ftyp box with a HEIC-family brand at offset 4.
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	brand := string(data[8:12])
	return brand == "heic" || brand == "heix" || brand == "heif" || brand == "mif1" || brand == "msf1"
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
