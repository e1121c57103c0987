package receipt

import (
	"fmt"

	"github.com/zombor/receipt-verifier/internal/imageio"
)

// Limits bound what an upload may look like before it is analyzed
type Limits struct {
	MinBytes int
	MaxBytes int
	MinSide  int
	MaxSide  int
}

// DefaultLimits returns the admission limits used when none are configured
func DefaultLimits() Limits {
	return Limits{
		MinBytes: 512,
		MaxBytes: 15 << 20,
		MinSide:  64,
		MaxSide:  12000,
	}
}

// Admit checks an upload against the limits and returns its canonical
// content type. The declared type must be supported and must agree with
// the sniffed one.
func (l Limits) Admit(data []byte, declared string) (string, error) {
	if len(data) < l.MinBytes {
		return "", fmt.Errorf("%w: image is %d bytes, minimum is %d", ErrInvalidInput, len(data), l.MinBytes)
	}
	if l.MaxBytes > 0 && len(data) > l.MaxBytes {
		return "", fmt.Errorf("%w: image is %d bytes, maximum is %d", ErrInvalidInput, len(data), l.MaxBytes)
	}

	contentType := imageio.CanonicalMIME(declared)
	if !imageio.Supported(contentType) {
		return "", fmt.Errorf("%w: content type %q is not accepted", ErrInvalidInput, declared)
	}
	if sniffed := imageio.Sniff(data); !imageio.SameFamily(contentType, sniffed) {
		return "", fmt.Errorf("%w: declared %s but content is %s", ErrInvalidInput, contentType, sniffed)
	}

	width, height, ok, err := imageio.Dimensions(data, contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if ok {
		if width < l.MinSide || height < l.MinSide {
			return "", fmt.Errorf("%w: image is %dx%d, minimum side is %d", ErrInvalidInput, width, height, l.MinSide)
		}
		if width > l.MaxSide || height > l.MaxSide {
			return "", fmt.Errorf("%w: image is %dx%d, maximum side is %d", ErrInvalidInput, width, height, l.MaxSide)
		}
	}
	return contentType, nil
}
