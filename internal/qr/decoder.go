package qr

import (
	"image"

	"github.com/liyue201/goqr"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// Decoder reads a QR payload out of a single prepared image.
type Decoder interface {
	Name() string
	Decode(img image.Image) (string, bool)
}

// ZXingDecoder is the fast primary decoder.
type ZXingDecoder struct {
	hints map[gozxing.DecodeHintType]interface{}
}

// NewZXingDecoder creates a gozxing-backed decoder. tryHarder trades speed
// for a more exhaustive finder-pattern search.
func NewZXingDecoder(tryHarder bool) *ZXingDecoder {
	var hints map[gozxing.DecodeHintType]interface{}
	if tryHarder {
		hints = map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		}
	}
	return &ZXingDecoder{hints: hints}
}

func (d *ZXingDecoder) Name() string { return "zxing" }

func (d *ZXingDecoder) Decode(img image.Image) (payload string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			payload, ok = "", false
		}
	}()

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", false
	}
	result, err := qrcode.NewQRCodeReader().Decode(bmp, d.hints)
	if err != nil {
		return "", false
	}
	return result.GetText(), true
}

// GoQRDecoder is the secondary decoder, tried when the primary misses.
type GoQRDecoder struct{}

func (GoQRDecoder) Name() string { return "goqr" }

func (GoQRDecoder) Decode(img image.Image) (payload string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			payload, ok = "", false
		}
	}()

	codes, err := goqr.Recognize(img)
	if err != nil {
		return "", false
	}
	for _, code := range codes {
		if len(code.Payload) > 0 {
			return string(code.Payload), true
		}
	}
	return "", false
}
