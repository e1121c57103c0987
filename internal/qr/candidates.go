package qr

import (
	"image"
	"image/color"
	"iter"

	"github.com/disintegration/imaging"
)

// Candidate is one prepared view of the receipt handed to the decoders.
type Candidate struct {
	Region   string
	Filter   string
	Rotation int
	Image    image.Image
}

type region struct {
	name string
	crop func(b image.Rectangle) image.Rectangle
}

// QR codes on payment receipts cluster near the footer, so the bottom of
// the frame is tried in several cuts after the full frame.
var regions = []region{
	{"full", func(b image.Rectangle) image.Rectangle { return b }},
	{"bottom_half", func(b image.Rectangle) image.Rectangle {
		return image.Rect(b.Min.X, b.Min.Y+b.Dy()/2, b.Max.X, b.Max.Y)
	}},
	{"bottom_right", func(b image.Rectangle) image.Rectangle {
		return image.Rect(b.Min.X+b.Dx()/2, b.Min.Y+b.Dy()/2, b.Max.X, b.Max.Y)
	}},
	{"bottom_left", func(b image.Rectangle) image.Rectangle {
		return image.Rect(b.Min.X, b.Min.Y+b.Dy()/2, b.Min.X+b.Dx()/2, b.Max.Y)
	}},
}

type filter struct {
	name  string
	apply func(img image.Image, smallSide int) image.Image // nil result skips the filter
}

var sharpenKernel = [9]float64{
	0, -1, 0,
	-1, 5, -1,
	0, -1, 0,
}

var filters = []filter{
	{"identity", func(img image.Image, _ int) image.Image { return img }},
	{"grey_normalize", func(img image.Image, _ int) image.Image { return normalize(imaging.Grayscale(img)) }},
	{"grey_contrast", func(img image.Image, _ int) image.Image {
		return imaging.AdjustContrast(imaging.Grayscale(img), 50)
	}},
	{"grey_contrast_invert", func(img image.Image, _ int) image.Image {
		return imaging.Invert(imaging.AdjustContrast(imaging.Grayscale(img), 50))
	}},
	{"upscale_2x", func(img image.Image, smallSide int) image.Image {
		b := img.Bounds()
		if longestSide(b) >= smallSide {
			return nil
		}
		return imaging.Resize(img, b.Dx()*2, b.Dy()*2, imaging.NearestNeighbor)
	}},
	{"sharpen", func(img image.Image, _ int) image.Image {
		return imaging.Convolve3x3(img, sharpenKernel, nil)
	}},
}

var rotations = []int{0, 90, 180, 270}

// Candidates lazily yields region x filter x rotation views of img. The
// frame is bounded to maxSide once and regions are cut from the bounded
// copy, so no candidate ever works at the upload's full resolution.
// Filters that do not apply to a region (upscaling a large crop) are
// skipped.
func Candidates(img image.Image, maxSide, smallSide int) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		frame := bound(img, maxSide)
		for _, r := range regions {
			rect := r.crop(frame.Bounds())
			if rect.Empty() {
				continue
			}
			cropped := imaging.Crop(frame, rect)

			for _, f := range filters {
				filtered := f.apply(cropped, smallSide)
				if filtered == nil {
					continue
				}
				for _, deg := range rotations {
					c := Candidate{
						Region:   r.name,
						Filter:   f.name,
						Rotation: deg,
						Image:    rotate(filtered, deg),
					}
					if !yield(c) {
						return
					}
				}
			}
		}
	}
}

func rotate(img image.Image, deg int) image.Image {
	switch deg {
	case 90:
		return imaging.Rotate90(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate270(img)
	}
	return img
}

// bound downscales img so its longest side is at most maxSide. Large
// reductions use a box filter; Lanczos support grows with the ratio.
func bound(img image.Image, maxSide int) image.Image {
	longest := longestSide(img.Bounds())
	if maxSide <= 0 || longest <= maxSide {
		return img
	}
	filter := imaging.Lanczos
	if longest > 2*maxSide {
		filter = imaging.Box
	}
	return imaging.Fit(img, maxSide, maxSide, filter)
}

func longestSide(b image.Rectangle) int {
	if b.Dx() > b.Dy() {
		return b.Dx()
	}
	return b.Dy()
}

// normalize stretches the luma range of a greyscale image to 0..255.
func normalize(grey *image.NRGBA) image.Image {
	lo, hi := uint8(255), uint8(0)
	for i := 0; i < len(grey.Pix); i += 4 {
		v := grey.Pix[i]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi <= lo {
		return grey
	}
	span := float64(hi - lo)
	return imaging.AdjustFunc(grey, func(c color.NRGBA) color.NRGBA {
		v := uint8((float64(c.R-lo) / span) * 255)
		return color.NRGBA{R: v, G: v, B: v, A: c.A}
	})
}
