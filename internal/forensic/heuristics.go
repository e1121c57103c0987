package forensic

import (
	"image"

	"github.com/disintegration/imaging"
)

// Calibration. Floors sit at the noise level of untouched phone photos and
// screenshots; ceilings at the level where edits were obvious by eye.
const (
	analysisMaxSide = 1024
	minAnalysisSide = 32

	recompressionQuality = 75
	recompressionStride  = 4
	recompressionFloor   = 1.5
	recompressionCeiling = 9.0

	blockSize       = 8
	blockFloor      = 1.15
	blockCeiling    = 2.0
	gradientEpsilon = 0.5

	smoothStride      = 6
	smoothMaxVariance = 1.5
	smoothFloor       = 0.10
	smoothCeiling     = 0.50
	saturatedLowLuma  = 25
	saturatedHighLuma = 230

	edgeStride       = 3
	edgeGradient     = 60
	edgeMaxLuma      = 170
	edgeBaseline     = 0.06
	edgeFloor        = 0.03
	edgeCeiling      = 0.15
	edgeTrimFraction = 0.12
)

// lumaPlane is a row-major 0..255 luma copy of an image.
type lumaPlane struct {
	w, h int
	pix  []float64
}

func newLumaPlane(img image.Image) *lumaPlane {
	grey := imaging.Grayscale(img)
	b := grey.Bounds()
	p := &lumaPlane{w: b.Dx(), h: b.Dy(), pix: make([]float64, b.Dx()*b.Dy())}
	for y := 0; y < p.h; y++ {
		row := grey.Pix[y*grey.Stride:]
		for x := 0; x < p.w; x++ {
			p.pix[y*p.w+x] = float64(row[x*4])
		}
	}
	return p
}

func (p *lumaPlane) at(x, y int) float64 {
	return p.pix[y*p.w+x]
}

// blockRatio compares the gradient across codec block boundaries with the
// gradient in the middle of blocks. Spliced regions recompressed on a
// shifted grid push boundary energy up.
func blockRatio(p *lumaPlane) float64 {
	var boundary, interior float64
	var nb, ni int
	for y := 0; y < p.h; y += 2 {
		for x := 0; x+1 < p.w; x++ {
			switch x % blockSize {
			case blockSize - 1:
				boundary += absDiff(p.at(x, y), p.at(x+1, y))
				nb++
			case blockSize / 2:
				interior += absDiff(p.at(x, y), p.at(x+1, y))
				ni++
			}
		}
	}
	for x := 0; x < p.w; x += 2 {
		for y := 0; y+1 < p.h; y++ {
			switch y % blockSize {
			case blockSize - 1:
				boundary += absDiff(p.at(x, y), p.at(x, y+1))
				nb++
			case blockSize / 2:
				interior += absDiff(p.at(x, y), p.at(x, y+1))
				ni++
			}
		}
	}
	if nb == 0 || ni == 0 {
		return 0
	}
	return (boundary/float64(nb) + gradientEpsilon) / (interior/float64(ni) + gradientEpsilon)
}

// smoothFraction is the share of grid samples in the amount/date band
// whose 3x3 neighbourhood is almost flat. Paper white and ink black are
// excluded; a flat mid-tone patch is what a pasted box looks like.
func smoothFraction(p *lumaPlane) float64 {
	x0, x1 := p.w/10, p.w*9/10
	y0, y1 := p.h*15/100, p.h*55/100
	var flat, total int
	for y := max(y0, 1); y < y1 && y+1 < p.h; y += smoothStride {
		for x := max(x0, 1); x < x1 && x+1 < p.w; x += smoothStride {
			total++
			mean, variance := p.window3(x, y)
			if mean <= saturatedLowLuma || mean >= saturatedHighLuma {
				continue
			}
			if variance < smoothMaxVariance {
				flat++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(flat) / float64(total)
}

// edgeDeviation measures how far the density of dark, sharp text edges in
// the central region strays from what printed receipts usually show.
func edgeDeviation(p *lumaPlane) float64 {
	trimX := int(float64(p.w) * edgeTrimFraction)
	trimY := int(float64(p.h) * edgeTrimFraction)
	var edges, total int
	for y := max(trimY, 1); y < p.h-trimY && y+1 < p.h; y += edgeStride {
		for x := max(trimX, 1); x < p.w-trimX && x+1 < p.w; x += edgeStride {
			total++
			g := absDiff(p.at(x+1, y), p.at(x-1, y)) + absDiff(p.at(x, y+1), p.at(x, y-1))
			if g > edgeGradient && p.at(x, y) < edgeMaxLuma {
				edges++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return absDiff(float64(edges)/float64(total), edgeBaseline)
}

func (p *lumaPlane) window3(x, y int) (mean, variance float64) {
	var sum, sq float64
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			v := p.at(x+dx, y+dy)
			sum += v
			sq += v * v
		}
	}
	mean = sum / 9
	variance = sq/9 - mean*mean
	return mean, variance
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
