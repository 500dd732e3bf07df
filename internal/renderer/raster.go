// Package renderer resolves inline images and converts them to ESC/POS
// raster commands.
package renderer

import (
	"encoding/hex"
	"image"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/thereceipt/thermal-dispatch/internal/escpos"
)

// DefaultThreshold separates black from white on the 0..255 gray scale.
const DefaultThreshold = 128

// Rasterizer converts images into GS v 0 raster commands.
type Rasterizer struct {
	WidthDots int   // printable width; wider images are scaled down
	Threshold uint8 // gray level below which a pixel prints; 0 means DefaultThreshold
}

// NewRasterizer creates a rasterizer for the given paper width in mm.
func NewRasterizer(paperWidthMM float64) *Rasterizer {
	return &Rasterizer{
		WidthDots: PaperWidthToDots(paperWidthMM),
		Threshold: DefaultThreshold,
	}
}

// Raster returns the complete GS v 0 command for img.
func (r *Rasterizer) Raster(img image.Image) []byte {
	if r.WidthDots > 0 && img.Bounds().Dx() > r.WidthDots {
		img = imaging.Resize(img, r.WidthDots, 0, imaging.Lanczos)
	}

	gray := imaging.Grayscale(img)
	width := gray.Bounds().Dx()
	height := gray.Bounds().Dy()

	return escpos.RasterImage(width, height, toBitmap(gray, r.threshold()))
}

// Hex returns the raster command as an uppercase hex string, the form
// carried inside <img> tags.
func (r *Rasterizer) Hex(img image.Image) string {
	return strings.ToUpper(hex.EncodeToString(r.Raster(img)))
}

func (r *Rasterizer) threshold() uint8 {
	if r.Threshold == 0 {
		return DefaultThreshold
	}
	return r.Threshold
}

// toBitmap packs an image into rows of (width+7)/8 bytes, MSB first, a set
// bit meaning a printed (black) dot. Transparent pixels stay white.
func toBitmap(img *image.NRGBA, threshold uint8) []byte {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	bytesPerLine := (width + 7) / 8
	bitmap := make([]byte, bytesPerLine*height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := img.NRGBAAt(x+bounds.Min.X, y+bounds.Min.Y)
			if c.A < 128 {
				continue
			}
			if c.R < threshold {
				bitmap[y*bytesPerLine+x/8] |= 1 << (7 - uint(x%8))
			}
		}
	}

	return bitmap
}

// PaperWidthToDots returns the printable raster width for a paper width.
func PaperWidthToDots(widthMM float64) int {
	switch {
	case widthMM <= 0:
		return 384
	case widthMM == 58:
		return 384
	case widthMM == 80:
		return 576
	default:
		return int(math.Round(widthMM * escpos.DotsPerMM * 0.9))
	}
}
