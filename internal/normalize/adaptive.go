package normalize

import (
	"image"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/adverant/nexus/scanprocess-worker/internal/mask"
	"github.com/adverant/nexus/scanprocess-worker/internal/raster"
)

// AdaptiveSubtractor estimates the illumination of the page from a small,
// heavily blurred copy and subtracts it, so every region ends up on the same
// white regardless of how bright it was.
type AdaptiveSubtractor struct {
	// SampleWidth is the width of the low-resolution background estimate.
	SampleWidth int
	// BlurSigma is applied to the low-resolution copy.
	BlurSigma float64
	// Contrast scales the difference from the background.
	Contrast float64
	// TargetWhite is where the background lands.
	TargetWhite float64
}

// NewAdaptiveSubtraction returns the default tuning: 200 px sample, sigma 6,
// contrast 1.5, target 255.
func NewAdaptiveSubtraction() AdaptiveSubtractor {
	return AdaptiveSubtractor{SampleWidth: 200, BlurSigma: 6, Contrast: 1.5, TargetWhite: 255}
}

// Background returns the per-pixel illumination estimate of buf.
func (a AdaptiveSubtractor) Background(buf *raster.Buffer) []uint8 {
	gray := buf.GrayImage()

	sw := min(a.SampleWidth, buf.Width)
	sh := max(1, buf.Height*sw/buf.Width)
	small := imaging.Resize(gray, sw, sh, imaging.Box)
	small = imaging.Blur(small, a.BlurSigma)

	full := image.NewGray(image.Rect(0, 0, buf.Width, buf.Height))
	draw.CatmullRom.Scale(full, full.Bounds(), small, small.Bounds(), draw.Src, nil)
	return full.Pix
}

func (a AdaptiveSubtractor) Normalize(buf *raster.Buffer, _ mask.Set) error {
	if err := buf.Validate(); err != nil {
		return err
	}
	bg := a.Background(buf)
	for p, b := range bg {
		out := (buf.LumaAt(p)-float64(b))*a.Contrast + a.TargetWhite
		buf.SetGray(p, raster.ClampByte(out+0.5))
	}
	return nil
}
