package normalize

import (
	"github.com/disintegration/imaging"

	"github.com/adverant/nexus/scanprocess-worker/internal/mask"
	"github.com/adverant/nexus/scanprocess-worker/internal/raster"
)

// Band limits and adjustments for SelectiveBrightening.
const (
	BrightFloor = 180
	MidFloor    = 140

	brightLift = 16
	midLift    = 6
	darkDrop   = 4

	denoiseSigma = 1.0
)

// SelectiveBrightening sorts pixels into three luminance bands: bright paper
// is denoised and lifted, mid gray gets a small lift and ink is darkened a
// little. Edge pixels in the bright band keep their own luminance instead of
// the blurred one.
type SelectiveBrightening struct{}

func (SelectiveBrightening) Normalize(buf *raster.Buffer, masks mask.Set) error {
	if err := buf.Validate(); err != nil {
		return err
	}
	blurred := raster.FromNRGBA(imaging.Blur(buf.NRGBA(), denoiseSigma))

	for p := 0; p < buf.Width*buf.Height; p++ {
		l := buf.LumaAt(p)
		var out float64
		switch {
		case l >= BrightFloor:
			base := blurred.LumaAt(p)
			if masks.Edge != nil && masks.Edge.Bits[p] == 1 {
				base = l
			}
			out = base + brightLift
		case l >= MidFloor:
			out = l + midLift
		default:
			out = l - darkDrop
		}
		buf.SetGray(p, raster.ClampByte(out+0.5))
	}
	return nil
}
