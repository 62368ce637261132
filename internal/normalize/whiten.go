package normalize

import (
	"fmt"
	"slices"
	"strings"

	"github.com/adverant/nexus/scanprocess-worker/internal/mask"
	"github.com/adverant/nexus/scanprocess-worker/internal/raster"
)

// Profile selects how aggressively paper is forced to white.
type Profile string

const (
	Soft     Profile = "soft"
	Standard Profile = "standard"
	Strong   Profile = "strong"
)

// BleedBand is how far below the threshold a neutral pixel still counts as
// ink showing through from the back of the sheet.
const BleedBand = 20

// BleedSaturationMax is the saturation below which a pixel counts as neutral.
const BleedSaturationMax = 0.06

// Threshold returns the whitening luminance: 210, 220 or 235.
func (p Profile) Threshold() float64 {
	switch p {
	case Soft:
		return 210
	case Strong:
		return 235
	}
	return 220
}

// ParseProfile accepts the profile names and the mode names used by the
// mobile client ("whiten-soft", "whiten", "auto", "whiten-strong", "enhance").
func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "soft", "whiten-soft":
		return Soft, nil
	case "", "standard", "whiten", "auto":
		return Standard, nil
	case "strong", "whiten-strong", "enhance":
		return Strong, nil
	}
	return "", fmt.Errorf("unknown whitening profile %q", s)
}

// UnmarshalText lets Profile appear directly in JSON payloads.
func (p *Profile) UnmarshalText(text []byte) error {
	v, err := ParseProfile(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Whiten turns paper pure white. A pixel outside the protected neighbourhood
// becomes white when its luminance is at least threshold, or when it sits in
// the BleedBand below threshold with saturation under BleedSaturationMax.
func Whiten(buf *raster.Buffer, protected *mask.Mask, threshold float64) error {
	if err := buf.Validate(); err != nil {
		return err
	}
	if protected != nil && len(protected.Bits) != buf.Width*buf.Height {
		return fmt.Errorf("mask is %dx%d, buffer is %dx%d", protected.Width, protected.Height, buf.Width, buf.Height)
	}

	for p := 0; p < buf.Width*buf.Height; p++ {
		if protected != nil && protected.Bits[p] == 1 {
			continue
		}
		i := p * 4
		r, g, b := buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2]
		l := raster.Luma(r, g, b)
		bright := l >= threshold
		bleed := l >= threshold-BleedBand && l < threshold && raster.Saturation(r, g, b) < BleedSaturationMax
		if bright || bleed {
			buf.SetGray(p, 255)
		}
	}
	return nil
}

// DenoiseBackground applies a 3x3 median per colour channel to every interior
// pixel outside the protected neighbourhood.
func DenoiseBackground(buf *raster.Buffer, protected *mask.Mask) error {
	if err := buf.Validate(); err != nil {
		return err
	}
	w, h := buf.Width, buf.Height
	src := append([]uint8(nil), buf.Pix...)
	var window [9]uint8

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			if protected != nil && protected.Bits[y*w+x] == 1 {
				continue
			}
			for c := 0; c < 3; c++ {
				k := 0
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						window[k] = src[((y+dy)*w+x+dx)*4+c]
						k++
					}
				}
				sorted := window
				slices.Sort(sorted[:])
				buf.Pix[(y*w+x)*4+c] = sorted[4]
			}
		}
	}
	return nil
}
