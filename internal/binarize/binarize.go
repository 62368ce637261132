// Package binarize turns a photographed page into pure black ink on pure white
// paper using a locally adaptive threshold.
package binarize

import (
	"fmt"
	"strings"

	"github.com/adverant/nexus/scanprocess-worker/internal/integral"
	"github.com/adverant/nexus/scanprocess-worker/internal/raster"
)

// DefaultRadius gives a 21x21 neighbourhood.
const DefaultRadius = 10

// Strictness selects the bias subtracted from the local mean.
type Strictness string

const (
	Strict     Strictness = "strict"
	Permissive Strictness = "permissive"
)

// Bias returns the threshold offset: 12 for strict, 10 for permissive.
func (s Strictness) Bias() int {
	if s == Permissive {
		return 10
	}
	return 12
}

// ParseStrictness accepts "strict", "permissive" or empty (strict).
func ParseStrictness(s string) (Strictness, error) {
	switch Strictness(strings.ToLower(strings.TrimSpace(s))) {
	case "", Strict:
		return Strict, nil
	case Permissive:
		return Permissive, nil
	}
	return "", fmt.Errorf("unknown binarization strictness %q", s)
}

// Binarizer classifies pixels as ink when they are darker than the mean of
// their neighbourhood by more than Bias.
type Binarizer struct {
	Radius int
	Bias   int
}

// New returns a binarizer with explicit parameters.
func New(radius, bias int) *Binarizer {
	return &Binarizer{Radius: radius, Bias: bias}
}

// ForStrictness returns the default-radius binarizer for a strictness level.
func ForStrictness(s Strictness) *Binarizer {
	return New(DefaultRadius, s.Bias())
}

// Classify returns one byte per pixel, 1 for foreground and 0 for background.
func (b *Binarizer) Classify(buf *raster.Buffer) ([]uint8, error) {
	if err := buf.Validate(); err != nil {
		return nil, err
	}
	gray := buf.Gray()
	tbl, err := integral.New(gray, buf.Width, buf.Height)
	if err != nil {
		return nil, err
	}

	out := make([]uint8, len(gray))
	bias := float64(b.Bias)
	for y := 0; y < buf.Height; y++ {
		row := y * buf.Width
		for x := 0; x < buf.Width; x++ {
			if float64(gray[row+x]) < tbl.WindowMean(x, y, b.Radius)-bias {
				out[row+x] = 1
			}
		}
	}
	return out, nil
}

// Apply binarizes buf in place: ink becomes 0/0/0, everything else 255/255/255.
// Alpha is left as it was.
func (b *Binarizer) Apply(buf *raster.Buffer) error {
	fg, err := b.Classify(buf)
	if err != nil {
		return err
	}
	for p, v := range fg {
		if v == 1 {
			buf.SetGray(p, 0)
		} else {
			buf.SetGray(p, 255)
		}
	}
	return nil
}
