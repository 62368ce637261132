// Package mask marks the pixels that background cleanup must leave alone:
// strong edges, coloured ink and a one-pixel ring around that ink.
package mask

import "github.com/adverant/nexus/scanprocess-worker/internal/raster"

const (
	// EdgeThreshold is the Sobel |Gx|+|Gy| magnitude above which a pixel is an edge.
	EdgeThreshold = 60
	// TextLumaMax and TextSaturationMin select dark, non-neutral ink.
	TextLumaMax       = 160
	TextSaturationMin = 0.08
)

// Mask holds one byte per pixel, 1 when set.
type Mask struct {
	Width  int
	Height int
	Bits   []uint8
}

// NewMask allocates an empty mask.
func NewMask(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Bits: make([]uint8, width*height)}
}

// At reports whether (x, y) is set.
func (m *Mask) At(x, y int) bool {
	return m.Bits[y*m.Width+x] == 1
}

// Count returns the number of set pixels.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Bits {
		n += int(v)
	}
	return n
}

// Set bundles the three masks built for one image.
type Set struct {
	Edge             *Mask
	Text             *Mask
	TextNeighborhood *Mask
}

// Build derives all three masks from buf.
func Build(buf *raster.Buffer) (Set, error) {
	if err := buf.Validate(); err != nil {
		return Set{}, err
	}
	text := TextMask(buf)
	return Set{
		Edge:             EdgeMask(buf),
		Text:             text,
		TextNeighborhood: Dilate(text),
	}, nil
}

// EdgeMask runs a 3x3 Sobel operator over the luminance channel. The outermost
// ring of pixels is never set.
func EdgeMask(buf *raster.Buffer) *Mask {
	w, h := buf.Width, buf.Height
	m := NewMask(w, h)
	if w < 3 || h < 3 {
		return m
	}
	g := buf.Gray()
	for y := 1; y < h-1; y++ {
		up, row, down := (y-1)*w, y*w, (y+1)*w
		for x := 1; x < w-1; x++ {
			tl, t, tr := int(g[up+x-1]), int(g[up+x]), int(g[up+x+1])
			l, r := int(g[row+x-1]), int(g[row+x+1])
			bl, b, br := int(g[down+x-1]), int(g[down+x]), int(g[down+x+1])

			gx := (tr + 2*r + br) - (tl + 2*l + bl)
			gy := (bl + 2*b + br) - (tl + 2*t + tr)
			if abs(gx)+abs(gy) > EdgeThreshold {
				m.Bits[row+x] = 1
			}
		}
	}
	return m
}

// TextMask sets pixels with luminance below 160 and saturation above 0.08.
func TextMask(buf *raster.Buffer) *Mask {
	m := NewMask(buf.Width, buf.Height)
	for p := range m.Bits {
		i := p * 4
		r, g, b := buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2]
		if raster.Luma(r, g, b) < TextLumaMax && raster.Saturation(r, g, b) > TextSaturationMin {
			m.Bits[p] = 1
		}
	}
	return m
}

// Dilate returns a new mask where every pixel with a set 3x3 neighbour
// (itself included) is set.
func Dilate(src *Mask) *Mask {
	w, h := src.Width, src.Height
	out := NewMask(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if src.Bits[y*w+x] == 0 {
				continue
			}
			for yy := max(y-1, 0); yy <= min(y+1, h-1); yy++ {
				for xx := max(x-1, 0); xx <= min(x+1, w-1); xx++ {
					out.Bits[yy*w+xx] = 1
				}
			}
		}
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
