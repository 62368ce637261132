// Package raster holds the decoded pixel buffer every pipeline stage operates on,
// plus the codec and geometry helpers that move pixels in and out of it.
package raster

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	scanerrors "github.com/adverant/nexus/scanprocess-worker/internal/errors"
)

// Buffer is an interleaved, non-premultiplied RGBA raster. Pix is laid out row
// by row with no padding, so len(Pix) == Width*Height*4.
type Buffer struct {
	Width  int
	Height int
	Pix    []uint8
}

// New allocates a zeroed (transparent black) buffer.
func New(width, height int) (*Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, scanerrors.NewInvalidDimensionsError(width, height)
	}
	return &Buffer{Width: width, Height: height, Pix: make([]uint8, width*height*4)}, nil
}

// NewFilled allocates a buffer with every pixel set to the given colour.
func NewFilled(width, height int, r, g, b, a uint8) (*Buffer, error) {
	buf, err := New(width, height)
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(buf.Pix); i += 4 {
		buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2], buf.Pix[i+3] = r, g, b, a
	}
	return buf, nil
}

// FromImage copies any image into a new buffer with origin (0,0).
func FromImage(img image.Image) (*Buffer, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, scanerrors.NewInvalidDimensionsError(b.Dx(), b.Dy())
	}
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) && n.Stride == b.Dx()*4 {
		pix := make([]uint8, b.Dx()*b.Dy()*4)
		copy(pix, n.Pix)
		return &Buffer{Width: b.Dx(), Height: b.Dy(), Pix: pix}, nil
	}
	return adopt(imaging.Clone(img)), nil
}

// FromNRGBA wraps an NRGBA without copying when its layout allows it.
func FromNRGBA(n *image.NRGBA) *Buffer {
	if n.Rect.Min == (image.Point{}) && n.Stride == n.Rect.Dx()*4 && len(n.Pix) == n.Rect.Dx()*n.Rect.Dy()*4 {
		return adopt(n)
	}
	return adopt(imaging.Clone(n))
}

// adopt takes ownership of an NRGBA produced by imaging; those always start
// at the origin with a tight stride.
func adopt(n *image.NRGBA) *Buffer {
	return &Buffer{Width: n.Rect.Dx(), Height: n.Rect.Dy(), Pix: n.Pix}
}

// Validate checks the buffer invariants.
func (b *Buffer) Validate() error {
	if b == nil || b.Width <= 0 || b.Height <= 0 {
		w, h := 0, 0
		if b != nil {
			w, h = b.Width, b.Height
		}
		return scanerrors.NewInvalidDimensionsError(w, h)
	}
	if len(b.Pix) != b.Width*b.Height*4 {
		return fmt.Errorf("pixel data length %d does not match %dx%d RGBA", len(b.Pix), b.Width, b.Height)
	}
	return nil
}

// Clone returns a deep copy.
func (b *Buffer) Clone() *Buffer {
	pix := make([]uint8, len(b.Pix))
	copy(pix, b.Pix)
	return &Buffer{Width: b.Width, Height: b.Height, Pix: pix}
}

// NRGBA exposes the buffer as an image without copying. Writes through the
// returned image are visible in the buffer.
func (b *Buffer) NRGBA() *image.NRGBA {
	return &image.NRGBA{Pix: b.Pix, Stride: b.Width * 4, Rect: image.Rect(0, 0, b.Width, b.Height)}
}

// Offset returns the index of the R byte of pixel (x, y).
func (b *Buffer) Offset(x, y int) int {
	return (y*b.Width + x) * 4
}

// IsBlack reports whether pixel (x, y) is pure black, which is how binarized
// foreground is represented.
func (b *Buffer) IsBlack(x, y int) bool {
	i := b.Offset(x, y)
	return b.Pix[i] == 0 && b.Pix[i+1] == 0 && b.Pix[i+2] == 0
}

// SetGray writes v into R, G and B of pixel index p (not byte offset), leaving alpha.
func (b *Buffer) SetGray(p int, v uint8) {
	i := p * 4
	b.Pix[i], b.Pix[i+1], b.Pix[i+2] = v, v, v
}

// Luma is the Rec. 601 luminance of an RGB triple.
func Luma(r, g, bl uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)
}

// Saturation is the HSV-style saturation proxy (max-min)/max, 0 for black.
func Saturation(r, g, bl uint8) float64 {
	mx, mn := r, r
	if g > mx {
		mx = g
	}
	if bl > mx {
		mx = bl
	}
	if g < mn {
		mn = g
	}
	if bl < mn {
		mn = bl
	}
	if mx == 0 {
		return 0
	}
	return float64(mx-mn) / float64(mx)
}

// LumaAt returns the luminance of pixel index p.
func (b *Buffer) LumaAt(p int) float64 {
	i := p * 4
	return Luma(b.Pix[i], b.Pix[i+1], b.Pix[i+2])
}

// Gray extracts the luminance channel, one byte per pixel, rounded.
func (b *Buffer) Gray() []uint8 {
	out := make([]uint8, b.Width*b.Height)
	for p := range out {
		out[p] = clampByte(b.LumaAt(p) + 0.5)
	}
	return out
}

// GrayImage wraps the luminance channel as an *image.Gray.
func (b *Buffer) GrayImage() *image.Gray {
	return &image.Gray{Pix: b.Gray(), Stride: b.Width, Rect: image.Rect(0, 0, b.Width, b.Height)}
}

// Alpha returns a copy of the alpha channel.
func (b *Buffer) Alpha() []uint8 {
	out := make([]uint8, b.Width*b.Height)
	for p := range out {
		out[p] = b.Pix[p*4+3]
	}
	return out
}

// DrawOnto composites b over dst with its top-left corner at (x, y).
func (b *Buffer) DrawOnto(dst *Buffer, x, y int) {
	r := image.Rect(x, y, x+b.Width, y+b.Height)
	draw.Draw(dst.NRGBA(), r, b.NRGBA(), image.Point{}, draw.Over)
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

// ClampByte truncates v into [0, 255].
func ClampByte(v float64) uint8 {
	return clampByte(v)
}
