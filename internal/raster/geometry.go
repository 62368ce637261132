package raster

import (
	"fmt"
	"math"

	"github.com/disintegration/imaging"
)

// MaxDimension caps either side of a resized buffer.
const MaxDimension = 16384

// ResizeToWidth scales the buffer to the given width, keeping the aspect ratio.
// A non-positive width or the current width returns b unchanged. When the
// resulting height would exceed MaxDimension the width is reduced instead.
func ResizeToWidth(b *Buffer, width int) *Buffer {
	if width <= 0 || width == b.Width {
		return b
	}
	width = min(width, MaxDimension)
	scale := float64(width) / float64(b.Width)
	if float64(b.Height)*scale > MaxDimension {
		scale = MaxDimension / float64(b.Height)
		width = max(1, int(math.Round(float64(b.Width)*scale)))
	}
	if width == b.Width {
		return b
	}
	height := max(1, min(MaxDimension, int(math.Round(float64(b.Height)*scale))))
	return adopt(imaging.Resize(b.NRGBA(), width, height, imaging.Lanczos))
}

// CapWidth downscales b when it is wider than maxWidth.
func CapWidth(b *Buffer, maxWidth int) *Buffer {
	if maxWidth <= 0 || b.Width <= maxWidth {
		return b
	}
	return ResizeToWidth(b, maxWidth)
}

// FitWithin shrinks b so it fits a maxWidth x maxHeight box. It never enlarges.
func FitWithin(b *Buffer, maxWidth, maxHeight int) *Buffer {
	if b.Width <= maxWidth && b.Height <= maxHeight {
		return b
	}
	scale := math.Min(float64(maxWidth)/float64(b.Width), float64(maxHeight)/float64(b.Height))
	w := int(math.Floor(float64(b.Width) * scale))
	h := int(math.Floor(float64(b.Height) * scale))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return adopt(imaging.Resize(b.NRGBA(), w, h, imaging.Lanczos))
}

// Rotate turns the buffer clockwise by 0, 90, 180 or 270 degrees.
// imaging rotates counter-clockwise, hence the swapped calls.
func Rotate(b *Buffer, degrees int) (*Buffer, error) {
	switch degrees {
	case 0:
		return b, nil
	case 90:
		return adopt(imaging.Rotate270(b.NRGBA())), nil
	case 180:
		return adopt(imaging.Rotate180(b.NRGBA())), nil
	case 270:
		return adopt(imaging.Rotate90(b.NRGBA())), nil
	}
	return nil, fmt.Errorf("rotation must be 0, 90, 180 or 270 degrees, got %d", degrees)
}

// FlipHorizontal mirrors left to right.
func FlipHorizontal(b *Buffer) *Buffer {
	return adopt(imaging.FlipH(b.NRGBA()))
}

// FlipVertical mirrors top to bottom.
func FlipVertical(b *Buffer) *Buffer {
	return adopt(imaging.FlipV(b.NRGBA()))
}
