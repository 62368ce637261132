// Package integral builds summed-area tables over a single 8-bit channel so a
// rectangular sum costs four lookups no matter how large the window is.
package integral

import "fmt"

// Table is a (width+1) x (height+1) prefix-sum grid. Row 0 and column 0 are
// zero, so sums[(y+1)*(width+1)+(x+1)] covers the rectangle (0,0)..(x,y).
type Table struct {
	width  int
	height int
	sums   []uint64
}

// New builds the table in a single pass over channel.
func New(channel []uint8, width, height int) (*Table, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("integral table needs a positive size, got %dx%d", width, height)
	}
	if len(channel) != width*height {
		return nil, fmt.Errorf("channel has %d samples, want %d", len(channel), width*height)
	}

	stride := width + 1
	sums := make([]uint64, stride*(height+1))
	for y := 0; y < height; y++ {
		var row uint64
		src := channel[y*width : (y+1)*width]
		above := sums[y*stride : (y+1)*stride]
		cur := sums[(y+1)*stride : (y+2)*stride]
		for x, v := range src {
			row += uint64(v)
			cur[x+1] = above[x+1] + row
		}
	}
	return &Table{width: width, height: height, sums: sums}, nil
}

// Width of the source channel.
func (t *Table) Width() int { return t.width }

// Height of the source channel.
func (t *Table) Height() int { return t.height }

// Sum returns the sum over the inclusive rectangle (x0,y0)..(x1,y1). The
// corners must already be inside the table.
func (t *Table) Sum(x0, y0, x1, y1 int) uint64 {
	stride := t.width + 1
	a := t.sums[y0*stride+x0]
	b := t.sums[y0*stride+x1+1]
	c := t.sums[(y1+1)*stride+x0]
	d := t.sums[(y1+1)*stride+x1+1]
	return d + a - b - c
}

// Mean is Sum divided by the rectangle area.
func (t *Table) Mean(x0, y0, x1, y1 int) float64 {
	area := (x1 - x0 + 1) * (y1 - y0 + 1)
	return float64(t.Sum(x0, y0, x1, y1)) / float64(area)
}

// WindowMean returns the mean of the square window of the given radius around
// (x, y), clipped to the channel bounds.
func (t *Table) WindowMean(x, y, radius int) float64 {
	x0, y0 := max(x-radius, 0), max(y-radius, 0)
	x1, y1 := min(x+radius, t.width-1), min(y+radius, t.height-1)
	return t.Mean(x0, y0, x1, y1)
}
