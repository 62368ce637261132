// Package speckle removes small connected blobs of ink from a binarized page.
package speckle

import "github.com/adverant/nexus/scanprocess-worker/internal/raster"

// MinArea is the floor of the area threshold.
const MinArea = 25

// AreaFraction scales the threshold with the page size.
const AreaFraction = 0.00002

// AreaThreshold returns the smallest component area that survives on a page of
// the given size: max(25, floor(width*height*0.00002)).
func AreaThreshold(width, height int) int {
	return max(MinArea, int(float64(width*height)*AreaFraction))
}

// Stats reports what a Remove call found.
type Stats struct {
	Components int
	Removed    int
	Threshold  int
}

var neighbours = [8][2]int{
	{-1, -1}, {0, -1}, {1, -1},
	{-1, 0}, {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

// Remove erases every 8-connected component of pure-black pixels whose area is
// below AreaThreshold, in place. Each pixel is visited once.
func Remove(buf *raster.Buffer) (Stats, error) {
	if err := buf.Validate(); err != nil {
		return Stats{}, err
	}
	w, h := buf.Width, buf.Height
	stats := Stats{Threshold: AreaThreshold(w, h)}

	visited := make([]bool, w*h)
	var stack, component []int

	for start := range visited {
		if visited[start] {
			continue
		}
		visited[start] = true
		if !black(buf, start) {
			continue
		}

		component = component[:0]
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, p)

			x, y := p%w, p/w
			for _, d := range neighbours {
				nx, ny := x+d[0], y+d[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				q := ny*w + nx
				if visited[q] {
					continue
				}
				visited[q] = true
				if black(buf, q) {
					stack = append(stack, q)
				}
			}
		}

		stats.Components++
		if len(component) < stats.Threshold {
			stats.Removed++
			for _, p := range component {
				buf.SetGray(p, 255)
			}
		}
	}
	return stats, nil
}

func black(buf *raster.Buffer, p int) bool {
	i := p * 4
	return buf.Pix[i] == 0 && buf.Pix[i+1] == 0 && buf.Pix[i+2] == 0
}
