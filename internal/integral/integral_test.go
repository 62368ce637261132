package integral

import (
	"math/rand"
	"testing"
)

func bruteSum(ch []uint8, w, x0, y0, x1, y1 int) uint64 {
	var s uint64
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			s += uint64(ch[y*w+x])
		}
	}
	return s
}

func TestSumMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	sizes := []struct{ w, h int }{{1, 1}, {1, 17}, {13, 1}, {31, 29}, {64, 48}}
	for _, sz := range sizes {
		ch := make([]uint8, sz.w*sz.h)
		for i := range ch {
			ch[i] = uint8(rng.Intn(256))
		}
		tbl, err := New(ch, sz.w, sz.h)
		if err != nil {
			t.Fatalf("New(%dx%d) failed: %v", sz.w, sz.h, err)
		}

		for i := 0; i < 200; i++ {
			x0, x1 := rng.Intn(sz.w), rng.Intn(sz.w)
			y0, y1 := rng.Intn(sz.h), rng.Intn(sz.h)
			if x0 > x1 {
				x0, x1 = x1, x0
			}
			if y0 > y1 {
				y0, y1 = y1, y0
			}
			want := bruteSum(ch, sz.w, x0, y0, x1, y1)
			if got := tbl.Sum(x0, y0, x1, y1); got != want {
				t.Fatalf("%dx%d Sum(%d,%d,%d,%d) = %d, want %d", sz.w, sz.h, x0, y0, x1, y1, got, want)
			}
		}
	}
}

func TestWindowMeanClipsAtEdges(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	w, h := 40, 25
	ch := make([]uint8, w*h)
	for i := range ch {
		ch[i] = uint8(rng.Intn(256))
	}
	tbl, err := New(ch, w, h)
	if err != nil {
		t.Fatal(err)
	}

	for _, r := range []int{0, 1, 10} {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				x0, y0 := max(x-r, 0), max(y-r, 0)
				x1, y1 := min(x+r, w-1), min(y+r, h-1)
				area := float64((x1 - x0 + 1) * (y1 - y0 + 1))
				want := float64(bruteSum(ch, w, x0, y0, x1, y1)) / area
				if got := tbl.WindowMean(x, y, r); got != want {
					t.Fatalf("WindowMean(%d,%d,%d) = %v, want %v", x, y, r, got, want)
				}
			}
		}
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New(nil, 0, 0); err == nil {
		t.Error("zero-sized table should be rejected")
	}
	if _, err := New(make([]uint8, 5), 2, 3); err == nil {
		t.Error("length mismatch should be rejected")
	}
}

func TestNoOverflowOnLargeWhitePage(t *testing.T) {
	w, h := 2480, 3508
	ch := make([]uint8, w*h)
	for i := range ch {
		ch[i] = 255
	}
	tbl, err := New(ch, w, h)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := tbl.Sum(0, 0, w-1, h-1), uint64(w*h)*255; got != want {
		t.Errorf("full sum = %d, want %d", got, want)
	}
}
