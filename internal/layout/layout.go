// Package layout composites processed scans onto fixed-size pages in a grid.
package layout

import (
	"fmt"
	"math"

	scanerrors "github.com/adverant/nexus/scanprocess-worker/internal/errors"
)

// A4 at 150 dpi.
const (
	DefaultPageWidth  = 1240
	DefaultPageHeight = 1754
	DefaultMargin     = 40
	DefaultGap        = 20
	DefaultColumns    = 1
	DefaultTargetMM   = 200

	// Page buffers are allocated whole, so layouts from payloads are capped.
	// A4 at 600 dpi (4961x7016) still fits.
	MaxPageSide   = 10000
	MaxPagePixels = 36_000_000

	// MaxTargetWidthMM is twice the A4 width.
	MaxTargetWidthMM = 420

	// a4WidthMM converts TargetWidthMM into pixels of PageWidth.
	a4WidthMM = 210
)

// Layout describes the page grid. All sizes are pixels except TargetWidthMM.
// Payloads are decoded over DefaultLayout so missing fields keep their defaults.
type Layout struct {
	PageWidth     int     `json:"pageWidthPx"`
	PageHeight    int     `json:"pageHeightPx"`
	Margin        int     `json:"marginPx"`
	Gap           int     `json:"gapPx"`
	Columns       int     `json:"columns"`
	TargetWidthMM float64 `json:"targetWidthMM"`
}

// DefaultLayout is a single column on an A4 page with 200 mm wide images.
func DefaultLayout() Layout {
	return Layout{
		PageWidth:     DefaultPageWidth,
		PageHeight:    DefaultPageHeight,
		Margin:        DefaultMargin,
		Gap:           DefaultGap,
		Columns:       DefaultColumns,
		TargetWidthMM: DefaultTargetMM,
	}
}

// Validate rejects grids that leave no room for an image.
func (l Layout) Validate() error {
	switch {
	case l.PageWidth <= 0 || l.PageHeight <= 0:
		return scanerrors.NewInvalidOptionsError(fmt.Sprintf("page size must be positive, got %dx%d", l.PageWidth, l.PageHeight))
	case l.PageWidth > MaxPageSide || l.PageHeight > MaxPageSide || l.PageWidth*l.PageHeight > MaxPagePixels:
		return scanerrors.NewInvalidOptionsError(fmt.Sprintf("page size %dx%d exceeds %d px per side or %d px in total", l.PageWidth, l.PageHeight, MaxPageSide, MaxPagePixels))
	case l.Margin < 0 || l.Gap < 0:
		return scanerrors.NewInvalidOptionsError("margin and gap must not be negative")
	case l.Columns < 1:
		return scanerrors.NewInvalidOptionsError(fmt.Sprintf("columns must be at least 1, got %d", l.Columns))
	case l.CellWidth() < 1:
		return scanerrors.NewInvalidOptionsError("margins and gaps leave no room for a column")
	case l.UsableHeight() < 1:
		return scanerrors.NewInvalidOptionsError("margins leave no vertical room on the page")
	case l.TargetWidthMM < 0 || l.TargetWidthMM > MaxTargetWidthMM:
		return scanerrors.NewInvalidOptionsError(fmt.Sprintf("target width must be between 0 and %d mm, got %g", MaxTargetWidthMM, l.TargetWidthMM))
	}
	return nil
}

// ImageWidth is the widest image placed without scaling: the page width for a
// single column and the cell width otherwise. A single-column image may
// overhang the side margins, as the 200 mm default does on A4.
func (l Layout) ImageWidth() int {
	if l.Columns == 1 {
		return l.PageWidth
	}
	return l.CellWidth()
}

// PageTargetWidth is TargetWidth capped at ImageWidth, the width images are
// resized to before compositing. It returns 0 when no millimetre target is set.
func (l Layout) PageTargetWidth() int {
	if t := l.TargetWidth(); t > 0 {
		return min(t, l.ImageWidth())
	}
	return 0
}

// CellWidth is floor((pageWidth - 2*margin - gap*(columns-1)) / columns).
func (l Layout) CellWidth() int {
	return floorDiv(l.PageWidth-2*l.Margin-l.Gap*(l.Columns-1), l.Columns)
}

// UsableHeight is the page height inside the top and bottom margins.
func (l Layout) UsableHeight() int {
	return l.PageHeight - 2*l.Margin
}

// TargetWidth converts TargetWidthMM to pixels as round(pageWidth*mm/210).
// It returns 0 when no millimetre target is set.
func (l Layout) TargetWidth() int {
	if l.TargetWidthMM <= 0 {
		return 0
	}
	return int(math.Round(float64(l.PageWidth) * l.TargetWidthMM / a4WidthMM))
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
