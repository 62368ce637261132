package layout

import (
	"fmt"

	scanerrors "github.com/adverant/nexus/scanprocess-worker/internal/errors"
	"github.com/adverant/nexus/scanprocess-worker/internal/raster"
)

// Page is one white canvas being filled by a Compositor.
type Page struct {
	Index  int
	Width  int
	Height int
	Buffer *raster.Buffer

	cursorY      int
	column       int
	rowMaxHeight int
	images       int
}

// Images returns how many images were placed on the page.
func (p *Page) Images() int { return p.images }

// Placement records where an added image ended up.
type Placement struct {
	Image  int `json:"image"`
	Page   int `json:"page"`
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Compositor places images row by row, starting a new page when the next
// image would cross the bottom margin. It is not safe for concurrent use.
type Compositor struct {
	layout     Layout
	cellWidth  int
	pages      []*Page
	current    *Page
	placements []Placement
	finished   bool
}

// NewCompositor validates the layout. No page is allocated until the first Add.
func NewCompositor(l Layout) (*Compositor, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &Compositor{layout: l, cellWidth: l.CellWidth()}, nil
}

// Add places img on the current page, or on a fresh one when it does not fit.
// Images wider than ImageWidth or taller than the printable page are scaled
// down first, so images in neighbouring columns never overlap.
func (c *Compositor) Add(img *raster.Buffer) (Placement, error) {
	if c.finished {
		return Placement{}, fmt.Errorf("compositor already finished")
	}
	if err := img.Validate(); err != nil {
		return Placement{}, err
	}
	l := c.layout
	img = raster.FitWithin(img, l.ImageWidth(), l.UsableHeight())

	if c.current == nil {
		if err := c.newPage(); err != nil {
			return Placement{}, err
		}
	}
	p := c.current
	if p.images > 0 && p.cursorY+img.Height > l.PageHeight-l.Margin {
		// Any partially filled row is closed; this image opens the next page.
		if err := c.newPage(); err != nil {
			return Placement{}, err
		}
		p = c.current
	}

	x := l.Margin + p.column*(c.cellWidth+l.Gap) + floorDiv(c.cellWidth-img.Width, 2)
	x = max(0, min(x, l.PageWidth-img.Width))
	y := p.cursorY
	img.DrawOnto(p.Buffer, x, y)
	p.images++

	placed := Placement{Image: len(c.placements), Page: p.Index, X: x, Y: y, Width: img.Width, Height: img.Height}
	c.placements = append(c.placements, placed)

	p.rowMaxHeight = max(p.rowMaxHeight, img.Height)
	p.column++
	if p.column >= l.Columns {
		p.cursorY += p.rowMaxHeight + l.Gap
		p.column = 0
		p.rowMaxHeight = 0
	}
	return placed, nil
}

// Finish returns every page in order, including the last partial one.
func (c *Compositor) Finish() ([]*Page, error) {
	if c.current == nil {
		return nil, scanerrors.NewEmptyBatchError()
	}
	if !c.finished {
		c.pages = append(c.pages, c.current)
		c.finished = true
	}
	return c.pages, nil
}

// Placements returns one entry per added image, in input order.
func (c *Compositor) Placements() []Placement {
	return c.placements
}

func (c *Compositor) newPage() error {
	if c.current != nil {
		c.pages = append(c.pages, c.current)
	}
	l := c.layout
	buf, err := raster.NewFilled(l.PageWidth, l.PageHeight, 255, 255, 255, 255)
	if err != nil {
		return err
	}
	c.current = &Page{
		Index:   len(c.pages),
		Width:   l.PageWidth,
		Height:  l.PageHeight,
		Buffer:  buf,
		cursorY: l.Margin,
	}
	return nil
}

// Compose lays out images in order and returns the finished pages.
func Compose(l Layout, images []*raster.Buffer) ([]*Page, []Placement, error) {
	if len(images) == 0 {
		return nil, nil, scanerrors.NewEmptyBatchError()
	}
	c, err := NewCompositor(l)
	if err != nil {
		return nil, nil, err
	}
	for i, img := range images {
		if _, err := c.Add(img); err != nil {
			return nil, nil, fmt.Errorf("place image %d: %w", i, err)
		}
	}
	pages, err := c.Finish()
	if err != nil {
		return nil, nil, err
	}
	return pages, c.Placements(), nil
}
