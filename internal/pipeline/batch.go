package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	scanerrors "github.com/adverant/nexus/scanprocess-worker/internal/errors"
	"github.com/adverant/nexus/scanprocess-worker/internal/layout"
	"github.com/adverant/nexus/scanprocess-worker/internal/raster"
)

// Mode selects the batch output.
type Mode string

const (
	// ModePerImage returns one encoded image per successful input.
	ModePerImage Mode = "perImage"
	// ModePages composites all successful inputs onto pages.
	ModePages Mode = "pages"
)

// ParseMode accepts "perImage" and "pages". Anything else means pages.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), string(ModePerImage)) {
		return ModePerImage
	}
	return ModePages
}

// Output kinds.
const (
	KindSingle = "single"
	KindPage   = "page"
)

// Input is one encoded image with its options.
type Input struct {
	Data    []byte
	Options Options
}

// BatchRequest is everything RunBatch needs.
type BatchRequest struct {
	Inputs      []Input
	Mode        Mode
	Layout      layout.Layout
	Format      raster.Format
	Concurrency int
}

// Output is one encoded result: a processed image or a composited page.
type Output struct {
	Kind        string        `json:"type"`
	SrcIndex    int           `json:"srcIndex"`
	PageIndex   int           `json:"pageIndex"`
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	Size        int           `json:"size"`
	Format      raster.Format `json:"format"`
	Data        []byte        `json:"-"`
	Fingerprint []float32     `json:"-"`
}

// Failure describes an input that produced no output.
type Failure struct {
	Index   int                  `json:"index"`
	Code    scanerrors.ErrorCode `json:"code"`
	Message string               `json:"message"`
}

// BatchResult is the outcome of RunBatch. Failed inputs never hide the
// successful ones.
type BatchResult struct {
	Mode          Mode               `json:"mode"`
	Items         []Output           `json:"items"`
	PageCount     int                `json:"pageCount"`
	PerImageCount int                `json:"perImageCount"`
	Placements    []layout.Placement `json:"placements,omitempty"`
	Failures      []Failure          `json:"failures,omitempty"`
	Total         int                `json:"total"`
	Succeeded     int                `json:"success"`
	Failed        int                `json:"failed"`
	Dropped       int                `json:"dropped,omitempty"`
	ProcessTime   time.Duration      `json:"processTime"`
}

// RunBatch processes every input on a bounded set of goroutines, then encodes
// them one per input or composites them in input order onto pages.
func (p *Pipeline) RunBatch(ctx context.Context, req *BatchRequest) (*BatchResult, error) {
	start := time.Now()
	if req == nil || len(req.Inputs) == 0 {
		return nil, scanerrors.NewEmptyBatchError()
	}
	mode := req.Mode
	if mode != ModePerImage {
		mode = ModePages
	}
	if err := req.Layout.Validate(); err != nil {
		return nil, err
	}
	format := req.Format
	if format == "" {
		format = raster.FormatPNG
	}

	inputs := req.Inputs
	result := &BatchResult{Mode: mode}
	if p.config.MaxBatch > 0 && len(inputs) > p.config.MaxBatch {
		result.Dropped = len(inputs) - p.config.MaxBatch
		inputs = inputs[:p.config.MaxBatch]
		p.logger.Warn("Batch truncated", "max_batch", p.config.MaxBatch, "dropped", result.Dropped)
	}
	result.Total = len(inputs)

	defaultTarget := req.Layout.TargetWidth()
	if mode == ModePages {
		defaultTarget = req.Layout.PageTargetWidth()
	}
	images, errs := p.processAll(ctx, inputs, defaultTarget, req.Concurrency)

	for i, err := range errs {
		if err != nil {
			result.addFailure(i, err)
			p.logger.Warn("Image failed", "index", i, "code", scanerrors.CodeOf(err), "error", err)
		}
	}

	switch mode {
	case ModePerImage:
		for i, img := range images {
			if img == nil {
				continue
			}
			data, err := raster.Encode(img.Buffer, format)
			if err != nil {
				result.addFailure(i, err)
				continue
			}
			result.Items = append(result.Items, Output{
				Kind:     KindSingle,
				SrcIndex: i,
				Width:    img.Buffer.Width,
				Height:   img.Buffer.Height,
				Size:     len(data),
				Format:   format,
				Data:     data,

				Fingerprint: raster.Fingerprint(img.Buffer),
			})
		}
		result.PerImageCount = len(result.Items)

	case ModePages:
		var bufs []*raster.Buffer
		var srcIndex []int
		for i, img := range images {
			if img != nil {
				bufs = append(bufs, img.Buffer)
				srcIndex = append(srcIndex, i)
			}
		}
		result.PerImageCount = len(bufs)
		if len(bufs) > 0 {
			pages, placements, err := layout.Compose(req.Layout, bufs)
			if err != nil {
				return nil, err
			}
			for k := range placements {
				placements[k].Image = srcIndex[k]
			}
			result.Placements = placements

			for _, page := range pages {
				data, err := raster.Encode(page.Buffer, format)
				if err != nil {
					return nil, fmt.Errorf("encode page %d: %w", page.Index, err)
				}
				result.Items = append(result.Items, Output{
					Kind:      KindPage,
					SrcIndex:  scanerrors.NoIndex,
					PageIndex: page.Index,
					Width:     page.Width,
					Height:    page.Height,
					Size:      len(data),
					Format:    format,
					Data:      data,

					Fingerprint: raster.Fingerprint(page.Buffer),
				})
			}
			result.PageCount = len(pages)
		}
	}

	slices.SortStableFunc(result.Failures, func(a, b Failure) int { return a.Index - b.Index })
	result.Failed = len(result.Failures)
	result.Succeeded = result.Total - result.Failed
	result.ProcessTime = time.Since(start)
	p.logger.Info("Batch processed",
		"mode", mode,
		"total", result.Total,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"pages", result.PageCount,
		"duration", result.ProcessTime)
	return result, nil
}

// processAll runs Process for every input with at most concurrency images in
// flight. Slot i of the returned slices belongs to input i.
func (p *Pipeline) processAll(ctx context.Context, inputs []Input, defaultTarget, concurrency int) ([]*Image, []error) {
	if concurrency <= 0 {
		concurrency = p.config.Concurrency
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	images := make([]*Image, len(inputs))
	errs := make([]error, len(inputs))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i := range inputs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			for j := i; j < len(inputs); j++ {
				errs[j] = scanerrors.NewCancelledError(ctx.Err()).WithIndex(j)
			}
			wg.Wait()
			return images, errs
		}
		if err := ctx.Err(); err != nil {
			<-sem
			for j := i; j < len(inputs); j++ {
				errs[j] = scanerrors.NewCancelledError(err).WithIndex(j)
			}
			break
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = scanerrors.NewInternalError(fmt.Errorf("panic: %v", r)).WithIndex(i)
				}
			}()

			opts := inputs[i].Options
			if opts.TargetWidth == 0 {
				opts.TargetWidth = defaultTarget
			}
			img, err := p.Process(inputs[i].Data, opts)
			if err != nil {
				errs[i] = withIndex(err, i)
				return
			}
			images[i] = img
			p.logger.Debug("Image processed", "index", i, "width", img.Buffer.Width, "height", img.Buffer.Height)
		}(i)
	}
	wg.Wait()
	return images, errs
}

func (r *BatchResult) addFailure(index int, err error) {
	r.Failures = append(r.Failures, Failure{Index: index, Code: scanerrors.CodeOf(err), Message: err.Error()})
}

// withIndex attributes err to input i, keeping its code.
func withIndex(err error, i int) error {
	var pe *scanerrors.ProcessingError
	if errors.As(err, &pe) {
		return pe.WithIndex(i)
	}
	return scanerrors.NewInternalError(err).WithIndex(i)
}
