// Package pipeline runs scanned page images through decode, orientation,
// background cleanup and optional binarization, and composites batches into
// pages.
package pipeline

import (
	"github.com/adverant/nexus/scanprocess-worker/internal/binarize"
	"github.com/adverant/nexus/scanprocess-worker/internal/logging"
	"github.com/adverant/nexus/scanprocess-worker/internal/mask"
	"github.com/adverant/nexus/scanprocess-worker/internal/normalize"
	"github.com/adverant/nexus/scanprocess-worker/internal/orient"
	"github.com/adverant/nexus/scanprocess-worker/internal/raster"
	"github.com/adverant/nexus/scanprocess-worker/internal/speckle"
)

// Config holds pipeline-wide limits.
type Config struct {
	// MaxWorkingWidth downsizes wider inputs before any processing.
	MaxWorkingWidth int
	// MaxPixels rejects larger images before decoding their pixels.
	MaxPixels int
	// MaxBatch caps the images per batch; extra inputs are dropped.
	MaxBatch int
	// Concurrency is the default number of images processed at once.
	Concurrency int
	// PreferPrimaryOnTie is passed to the orientation corrector.
	PreferPrimaryOnTie bool
}

// DefaultConfig returns a 1600 px working width, 40 megapixel inputs, 10
// images per batch and 3 images in flight.
func DefaultConfig() Config {
	return Config{MaxWorkingWidth: 1600, MaxPixels: raster.DefaultMaxPixels, MaxBatch: 10, Concurrency: 3}
}

// Pipeline processes images. It holds no per-image state and is safe for
// concurrent use.
type Pipeline struct {
	config    Config
	corrector orient.Corrector
	logger    *logging.Logger
}

// New creates a pipeline. A nil logger discards output.
func New(cfg Config, logger *logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Pipeline{
		config:    cfg,
		corrector: orient.Corrector{PreferPrimaryOnTie: cfg.PreferPrimaryOnTie},
		logger:    logger,
	}
}

// Image is one processed input.
type Image struct {
	Buffer       *raster.Buffer
	SourceWidth  int
	SourceHeight int
	// Orientation is set when automatic orientation ran.
	Orientation *orient.Decision
	Speckle     speckle.Stats
}

// Process runs a single encoded image through the pipeline.
func (p *Pipeline) Process(data []byte, opts Options) (*Image, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	buf, err := raster.DecodeLimited(data, p.config.MaxPixels)
	if err != nil {
		return nil, err
	}
	img := &Image{SourceWidth: buf.Width, SourceHeight: buf.Height}
	buf = raster.CapWidth(buf, p.config.MaxWorkingWidth)

	if opts.AutoOrient {
		ink, err := orient.InkMap(buf, opts.strictness())
		if err != nil {
			return nil, err
		}
		var d orient.Decision
		buf, d, err = p.corrector.Upright(buf, ink)
		if err != nil {
			return nil, err
		}
		img.Orientation = &d
	}

	buf, err = orient.ApplyManual(buf, opts.RotationDegrees, opts.FlipHorizontal, opts.FlipVertical)
	if err != nil {
		return nil, err
	}

	masks, err := mask.Build(buf)
	if err != nil {
		return nil, err
	}
	normalizer, err := normalize.For(opts.Algorithm)
	if err != nil {
		return nil, err
	}
	if err := normalizer.Normalize(buf, masks); err != nil {
		return nil, err
	}

	if opts.Binarize {
		if err := normalize.DenoiseBackground(buf, masks.TextNeighborhood); err != nil {
			return nil, err
		}
		if err := normalize.Whiten(buf, masks.TextNeighborhood, opts.profile().Threshold()); err != nil {
			return nil, err
		}
		if err := binarize.ForStrictness(opts.strictness()).Apply(buf); err != nil {
			return nil, err
		}
		if img.Speckle, err = speckle.Remove(buf); err != nil {
			return nil, err
		}
	}

	img.Buffer = raster.ResizeToWidth(buf, opts.TargetWidth)
	return img, nil
}
