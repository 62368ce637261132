/**
 * scanclean - run the scan pipeline on local files
 *
 * Processes one or more photographed pages without Redis or PostgreSQL and
 * writes the outputs next to each other in a directory. A JSON summary of the
 * batch is printed to stdout.
 *
 *   scanclean -mode pages -binarize -out ./clean page1.jpg page2.jpg
 */

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/adverant/nexus/scanprocess-worker/internal/binarize"
	"github.com/adverant/nexus/scanprocess-worker/internal/layout"
	"github.com/adverant/nexus/scanprocess-worker/internal/logging"
	"github.com/adverant/nexus/scanprocess-worker/internal/normalize"
	"github.com/adverant/nexus/scanprocess-worker/internal/pipeline"
	"github.com/adverant/nexus/scanprocess-worker/internal/raster"
)

type cliFlags struct {
	mode        string
	format      string
	outDir      string
	layoutFile  string
	algorithm   string
	profile     string
	strictness  string
	binarize    bool
	noOrient    bool
	rotate      int
	flipH       bool
	flipV       bool
	width       int
	concurrency int
	maxBatch    int
	logLevel    string
}

type summary struct {
	JobID  string                `json:"jobId"`
	Files  []string              `json:"files"`
	Result *pipeline.BatchResult `json:"result"`
}

func main() {
	var f cliFlags
	flag.StringVar(&f.mode, "mode", "pages", "output mode: pages or perImage")
	flag.StringVar(&f.format, "format", "png", "output format: png or jpeg")
	flag.StringVar(&f.outDir, "out", ".", "directory to write outputs to")
	flag.StringVar(&f.layoutFile, "layout", "", "JSON file with a page layout (defaults to A4 at 150 dpi)")
	flag.StringVar(&f.algorithm, "algorithm", string(normalize.DefaultAlgorithm), "background algorithm: adaptiveSubtraction or selective")
	flag.StringVar(&f.profile, "profile", string(normalize.Standard), "whitening profile: soft, standard or strong")
	flag.StringVar(&f.strictness, "strictness", string(binarize.Strict), "binarization bias: strict or permissive")
	flag.BoolVar(&f.binarize, "binarize", false, "produce black and white output")
	flag.BoolVar(&f.noOrient, "no-orient", false, "disable automatic orientation")
	flag.IntVar(&f.rotate, "rotate", 0, "manual rotation in degrees (multiple of 90)")
	flag.BoolVar(&f.flipH, "flip-h", false, "mirror horizontally")
	flag.BoolVar(&f.flipV, "flip-v", false, "mirror vertically")
	flag.IntVar(&f.width, "width", 0, "target width in pixels (0 uses the layout cell width)")
	flag.IntVar(&f.concurrency, "concurrency", 3, "images processed at once")
	flag.IntVar(&f.maxBatch, "max-batch", 10, "maximum images per batch")
	flag.StringVar(&f.logLevel, "log-level", "warn", "log level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] image...\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logging.SetOutput(os.Stderr)
	logging.Configure(f.logLevel, "text")

	if err := run(f, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "scanclean: %v\n", err)
		os.Exit(1)
	}
}

func run(f cliFlags, files []string) error {
	opts, err := f.options()
	if err != nil {
		return err
	}
	format, err := raster.ParseFormat(f.format)
	if err != nil {
		return err
	}
	pageLayout, err := loadLayout(f.layoutFile)
	if err != nil {
		return err
	}

	inputs := make([]pipeline.Input, 0, len(files))
	for _, name := range files {
		data, err := os.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		inputs = append(inputs, pipeline.Input{Data: data, Options: opts})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := pipeline.DefaultConfig()
	cfg.Concurrency = f.concurrency
	cfg.MaxBatch = f.maxBatch
	p := pipeline.New(cfg, logging.NewLogger("scanclean"))

	result, err := p.RunBatch(ctx, &pipeline.BatchRequest{
		Inputs:      inputs,
		Mode:        pipeline.ParseMode(f.mode),
		Layout:      pageLayout,
		Format:      format,
		Concurrency: f.concurrency,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(f.outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	jobID := uuid.New().String()
	written := make([]string, 0, len(result.Items))
	for _, item := range result.Items {
		name := outputName(files, item)
		path := filepath.Join(f.outDir, name)
		if err := os.WriteFile(path, item.Data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary{JobID: jobID, Files: written, Result: result}); err != nil {
		return err
	}
	if result.Succeeded == 0 {
		return fmt.Errorf("no image could be processed")
	}
	return nil
}

func (f cliFlags) options() (pipeline.Options, error) {
	opts := pipeline.DefaultOptions()

	alg, err := normalize.ParseAlgorithm(f.algorithm)
	if err != nil {
		return opts, err
	}
	profile, err := normalize.ParseProfile(f.profile)
	if err != nil {
		return opts, err
	}
	strictness, err := binarize.ParseStrictness(f.strictness)
	if err != nil {
		return opts, err
	}

	opts.Algorithm = alg
	opts.Profile = profile
	opts.Strictness = strictness
	opts.Binarize = f.binarize
	opts.AutoOrient = !f.noOrient
	opts.RotationDegrees = f.rotate
	opts.FlipHorizontal = f.flipH
	opts.FlipVertical = f.flipV
	opts.TargetWidth = f.width
	return opts, opts.Validate()
}

func loadLayout(path string) (layout.Layout, error) {
	l := layout.DefaultLayout()
	if path == "" {
		return l, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return l, fmt.Errorf("read layout: %w", err)
	}
	if err := json.Unmarshal(data, &l); err != nil {
		return l, fmt.Errorf("parse layout: %w", err)
	}
	return l, l.Validate()
}

// outputName is <source>-clean.<ext> per image and page-<n>.<ext> per page.
func outputName(files []string, item pipeline.Output) string {
	ext := item.Format.Extension()
	if item.Kind == pipeline.KindPage {
		return fmt.Sprintf("page-%d%s", item.PageIndex+1, ext)
	}
	base := filepath.Base(files[item.SrcIndex])
	return fmt.Sprintf("%s-clean%s", base[:len(base)-len(filepath.Ext(base))], ext)
}
