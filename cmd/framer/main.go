package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/dunamismax/softframe/internal/config"
	"github.com/dunamismax/softframe/internal/domain"
	"github.com/dunamismax/softframe/internal/frame"
	"github.com/dunamismax/softframe/internal/pipeline"
)

const shadowOffsetUsage = "drop shadow offset in pixels, applied to both axes (down and right)"

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".webp", ".bmp", ".tif", ".tiff", ".gif"}

type options struct {
	frame   frame.Config
	output  domain.OutputSettings
	outDir  string
	jobID   string
	workers int
	inputs  []string
}

func main() {
	logger := log.New(os.Stderr, "[framer] ", log.LstdFlags|log.Lmsgprefix)

	opts, err := parseFlags(os.Args[1:], config.LoadFrame(domain.DefaultFrameConfig))
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal(err)
	}

	items, err := collectSources(opts.inputs)
	if err != nil {
		logger.Fatalf("collect sources: %v", err)
	}
	if len(items) == 0 {
		logger.Fatal("no images found")
	}

	if opts.jobID == "" {
		opts.jobID = time.Now().UTC().Format("20060102-150405")
	}

	if err := pipeline.Startup(); err != nil {
		logger.Fatalf("image runtime startup failed: %v", err)
	}
	defer pipeline.Shutdown()

	processor, err := pipeline.NewLocalProcessor(opts.outDir, pipeline.WithItemConcurrency(opts.workers))
	if err != nil {
		logger.Fatalf("initialize processor: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	result, err := processor.Process(ctx, pipeline.Request{
		JobID:      opts.jobID,
		SourceType: domain.SourceTypeLocalFile,
		Items:      items,
		Frame:      opts.frame,
		Output:     opts.output,
	})
	if err != nil {
		logger.Fatalf("process: %v", err)
	}

	for _, out := range result.Outputs {
		if out.Success {
			logger.Printf("framed item=%s size=%dx%d path=%s", out.ItemID, out.Width, out.Height, out.Path)
			continue
		}
		logger.Printf("failed item=%s err=%s", out.ItemID, out.Error)
	}
	if result.Archive != nil {
		if result.Archive.Success {
			logger.Printf("archive path=%s bytes=%d", result.Archive.Path, result.Archive.Bytes)
		} else {
			logger.Printf("archive failed err=%s", result.Archive.Error)
		}
	}
	logger.Printf("done succeeded=%d failed=%d elapsed=%s", result.Succeeded(), result.Failed(), time.Since(start).Round(time.Millisecond))

	if result.Succeeded() == 0 {
		os.Exit(1)
	}
}

// parseFlags reads the command line on top of base, which carries the FRAME_*
// environment overrides.
func parseFlags(args []string, base frame.Config) (options, error) {
	opts := options{frame: base}
	fs := flag.NewFlagSet("framer", flag.ContinueOnError)

	fs.Float64Var(&opts.frame.BorderScale, "border-scale", base.BorderScale, "border width as a fraction of the shorter edge")
	fs.Float64Var(&opts.frame.BlurRadius, "blur", base.BlurRadius, "backdrop blur sigma")
	fs.Float64Var(&opts.frame.CornerRadius, "corner-radius", base.CornerRadius, "photo corner radius in pixels")
	fs.Float64Var(&opts.frame.ShadowBlur, "shadow-blur", base.ShadowBlur, "drop shadow blur sigma")
	fs.Float64Var(&opts.frame.ShadowOpacity, "shadow-opacity", base.ShadowOpacity, "drop shadow opacity in [0,1]")
	fs.IntVar(&opts.frame.ShadowOffset, "shadow-offset", base.ShadowOffset, shadowOffsetUsage)

	fs.StringVar(&opts.outDir, "out", "framed", "output directory")
	fs.StringVar(&opts.jobID, "job", "", "batch name used as the output subdirectory (default: timestamp)")
	fs.StringVar(&opts.output.Format, "format", "png", "output format: png, jpeg or webp")
	fs.IntVar(&opts.output.Quality, "quality", 0, "jpeg/webp quality 1-100 (0 uses the encoder default)")
	fs.BoolVar(&opts.output.Archive, "zip", false, "also write every framed image into frames.zip")
	fs.IntVar(&opts.workers, "workers", runtime.NumCPU(), "images processed in parallel")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: framer [flags] <image|dir>...\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return opts, flag.ErrHelp
	}
	opts.inputs = fs.Args()

	if err := opts.output.Validate(); err != nil {
		return opts, fmt.Errorf("invalid output settings: %w", err)
	}
	if err := opts.frame.Validate(); err != nil {
		return opts, fmt.Errorf("invalid frame settings: %w", err)
	}
	return opts, nil
}

// collectSources expands directories one level deep and assigns each file a
// unique item id derived from its base name, reduced to a path token so no two
// items share an output file.
func collectSources(args []string) ([]domain.SourceItem, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}

		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || !isImagePath(entry.Name()) {
				continue
			}
			paths = append(paths, filepath.Join(arg, entry.Name()))
		}
	}

	if len(paths) > domain.MaxItemsPerJob {
		return nil, fmt.Errorf("%d images exceed the batch limit of %d", len(paths), domain.MaxItemsPerJob)
	}

	used := make(map[string]struct{}, len(paths))
	items := make([]domain.SourceItem, 0, len(paths))
	for _, p := range paths {
		base := domain.PathToken(strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)))
		id := base
		for n := 2; ; n++ {
			if _, taken := used[id]; !taken {
				break
			}
			id = fmt.Sprintf("%s-%d", base, n)
		}
		used[id] = struct{}{}
		items = append(items, domain.SourceItem{ID: id, ObjectKey: p})
	}
	return items, nil
}

func isImagePath(name string) bool {
	return slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(name)))
}
