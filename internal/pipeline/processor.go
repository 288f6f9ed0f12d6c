package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dunamismax/softframe/internal/archive"
	"github.com/dunamismax/softframe/internal/domain"
	"github.com/dunamismax/softframe/internal/frame"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	SourceTypeLocalFile = domain.SourceTypeLocalFile

	ArchiveItemID = "archive"
	ArchiveName   = "frames"
)

var ErrUnsupportedSourceType = errors.New("unsupported source_type")

type Request struct {
	JobID      string
	SourceType string
	Items      []domain.SourceItem
	Frame      frame.Config
	Output     domain.OutputSettings
}

// Artifact is one encoded file ready to be written out.
type Artifact struct {
	ItemID string
	Name   string
	Format string
	Data   []byte
	Width  int
	Height int
}

type Output struct {
	ItemID  string `json:"item_id"`
	Format  string `json:"format"`
	Path    string `json:"path,omitempty"`
	Bytes   int    `json:"bytes"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Err     error  `json:"-"`
}

type Result struct {
	Outputs     []Output
	Archive     *Output
	SourceBytes int64
}

func (r Result) Succeeded() int {
	n := 0
	for _, out := range r.Outputs {
		if out.Success {
			n++
		}
	}
	return n
}

func (r Result) Failed() int {
	return len(r.Outputs) - r.Succeeded()
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request, item domain.SourceItem) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, artifact Artifact) (Output, error)
}

type Processor struct {
	fetcher         Fetcher
	codec           Codec
	renderer        *frame.Renderer
	emitter         Emitter
	itemConcurrency int
	maxPixels       int64
	tracer          trace.Tracer
}

type ProcessorOption func(*Processor)

// WithItemConcurrency bounds how many items of one job are handled at once.
func WithItemConcurrency(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.itemConcurrency = n
		}
	}
}

// WithMaxSourcePixels lowers the decode limit below MaxSourcePixels for
// sources whose header the standard decoders can read.
func WithMaxSourcePixels(n int64) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.maxPixels = min(n, MaxSourcePixels)
		}
	}
}

func WithCodec(c Codec) ProcessorOption {
	return func(p *Processor) {
		if c != nil {
			p.codec = c
		}
	}
}

func WithRenderer(r *frame.Renderer) ProcessorOption {
	return func(p *Processor) {
		if r != nil {
			p.renderer = r
		}
	}
}

func NewProcessor(fetcher Fetcher, emitter Emitter, opts ...ProcessorOption) (*Processor, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}

	backdrop, codec, err := newRuntime()
	if err != nil {
		return nil, fmt.Errorf("build image runtime: %w", err)
	}

	p := &Processor{
		fetcher:         fetcher,
		codec:           codec,
		renderer:        frame.NewRenderer(frame.WithBackdrop(backdrop)),
		emitter:         emitter,
		itemConcurrency: runtime.GOMAXPROCS(0),
		maxPixels:       MaxSourcePixels,
		tracer:          otel.Tracer("softframe/pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func NewLocalProcessor(outputDir string, opts ...ProcessorOption) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, LocalFileEmitter{OutputDir: outputDir}, opts...)
}

func NewObjectStoreProcessor(fetcher ObjectStoreFetcher, emitter ObjectStoreEmitter, opts ...ProcessorOption) (*Processor, error) {
	return NewProcessor(fetcher, emitter, opts...)
}

// decodedItem carries one source between the fetch and emit stages.
type decodedItem struct {
	image image.Image
	err   error
}

// Process frames every item of req. Item failures are reported on their
// Output; the returned error is reserved for request-level problems and
// cancellation.
func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}
	if len(req.Items) == 0 {
		return Result{}, errors.New("request must contain at least one item")
	}
	if err := domain.ValidateItemIDs(req.Items); err != nil {
		return Result{}, err
	}
	if err := req.Frame.Validate(); err != nil {
		return Result{}, err
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.process")
	span.SetAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("job.source_type", req.SourceType),
		attribute.Int("job.items", len(req.Items)),
	)
	defer span.End()

	decoded, sourceBytes := p.fetchAndDecode(ctx, req)

	batch := make([]frame.BatchItem, 0, len(req.Items))
	index := make([]int, 0, len(req.Items))
	for i, item := range req.Items {
		if decoded[i].err != nil {
			continue
		}
		batch = append(batch, frame.BatchItem{ID: item.ID, Image: decoded[i].image})
		index = append(index, i)
		decoded[i].image = nil
	}

	_, renderSpan := p.tracer.Start(ctx, "pipeline.render")
	rendered, err := p.renderer.RenderBatch(ctx, batch, req.Frame, p.itemConcurrency)
	renderSpan.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "render failed")
		return Result{}, fmt.Errorf("render stage: %w", err)
	}

	for j, res := range rendered {
		if res.Err != nil {
			decoded[index[j]].err = fmt.Errorf("render stage: %w", res.Err)
			continue
		}
		decoded[index[j]].image = res.Image
	}

	outputs, artifacts := p.encodeAndEmit(ctx, req, decoded)
	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelled")
		return Result{}, err
	}

	result := Result{Outputs: outputs, SourceBytes: sourceBytes}
	if req.Output.Archive {
		result.Archive = p.emitArchive(ctx, req, artifacts)
	}

	span.SetAttributes(
		attribute.Int("job.items_succeeded", result.Succeeded()),
		attribute.Int("job.items_failed", result.Failed()),
	)
	if result.Succeeded() == 0 {
		span.SetStatus(codes.Error, "every item failed")
	} else {
		span.SetStatus(codes.Ok, "processed")
	}
	return result, nil
}

func (p *Processor) fetchAndDecode(ctx context.Context, req Request) ([]decodedItem, int64) {
	ctx, span := p.tracer.Start(ctx, "pipeline.fetch_decode")
	defer span.End()

	var sourceBytes atomic.Int64
	decoded := make([]decodedItem, len(req.Items))

	var g errgroup.Group
	g.SetLimit(p.itemConcurrency)
	for i, item := range req.Items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				decoded[i].err = err
				return nil
			}
			data, err := p.fetcher.Fetch(ctx, req, item)
			if err != nil {
				decoded[i].err = fmt.Errorf("fetch stage item=%s: %w", item.ID, err)
				return nil
			}
			sourceBytes.Add(int64(len(data)))

			img, _, err := p.decode(data)
			if err != nil {
				decoded[i].err = fmt.Errorf("decode stage item=%s: %w", item.ID, err)
				return nil
			}
			decoded[i].image = img
			return nil
		})
	}
	_ = g.Wait()

	return decoded, sourceBytes.Load()
}

func (p *Processor) decode(data []byte) (image.Image, string, error) {
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > p.maxPixels {
			return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", frame.ErrInvalidImage, cfg.Width, cfg.Height, p.maxPixels)
		}
	}
	return p.codec.Decode(data)
}

func (p *Processor) encodeAndEmit(ctx context.Context, req Request, decoded []decodedItem) ([]Output, []Artifact) {
	ctx, span := p.tracer.Start(ctx, "pipeline.encode_emit")
	defer span.End()

	format := NormalizeOutputFormat(req.Output.Format)
	outputs := make([]Output, len(req.Items))
	artifacts := make([]Artifact, len(req.Items))

	var g errgroup.Group
	g.SetLimit(p.itemConcurrency)
	for i, item := range req.Items {
		outputs[i] = Output{ItemID: item.ID, Format: format}
		if err := decoded[i].err; err != nil {
			outputs[i].fail(err)
			continue
		}

		g.Go(func() error {
			img := decoded[i].image
			decoded[i].image = nil

			data, err := p.codec.Encode(img, format, req.Output.Quality)
			if err != nil {
				outputs[i].fail(fmt.Errorf("encode stage item=%s: %w", item.ID, err))
				return nil
			}

			bounds := img.Bounds()
			artifact := Artifact{
				ItemID: item.ID,
				Name:   ArtifactName(item.ID, format),
				Format: format,
				Data:   data,
				Width:  bounds.Dx(),
				Height: bounds.Dy(),
			}
			written, err := p.emitter.Emit(ctx, req, artifact)
			if err != nil {
				outputs[i].fail(fmt.Errorf("emit stage item=%s: %w", item.ID, err))
				return nil
			}
			outputs[i] = written
			artifacts[i] = artifact
			return nil
		})
	}
	_ = g.Wait()

	return outputs, artifacts
}

func (p *Processor) emitArchive(ctx context.Context, req Request, artifacts []Artifact) *Output {
	_, span := p.tracer.Start(ctx, "pipeline.archive")
	defer span.End()

	out := &Output{ItemID: ArchiveItemID, Format: FormatZip}

	now := time.Now().UTC()
	entries := make([]archive.Entry, 0, len(artifacts))
	for _, artifact := range artifacts {
		if artifact.Data == nil {
			continue
		}
		entries = append(entries, archive.Entry{Name: artifact.Name, Data: artifact.Data, Modified: now})
	}

	data, err := archive.Bundle(entries)
	if err != nil {
		span.RecordError(err)
		out.fail(fmt.Errorf("archive stage: %w", err))
		return out
	}

	written, err := p.emitter.Emit(ctx, req, Artifact{
		ItemID: ArchiveItemID,
		Name:   ArtifactName(ArchiveName, FormatZip),
		Format: FormatZip,
		Data:   data,
	})
	if err != nil {
		span.RecordError(err)
		out.fail(fmt.Errorf("archive stage: %w", err))
		return out
	}
	return &written
}

// RenderOne frames a single in-memory source and returns the encoded result.
func (p *Processor) RenderOne(ctx context.Context, data []byte, cfg frame.Config, settings domain.OutputSettings) (Artifact, error) {
	_, span := p.tracer.Start(ctx, "pipeline.render_one")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	src, srcFormat, err := p.decode(data)
	if err != nil {
		span.RecordError(err)
		return Artifact{}, fmt.Errorf("decode stage: %w", err)
	}

	out, err := p.renderer.Render(src, cfg)
	if err != nil {
		span.RecordError(err)
		return Artifact{}, fmt.Errorf("render stage: %w", err)
	}

	format := settings.Format
	if strings.TrimSpace(format) == "" {
		format = srcFormat
	}
	format = NormalizeOutputFormat(format)
	if format == FormatZip {
		format = "png"
	}

	encoded, err := p.codec.Encode(out, format, settings.Quality)
	if err != nil {
		span.RecordError(err)
		return Artifact{}, fmt.Errorf("encode stage: %w", err)
	}

	bounds := out.Bounds()
	span.SetAttributes(
		attribute.Int("image.width", bounds.Dx()),
		attribute.Int("image.height", bounds.Dy()),
	)
	return Artifact{
		Name:   "framed." + extensionForFormat(format),
		Format: format,
		Data:   encoded,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

// ArtifactName is the file name an item is written under.
func ArtifactName(itemID, format string) string {
	return sanitizePathToken(itemID) + "." + extensionForFormat(format)
}

func (o *Output) fail(err error) {
	o.Success = false
	o.Err = err
	o.Error = err.Error()
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request, item domain.SourceItem) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(item.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", item.ObjectKey, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, artifact Artifact) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}
	if strings.TrimSpace(artifact.Name) == "" {
		return Output{}, errors.New("artifact name is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(jobDir, artifact.Name)
	if err := os.WriteFile(fullPath, artifact.Data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return artifact.output(fullPath), nil
}

func (a Artifact) output(path string) Output {
	return Output{
		ItemID:  a.ItemID,
		Format:  a.Format,
		Path:    path,
		Bytes:   len(a.Data),
		Width:   a.Width,
		Height:  a.Height,
		Success: true,
	}
}

func sanitizePathToken(in string) string {
	return domain.PathToken(in)
}
