package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/softframe/internal/config"
	"github.com/dunamismax/softframe/internal/domain"
	"github.com/dunamismax/softframe/internal/frame"
	"github.com/dunamismax/softframe/internal/pipeline"
	"github.com/dunamismax/softframe/internal/queue"
	"github.com/dunamismax/softframe/internal/storage"
	"github.com/dunamismax/softframe/internal/store"
	"github.com/dunamismax/softframe/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger          *log.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  frameProcessor
	objectProcessor frameProcessor
	webhookClient   webhookSender
	jobStore        store.JobStore
	usageStore      store.UsageStore
	metrics         *metrics
	tracer          trace.Tracer
}

type frameProcessor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	storageClient *storage.Client,
	outputPrefix string,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	if storageClient == nil {
		return nil, fmt.Errorf("storage client is required")
	}

	itemConcurrency := pipeline.WithItemConcurrency(workerCfg.ItemConcurrency)

	localProcessor, err := pipeline.NewLocalProcessor(workerCfg.LocalOutputDir, itemConcurrency)
	if err != nil {
		return nil, fmt.Errorf("initialize pipeline processor: %w", err)
	}

	objectProcessor, err := pipeline.NewObjectStoreProcessor(
		pipeline.ObjectStoreFetcher{Storage: storageClient},
		pipeline.ObjectStoreEmitter{Storage: storageClient, OutputPrefix: outputPrefix},
		itemConcurrency,
	)
	if err != nil {
		return nil, fmt.Errorf("initialize object-store processor: %w", err)
	}

	if usageStore == nil {
		if jobAndUsageStore, ok := jobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:             make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		localProcessor:  localProcessor,
		objectProcessor: objectProcessor,
		jobStore:        jobStore,
		usageStore:      usageStore,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("softframe/worker"),
	}
	if webhookClient != nil {
		s.webhookClient = webhookClient
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeFrameRender, s.handleFrameRender)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleFrameRender(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseFrameJobPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	return s.processFrameJob(ctx, payload)
}

func (s *Server) processFrameJob(ctx context.Context, payload queue.FrameJobPayload) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	ctx, span := s.tracer.Start(ctx, "worker.frame_render", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.Int("job.items", len(payload.Items)),
		attribute.Float64("frame.border_scale", payload.Frame.BorderScale),
		attribute.Float64("frame.blur_radius", payload.Frame.BlurRadius),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf(
		"Framing... job_id=%s source_type=%s items=%d archive=%t",
		payload.JobID,
		payload.SourceType,
		len(payload.Items),
		payload.Output.Archive,
	)

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	request := pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		Items:      payload.Items,
		Frame:      payload.Frame,
		Output:     payload.Output,
	}

	processor := s.objectProcessor
	if payload.SourceType == domain.SourceTypeLocalFile {
		processor = s.localProcessor
	}

	result, err := processor.Process(ctx, request)
	if err != nil {
		s.updateJobStatus(ctx, payload.JobID, domain.JobStatusFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		_ = s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, map[string]any{
			"job_id":       payload.JobID,
			"status":       domain.JobStatusFailed,
			"source_type":  payload.SourceType,
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
			"error":        err.Error(),
		})
		if isPermanent(err) {
			return fmt.Errorf("run pipeline: %w: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("run pipeline: %w", err)
	}

	succeeded, failed := result.Succeeded(), result.Failed()
	s.metrics.itemsTotal.WithLabelValues("succeeded").Add(float64(succeeded))
	s.metrics.itemsTotal.WithLabelValues("failed").Add(float64(failed))
	if result.Archive != nil {
		if result.Archive.Success {
			s.metrics.archivesTotal.WithLabelValues("succeeded").Inc()
		} else {
			s.metrics.archivesTotal.WithLabelValues("failed").Inc()
			s.logger.Printf("archive failed job_id=%s err=%s", payload.JobID, result.Archive.Error)
		}
	}
	for _, out := range result.Outputs {
		if !out.Success {
			s.logger.Printf("item failed job_id=%s item=%s err=%s", payload.JobID, out.ItemID, out.Error)
		}
	}

	if succeeded == 0 {
		s.updateJobStatus(ctx, payload.JobID, domain.JobStatusFailed)
		span.SetStatus(codes.Error, "every item failed")
		_ = s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, map[string]any{
			"job_id":       payload.JobID,
			"status":       domain.JobStatusFailed,
			"source_type":  payload.SourceType,
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
			"outputs":      result.Outputs,
		})
		err := fmt.Errorf("job %s: all %d items failed", payload.JobID, failed)
		if allPermanent(result.Outputs) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	outcome = domain.JobStatusSucceeded
	if failed > 0 {
		outcome = domain.JobStatusCompletedWithErrors
	}

	s.logger.Printf("Framed job_id=%s succeeded=%d failed=%d status=%s", payload.JobID, succeeded, failed, outcome)
	s.updateJobStatus(ctx, payload.JobID, outcome)
	s.recordUsage(ctx, payload.JobID, result, time.Since(startedAt))

	body := map[string]any{
		"job_id":       payload.JobID,
		"status":       outcome,
		"source_type":  payload.SourceType,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
		"outputs":      result.Outputs,
	}
	if result.Archive != nil {
		body["archive"] = result.Archive
	}
	if err := s.dispatchWebhook(ctx, payload, webhook.EventJobCompleted, body); err != nil {
		span.RecordError(err)
	}

	span.SetAttributes(
		attribute.Int("job.items_succeeded", succeeded),
		attribute.Int("job.items_failed", failed),
	)
	span.SetStatus(codes.Ok, outcome)
	return nil
}

// isPermanent reports failures that a retry would reproduce.
func isPermanent(err error) bool {
	return errors.Is(err, frame.ErrInvalidConfiguration) ||
		errors.Is(err, frame.ErrInvalidImage) ||
		errors.Is(err, domain.ErrDuplicateItem) ||
		errors.Is(err, pipeline.ErrUnsupportedSourceType) ||
		errors.Is(err, pipeline.ErrUnsupportedOutputFormat)
}

func allPermanent(outputs []pipeline.Output) bool {
	for _, out := range outputs {
		if !out.Success && !isPermanent(out.Err) {
			return false
		}
	}
	return true
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

// dispatchWebhook delivers an event. Delivery failures are logged and counted
// but never fail the job.
func (s *Server) dispatchWebhook(ctx context.Context, payload queue.FrameJobPayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event, err)
		s.metrics.webhookFailuresTotal.WithLabelValues(event).Inc()
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	return nil
}

func (s *Server) recordUsage(ctx context.Context, jobID string, result pipeline.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := "anonymous"
	if s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, jobID)
		if err != nil {
			s.logger.Printf("usage lookup failed job_id=%s err=%v", jobID, err)
		} else if ok && strings.TrimSpace(job.UserID) != "" {
			userID = job.UserID
		}
	}

	var (
		pixelsProcessed  int64
		totalOutputBytes int64
	)
	for _, output := range result.Outputs {
		if !output.Success {
			continue
		}
		pixelsProcessed += int64(output.Width) * int64(output.Height)
		totalOutputBytes += int64(output.Bytes)
	}

	bytesSaved := max(result.SourceBytes-totalOutputBytes, 0)
	computeTimeMS := max(computeDuration.Milliseconds(), 1)

	usage := domain.UsageLog{
		UserID:          userID,
		JobID:           jobID,
		ItemsFramed:     result.Succeeded(),
		ItemsFailed:     result.Failed(),
		PixelsProcessed: pixelsProcessed,
		BytesSaved:      bytesSaved,
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Printf("usage log write failed job_id=%s err=%v", jobID, err)
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(pixelsProcessed))
	s.metrics.bytesSavedTotal.Add(float64(bytesSaved))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}
