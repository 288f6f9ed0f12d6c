package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/softframe/internal/domain"
	"github.com/dunamismax/softframe/internal/frame"
	"github.com/dunamismax/softframe/internal/id"
	"github.com/dunamismax/softframe/internal/pipeline"
	"github.com/dunamismax/softframe/internal/queue"
	"github.com/dunamismax/softframe/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
)

const defaultUserIDHeader = "X-User-ID"

type Server struct {
	logger                *log.Logger
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	storage               objectStorage
	renderer              Renderer
	presignTTL            time.Duration
	outputPrefix          string
	frameDefaults         frame.Config
	maxRenderBytes        int64
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueFrameJob(ctx context.Context, payload queue.FrameJobPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

// Renderer frames one in-memory upload for the synchronous endpoint.
type Renderer interface {
	RenderOne(ctx context.Context, data []byte, cfg frame.Config, settings domain.OutputSettings) (pipeline.Artifact, error)
}

type Options struct {
	PresignTTL            time.Duration
	OutputPrefix          string
	FrameDefaults         *frame.Config
	MaxRenderBytes        int64
	Renderer              Renderer
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
	Tracer                trace.Tracer
}

func NewServer(logger *log.Logger, queueClient queueEnqueuer, jobStore store.JobStore, storage objectStorage, opts Options) *Server {
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.MaxRenderBytes <= 0 {
		opts.MaxRenderBytes = 32 << 20
	}
	if strings.TrimSpace(opts.RateLimitUserIDHeader) == "" {
		opts.RateLimitUserIDHeader = defaultUserIDHeader
	}
	if storage == nil {
		storage = unavailableObjectStorage{}
	}
	defaults := domain.DefaultFrameConfig
	if opts.FrameDefaults != nil {
		defaults = *opts.FrameDefaults
	}

	s := &Server{
		logger:                logger,
		queueClient:           queueClient,
		jobStore:              jobStore,
		storage:               storage,
		renderer:              opts.Renderer,
		presignTTL:            opts.PresignTTL,
		outputPrefix:          opts.OutputPrefix,
		frameDefaults:         defaults,
		maxRenderBytes:        opts.MaxRenderBytes,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserIDHeader,
		metrics:               newMetrics(),
		tracer:                opts.Tracer,
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) PresignedGetURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) ObjectExists(_ context.Context, _ string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

// Handler wraps the routes as tracing, then metrics, then rate limiting.
func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/start", s.handleStartJob)
	s.mux.HandleFunc("POST /v1/render", s.handleRender)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadTarget struct {
	ItemID          string `json:"item_id"`
	ObjectKey       string `json:"object_key"`
	PresignedPutURL string `json:"presigned_put_url,omitempty"`
	State           string `json:"presigned_url_state"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(s.frameDefaults); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))

	items := make([]domain.SourceItem, len(req.Items))
	uploads := make([]uploadTarget, len(req.Items))
	for i, item := range req.Items {
		item.ID = strings.TrimSpace(item.ID)
		item.ObjectKey = strings.TrimSpace(item.ObjectKey)
		uploads[i] = uploadTarget{ItemID: item.ID, ObjectKey: item.ObjectKey, State: "not_required"}

		if sourceType == domain.SourceTypeS3Presigned && item.ObjectKey == "" {
			item.ObjectKey = pipeline.SourceObjectKey(jobID, item)
			url, err := s.storage.PresignedPutURL(r.Context(), item.ObjectKey, s.presignTTL)
			if err != nil {
				s.logger.Printf("generate presigned url failed job_id=%s item=%s err=%v", jobID, item.ID, err)
				writeError(w, http.StatusInternalServerError, "failed to generate upload URL")
				return
			}
			uploads[i] = uploadTarget{ItemID: item.ID, ObjectKey: item.ObjectKey, PresignedPutURL: url, State: "ready"}
		}
		items[i] = item
	}

	output := req.Output
	output.Format = pipeline.NormalizeOutputFormat(output.Format)

	job := domain.Job{
		ID:         jobID,
		UserID:     s.userID(r),
		Status:     domain.JobStatusCreated,
		SourceType: sourceType,
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		Items:      items,
		Frame:      req.Frame.Resolve(s.frameDefaults),
		Output:     output,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed job_id=%s err=%v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":    job.ID,
		"status":    job.Status,
		"frame":     job.Frame,
		"output":    job.Output,
		"uploads":   uploads,
		"start_url": fmt.Sprintf("/v1/jobs/%s/start", job.ID),
	})
}

type downloadLink struct {
	ItemID    string `json:"item_id"`
	ObjectKey string `json:"object_key"`
	URL       string `json:"presigned_get_url,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	body := map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"source_type": job.SourceType,
		"items":       job.Items,
		"frame":       job.Frame,
		"output":      job.Output,
		"created_at":  job.CreatedAt,
		"updated_at":  job.UpdatedAt,
	}
	if finished(job.Status) && job.SourceType == domain.SourceTypeS3Presigned {
		body["downloads"] = s.downloadLinks(r.Context(), job)
	}
	writeJSON(w, http.StatusOK, body)
}

// downloadLinks presigns every location the worker may have written to.
// Failed items have no object behind their link.
func (s *Server) downloadLinks(ctx context.Context, job domain.Job) []downloadLink {
	names := make([]downloadLink, 0, len(job.Items)+1)
	for _, item := range job.Items {
		names = append(names, downloadLink{ItemID: item.ID, ObjectKey: pipeline.ArtifactName(item.ID, job.Output.Format)})
	}
	if job.Output.Archive {
		names = append(names, downloadLink{ItemID: pipeline.ArchiveItemID, ObjectKey: pipeline.ArtifactName(pipeline.ArchiveName, pipeline.FormatZip)})
	}

	for i := range names {
		names[i].ObjectKey = pipeline.OutputObjectKey(s.outputPrefix, job.ID, names[i].ObjectKey)
		url, err := s.storage.PresignedGetURL(ctx, names[i].ObjectKey, s.presignTTL)
		if err != nil {
			s.logger.Printf("presign download failed job_id=%s key=%s err=%v", job.ID, names[i].ObjectKey, err)
			continue
		}
		names[i].URL = url
	}
	return names
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status != domain.JobStatusCreated {
		writeError(w, http.StatusConflict, fmt.Sprintf("job already started: status=%s", job.Status))
		return
	}

	if err := s.verifySourcesExist(r.Context(), job); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	taskInfo, err := s.queueClient.EnqueueFrameJob(r.Context(), queue.NewFrameJobPayload(job, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			writeError(w, http.StatusConflict, "job is already queued")
			return
		}
		s.logger.Printf("enqueue failed job_id=%s err=%v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Printf("update status failed job_id=%s err=%v", job.ID, err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"items":       len(job.Items),
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) verifySourcesExist(ctx context.Context, job domain.Job) error {
	for _, item := range job.Items {
		switch job.SourceType {
		case domain.SourceTypeLocalFile:
			if _, err := os.Stat(item.ObjectKey); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("source object is missing: item=%s key=%s", item.ID, item.ObjectKey)
				}
				return fmt.Errorf("source object check failed: item=%s: %w", item.ID, err)
			}
		default:
			key := pipeline.SourceObjectKey(job.ID, item)
			exists, err := s.storage.ObjectExists(ctx, key)
			if err != nil {
				return fmt.Errorf("source object check failed: item=%s: %w", item.ID, err)
			}
			if !exists {
				return fmt.Errorf("source object is missing: item=%s key=%s", item.ID, key)
			}
		}
	}
	return nil
}

func (s *Server) userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
}

func finished(status string) bool {
	return status == domain.JobStatusSucceeded || status == domain.JobStatusCompletedWithErrors
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
