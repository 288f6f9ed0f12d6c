package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/softframe/internal/domain"
	"github.com/dunamismax/softframe/internal/pipeline"
	"github.com/dunamismax/softframe/internal/queue"
	"github.com/dunamismax/softframe/internal/ratelimit"
	"github.com/dunamismax/softframe/internal/store"
	"github.com/hibiken/asynq"
)

type fakeQueue struct {
	mu       sync.Mutex
	payloads []queue.FrameJobPayload
	err      error
}

func (q *fakeQueue) EnqueueFrameJob(_ context.Context, payload queue.FrameJobPayload) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "default", State: asynq.TaskStatePending}, nil
}

type fakeStorage struct {
	existing map[string]bool
}

func (s *fakeStorage) PresignedPutURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.test/put/" + key, nil
}

func (s *fakeStorage) PresignedGetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.test/get/" + key, nil
}

func (s *fakeStorage) ObjectExists(_ context.Context, key string) (bool, error) {
	return s.existing[key], nil
}

type fakeLimiter struct {
	decision ratelimit.Decision
	err      error
	costs    []int
}

func (l *fakeLimiter) AllowN(_ context.Context, _ string, cost int) (ratelimit.Decision, error) {
	l.costs = append(l.costs, cost)
	return l.decision, l.err
}

type testEnv struct {
	server  *Server
	queue   *fakeQueue
	storage *fakeStorage
	jobs    *store.MemoryJobStore
}

func newTestEnv(t *testing.T, opts Options) testEnv {
	t.Helper()
	env := testEnv{
		queue:   &fakeQueue{},
		storage: &fakeStorage{existing: map[string]bool{}},
		jobs:    store.NewMemoryJobStore(),
	}
	if opts.Renderer == nil {
		processor, err := pipeline.NewLocalProcessor(t.TempDir())
		if err != nil {
			t.Fatalf("new local processor: %v", err)
		}
		opts.Renderer = processor
	}
	env.server = NewServer(log.New(io.Discard, "", 0), env.queue, env.jobs, env.storage, opts)
	return env
}

func (e testEnv) do(t *testing.T, method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func createJob(t *testing.T, env testEnv, body string) string {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(body), map[string]string{"X-User-ID": "user-7"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create job status=%d body=%s", rec.Code, rec.Body.String())
	}
	jobID, _ := decodeBody(t, rec)["job_id"].(string)
	if jobID == "" {
		t.Fatal("expected job_id in response")
	}
	return jobID
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateJobPresignsUploads(t *testing.T) {
	env := newTestEnv(t, Options{})
	jobID := createJob(t, env, `{"source_type":"s3_presigned","items":[{"id":"a"},{"id":"b"}],"frame":{"border_scale":0.2},"output":{"format":"jpg"}}`)

	job, ok, err := env.jobs.Get(context.Background(), jobID)
	if err != nil || !ok {
		t.Fatalf("expected stored job, ok=%v err=%v", ok, err)
	}
	if job.Status != domain.JobStatusCreated {
		t.Fatalf("expected created status, got %s", job.Status)
	}
	if job.UserID != "user-7" {
		t.Fatalf("expected user id from header, got %q", job.UserID)
	}
	if job.Frame.BorderScale != 0.2 || job.Frame.BlurRadius != domain.DefaultFrameConfig.BlurRadius {
		t.Fatalf("unexpected resolved frame: %+v", job.Frame)
	}
	if job.Output.Format != "jpeg" {
		t.Fatalf("expected normalized jpeg format, got %q", job.Output.Format)
	}
	want := pipeline.SourceObjectKey(jobID, domain.SourceItem{ID: "a"})
	if job.Items[0].ObjectKey != want {
		t.Fatalf("expected object key %q, got %q", want, job.Items[0].ObjectKey)
	}
}

func TestCreateJobRejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t, Options{})
	cases := map[string]string{
		"unknown field":   `{"source_type":"s3_presigned","items":[{"id":"a"}],"bogus":1}`,
		"no items":        `{"source_type":"s3_presigned","items":[]}`,
		"duplicate ids":   `{"source_type":"s3_presigned","items":[{"id":"a"},{"id":"a"}]}`,
		"colliding ids":   `{"source_type":"s3_presigned","items":[{"id":"my photo"},{"id":"my_photo"}]}`,
		"bad frame":       `{"source_type":"s3_presigned","items":[{"id":"a"}],"frame":{"border_scale":1.5}}`,
		"bad format":      `{"source_type":"s3_presigned","items":[{"id":"a"}],"output":{"format":"gif"}}`,
		"bad source type": `{"source_type":"ftp","items":[{"id":"a"}]}`,
		"trailing json":   `{"source_type":"s3_presigned","items":[{"id":"a"}]}{}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(body), nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestStartJobEnqueuesOnce(t *testing.T) {
	env := newTestEnv(t, Options{})
	jobID := createJob(t, env, `{"source_type":"s3_presigned","items":[{"id":"a"}]}`)

	rec := env.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while upload is missing, got %d", rec.Code)
	}

	env.storage.existing[pipeline.SourceObjectKey(jobID, domain.SourceItem{ID: "a"})] = true
	rec = env.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	if len(env.queue.payloads) != 1 || env.queue.payloads[0].JobID != jobID {
		t.Fatalf("unexpected payloads: %+v", env.queue.payloads)
	}

	job, _, _ := env.jobs.Get(context.Background(), jobID)
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}

	rec = env.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second start, got %d", rec.Code)
	}
}

func TestStartJobTaskConflict(t *testing.T) {
	env := newTestEnv(t, Options{})
	jobID := createJob(t, env, `{"source_type":"s3_presigned","items":[{"id":"a"}]}`)
	env.storage.existing[pipeline.SourceObjectKey(jobID, domain.SourceItem{ID: "a"})] = true
	env.queue.err = asynq.ErrTaskIDConflict

	rec := env.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestStartJobNotFound(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodPost, "/v1/jobs/missing/start", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetJobIncludesDownloadsWhenFinished(t *testing.T) {
	env := newTestEnv(t, Options{OutputPrefix: "results"})
	jobID := createJob(t, env, `{"source_type":"s3_presigned","items":[{"id":"a"}],"output":{"archive":true}}`)

	rec := env.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if _, ok := decodeBody(t, rec)["downloads"]; ok {
		t.Fatal("expected no downloads before completion")
	}

	if _, err := env.jobs.UpdateStatus(context.Background(), jobID, domain.JobStatusCompletedWithErrors); err != nil {
		t.Fatalf("update status: %v", err)
	}
	rec = env.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil, nil)

	var body struct {
		Status    string         `json:"status"`
		Downloads []downloadLink `json:"downloads"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Downloads) != 2 {
		t.Fatalf("expected item and archive downloads, got %+v", body.Downloads)
	}
	wantKey := "results/" + jobID + "/a.png"
	if body.Downloads[0].ObjectKey != wantKey || body.Downloads[0].URL != "https://objects.test/get/"+wantKey {
		t.Fatalf("unexpected item download: %+v", body.Downloads[0])
	}
	if body.Downloads[1].ItemID != pipeline.ArchiveItemID || !strings.HasSuffix(body.Downloads[1].ObjectKey, "/frames.zip") {
		t.Fatalf("unexpected archive download: %+v", body.Downloads[1])
	}
}

func TestRenderReturnsFramedImage(t *testing.T) {
	env := newTestEnv(t, Options{})
	target := "/v1/render?border_scale=0.1&blur_radius=4&corner_radius=10&shadow_blur=2&shadow_opacity=0.3&format=png"
	rec := env.do(t, http.MethodPost, target, bytes.NewReader(buildPNG(t, 120, 80)), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Fatalf("expected image/png, got %q", got)
	}
	if rec.Header().Get("X-Frame-Width") != "136" || rec.Header().Get("X-Frame-Height") != "96" {
		t.Fatalf("unexpected frame size headers: %v", rec.Header())
	}
	cfg, err := png.DecodeConfig(rec.Body)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if cfg.Width != 136 || cfg.Height != 96 {
		t.Fatalf("expected 136x96, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestRenderRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, Options{MaxRenderBytes: 64})
	cases := []struct {
		name   string
		target string
		body   []byte
		want   int
	}{
		{"garbage", "/v1/render", []byte("nope"), http.StatusBadRequest},
		{"empty", "/v1/render", nil, http.StatusBadRequest},
		{"bad query", "/v1/render?blur_radius=abc", []byte("x"), http.StatusBadRequest},
		{"bad config", "/v1/render?shadow_opacity=2", []byte("x"), http.StatusBadRequest},
		{"bad format", "/v1/render?format=gif", []byte("x"), http.StatusBadRequest},
		{"too large", "/v1/render", bytes.Repeat([]byte{1}, 65), http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tc.target, bytes.NewReader(tc.body), nil)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d body=%s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRateLimitRejects(t *testing.T) {
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}}
	env := newTestEnv(t, Options{RateLimiter: limiter})

	rec := env.do(t, http.MethodPost, "/v1/render", bytes.NewReader([]byte("x")), nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", rec.Header().Get("Retry-After"))
	}
	if len(limiter.costs) != 1 || limiter.costs[0] != 5 {
		t.Fatalf("expected render cost 5, got %v", limiter.costs)
	}

	rec = env.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected GET to bypass limiter, got %d", rec.Code)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	limiter := &fakeLimiter{err: errors.New("redis down")}
	env := newTestEnv(t, Options{RateLimiter: limiter})

	rec := env.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{"source_type":"s3_presigned","items":[{"id":"a"}]}`), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected request to pass when limiter fails, got %d", rec.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/jobs":           "/v1/jobs",
		"/v1/jobs/abc":       "/v1/jobs/{id}",
		"/v1/jobs/abc/start": "/v1/jobs/{id}/start",
		"/v1/render":         "/v1/render",
		"/metrics":           "/metrics",
		"/nope/123":          "other",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q)=%q want %q", path, got, want)
		}
	}
}

func buildPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 2), G: uint8(y * 3), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
