package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dunamismax/softframe/internal/domain"
)

func TestMemoryJobStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()

	now := time.Now().UTC()
	job := domain.Job{
		ID:        "job-1",
		UserID:    "user-9",
		Status:    domain.JobStatusCreated,
		Items:     []domain.SourceItem{{ID: "cover"}},
		Frame:     domain.DefaultFrameConfig,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	job.Items[0].ID = "mutated"
	got, ok, err := s.Get(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Items[0].ID != "cover" {
		t.Fatalf("expected stored items isolated from caller, got %+v", got.Items)
	}

	updated, err := s.UpdateStatus(ctx, "job-1", domain.JobStatusQueued)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if updated.Status != domain.JobStatusQueued || updated.UserID != "user-9" {
		t.Fatalf("unexpected updated job: %+v", updated)
	}

	if _, err := s.UpdateStatus(ctx, "missing", domain.JobStatusFailed); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, ok, _ := s.Get(ctx, "missing"); ok {
		t.Fatal("expected missing job lookup to report not found")
	}
}

func TestMemoryJobStoreUsageLogs(t *testing.T) {
	s := NewMemoryJobStore()
	var _ UsageStore = s

	if err := s.CreateUsageLog(context.Background(), domain.UsageLog{JobID: "job-1", ItemsFramed: 3}); err != nil {
		t.Fatalf("create usage log: %v", err)
	}
	logs := s.UsageLogs()
	if len(logs) != 1 || logs[0].ItemsFramed != 3 {
		t.Fatalf("unexpected usage logs: %+v", logs)
	}
}
