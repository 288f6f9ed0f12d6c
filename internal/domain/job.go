package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/softframe/internal/frame"
)

const (
	JobStatusCreated             = "created"
	JobStatusQueued              = "queued"
	JobStatusProcessing          = "processing"
	JobStatusSucceeded           = "succeeded"
	JobStatusCompletedWithErrors = "completed_with_errors"
	JobStatusFailed              = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"

	MaxItemsPerJob = 100
)

var ErrDuplicateItem = errors.New("duplicate item id")

type CreateJobRequest struct {
	SourceType string         `json:"source_type"`
	WebhookURL string         `json:"webhook_url,omitempty"`
	Items      []SourceItem   `json:"items"`
	Frame      FrameSettings  `json:"frame"`
	Output     OutputSettings `json:"output"`
}

type SourceItem struct {
	ID        string `json:"id"`
	ObjectKey string `json:"object_key,omitempty"`
}

type OutputSettings struct {
	Format  string `json:"format,omitempty"`
	Quality int    `json:"quality,omitempty"`
	Archive bool   `json:"archive,omitempty"`
}

type Job struct {
	ID         string
	UserID     string
	Status     string
	SourceType string
	WebhookURL string
	Items      []SourceItem
	Frame      frame.Config
	Output     OutputSettings
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate checks the request shape and the frame settings resolved on top of
// defaults. Frame problems wrap frame.ErrInvalidConfiguration.
func (r CreateJobRequest) Validate(defaults frame.Config) error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if len(r.Items) == 0 {
		return errors.New("items must contain at least one source")
	}
	if len(r.Items) > MaxItemsPerJob {
		return fmt.Errorf("items must contain at most %d sources, got %d", MaxItemsPerJob, len(r.Items))
	}

	if err := ValidateItemIDs(r.Items); err != nil {
		return err
	}
	for i, item := range r.Items {
		if sourceType == SourceTypeLocalFile && strings.TrimSpace(item.ObjectKey) == "" {
			return fmt.Errorf("items[%d].object_key is required for source_type=local_file", i)
		}
	}

	if err := r.Output.Validate(); err != nil {
		return err
	}
	return r.Frame.Resolve(defaults).Validate()
}

// ValidateItemIDs requires every id to be present and to map to a distinct
// PathToken, since outputs are named after it.
func ValidateItemIDs(items []SourceItem) error {
	seen := make(map[string]string, len(items))
	for i, item := range items {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			return fmt.Errorf("items[%d].id is required", i)
		}
		token := PathToken(id)
		if prev, dup := seen[token]; dup {
			if prev == id {
				return fmt.Errorf("%w: items[%d].id %q is duplicated", ErrDuplicateItem, i, id)
			}
			return fmt.Errorf("%w: items[%d].id %q and %q both name output %q", ErrDuplicateItem, i, id, prev, token)
		}
		seen[token] = id
	}
	return nil
}

// PathToken reduces s to [A-Za-z0-9_-] so it is safe as a file name or
// object key segment. Every other rune becomes '_'.
func PathToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (o OutputSettings) Validate() error {
	switch strings.ToLower(strings.TrimSpace(o.Format)) {
	case "", "png", "jpeg", "jpg", "webp":
	default:
		return fmt.Errorf("unsupported output format: %s", o.Format)
	}
	if o.Quality < 0 || o.Quality > 100 {
		return fmt.Errorf("output quality must be within 0..100, got %d", o.Quality)
	}
	return nil
}
