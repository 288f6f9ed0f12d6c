package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/softframe/internal/domain"
	"github.com/dunamismax/softframe/internal/storage"
)

const (
	SourceTypeS3Presigned = domain.SourceTypeS3Presigned

	defaultInputPrefix = "uploads"
)

// ObjectStore is the subset of the storage client the stages need.
type ObjectStore interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

var _ ObjectStore = (*storage.Client)(nil)

type ObjectStoreFetcher struct {
	Storage ObjectStore
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request, item domain.SourceItem) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, SourceObjectKey(req.JobID, item))
}

type ObjectStoreEmitter struct {
	Storage      ObjectStore
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, artifact Artifact) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}
	if strings.TrimSpace(artifact.Name) == "" {
		return Output{}, errors.New("artifact name is required")
	}

	objectKey := OutputObjectKey(e.OutputPrefix, req.JobID, artifact.Name)

	if err := e.Storage.WriteObject(ctx, objectKey, artifact.Data, ContentTypeForFormat(artifact.Format)); err != nil {
		return Output{}, err
	}

	return artifact.output(objectKey), nil
}

// SourceObjectKey is where an item's upload lives. An explicit object key wins;
// otherwise uploads/<job>/<item>.
func SourceObjectKey(jobID string, item domain.SourceItem) string {
	if key := strings.TrimSpace(item.ObjectKey); key != "" {
		return key
	}
	return path.Join(defaultInputPrefix, sanitizePathToken(jobID), sanitizePathToken(item.ID))
}

// OutputObjectKey is where an emitted artifact lands: <prefix>/<job>/<name>.
func OutputObjectKey(prefix, jobID, name string) string {
	return path.Join(defaultOutputPrefix(prefix), sanitizePathToken(jobID), name)
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "outputs"
	}
	return prefix
}
