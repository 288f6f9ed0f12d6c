package frame

import (
	"context"
	"fmt"
	"image"
	"runtime"

	"golang.org/x/sync/errgroup"
)

type BatchItem struct {
	ID    string
	Image image.Image
}

type BatchResult struct {
	ID    string
	Image *image.NRGBA
	Err   error
}

func (r BatchResult) Success() bool {
	return r.Err == nil && r.Image != nil
}

// RenderBatch frames every item independently on at most workers goroutines
// and returns results in input order. An invalid cfg rejects the whole batch;
// a bad item only fails its own result. Items not started before ctx is done
// fail with the context error.
func (r *Renderer) RenderBatch(ctx context.Context, items []BatchItem, cfg Config, workers int) ([]BatchResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	results := make([]BatchResult, len(items))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, item := range items {
		results[i].ID = item.ID
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			out, err := r.Render(item.Image, cfg)
			if err != nil {
				results[i].Err = fmt.Errorf("item=%s: %w", item.ID, err)
				return nil
			}
			results[i].Image = out
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}
