package enrich

import (
	"fmt"
	"time"

	"github.com/tinytelemetry/madrid-enricher/internal/model"
)

// RunOptions bounds one enrichment run.
type RunOptions struct {
	Batch      int           // records claimed per batch
	Sleep      time.Duration // pause between consecutive provider calls
	MaxBatches int
}

// DefaultRunOptions returns the options used when a caller gives none.
func DefaultRunOptions() RunOptions {
	return RunOptions{
		Batch:      model.DefaultBatch,
		Sleep:      model.DefaultSleep,
		MaxBatches: model.DefaultMaxBatches,
	}
}

// Validate checks every option is within its accepted range.
func (o RunOptions) Validate() error {
	if o.Batch < 1 || o.Batch > model.MaxBatch {
		return fmt.Errorf("%w: batch must be between 1 and %d", ErrInvalidParameter, model.MaxBatch)
	}
	if o.Sleep < 0 || o.Sleep > model.MaxSleepSecs*time.Second {
		return fmt.Errorf("%w: sleep must be between 0 and %d seconds", ErrInvalidParameter, model.MaxSleepSecs)
	}
	if o.MaxBatches < 1 || o.MaxBatches > model.MaxBatches {
		return fmt.Errorf("%w: max_batches must be between 1 and %d", ErrInvalidParameter, model.MaxBatches)
	}
	return nil
}

// PreviewOptions controls a read-only preview.
type PreviewOptions struct {
	Limit int
	// Enrich runs every candidate through the provider and reports the
	// proposed patch. Nothing is persisted either way.
	Enrich bool
	Sleep  time.Duration
}

// Validate checks the preview limit.
func (o PreviewOptions) Validate() error {
	if o.Limit < 1 || o.Limit > model.MaxPreview {
		return fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidParameter, model.MaxPreview)
	}
	if o.Sleep < 0 || o.Sleep > model.MaxSleepSecs*time.Second {
		return fmt.Errorf("%w: sleep must be between 0 and %d seconds", ErrInvalidParameter, model.MaxSleepSecs)
	}
	return nil
}
