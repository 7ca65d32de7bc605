package enrich

import (
	"context"
	"fmt"
	"log"

	"github.com/tinytelemetry/madrid-enricher/internal/model"
	"github.com/tinytelemetry/madrid-enricher/internal/provider"
)

// PreviewItem is one candidate of a preview.
type PreviewItem struct {
	Key      string         `json:"key"`
	Status   model.Status   `json:"status"`
	Attempts int            `json:"attempts"`
	Fields   map[string]any `json:"fields"`
	Patch    model.Patch    `json:"patch,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// PreviewResult lists the records the next run would claim.
type PreviewResult struct {
	Count      int           `json:"count"`
	Enriched   bool          `json:"enriched"`
	Candidates []PreviewItem `json:"candidates"`
}

// Preview selects up to opts.Limit eligible records without mutating the
// store. Selection is ordered by key, so repeated previews over unchanged
// state return the same candidates.
func (r *Runner) Preview(ctx context.Context, opts PreviewOptions) (PreviewResult, error) {
	if err := opts.Validate(); err != nil {
		return PreviewResult{}, err
	}
	if opts.Enrich && r.enricher == nil {
		return PreviewResult{}, ErrProviderMissing
	}

	records, err := r.store.SelectCandidates(ctx, model.Selection{
		Limit:       opts.Limit,
		MaxAttempts: r.cfg.MaxAttempts,
	})
	if err != nil {
		return PreviewResult{}, fmt.Errorf("%w: select candidates: %v", ErrDependencyUnavailable, err)
	}

	res := PreviewResult{
		Count:      len(records),
		Enriched:   opts.Enrich,
		Candidates: make([]PreviewItem, len(records)),
	}
	for i, rec := range records {
		res.Candidates[i] = PreviewItem{
			Key:      rec.Key,
			Status:   rec.Status,
			Attempts: rec.Attempts,
			Fields:   rec.Fields,
		}
	}
	if !opts.Enrich {
		return res, nil
	}

	for i := range res.Candidates {
		if i > 0 && opts.Sleep > 0 {
			if err := sleepCtx(ctx, opts.Sleep); err != nil {
				return res, nil
			}
		}
		patch, err := r.enricher.Enrich(ctx, records[i])
		if err != nil {
			res.Candidates[i].Error = err.Error()
			if provider.IsRateLimited(err) || ctx.Err() != nil {
				log.Printf("enrich: preview stopped at record %s: %v", records[i].Key, err)
				return res, nil
			}
			continue
		}
		res.Candidates[i].Patch = patch
	}
	return res, nil
}
