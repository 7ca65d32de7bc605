// Package enrich runs bounded, resumable enrichment over a record store.
//
// A run claims batches of eligible records with a single conditional
// update, sends each claimed record through the provider, and writes the
// outcome back conditioned on the claim token. Concurrent runs therefore
// never process the same record, and a run that stops early hands its
// unprocessed claims back.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tinytelemetry/madrid-enricher/internal/metrics"
	"github.com/tinytelemetry/madrid-enricher/internal/model"
	"github.com/tinytelemetry/madrid-enricher/internal/provider"
)

// settleTimeout bounds the writes issued after a run's context is done.
const settleTimeout = 10 * time.Second

// Config holds the runner settings that do not vary per invocation.
type Config struct {
	MaxAttempts int
	ClaimLease  time.Duration
	RunBudget   time.Duration // 0 = bounded by the caller's context only
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: model.DefaultMaxAttempts,
		ClaimLease:  model.DefaultClaimLease,
		RunBudget:   model.DefaultRunBudget,
	}
}

// Runner executes enrichment runs and previews against one store.
// It is safe for concurrent use; every run keeps its own state.
type Runner struct {
	store    model.RecordStore
	enricher provider.Enricher
	cfg      Config

	now      func() time.Time
	newToken func() string
}

// NewRunner creates a runner. enricher may be nil, in which case Run and
// enriching previews return ErrProviderMissing. Unset MaxAttempts and
// ClaimLease take their DefaultConfig values.
func NewRunner(store model.RecordStore, enricher provider.Enricher, cfg Config) *Runner {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = def.ClaimLease
	}
	return &Runner{
		store:    store,
		enricher: enricher,
		cfg:      cfg,
		now:      time.Now,
		newToken: uuid.NewString,
	}
}

// HasProvider reports whether an enrichment provider is configured.
func (r *Runner) HasProvider() bool {
	return r.enricher != nil
}

// Config returns the runner settings.
func (r *Runner) Config() Config {
	return r.cfg
}

// run carries the state of one invocation.
type run struct {
	*Runner
	opts  RunOptions
	sum   model.Summary
	calls int
}

// Run performs one bounded enrichment run. Per-record failures are
// reported in the summary; only store failures abort the run, in which
// case the partial summary is returned together with an error wrapping
// ErrDependencyUnavailable.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (model.Summary, error) {
	if err := opts.Validate(); err != nil {
		return model.Summary{}, err
	}
	if r.enricher == nil {
		return model.Summary{}, ErrProviderMissing
	}

	if r.cfg.RunBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RunBudget)
		defer cancel()
	}

	// Stored timestamps keep microseconds; truncating keeps claims taken
	// by this run on the excluded side of Since.
	start := r.now().UTC().Truncate(time.Microsecond)
	rn := &run{
		Runner: r,
		opts:   opts,
		sum:    model.Summary{RunID: r.newToken(), StartedAt: start},
	}
	log.Printf("enrich: run %s started (batch=%d sleep=%s max_batches=%d)",
		rn.sum.RunID, opts.Batch, opts.Sleep, opts.MaxBatches)

	err := rn.execute(ctx, start)
	return rn.finish(err), err
}

func (rn *run) execute(ctx context.Context, start time.Time) error {
	recovered, err := rn.store.RecoverExpired(ctx, start.Add(-rn.cfg.ClaimLease))
	if err != nil {
		rn.sum.Status = model.RunAbortedDependencies
		return fmt.Errorf("%w: recover expired claims: %v", ErrDependencyUnavailable, err)
	}
	rn.sum.Recovered = recovered
	metrics.AddRecovered(recovered)

	for rn.sum.Batches < rn.opts.MaxBatches {
		if ctx.Err() != nil {
			rn.sum.Status = model.RunStoppedDeadline
			return nil
		}

		claim := model.Claim{
			Token:       rn.newToken(),
			At:          rn.now().UTC(),
			MaxAttempts: rn.cfg.MaxAttempts,
			Since:       start,
		}
		records, err := rn.store.ClaimBatch(ctx, claim, rn.opts.Batch)
		if err != nil {
			if ctx.Err() != nil {
				rn.sum.Status = model.RunStoppedDeadline
				return nil
			}
			rn.sum.Status = model.RunAbortedDependencies
			return fmt.Errorf("%w: claim batch: %v", ErrDependencyUnavailable, err)
		}
		if len(records) == 0 {
			rn.sum.Status = model.RunDone
			return nil
		}
		rn.sum.Batches++
		rn.sum.Claimed += len(records)

		status, err := rn.processBatch(ctx, claim.Token, records)
		if err != nil || status != "" {
			rn.sum.Status = status
			return err
		}
	}
	rn.sum.Status = model.RunStoppedMaxBatches
	return nil
}

// processBatch enriches the records of one claim in order. It returns a
// non-empty status when the run has to stop.
func (rn *run) processBatch(ctx context.Context, token string, records []model.Record) (string, error) {
	for i, rec := range records {
		if rn.calls > 0 && rn.opts.Sleep > 0 {
			if err := sleepCtx(ctx, rn.opts.Sleep); err != nil {
				rn.release(token, records[i:])
				return model.RunStoppedDeadline, nil
			}
		}
		if ctx.Err() != nil {
			rn.release(token, records[i:])
			return model.RunStoppedDeadline, nil
		}

		rn.calls++
		patch, err := rn.enricher.Enrich(ctx, rec)
		switch {
		case err != nil && provider.IsRateLimited(err):
			log.Printf("enrich: run %s: provider rate limited at record %s, stopping", rn.sum.RunID, rec.Key)
			rn.sum.AddError(rec.Key, err.Error())
			rn.release(token, records[i:])
			return model.RunStoppedRateLimit, nil
		case err != nil && ctx.Err() != nil:
			rn.release(token, records[i:])
			return model.RunStoppedDeadline, nil
		case err != nil:
			if status, derr := rn.failAt(ctx, token, records, i, err.Error()); status != "" {
				return status, derr
			}
			continue
		}

		applied, err := rn.store.MarkEnriched(ctx, rec.Key, token, patch, rn.now().UTC())
		if err != nil {
			if ctx.Err() != nil {
				rn.release(token, records[i:])
				return model.RunStoppedDeadline, nil
			}
			log.Printf("enrich: run %s: persist record %s failed: %v", rn.sum.RunID, rec.Key, err)
			if status, derr := rn.failAt(ctx, token, records, i, "persist: "+err.Error()); status != "" {
				return status, derr
			}
			continue
		}

		switch {
		case !applied:
			rn.sum.Skipped++
			rn.sum.AddError(rec.Key, "claim lost before write")
		case len(patch) == 0:
			rn.sum.Skipped++
		default:
			rn.sum.Enriched++
		}
	}
	return "", nil
}

// failAt marks records[i] failed. When the store refuses the write the run
// stops: on a passed deadline records[i:] are released, otherwise the run
// aborts and only the records after i are released.
func (rn *run) failAt(ctx context.Context, token string, records []model.Record, i int, reason string) (string, error) {
	derr := rn.fail(ctx, token, records[i], reason)
	if derr == nil {
		return "", nil
	}
	if ctx.Err() != nil {
		rn.release(token, records[i:])
		return model.RunStoppedDeadline, nil
	}
	rn.release(token, records[i+1:])
	return model.RunAbortedDependencies, derr
}

// fail marks rec as enrich_failed. It returns an error only when the store
// refused the write.
func (rn *run) fail(ctx context.Context, token string, rec model.Record, reason string) error {
	rn.sum.AddError(rec.Key, reason)
	applied, err := rn.store.MarkFailed(ctx, rec.Key, token, reason)
	if err != nil {
		return fmt.Errorf("%w: mark %s failed: %v", ErrDependencyUnavailable, rec.Key, err)
	}
	if applied {
		rn.sum.Failed++
	} else {
		rn.sum.Skipped++
	}
	return nil
}

// release hands unprocessed claims back. It runs on a detached context so
// claims are returned even after the run's deadline.
func (rn *run) release(token string, records []model.Record) {
	if len(records) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	for _, rec := range records {
		applied, err := rn.store.Release(ctx, rec.Key, token)
		if err != nil {
			log.Printf("enrich: run %s: release %s failed, left for lease recovery: %v", rn.sum.RunID, rec.Key, err)
			continue
		}
		if applied {
			rn.sum.Released++
		}
	}
}

func (rn *run) finish(runErr error) model.Summary {
	rn.sum.FinishedAt = rn.now().UTC()
	if rn.sum.Status == "" {
		rn.sum.Status = model.RunAbortedDependencies
	}

	metrics.ObserveRun(rn.sum.Status, rn.sum.Elapsed())
	metrics.AddRecords("enriched", int64(rn.sum.Enriched))
	metrics.AddRecords("failed", int64(rn.sum.Failed))
	metrics.AddRecords("skipped", int64(rn.sum.Skipped))
	metrics.AddRecords("released", int64(rn.sum.Released))

	if recorder, ok := rn.store.(model.RunRecorder); ok {
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		if err := recorder.RecordRun(ctx, rn.sum); err != nil && runErr == nil {
			log.Printf("enrich: run %s: record summary: %v", rn.sum.RunID, err)
		}
		cancel()
	}

	log.Printf("enrich: run %s %s: claimed=%d enriched=%d failed=%d skipped=%d released=%d batches=%d elapsed=%s",
		rn.sum.RunID, rn.sum.Status, rn.sum.Claimed, rn.sum.Enriched, rn.sum.Failed,
		rn.sum.Skipped, rn.sum.Released, rn.sum.Batches, rn.sum.Elapsed().Round(time.Millisecond))
	if runErr != nil {
		log.Printf("enrich: run %s aborted: %v", rn.sum.RunID, runErr)
	}
	return rn.sum
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsDependencyError reports whether err means the store was unavailable.
func IsDependencyError(err error) bool {
	return errors.Is(err, ErrDependencyUnavailable)
}
