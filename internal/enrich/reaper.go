package enrich

import (
	"context"
	"log"
	"time"

	"github.com/tinytelemetry/madrid-enricher/internal/metrics"
	"github.com/tinytelemetry/madrid-enricher/internal/model"
)

// ReaperConfig holds configuration for the lease reaper.
type ReaperConfig struct {
	Interval time.Duration
	Lease    time.Duration
}

// LeaseReaper periodically fails records whose claim outlived the lease,
// typically because the invocation holding it hit the platform timeout.
type LeaseReaper struct {
	store    model.RecordClaimer
	interval time.Duration
	lease    time.Duration
	now      func() time.Time
}

// NewLeaseReaper creates a reaper. Returns nil when the interval is 0
// (disabled).
func NewLeaseReaper(store model.RecordClaimer, conf ReaperConfig) *LeaseReaper {
	if conf.Interval <= 0 {
		return nil
	}
	if conf.Lease <= 0 {
		conf.Lease = model.DefaultClaimLease
	}
	return &LeaseReaper{
		store:    store,
		interval: conf.Interval,
		lease:    conf.Lease,
		now:      time.Now,
	}
}

// Run reaps once to catch up after downtime, then on every tick until ctx
// is done. It always returns nil; store errors are logged and retried on
// the next tick.
func (lr *LeaseReaper) Run(ctx context.Context) error {
	lr.reap(ctx)

	ticker := time.NewTicker(lr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lr.reap(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (lr *LeaseReaper) reap(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()

	cutoff := lr.now().UTC().Add(-lr.lease)
	n, err := lr.store.RecoverExpired(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("enrich: lease reaper error: %v", err)
		}
		return
	}
	if n > 0 {
		metrics.AddRecovered(n)
		log.Printf("enrich: lease reaper recovered %d records (claimed before %s)", n, cutoff.Format(time.RFC3339))
	}
}
