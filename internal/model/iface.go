package model

import (
	"context"
	"time"
)

// CandidateReader provides read-only selection of eligible records.
type CandidateReader interface {
	SelectCandidates(ctx context.Context, sel Selection) ([]Record, error)
}

// RecordClaimer provides the claim protocol. Every write after ClaimBatch
// is conditional on the claim token and reports whether it applied.
type RecordClaimer interface {
	// ClaimBatch atomically moves up to limit eligible records to
	// enriching under claim.Token and returns them.
	ClaimBatch(ctx context.Context, claim Claim, limit int) ([]Record, error)
	MarkEnriched(ctx context.Context, key, token string, patch Patch, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, key, token, reason string) (bool, error)
	// Release returns a claimed record to its pre-claim state and refunds
	// the attempt taken by the claim.
	Release(ctx context.Context, key, token string) (bool, error)
	// RecoverExpired fails every enriching record claimed before cutoff.
	RecoverExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// StatusCounter reports how many records are in each status.
type StatusCounter interface {
	StatusCounts(ctx context.Context) (map[Status]int64, error)
}

// Pinger verifies store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RecordStore is the full store contract used by the enricher.
type RecordStore interface {
	Pinger
	CandidateReader
	RecordClaimer
	StatusCounter
	Close() error
}

// RunRecorder persists run summaries. Stores implement it optionally.
type RunRecorder interface {
	RecordRun(ctx context.Context, s Summary) error
}
