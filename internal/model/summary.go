package model

import "time"

// Run outcome statuses reported in a Summary.
const (
	RunDone                = "done"
	RunStoppedMaxBatches   = "stopped_on_max_batches"
	RunStoppedRateLimit    = "stopped_on_rate_limit"
	RunStoppedDeadline     = "stopped_on_deadline"
	RunAbortedDependencies = "aborted_dependency_unavailable"
)

// RecordError describes one per-record failure within a run.
type RecordError struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Summary reports what one enrichment run did.
type Summary struct {
	RunID      string        `json:"run_id"`
	Status     string        `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Claimed    int           `json:"claimed"`
	Enriched   int           `json:"enriched"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Released   int           `json:"released"`
	Recovered  int64         `json:"recovered"`
	Batches    int           `json:"batches"`
	Errors     []RecordError `json:"errors,omitempty"`
}

// Elapsed returns the wall-clock duration of the run.
func (s Summary) Elapsed() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// AddError records a per-record failure, keeping at most MaxErrorsKept.
func (s *Summary) AddError(key, reason string) {
	if len(s.Errors) >= MaxErrorsKept {
		return
	}
	s.Errors = append(s.Errors, RecordError{Key: key, Reason: reason})
}
