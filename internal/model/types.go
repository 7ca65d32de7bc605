package model

import "time"

// Status is the enrichment state of a record.
type Status string

const (
	StatusUnenriched Status = "unenriched"
	StatusEnriching  Status = "enriching"
	StatusEnriched   Status = "enriched"
	StatusFailed     Status = "enrich_failed"
)

// Statuses lists every status in state-machine order.
var Statuses = []Status{StatusUnenriched, StatusEnriching, StatusEnriched, StatusFailed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus maps a stored status value to a Status. Empty or NULL
// values read as unenriched.
func ParseStatus(raw string) Status {
	if raw == "" {
		return StatusUnenriched
	}
	return Status(raw)
}

// Record represents one row of the target table.
// Fields holds the source columns; the remaining fields mirror the
// bookkeeping columns maintained by the enricher.
type Record struct {
	Key        string
	Fields     map[string]any
	Status     Status
	Attempts   int
	ClaimToken string
	ClaimedAt  time.Time // zero = never claimed
	LastError  string
	Enrichment map[string]any
	EnrichedAt time.Time
}

// Patch holds the derived output fields for one record.
// An empty patch means there is nothing to persist.
type Patch map[string]any

// Claim identifies one claim taken by a run.
type Claim struct {
	Token       string
	At          time.Time
	MaxAttempts int
	// Since excludes records claimed at or after this instant, so a run
	// never re-selects records it has already touched.
	Since time.Time
}

// Selection describes a read-only candidate query.
type Selection struct {
	Limit       int
	MaxAttempts int
	Since       time.Time // zero = no exclusion
}

// Bookkeeping column names shared by the store implementations.
const (
	ColumnStatus     = "enrich_status"
	ColumnAttempts   = "enrich_attempts"
	ColumnClaim      = "enrich_claim"
	ColumnClaimedAt  = "enrich_claimed_at"
	ColumnError      = "enrich_error"
	ColumnEnrichment = "enrichment"
	ColumnEnrichedAt = "enriched_at"
)

// BookkeepingColumns lists every column owned by the enricher.
var BookkeepingColumns = []string{
	ColumnStatus,
	ColumnAttempts,
	ColumnClaim,
	ColumnClaimedAt,
	ColumnError,
	ColumnEnrichment,
	ColumnEnrichedAt,
}

// IsBookkeeping reports whether column is owned by the enricher.
func IsBookkeeping(column string) bool {
	for _, c := range BookkeepingColumns {
		if c == column {
			return true
		}
	}
	return false
}
