package model

import "time"

// Shared defaults used by both the service and CLI binaries.
const (
	DefaultBatch       = 25
	DefaultSleep       = 150 * time.Millisecond
	DefaultMaxBatches  = 9999
	DefaultPreview     = 5
	DefaultMaxAttempts = 3
	DefaultClaimLease  = 15 * time.Minute
	DefaultRunBudget   = 540 * time.Second
	DefaultKeyColumn   = "id"

	MaxBatch      = 500
	MaxBatches    = 100000
	MaxPreview    = 100
	MaxSleepSecs  = 60
	MaxErrorsKept = 20
)
