// Package provider defines the pluggable enrichment transformation: the
// Enricher contract, the YAML profile describing inputs and outputs, and
// the error kinds callers branch on.
package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/tinytelemetry/madrid-enricher/internal/model"
)

var (
	// ErrRateLimited indicates the provider refused the call because of a
	// rate limit or exhausted quota. Callers stop instead of retrying.
	ErrRateLimited = errors.New("provider: rate limited")

	// ErrInvalidResponse indicates the provider answered with content that
	// could not be turned into a patch.
	ErrInvalidResponse = errors.New("provider: invalid response")

	// ErrNotConfigured indicates no provider credentials are available.
	ErrNotConfigured = errors.New("provider: not configured")
)

// Enricher derives output fields for one record.
// Implementations must be safe for concurrent use.
type Enricher interface {
	// Enrich returns the patch for rec. An empty patch means there is
	// nothing to write for this record.
	Enrich(ctx context.Context, rec model.Record) (model.Patch, error)
}

// IsRateLimited reports whether err is a rate-limit refusal.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// LooksRateLimited inspects an error message from an HTTP client for the
// usual rate-limit and quota signals.
func LooksRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "rate_limit", "too many requests", "insufficient_quota"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
