package enrich

import "errors"

var (
	// ErrInvalidParameter is returned when run or preview options are out
	// of range. No work is started.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrDependencyUnavailable is returned when the store cannot be reached
	// or refuses a write the run depends on.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrProviderMissing is returned when enrichment is requested but no
	// provider is configured.
	ErrProviderMissing = errors.New("enrichment provider not configured: OPENAI_API_KEY missing")
)
