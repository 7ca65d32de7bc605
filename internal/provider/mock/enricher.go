// Package mock provides a test double for provider.Enricher.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinytelemetry/madrid-enricher/internal/model"
	"github.com/tinytelemetry/madrid-enricher/internal/provider"
)

// Enricher is a test double for provider.Enricher.
// It allows custom behavior injection via function fields.
type Enricher struct {
	// EnrichFunc is called by Enrich if set.
	// If nil, returns a patch tagging the record key.
	EnrichFunc func(ctx context.Context, rec model.Record) (model.Patch, error)

	mu    sync.Mutex
	calls []string
}

var _ provider.Enricher = (*Enricher)(nil)

// NewEnricher creates a mock enricher with default behavior.
func NewEnricher() *Enricher {
	return &Enricher{}
}

// Enrich records the call and delegates to EnrichFunc.
func (m *Enricher) Enrich(ctx context.Context, rec model.Record) (model.Patch, error) {
	m.mu.Lock()
	m.calls = append(m.calls, rec.Key)
	m.mu.Unlock()

	if m.EnrichFunc != nil {
		return m.EnrichFunc(ctx, rec)
	}
	return model.Patch{"summary_en": fmt.Sprintf("enriched %s", rec.Key)}, nil
}

// CallCount returns the number of times Enrich was called.
func (m *Enricher) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Calls returns the record keys passed to Enrich, in call order.
func (m *Enricher) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}
