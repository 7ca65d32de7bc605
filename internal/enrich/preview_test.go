package enrich

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/tinytelemetry/madrid-enricher/internal/model"
	"github.com/tinytelemetry/madrid-enricher/internal/provider"
	"github.com/tinytelemetry/madrid-enricher/internal/provider/mock"
)

func TestPreviewDoesNotMutate(t *testing.T) {
	store := newTestStore(t, 8)
	enricher := mock.NewEnricher()
	runner := NewRunner(store, enricher, testConfig())
	ctx := context.Background()
	before := counts(t, store)

	first, err := runner.Preview(ctx, PreviewOptions{Limit: 5, Enrich: true})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	second, err := runner.Preview(ctx, PreviewOptions{Limit: 5, Enrich: true})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}

	if first.Count != 5 {
		t.Errorf("Count = %d, want 5", first.Count)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("previews differ:\n%+v\n%+v", first, second)
	}
	if after := counts(t, store); !reflect.DeepEqual(before, after) {
		t.Errorf("counts changed from %v to %v", before, after)
	}
	if first.Candidates[0].Key != "ev-000" {
		t.Errorf("first candidate = %s, want ev-000", first.Candidates[0].Key)
	}
	if want := (model.Patch{"summary_en": "enriched ev-000"}); !reflect.DeepEqual(first.Candidates[0].Patch, want) {
		t.Errorf("patch = %v, want %v", first.Candidates[0].Patch, want)
	}
	if n := enricher.CallCount(); n != 10 {
		t.Errorf("provider calls = %d, want 10", n)
	}
}

func TestPreviewWithoutEnrichment(t *testing.T) {
	store := newTestStore(t, 3)
	runner := NewRunner(store, nil, testConfig())

	res, err := runner.Preview(context.Background(), PreviewOptions{Limit: 5})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if res.Count != 3 || res.Enriched {
		t.Errorf("Count = %d Enriched = %v, want 3 and false", res.Count, res.Enriched)
	}
	for _, c := range res.Candidates {
		if c.Patch != nil || c.Status != model.StatusUnenriched {
			t.Errorf("candidate %s = %s patch %v", c.Key, c.Status, c.Patch)
		}
	}

	_, err = runner.Preview(context.Background(), PreviewOptions{Limit: 5, Enrich: true})
	if !errors.Is(err, ErrProviderMissing) {
		t.Errorf("err = %v, want ErrProviderMissing", err)
	}
}

func TestPreviewReportsErrorsAndStopsOnRateLimit(t *testing.T) {
	store := newTestStore(t, 4)
	enricher := mock.NewEnricher()
	enricher.EnrichFunc = func(ctx context.Context, rec model.Record) (model.Patch, error) {
		switch rec.Key {
		case "ev-000":
			return nil, fmt.Errorf("bad gateway")
		case "ev-002":
			return nil, provider.ErrRateLimited
		}
		return model.Patch{"category": "circus"}, nil
	}
	runner := NewRunner(store, enricher, testConfig())

	res, err := runner.Preview(context.Background(), PreviewOptions{Limit: 4, Enrich: true})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}

	if res.Candidates[0].Error != "bad gateway" {
		t.Errorf("candidate 0 error = %q", res.Candidates[0].Error)
	}
	if !reflect.DeepEqual(res.Candidates[1].Patch, model.Patch{"category": "circus"}) {
		t.Errorf("candidate 1 patch = %v", res.Candidates[1].Patch)
	}
	if res.Candidates[2].Error == "" {
		t.Error("rate-limited candidate has no error")
	}
	if res.Candidates[3].Patch != nil {
		t.Errorf("candidate after rate limit was enriched: %v", res.Candidates[3].Patch)
	}
	if n := enricher.CallCount(); n != 3 {
		t.Errorf("provider calls = %d, want 3", n)
	}
}

func TestPreviewRejectsInvalidLimit(t *testing.T) {
	runner := NewRunner(newTestStore(t, 1), nil, testConfig())

	for _, limit := range []int{0, -1, model.MaxPreview + 1} {
		if _, err := runner.Preview(context.Background(), PreviewOptions{Limit: limit}); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("limit %d: err = %v, want ErrInvalidParameter", limit, err)
		}
	}
}
