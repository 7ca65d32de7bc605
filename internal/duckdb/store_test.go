package duckdb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/madrid-enricher/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore(\"\") failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedRecords(t *testing.T, store *Store, n int) {
	t.Helper()
	records := make([]model.Record, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, model.Record{
			Key:    fmt.Sprintf("ev-%03d", i),
			Fields: map[string]any{"title": fmt.Sprintf("Event %d", i), "venue": "Teatro Español"},
		})
	}
	inserted, err := store.InsertRecords(context.Background(), records)
	if err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
	if inserted != n {
		t.Fatalf("inserted = %d, want %d", inserted, n)
	}
}

func claim(token string, now time.Time) model.Claim {
	return model.Claim{Token: token, At: now, MaxAttempts: 3}
}

func TestInsertRecordsIgnoresDuplicates(t *testing.T) {
	store := newTestStore(t)
	seedRecords(t, store, 3)

	n, err := store.InsertRecords(context.Background(), []model.Record{{Key: "ev-000"}, {Key: "ev-999"}})
	if err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
	if n != 1 {
		t.Errorf("inserted = %d, want 1", n)
	}

	counts, err := store.StatusCounts(context.Background())
	if err != nil {
		t.Fatalf("StatusCounts: %v", err)
	}
	if counts[model.StatusUnenriched] != 4 {
		t.Errorf("unenriched = %d, want 4", counts[model.StatusUnenriched])
	}
}

func TestSelectCandidatesDoesNotMutate(t *testing.T) {
	store := newTestStore(t)
	seedRecords(t, store, 5)
	ctx := context.Background()

	sel := model.Selection{Limit: 3, MaxAttempts: 3}
	first, err := store.SelectCandidates(ctx, sel)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	second, err := store.SelectCandidates(ctx, sel)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("candidates = %d/%d, want 3/3", len(first), len(second))
	}
	for i := range first {
		if first[i].Key != second[i].Key {
			t.Errorf("candidate %d: %s != %s", i, first[i].Key, second[i].Key)
		}
		if first[i].Status != model.StatusUnenriched {
			t.Errorf("candidate %s status = %s, want unenriched", first[i].Key, first[i].Status)
		}
	}
	if first[0].Fields["venue"] != "Teatro Español" {
		t.Errorf("fields not decoded: %v", first[0].Fields)
	}
}

func TestClaimBatchIsExclusive(t *testing.T) {
	store := newTestStore(t)
	seedRecords(t, store, 10)
	ctx := context.Background()
	now := time.Now()

	a, err := store.ClaimBatch(ctx, claim("token-a", now), 6)
	if err != nil {
		t.Fatalf("ClaimBatch a: %v", err)
	}
	b, err := store.ClaimBatch(ctx, claim("token-b", now), 6)
	if err != nil {
		t.Fatalf("ClaimBatch b: %v", err)
	}
	if len(a) != 6 || len(b) != 4 {
		t.Fatalf("claimed %d and %d, want 6 and 4", len(a), len(b))
	}

	seen := map[string]string{}
	for _, r := range a {
		seen[r.Key] = "a"
		if r.Status != model.StatusEnriching || r.Attempts != 1 || r.ClaimToken != "token-a" {
			t.Errorf("record %s = %+v, want enriching/1/token-a", r.Key, r)
		}
	}
	for _, r := range b {
		if owner, dup := seen[r.Key]; dup {
			t.Errorf("record %s claimed by %s and b", r.Key, owner)
		}
	}
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	store := newTestStore(t)
	seedRecords(t, store, 40)
	ctx := context.Background()

	var mu sync.Mutex
	owners := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			recs, err := store.ClaimBatch(ctx, claim(fmt.Sprintf("w-%d", w), time.Now()), 15)
			if err != nil {
				t.Errorf("worker %d: %v", w, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, r := range recs {
				owners[r.Key]++
			}
		}(w)
	}
	wg.Wait()

	if len(owners) != 40 {
		t.Errorf("claimed %d distinct records, want 40", len(owners))
	}
	for key, n := range owners {
		if n != 1 {
			t.Errorf("record %s claimed %d times", key, n)
		}
	}
}

func TestMarkEnrichedRequiresToken(t *testing.T) {
	store := newTestStore(t)
	seedRecords(t, store, 1)
	ctx := context.Background()
	now := time.Now()

	recs, err := store.ClaimBatch(ctx, claim("tok", now), 1)
	if err != nil || len(recs) != 1 {
		t.Fatalf("ClaimBatch: %v (%d)", err, len(recs))
	}

	ok, err := store.MarkEnriched(ctx, "ev-000", "other", model.Patch{"category": "theatre"}, now)
	if err != nil {
		t.Fatalf("MarkEnriched: %v", err)
	}
	if ok {
		t.Fatal("MarkEnriched applied with the wrong token")
	}

	ok, err = store.MarkEnriched(ctx, "ev-000", "tok", model.Patch{"category": "theatre"}, now)
	if err != nil || !ok {
		t.Fatalf("MarkEnriched = %v, %v; want true, nil", ok, err)
	}

	rec, err := store.GetRecord(ctx, "ev-000")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Status != model.StatusEnriched || rec.ClaimToken != "" || rec.Enrichment["category"] != "theatre" {
		t.Errorf("record = %+v", rec)
	}
	if rec.EnrichedAt.IsZero() {
		t.Error("enriched_at not set")
	}

	// A second write with the spent token must not apply.
	ok, err = store.MarkFailed(ctx, "ev-000", "tok", "late")
	if err != nil || ok {
		t.Errorf("MarkFailed after enrich = %v, %v; want false, nil", ok, err)
	}
}

func TestFailedRecordsAreRetriedUntilExhausted(t *testing.T) {
	store := newTestStore(t)
	seedRecords(t, store, 1)
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		token := fmt.Sprintf("tok-%d", attempt)
		recs, err := store.ClaimBatch(ctx, claim(token, time.Now()), 1)
		if err != nil {
			t.Fatalf("attempt %d ClaimBatch: %v", attempt, err)
		}
		if len(recs) != 1 {
			t.Fatalf("attempt %d: claimed %d, want 1", attempt, len(recs))
		}
		if recs[0].Attempts != attempt {
			t.Errorf("attempt %d: Attempts = %d", attempt, recs[0].Attempts)
		}
		if ok, err := store.MarkFailed(ctx, "ev-000", token, "provider error"); err != nil || !ok {
			t.Fatalf("MarkFailed = %v, %v", ok, err)
		}
	}

	recs, err := store.ClaimBatch(ctx, claim("tok-4", time.Now()), 1)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("exhausted record was claimed again")
	}

	rec, err := store.GetRecord(ctx, "ev-000")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Status != model.StatusFailed || rec.LastError != "provider error" {
		t.Errorf("record = %+v", rec)
	}
}

func TestClaimSinceExcludesRecordsTouchedByRun(t *testing.T) {
	store := newTestStore(t)
	seedRecords(t, store, 2)
	ctx := context.Background()
	runStart := time.Now().Truncate(time.Microsecond)

	c := claim("tok", runStart)
	c.Since = runStart
	recs, err := store.ClaimBatch(ctx, c, 1)
	if err != nil || len(recs) != 1 {
		t.Fatalf("ClaimBatch: %v (%d)", err, len(recs))
	}
	if _, err := store.MarkFailed(ctx, recs[0].Key, "tok", "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	c2 := claim("tok-2", runStart.Add(time.Millisecond))
	c2.Since = runStart
	again, err := store.ClaimBatch(ctx, c2, 5)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(again) != 1 || again[0].Key == recs[0].Key {
		t.Errorf("second claim = %v, want only the untouched record", again)
	}
}

func TestReleaseRefundsAttempt(t *testing.T) {
	store := newTestStore(t)
	seedRecords(t, store, 1)
	ctx := context.Background()

	if _, err := store.ClaimBatch(ctx, claim("tok", time.Now()), 1); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	ok, err := store.Release(ctx, "ev-000", "tok")
	if err != nil || !ok {
		t.Fatalf("Release = %v, %v", ok, err)
	}

	rec, err := store.GetRecord(ctx, "ev-000")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Status != model.StatusUnenriched || rec.Attempts != 0 || !rec.ClaimedAt.IsZero() {
		t.Errorf("released record = %+v, want unenriched/0/unclaimed", rec)
	}
}

func TestRecoverExpired(t *testing.T) {
	store := newTestStore(t)
	seedRecords(t, store, 3)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	if _, err := store.ClaimBatch(ctx, claim("stale", old), 2); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if _, err := store.ClaimBatch(ctx, claim("fresh", time.Now()), 1); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}

	n, err := store.RecoverExpired(ctx, time.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("RecoverExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered = %d, want 2", n)
	}

	counts, err := store.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("StatusCounts: %v", err)
	}
	if counts[model.StatusFailed] != 2 || counts[model.StatusEnriching] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestRecordRun(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	err := store.RecordRun(context.Background(), model.Summary{
		RunID: "run-1", Status: model.RunDone, StartedAt: now, FinishedAt: now.Add(time.Second),
		Claimed: 3, Enriched: 2, Failed: 1, Batches: 1,
	})
	if err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	var status string
	var enriched int
	if err := store.DB().QueryRow("SELECT status, enriched FROM enrichment_runs WHERE run_id = 'run-1'").Scan(&status, &enriched); err != nil {
		t.Fatalf("select run: %v", err)
	}
	if status != model.RunDone || enriched != 2 {
		t.Errorf("run row = (%s, %d)", status, enriched)
	}
}

func TestReadJSONL(t *testing.T) {
	input := `{"id": "a1", "title": "La Celestina", "venue": "Teatro de la Comedia"}

{"id": 42, "title": "Carmen"}
`
	recs, err := ReadJSONL(strings.NewReader(input), "id")
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].Key != "a1" || recs[1].Key != "42" {
		t.Errorf("keys = %s, %s", recs[0].Key, recs[1].Key)
	}
	if _, ok := recs[0].Fields["id"]; ok {
		t.Error("key field should not remain in fields")
	}

	if _, err := ReadJSONL(strings.NewReader(`{"title": "no key"}`), "id"); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestSchemaStateAfterOpen(t *testing.T) {
	store := newTestStore(t)

	if store.DBPath() != "" {
		t.Errorf("DBPath() = %q, want in-memory", store.DBPath())
	}
	st, err := store.SchemaState(context.Background())
	if err != nil {
		t.Fatalf("SchemaState: %v", err)
	}
	if st.Current != 2 || len(st.Pending) != 0 {
		t.Errorf("schema = version %d pending %v, want 2 with nothing pending", st.Current, st.Pending)
	}
}

func TestStatusCountsKeepsUnknownStatuses(t *testing.T) {
	store := newTestStore(t)
	seedRecords(t, store, 2)

	if _, err := store.DB().Exec(`UPDATE records SET enrich_status = 'archived' WHERE id = 'ev-000'`); err != nil {
		t.Fatalf("update: %v", err)
	}
	counts, err := store.StatusCounts(context.Background())
	if err != nil {
		t.Fatalf("StatusCounts: %v", err)
	}
	if counts[model.StatusUnenriched] != 1 || counts[model.Status("archived")] != 1 {
		t.Errorf("counts = %v, want one unenriched and one archived", counts)
	}
}
