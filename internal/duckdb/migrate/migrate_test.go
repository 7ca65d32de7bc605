package migrate

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/duckdb/duckdb-go/v2"
)

const latestVersion = 2

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	migs, err := embedded()
	if err != nil {
		t.Fatalf("embedded: %v", err)
	}
	if len(migs) != latestVersion {
		t.Fatalf("got %d migrations, want %d", len(migs), latestVersion)
	}
	for i, m := range migs {
		if m.version != i+1 {
			t.Errorf("migration %d has version %d", i, m.version)
		}
		if m.body == "" {
			t.Errorf("%s is empty", m.name)
		}
	}
}

func TestRunCreatesTables(t *testing.T) {
	db := openTestDB(t)

	if err := NewRunner(db).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, table := range []string{"records", "enrichment_runs", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT table_name FROM information_schema.tables WHERE table_name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestStatusBeforeAndAfterRun(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db)
	ctx := context.Background()

	st, err := r.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Current != 0 || len(st.Applied) != 0 || len(st.Pending) != latestVersion {
		t.Errorf("before run: got %+v, want version 0 with %d pending", st, latestVersion)
	}

	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := r.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	st, err = r.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Current != latestVersion || len(st.Pending) != 0 {
		t.Errorf("after run: got current=%d pending=%v, want %d and none", st.Current, st.Pending, latestVersion)
	}
	if len(st.Applied) != latestVersion {
		t.Fatalf("applied = %d rows, want %d", len(st.Applied), latestVersion)
	}
	if st.Applied[1].Name != "002_enrichment_runs.sql" {
		t.Errorf("applied[1] = %q, want 002_enrichment_runs.sql", st.Applied[1].Name)
	}
	if st.Applied[0].AppliedAt.IsZero() {
		t.Error("applied_at not recorded")
	}
}

func TestRecordsDefaults(t *testing.T) {
	db := openTestDB(t)
	if err := NewRunner(db).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := db.Exec("INSERT INTO records (id) VALUES ('a')"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var fields string
	var attempts int
	var status sql.NullString
	if err := db.QueryRow("SELECT fields, enrich_attempts, enrich_status FROM records WHERE id = 'a'").Scan(&fields, &attempts, &status); err != nil {
		t.Fatalf("select: %v", err)
	}
	if fields != "{}" || attempts != 0 || status.Valid {
		t.Errorf("defaults = (%q, %d, %v), want ({}, 0, NULL)", fields, attempts, status)
	}
}
