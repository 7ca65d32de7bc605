// Package migrate keeps the local records schema up to date. Migrations are
// embedded SQL files named NNN_description.sql and are applied in version
// order, each in its own transaction.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Runner applies the embedded schema migrations to one database.
type Runner struct{ db *sql.DB }

// NewRunner creates a migration runner for the given database connection.
func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db}
}

// Applied is one row of schema_migrations.
type Applied struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// State describes the schema of a database relative to the embedded
// migrations.
type State struct {
	Current int       `json:"current"`
	Applied []Applied `json:"applied"`
	Pending []string  `json:"pending"`
}

type migration struct {
	version int
	name    string
	body    string
}

func embedded() ([]migration, error) {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("migrate: list embedded files: %w", err)
	}

	migs := make([]migration, 0, len(files))
	for _, file := range files {
		name := path.Base(file)
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migrate: %s: missing version prefix", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migrate: %s: bad version: %w", name, err)
		}
		body, err := migrations.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("migrate: read %s: %w", name, err)
		}
		migs = append(migs, migration{version: version, name: name, body: string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })
	return migs, nil
}

func (r *Runner) ensureLedger(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       VARCHAR NOT NULL,
		applied_at TIMESTAMP DEFAULT current_timestamp
	)`)
	if err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}
	return nil
}

func (r *Runner) applied(ctx context.Context) ([]Applied, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("migrate: read schema_migrations: %w", err)
	}
	defer rows.Close()

	var out []Applied
	for rows.Next() {
		var a Applied
		var at sql.NullTime
		if err := rows.Scan(&a.Version, &a.Name, &at); err != nil {
			return nil, fmt.Errorf("migrate: scan schema_migrations: %w", err)
		}
		a.AppliedAt = at.Time
		out = append(out, a)
	}
	return out, rows.Err()
}

// Status compares the database with the embedded migrations without
// applying anything.
func (r *Runner) Status(ctx context.Context) (State, error) {
	if err := r.ensureLedger(ctx); err != nil {
		return State{}, err
	}
	applied, err := r.applied(ctx)
	if err != nil {
		return State{}, err
	}
	migs, err := embedded()
	if err != nil {
		return State{}, err
	}

	st := State{Applied: applied, Pending: []string{}}
	if n := len(applied); n > 0 {
		st.Current = applied[n-1].Version
	}
	for _, m := range migs {
		if m.version > st.Current {
			st.Pending = append(st.Pending, m.name)
		}
	}
	return st, nil
}

// Run applies every pending migration.
func (r *Runner) Run(ctx context.Context) error {
	st, err := r.Status(ctx)
	if err != nil {
		return err
	}
	if len(st.Pending) == 0 {
		return nil
	}

	migs, err := embedded()
	if err != nil {
		return err
	}
	for _, m := range migs {
		if m.version <= st.Current {
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			return err
		}
		log.Printf("migrate: applied %s", m.name)
	}
	return nil
}

func (r *Runner) apply(ctx context.Context, m migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: %s: begin: %w", m.name, err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, m.body); err != nil {
		return fmt.Errorf("migrate: %s: %w", m.name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
		return fmt.Errorf("migrate: %s: record: %w", m.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: %s: commit: %w", m.name, err)
	}
	committed = true
	return nil
}
