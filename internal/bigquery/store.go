// Package bigquery implements the record store on a BigQuery table.
//
// The claim protocol maps onto DML: a claim is one UPDATE whose WHERE
// clause re-checks eligibility, and every later write matches on the claim
// token. BigQuery runs each DML statement atomically, so two concurrent
// claims can never take the same row.
package bigquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	bq "cloud.google.com/go/bigquery"
	"github.com/tinytelemetry/madrid-enricher/internal/model"
	"github.com/tinytelemetry/madrid-enricher/internal/retry"
	"google.golang.org/api/iterator"
)

// Config holds the warehouse connection settings.
type Config struct {
	Table         string // project.dataset.table
	Project       string // billing project; defaults to the table's project
	Location      string
	KeyColumn     string
	QueryTimeout  time.Duration
	EnsureColumns bool
}

// Store is the production records store.
type Store struct {
	client  *bq.Client
	ref     TableRef
	sql     builder
	key     string
	timeout time.Duration
	policy  retry.Policy
}

var _ model.RecordStore = (*Store)(nil)

// NewStore connects to BigQuery and, when configured, adds the
// bookkeeping columns to the table.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	ref, err := ParseTableRef(cfg.Table, cfg.Project)
	if err != nil {
		return nil, err
	}
	key := cfg.KeyColumn
	if key == "" {
		key = model.DefaultKeyColumn
	}
	if !ValidColumn(key) {
		return nil, fmt.Errorf("bigquery: invalid key column %q", key)
	}

	project := cfg.Project
	if project == "" {
		project = ref.Project
	}
	client, err := bq.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("bigquery: client: %w", err)
	}
	if cfg.Location != "" {
		client.Location = cfg.Location
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	s := &Store{
		client:  client,
		ref:     ref,
		sql:     newBuilder(ref, key),
		key:     key,
		timeout: timeout,
		policy: retry.Policy{
			MaxAttempts: 4,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    8 * time.Second,
			Retryable:   isConcurrentUpdate,
		},
	}

	if cfg.EnsureColumns {
		if _, err := s.exec(ctx, s.sql.ensureColumns()); err != nil {
			client.Close()
			return nil, fmt.Errorf("bigquery: ensure columns: %w", err)
		}
		log.Printf("bigquery: bookkeeping columns present on %s", ref)
	}
	return s, nil
}

// Table returns the table the store writes to.
func (s *Store) Table() TableRef {
	return s.ref
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks the table is reachable with the current credentials.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.client.DatasetInProject(s.ref.Project, s.ref.Dataset).Table(s.ref.Table).Metadata(ctx); err != nil {
		return fmt.Errorf("bigquery: ping %s: %w", s.ref, err)
	}
	return nil
}

// SelectCandidates returns eligible records without mutating them.
func (s *Store) SelectCandidates(ctx context.Context, sel model.Selection) ([]model.Record, error) {
	return s.read(ctx, s.sql.selectCandidates(sel))
}

// ClaimBatch claims up to limit records in one UPDATE and reads them back
// by token.
func (s *Store) ClaimBatch(ctx context.Context, claim model.Claim, limit int) ([]model.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	n, err := s.exec(ctx, s.sql.claim(claim, limit))
	if err != nil {
		return nil, fmt.Errorf("bigquery: claim: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.read(ctx, s.sql.claimed(claim.Token))
}

// MarkEnriched persists patch for key if the record still carries token.
func (s *Store) MarkEnriched(ctx context.Context, key, token string, patch model.Patch, at time.Time) (bool, error) {
	data, err := json.Marshal(patch)
	if err != nil {
		return false, fmt.Errorf("bigquery: encode patch: %w", err)
	}
	return s.execClaimed(ctx, s.sql.markEnriched(key, token, string(data), at))
}

// MarkFailed records reason for key if the record still carries token.
func (s *Store) MarkFailed(ctx context.Context, key, token, reason string) (bool, error) {
	return s.execClaimed(ctx, s.sql.markFailed(key, token, reason))
}

// Release hands a claimed record back and refunds the attempt.
func (s *Store) Release(ctx context.Context, key, token string) (bool, error) {
	return s.execClaimed(ctx, s.sql.release(key, token))
}

// RecoverExpired fails enriching records whose claim is older than cutoff.
func (s *Store) RecoverExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.exec(ctx, s.sql.recoverExpired(cutoff))
	if err != nil {
		return 0, fmt.Errorf("bigquery: recover expired: %w", err)
	}
	return n, nil
}

// StatusCounts returns the number of records per status.
func (s *Store) StatusCounts(ctx context.Context) (map[model.Status]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	it, err := s.query(s.sql.statusCounts()).Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("bigquery: status counts: %w", err)
	}

	counts := make(map[model.Status]int64, len(model.Statuses))
	for _, st := range model.Statuses {
		counts[st] = 0
	}
	for {
		var row []bq.Value
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bigquery: status counts: %w", err)
		}
		if len(row) != 2 {
			continue
		}
		status, _ := row[0].(string)
		count, _ := row[1].(int64)
		st := model.ParseStatus(status)
		if !st.Valid() {
			log.Printf("bigquery: %d records carry unknown status %q", count, status)
		}
		counts[st] += count
	}
	return counts, nil
}

func (s *Store) query(st statement) *bq.Query {
	q := s.client.Query(st.SQL)
	q.Parameters = st.Params
	return q
}

// exec runs a DML statement and returns the number of affected rows.
// Statements that lose a race with another DML job are retried.
func (s *Store) exec(ctx context.Context, st statement) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var affected int64
	err := retry.Do(ctx, s.policy, func() error {
		job, err := s.query(st).Run(ctx)
		if err != nil {
			return err
		}
		status, err := job.Wait(ctx)
		if err != nil {
			return err
		}
		if err := status.Err(); err != nil {
			return err
		}
		if status.Statistics != nil {
			if qs, ok := status.Statistics.Details.(*bq.QueryStatistics); ok {
				affected = qs.NumDMLAffectedRows
			}
		}
		return nil
	})
	return affected, err
}

func (s *Store) execClaimed(ctx context.Context, st statement) (bool, error) {
	n, err := s.exec(ctx, st)
	if err != nil {
		return false, fmt.Errorf("bigquery: conditional update: %w", err)
	}
	return n > 0, nil
}

func (s *Store) read(ctx context.Context, st statement) ([]model.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	it, err := s.query(st).Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("bigquery: read: %w", err)
	}

	var records []model.Record
	for {
		var row []bq.Value
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bigquery: read: %w", err)
		}
		rec, err := decodeRow(row, s.key)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// decodeRow maps a row produced by builder.selectColumns to a Record.
func decodeRow(row []bq.Value, keyColumn string) (model.Record, error) {
	if len(row) != 9 {
		return model.Record{}, fmt.Errorf("bigquery: expected 9 columns, got %d", len(row))
	}

	var rec model.Record
	rec.Key, _ = row[0].(string)
	if raw, ok := row[1].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Fields); err != nil {
			return model.Record{}, fmt.Errorf("bigquery: record %s: decode row: %w", rec.Key, err)
		}
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	delete(rec.Fields, keyColumn)
	for _, col := range model.BookkeepingColumns {
		delete(rec.Fields, col)
	}

	status, _ := row[2].(string)
	rec.Status = model.ParseStatus(status)
	if n, ok := row[3].(int64); ok {
		rec.Attempts = int(n)
	}
	rec.ClaimToken, _ = row[4].(string)
	if t, ok := row[5].(time.Time); ok {
		rec.ClaimedAt = t
	}
	rec.LastError, _ = row[6].(string)
	if raw, ok := row[7].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Enrichment); err != nil {
			log.Printf("bigquery: record %s has malformed enrichment: %v", rec.Key, err)
		}
	}
	if t, ok := row[8].(time.Time); ok {
		rec.EnrichedAt = t
	}
	return rec, nil
}

// isConcurrentUpdate reports whether err is BigQuery refusing a DML
// statement because another job modified the table first.
func isConcurrentUpdate(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not serialize access") ||
		strings.Contains(msg, "concurrent update")
}
