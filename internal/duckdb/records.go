package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/tinytelemetry/madrid-enricher/internal/model"
)

const recordColumns = `id, fields, enrich_status, enrich_attempts, enrich_claim,
	enrich_claimed_at, enrich_error, enrichment, enriched_at`

// eligibleClause returns the WHERE fragment selecting records a run may claim.
func eligibleClause(maxAttempts int, since time.Time) (string, []any) {
	clause := `(COALESCE(enrich_status, 'unenriched') = 'unenriched'
		OR (enrich_status = 'enrich_failed' AND enrich_attempts < ?))`
	args := []any{maxAttempts}
	if !since.IsZero() {
		clause += ` AND (enrich_claimed_at IS NULL OR enrich_claimed_at < ?)`
		args = append(args, since.UTC())
	}
	return clause, args
}

// SelectCandidates returns eligible records without mutating them.
func (s *Store) SelectCandidates(ctx context.Context, sel model.Selection) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	where, args := eligibleClause(sel.MaxAttempts, sel.Since)
	query := fmt.Sprintf(`SELECT %s FROM records WHERE %s ORDER BY id LIMIT ?`, recordColumns, where)
	args = append(args, sel.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("duckdb: select candidates: %w", err)
	}
	return scanRecords(rows)
}

// ClaimBatch moves up to limit eligible records to enriching in one
// conditional UPDATE and returns the records carrying claim.Token.
func (s *Store) ClaimBatch(ctx context.Context, claim model.Claim, limit int) ([]model.Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("duckdb: claim begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	where, wArgs := eligibleClause(claim.MaxAttempts, claim.Since)
	update := fmt.Sprintf(`
		UPDATE records SET
			enrich_status = 'enriching',
			enrich_claim = ?,
			enrich_claimed_at = ?,
			enrich_attempts = enrich_attempts + 1
		WHERE id IN (
			SELECT id FROM records WHERE %s ORDER BY id LIMIT ?
		)`, where)

	args := append([]any{claim.Token, claim.At.UTC()}, wArgs...)
	args = append(args, limit)
	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return nil, fmt.Errorf("duckdb: claim update: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM records WHERE enrich_claim = ? ORDER BY id`, recordColumns),
		claim.Token)
	if err != nil {
		return nil, fmt.Errorf("duckdb: claim read: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("duckdb: claim commit: %w", err)
	}
	committed = true
	return records, nil
}

// MarkEnriched persists patch for key if the record still carries token.
func (s *Store) MarkEnriched(ctx context.Context, key, token string, patch model.Patch, at time.Time) (bool, error) {
	data, err := json.Marshal(patch)
	if err != nil {
		return false, fmt.Errorf("duckdb: encode patch: %w", err)
	}
	return s.execClaimed(ctx, `
		UPDATE records SET
			enrich_status = 'enriched',
			enrichment = ?,
			enriched_at = ?,
			enrich_error = NULL,
			enrich_claim = NULL
		WHERE id = ? AND enrich_claim = ?`,
		string(data), at.UTC(), key, token)
}

// MarkFailed records reason for key if the record still carries token.
func (s *Store) MarkFailed(ctx context.Context, key, token, reason string) (bool, error) {
	return s.execClaimed(ctx, `
		UPDATE records SET
			enrich_status = 'enrich_failed',
			enrich_error = ?,
			enrich_claim = NULL
		WHERE id = ? AND enrich_claim = ?`,
		reason, key, token)
}

// Release returns a claimed record to its pre-claim status and refunds the
// attempt. A record claimed for the first time goes back to unenriched.
func (s *Store) Release(ctx context.Context, key, token string) (bool, error) {
	return s.execClaimed(ctx, `
		UPDATE records SET
			enrich_status = CASE WHEN enrich_attempts <= 1 THEN 'unenriched' ELSE 'enrich_failed' END,
			enrich_attempts = GREATEST(enrich_attempts - 1, 0),
			enrich_claim = NULL,
			enrich_claimed_at = NULL
		WHERE id = ? AND enrich_claim = ?`,
		key, token)
}

// RecoverExpired fails enriching records whose claim is older than cutoff.
func (s *Store) RecoverExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET
			enrich_status = 'enrich_failed',
			enrich_error = 'claim lease expired',
			enrich_claim = NULL
		WHERE enrich_status = 'enriching' AND enrich_claimed_at < ?`,
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("duckdb: recover expired: %w", err)
	}
	return res.RowsAffected()
}

// StatusCounts returns the number of records per status.
func (s *Store) StatusCounts(ctx context.Context) (map[model.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(enrich_status, 'unenriched') AS status, COUNT(*) AS count
		FROM records
		GROUP BY 1`)
	if err != nil {
		return nil, fmt.Errorf("duckdb: status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Status]int64, len(model.Statuses))
	for _, st := range model.Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			log.Printf("duckdb scan error (StatusCounts): %v", err)
			continue
		}
		st := model.ParseStatus(status)
		if !st.Valid() {
			log.Printf("duckdb: %d records carry unknown status %q", count, status)
		}
		counts[st] += count
	}
	return counts, rows.Err()
}

// GetRecord returns the record stored under key.
func (s *Store) GetRecord(ctx context.Context, key string) (model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM records WHERE id = ?`, recordColumns), key)
	if err != nil {
		return model.Record{}, fmt.Errorf("duckdb: get record: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return model.Record{}, err
	}
	if len(records) == 0 {
		return model.Record{}, sql.ErrNoRows
	}
	return records[0], nil
}

// RecordRun stores a run summary in enrichment_runs.
func (s *Store) RecordRun(ctx context.Context, sum model.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrichment_runs
			(run_id, started_at, finished_at, status, claimed, enriched, failed, skipped, released, batches)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.RunID, sum.StartedAt.UTC(), sum.FinishedAt.UTC(), sum.Status,
		sum.Claimed, sum.Enriched, sum.Failed, sum.Skipped, sum.Released, sum.Batches)
	if err != nil {
		return fmt.Errorf("duckdb: record run: %w", err)
	}
	return nil
}

// execClaimed runs a token-conditional write and reports whether it applied.
func (s *Store) execClaimed(ctx context.Context, query string, args ...any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("duckdb: conditional update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanRecords(rows *sql.Rows) ([]model.Record, error) {
	defer rows.Close()

	var results []model.Record
	for rows.Next() {
		var (
			r          model.Record
			fields     string
			status     sql.NullString
			claim      sql.NullString
			claimedAt  sql.NullTime
			lastErr    sql.NullString
			enrichment sql.NullString
			enrichedAt sql.NullTime
		)
		if err := rows.Scan(&r.Key, &fields, &status, &r.Attempts, &claim,
			&claimedAt, &lastErr, &enrichment, &enrichedAt); err != nil {
			return nil, fmt.Errorf("duckdb: scan record: %w", err)
		}

		r.Status = model.ParseStatus(status.String)
		r.ClaimToken = claim.String
		r.LastError = lastErr.String
		if claimedAt.Valid {
			r.ClaimedAt = claimedAt.Time
		}
		if enrichedAt.Valid {
			r.EnrichedAt = enrichedAt.Time
		}
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			log.Printf("duckdb: record %s has malformed fields, using empty: %v", r.Key, err)
			r.Fields = map[string]any{}
		}
		if enrichment.Valid && enrichment.String != "" {
			if err := json.Unmarshal([]byte(enrichment.String), &r.Enrichment); err != nil {
				log.Printf("duckdb: record %s has malformed enrichment: %v", r.Key, err)
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
