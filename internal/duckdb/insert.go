package duckdb

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/tinytelemetry/madrid-enricher/internal/model"
)

// InsertRecords adds unenriched records in a single transaction. Records
// whose key already exists are left untouched. If the batch fails it is
// retried record-by-record to salvage as many records as possible.
// It returns the number of records inserted.
func (s *Store) InsertRecords(ctx context.Context, records []model.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	n, err := s.insertBatchTx(ctx, records)
	if err == nil {
		return n, nil
	}
	log.Printf("duckdb: batch insert failed, retrying per record: %v", err)

	var inserted, failed int
	for _, r := range records {
		c, rerr := s.insertBatchTx(ctx, []model.Record{r})
		if rerr != nil {
			failed++
			log.Printf("duckdb: dropping record %q: %v", r.Key, rerr)
			continue
		}
		inserted += c
	}
	if failed > 0 {
		log.Printf("duckdb: batch partially failed, %d/%d records dropped", failed, len(records))
	}
	return inserted, nil
}

func (s *Store) insertBatchTx(ctx context.Context, records []model.Record) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO records (id, fields) VALUES (?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range records {
		if r.Key == "" {
			return 0, fmt.Errorf("record insert: empty key")
		}
		fields := r.Fields
		if fields == nil {
			fields = map[string]any{}
		}
		data, err := json.Marshal(fields)
		if err != nil {
			return 0, fmt.Errorf("record %q: encode fields: %w", r.Key, err)
		}
		res, err := stmt.ExecContext(ctx, r.Key, string(data))
		if err != nil {
			return 0, fmt.Errorf("record insert: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return inserted, nil
}

// ReadJSONL decodes one JSON object per line into records. The value of
// keyField becomes the record key; every other property is a source field.
// Blank lines are skipped.
func ReadJSONL(r io.Reader, keyField string) ([]model.Record, error) {
	if keyField == "" {
		keyField = model.DefaultKeyColumn
	}

	var records []model.Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		keyVal, ok := obj[keyField]
		if !ok || keyVal == nil {
			return nil, fmt.Errorf("line %d: missing %q", line, keyField)
		}
		delete(obj, keyField)
		records = append(records, model.Record{
			Key:    fmt.Sprint(keyVal),
			Fields: obj,
			Status: model.StatusUnenriched,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
