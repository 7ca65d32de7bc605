package bigquery

import (
	"fmt"
	"strings"
	"time"

	bq "cloud.google.com/go/bigquery"
	"github.com/tinytelemetry/madrid-enricher/internal/model"
)

// statement is one parameterized query.
type statement struct {
	SQL    string
	Params []bq.QueryParameter
}

// builder renders the queries of the claim protocol for one table.
type builder struct {
	table string // quoted
	key   string
}

func newBuilder(ref TableRef, keyColumn string) builder {
	return builder{table: ref.Quoted(), key: keyColumn}
}

func (b builder) keyExpr() string {
	return fmt.Sprintf("CAST(%s AS STRING)", b.key)
}

func (b builder) eligible(maxAttempts int, since time.Time) (string, []bq.QueryParameter) {
	clause := `(COALESCE(enrich_status, 'unenriched') = 'unenriched'
		OR (enrich_status = 'enrich_failed' AND COALESCE(enrich_attempts, 0) < @max_attempts))`
	params := []bq.QueryParameter{{Name: "max_attempts", Value: maxAttempts}}
	if !since.IsZero() {
		clause += ` AND (enrich_claimed_at IS NULL OR enrich_claimed_at < @since)`
		params = append(params, bq.QueryParameter{Name: "since", Value: since.UTC()})
	}
	return clause, params
}

// selectColumns lists the key, the whole row as JSON, and the bookkeeping
// columns in the order decodeRow expects.
func (b builder) selectColumns() string {
	return fmt.Sprintf(`%s AS record_key, TO_JSON_STRING(t) AS record_json,
		enrich_status, enrich_attempts, enrich_claim, enrich_claimed_at,
		enrich_error, enrichment, enriched_at`, b.keyExpr())
}

func (b builder) selectCandidates(sel model.Selection) statement {
	where, params := b.eligible(sel.MaxAttempts, sel.Since)
	return statement{
		SQL: fmt.Sprintf(`SELECT %s FROM %s AS t WHERE %s ORDER BY %s LIMIT %d`,
			b.selectColumns(), b.table, where, b.key, sel.Limit),
		Params: params,
	}
}

func (b builder) claim(c model.Claim, limit int) statement {
	where, params := b.eligible(c.MaxAttempts, c.Since)
	sql := fmt.Sprintf(`UPDATE %s SET
			enrich_status = 'enriching',
			enrich_claim = @token,
			enrich_claimed_at = @claimed_at,
			enrich_attempts = COALESCE(enrich_attempts, 0) + 1
		WHERE %s IN (
			SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT %d
		)`, b.table, b.keyExpr(), b.keyExpr(), b.table, where, b.key, limit)
	params = append(params,
		bq.QueryParameter{Name: "token", Value: c.Token},
		bq.QueryParameter{Name: "claimed_at", Value: c.At.UTC()},
	)
	return statement{SQL: sql, Params: params}
}

func (b builder) claimed(token string) statement {
	return statement{
		SQL: fmt.Sprintf(`SELECT %s FROM %s AS t WHERE enrich_claim = @token ORDER BY %s`,
			b.selectColumns(), b.table, b.key),
		Params: []bq.QueryParameter{{Name: "token", Value: token}},
	}
}

func (b builder) conditional(set string, key, token string, extra ...bq.QueryParameter) statement {
	params := append([]bq.QueryParameter{
		{Name: "key", Value: key},
		{Name: "token", Value: token},
	}, extra...)
	return statement{
		SQL: fmt.Sprintf(`UPDATE %s SET %s WHERE %s = @key AND enrich_claim = @token`,
			b.table, set, b.keyExpr()),
		Params: params,
	}
}

func (b builder) markEnriched(key, token, enrichment string, at time.Time) statement {
	return b.conditional(`enrich_status = 'enriched',
			enrichment = @enrichment,
			enriched_at = @enriched_at,
			enrich_error = NULL,
			enrich_claim = NULL`, key, token,
		bq.QueryParameter{Name: "enrichment", Value: enrichment},
		bq.QueryParameter{Name: "enriched_at", Value: at.UTC()},
	)
}

func (b builder) markFailed(key, token, reason string) statement {
	return b.conditional(`enrich_status = 'enrich_failed',
			enrich_error = @reason,
			enrich_claim = NULL`, key, token,
		bq.QueryParameter{Name: "reason", Value: reason},
	)
}

func (b builder) release(key, token string) statement {
	return b.conditional(`enrich_status = IF(COALESCE(enrich_attempts, 0) <= 1, 'unenriched', 'enrich_failed'),
			enrich_attempts = GREATEST(COALESCE(enrich_attempts, 0) - 1, 0),
			enrich_claim = NULL,
			enrich_claimed_at = NULL`, key, token)
}

func (b builder) recoverExpired(cutoff time.Time) statement {
	return statement{
		SQL: fmt.Sprintf(`UPDATE %s SET
				enrich_status = 'enrich_failed',
				enrich_error = 'claim lease expired',
				enrich_claim = NULL
			WHERE enrich_status = 'enriching' AND enrich_claimed_at < @cutoff`, b.table),
		Params: []bq.QueryParameter{{Name: "cutoff", Value: cutoff.UTC()}},
	}
}

func (b builder) statusCounts() statement {
	return statement{
		SQL: fmt.Sprintf(`SELECT COALESCE(enrich_status, 'unenriched') AS status, COUNT(*) AS count
			FROM %s GROUP BY 1`, b.table),
	}
}

// bookkeepingColumnTypes maps every bookkeeping column to its type.
var bookkeepingColumnTypes = []struct {
	Name, Type string
}{
	{model.ColumnStatus, "STRING"},
	{model.ColumnAttempts, "INT64"},
	{model.ColumnClaim, "STRING"},
	{model.ColumnClaimedAt, "TIMESTAMP"},
	{model.ColumnError, "STRING"},
	{model.ColumnEnrichment, "STRING"},
	{model.ColumnEnrichedAt, "TIMESTAMP"},
}

func (b builder) ensureColumns() statement {
	adds := make([]string, len(bookkeepingColumnTypes))
	for i, c := range bookkeepingColumnTypes {
		adds[i] = fmt.Sprintf("ADD COLUMN IF NOT EXISTS %s %s", c.Name, c.Type)
	}
	return statement{
		SQL: fmt.Sprintf("ALTER TABLE %s\n\t%s", b.table, strings.Join(adds, ",\n\t")),
	}
}
