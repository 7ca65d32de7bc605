// Package bootstrap wires configuration into the store, the provider and
// the runner shared by the service and the operator CLI.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/tinytelemetry/madrid-enricher/internal/bigquery"
	"github.com/tinytelemetry/madrid-enricher/internal/config"
	"github.com/tinytelemetry/madrid-enricher/internal/duckdb"
	"github.com/tinytelemetry/madrid-enricher/internal/enrich"
	"github.com/tinytelemetry/madrid-enricher/internal/model"
	"github.com/tinytelemetry/madrid-enricher/internal/provider"
	"github.com/tinytelemetry/madrid-enricher/internal/provider/openai"
)

// Components holds everything built from one Config.
type Components struct {
	Store     model.RecordStore
	Local     *duckdb.Store   // nil unless the DuckDB backend is selected
	Warehouse *bigquery.Store // nil unless the BigQuery backend is selected
	Profile   *provider.Profile
	Enricher  provider.Enricher // nil when no provider is configured
	Model     string
	Runner    *enrich.Runner
}

// Open builds the components for cfg. A missing provider key is not an
// error: previews and stats still work, runs report ErrProviderMissing.
func Open(ctx context.Context, cfg config.Config) (*Components, error) {
	profile, err := provider.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return nil, err
	}

	log.Printf("bootstrap: profile %s derives %s", profile.Name, strings.Join(profile.OutputNames(), ", "))

	c := &Components{Profile: profile}

	switch cfg.Store() {
	case config.StoreBigQuery:
		store, err := bigquery.NewStore(ctx, bigquery.Config{
			Table:         cfg.BQTable,
			Project:       cfg.BQProject,
			Location:      cfg.BQLocation,
			KeyColumn:     cfg.KeyColumn,
			QueryTimeout:  cfg.QueryTimeout,
			EnsureColumns: cfg.BQEnsureColumns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize BigQuery: %w", err)
		}
		c.Store = store
		c.Warehouse = store
	default:
		store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize DuckDB: %w", err)
		}
		c.Store = store
		c.Local = store
	}

	if cfg.HasProvider() {
		enricher, err := openai.New(openai.Config{
			APIKey:            cfg.OpenAIAPIKey,
			BaseURL:           cfg.OpenAIBaseURL,
			Model:             cfg.Model,
			RequestsPerSecond: cfg.ProviderRPS,
			Retries:           cfg.ProviderRetries,
		}, profile)
		if err != nil {
			c.Store.Close()
			return nil, err
		}
		c.Enricher = enricher
		c.Model = enricher.Model()
	} else {
		log.Printf("bootstrap: OPENAI_API_KEY not set, enrichment runs are disabled")
	}

	c.Runner = enrich.NewRunner(c.Store, c.Enricher, enrich.Config{
		MaxAttempts: cfg.MaxAttempts,
		ClaimLease:  cfg.ClaimLease,
		RunBudget:   cfg.RunBudget,
	})
	return c, nil
}

// Close releases the store.
func (c *Components) Close() error {
	return c.Store.Close()
}
