package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinytelemetry/madrid-enricher/internal/config"
	"github.com/tinytelemetry/madrid-enricher/internal/enrich"
)

func localConfig() config.Config {
	return config.Config{
		Port:            8080,
		KeyColumn:       "id",
		QueryTimeout:    10 * time.Second,
		MaxAttempts:     3,
		ClaimLease:      15 * time.Minute,
		RunBudget:       time.Minute,
		ProviderRetries: 1,
	}
}

func TestOpenLocalWithoutProvider(t *testing.T) {
	c, err := Open(context.Background(), localConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if c.Local == nil || c.Warehouse != nil {
		t.Errorf("backends: local=%v warehouse=%v, want local only", c.Local != nil, c.Warehouse != nil)
	}
	if c.Enricher != nil || c.Runner.HasProvider() {
		t.Error("provider configured without an API key")
	}
	if c.Profile.Name != "madrid-performing-arts" {
		t.Errorf("profile = %q", c.Profile.Name)
	}

	_, err = c.Runner.Run(context.Background(), enrich.DefaultRunOptions())
	if !errors.Is(err, enrich.ErrProviderMissing) {
		t.Errorf("Run err = %v, want ErrProviderMissing", err)
	}
}

func TestOpenLocalWithProvider(t *testing.T) {
	cfg := localConfig()
	cfg.OpenAIAPIKey = "sk-test"
	cfg.Model = "gpt-4o"

	c, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if c.Enricher == nil || !c.Runner.HasProvider() {
		t.Fatal("provider not configured")
	}
	if c.Model != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", c.Model)
	}
}

func TestOpenRejectsMissingProfile(t *testing.T) {
	cfg := localConfig()
	cfg.ProfilePath = "/nonexistent/profile.yaml"

	if _, err := Open(context.Background(), cfg); err == nil {
		t.Error("Open succeeded with a missing profile")
	}
}
