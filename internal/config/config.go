// Package config loads the enricher configuration once at process start.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tinytelemetry/madrid-enricher/internal/bigquery"
	"github.com/tinytelemetry/madrid-enricher/internal/model"
)

const (
	defaultHost           = "0.0.0.0"
	defaultPort           = 8080
	defaultQueryTimeout   = 60 * time.Second
	defaultReaperInterval = time.Minute
	defaultProviderRetry  = 2
	maxProviderRetries    = 10
)

// Store backends.
const (
	StoreBigQuery = "bigquery"
	StoreDuckDB   = "duckdb"
)

// Config is the validated runtime configuration. Load returns it by value;
// nothing mutates it afterwards.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	BQTable         string `mapstructure:"bq-table"`
	BQProject       string `mapstructure:"bq-project"`
	BQLocation      string `mapstructure:"bq-location"`
	BQEnsureColumns bool   `mapstructure:"bq-ensure-columns"`
	KeyColumn       string `mapstructure:"key-column"`

	DBPath       string        `mapstructure:"db-path"`
	QueryTimeout time.Duration `mapstructure:"query-timeout"`

	OpenAIAPIKey    string  `mapstructure:"openai-api-key"`
	OpenAIBaseURL   string  `mapstructure:"openai-base-url"`
	Model           string  `mapstructure:"model"`
	ProfilePath     string  `mapstructure:"profile"`
	ProviderRPS     float64 `mapstructure:"provider-rps"`
	ProviderRetries int     `mapstructure:"provider-retries"`

	MaxAttempts    int           `mapstructure:"max-attempts"`
	ClaimLease     time.Duration `mapstructure:"claim-lease"`
	RunBudget      time.Duration `mapstructure:"run-budget"`
	ReaperInterval time.Duration `mapstructure:"reaper-interval"`

	LogFile    string `mapstructure:"log-file"`
	ConfigPath string `mapstructure:"-"` // not from config file
}

// explicitEnv lists keys read from platform-provided variables without the
// ENRICHER_ prefix. The prefixed form is accepted as well.
var explicitEnv = map[string]string{
	"port":           "PORT",
	"bq-table":       "BQ_TABLE",
	"bq-location":    "BQ_LOCATION",
	"bq-project":     "BQ_PROJECT",
	"openai-api-key": "OPENAI_API_KEY",
}

// Load reads defaults, the optional config file and the environment, then
// validates the result. An empty configPath falls back to ENRICHER_CONFIG,
// then to $HOME/.config/madrid-enricher/config.yml when it exists.
func Load(configPath string) (Config, error) {
	v := newViper()

	if configPath == "" {
		configPath = v.GetString("config")
	}
	home, err := os.UserHomeDir()
	if err == nil {
		v.SetDefault("db-path", filepath.Join(home, ".local", "share", "madrid-enricher", "records.duckdb"))
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if home != "" {
		v.SetConfigFile(filepath.Join(home, ".config", "madrid-enricher", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return Config{}, err
		}
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("ENRICHER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for key, env := range explicitEnv {
		_ = v.BindEnv(key, env, "ENRICHER_"+strings.ReplaceAll(strings.ToUpper(key), "-", "_"))
	}

	v.SetDefault("host", defaultHost)
	v.SetDefault("port", defaultPort)
	v.SetDefault("bq-table", "")
	v.SetDefault("bq-project", "")
	v.SetDefault("bq-location", "")
	v.SetDefault("bq-ensure-columns", false)
	v.SetDefault("key-column", model.DefaultKeyColumn)
	v.SetDefault("db-path", "")
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("openai-api-key", "")
	v.SetDefault("openai-base-url", "")
	v.SetDefault("model", "")
	v.SetDefault("profile", "")
	v.SetDefault("provider-rps", 0.0)
	v.SetDefault("provider-retries", defaultProviderRetry)
	v.SetDefault("max-attempts", model.DefaultMaxAttempts)
	v.SetDefault("claim-lease", model.DefaultClaimLease)
	v.SetDefault("run-budget", model.DefaultRunBudget)
	v.SetDefault("reaper-interval", defaultReaperInterval)
	v.SetDefault("log-file", "")
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	// Expand ~ in paths
	if home, err := os.UserHomeDir(); err == nil {
		cfg.DBPath = expandHome(cfg.DBPath, home)
		cfg.LogFile = expandHome(cfg.LogFile, home)
		cfg.ProfilePath = expandHome(cfg.ProfilePath, home)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("invalid query-timeout: %s", c.QueryTimeout)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("invalid max-attempts: %d", c.MaxAttempts)
	}
	if c.ClaimLease <= 0 {
		return fmt.Errorf("invalid claim-lease: %s", c.ClaimLease)
	}
	if c.RunBudget < 0 {
		return fmt.Errorf("invalid run-budget: %s", c.RunBudget)
	}
	if c.RunBudget > 0 && c.ClaimLease <= c.RunBudget {
		return fmt.Errorf("claim-lease (%s) must exceed run-budget (%s)", c.ClaimLease, c.RunBudget)
	}
	if c.ReaperInterval < 0 {
		return fmt.Errorf("invalid reaper-interval: %s", c.ReaperInterval)
	}
	if c.ProviderRPS < 0 {
		return fmt.Errorf("invalid provider-rps: %v", c.ProviderRPS)
	}
	if c.ProviderRetries < 0 || c.ProviderRetries > maxProviderRetries {
		return fmt.Errorf("invalid provider-retries: %d (0..%d)", c.ProviderRetries, maxProviderRetries)
	}
	if !bigquery.ValidColumn(c.KeyColumn) {
		return fmt.Errorf("invalid key-column: %q", c.KeyColumn)
	}
	if c.BQTable != "" {
		if _, err := bigquery.ParseTableRef(c.BQTable, c.BQProject); err != nil {
			return err
		}
	}
	return nil
}

// Store returns the backend selected by the configuration: BigQuery when
// a table is configured, the local DuckDB store otherwise.
func (c Config) Store() string {
	if c.BQTable != "" {
		return StoreBigQuery
	}
	return StoreDuckDB
}

// Addr returns the HTTP listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// HasProvider reports whether provider credentials are configured.
func (c Config) HasProvider() bool {
	return strings.TrimSpace(c.OpenAIAPIKey) != ""
}
