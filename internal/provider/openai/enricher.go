// Package openai implements provider.Enricher on top of an OpenAI-compatible
// chat completion API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/tinytelemetry/madrid-enricher/internal/metrics"
	"github.com/tinytelemetry/madrid-enricher/internal/model"
	"github.com/tinytelemetry/madrid-enricher/internal/provider"
	"github.com/tinytelemetry/madrid-enricher/internal/retry"
	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultMaxTokens   = 400
	parseAttempts      = 2
	defaultRetryBase   = 500 * time.Millisecond
	defaultRetryMaxGap = 5 * time.Second
)

// chatModel is the part of llms.Model the enricher needs.
type chatModel interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Config holds the client settings.
type Config struct {
	APIKey  string
	BaseURL string // empty = api.openai.com
	Model   string // overrides the profile model when set
	// RequestsPerSecond caps the call rate; 0 disables the limiter.
	RequestsPerSecond float64
	// Retries is the number of extra attempts for transient failures.
	Retries   int
	RetryBase time.Duration
}

// Enricher implements provider.Enricher using langchaingo's OpenAI client.
type Enricher struct {
	client  chatModel
	profile *provider.Profile
	model   string
	limiter *rate.Limiter
	policy  retry.Policy
}

var _ provider.Enricher = (*Enricher)(nil)

// New creates an Enricher for profile. It returns provider.ErrNotConfigured
// when no API key is given.
func New(cfg Config, profile *provider.Profile) (*Enricher, error) {
	if cfg.APIKey == "" {
		return nil, provider.ErrNotConfigured
	}
	if profile == nil {
		return nil, fmt.Errorf("openai: nil profile")
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = profile.Model
	}
	if modelName == "" {
		modelName = defaultModel
	}

	opts := []lcopenai.Option{
		lcopenai.WithToken(cfg.APIKey),
		lcopenai.WithModel(modelName),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, lcopenai.WithBaseURL(cfg.BaseURL))
	}
	client, err := lcopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai: client: %w", err)
	}
	return newWithClient(client, cfg, profile, modelName), nil
}

func newWithClient(client chatModel, cfg Config, profile *provider.Profile, modelName string) *Enricher {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	base := cfg.RetryBase
	if base <= 0 {
		base = defaultRetryBase
	}
	return &Enricher{
		client:  client,
		profile: profile,
		model:   modelName,
		limiter: limiter,
		policy: retry.Policy{
			MaxAttempts: cfg.Retries + 1,
			BaseDelay:   base,
			MaxDelay:    defaultRetryMaxGap,
			Retryable:   func(err error) bool { return !provider.IsRateLimited(err) },
		},
	}
}

// Model returns the model name used for completions.
func (e *Enricher) Model() string {
	return e.model
}

// Enrich asks the model for the profile outputs of rec. Records without any
// input field yield an empty patch and no call.
func (e *Enricher) Enrich(ctx context.Context, rec model.Record) (model.Patch, error) {
	input := e.profile.Input(rec)
	if len(input) == 0 {
		return model.Patch{}, nil
	}
	user, err := e.profile.UserMessage(input)
	if err != nil {
		return nil, fmt.Errorf("openai: encode input: %w", err)
	}
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, e.profile.Instructions()),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}

	var patch model.Patch
	err = retry.Do(ctx, e.policy, func() error {
		var callErr error
		patch, callErr = e.complete(ctx, rec.Key, messages)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return patch, nil
}

// complete performs one completion, re-asking once when the answer does
// not parse.
func (e *Enricher) complete(ctx context.Context, key string, messages []llms.MessageContent) (model.Patch, error) {
	maxTokens := e.profile.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var lastErr error
	for attempt := 1; attempt <= parseAttempts; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		resp, err := e.client.GenerateContent(ctx, messages,
			llms.WithModel(e.model),
			llms.WithTemperature(e.profile.Temperature),
			llms.WithMaxTokens(maxTokens),
			llms.WithJSONMode(),
		)
		metrics.ObserveProviderCall(time.Since(start), err)
		if err != nil {
			if provider.LooksRateLimited(err) {
				return nil, fmt.Errorf("%w: %v", provider.ErrRateLimited, err)
			}
			return nil, fmt.Errorf("openai: generate: %w", err)
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("%w: no choices", provider.ErrInvalidResponse)
			continue
		}

		text := repairJSON(stripFences(resp.Choices[0].Content))
		var raw map[string]any
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			lastErr = fmt.Errorf("%w: %v", provider.ErrInvalidResponse, err)
			log.Printf("openai: record %s: unparseable response (attempt %d/%d): %v", key, attempt, parseAttempts, err)
			continue
		}
		return e.profile.Filter(raw), nil
	}
	return nil, lastErr
}
