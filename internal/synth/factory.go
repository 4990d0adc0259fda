package synth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ent0n29/studio/internal/observability"
)

type Config struct {
	Provider      string
	Model         string
	APIKey        string
	BaseURL       string
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
	MockDelay     time.Duration
}

// New builds the configured provider wrapped in rate limiting,
// instrumentation and the per-call timeout, outermost last.
func New(ctx context.Context, cfg Config, logger *slog.Logger, metrics *observability.Metrics) (Synthesizer, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "mock"
	}

	var base Synthesizer
	switch provider {
	case "mock":
		m := NewMock(cfg.MockDelay)
		if cfg.Model != "" {
			m.Model = cfg.Model
		}
		base = m
	case "gemini":
		g, err := NewGemini(ctx, cfg.APIKey, cfg.Model, logger)
		if err != nil {
			return nil, err
		}
		base = g
	case "openai":
		o, err := NewOpenAIImages(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			ImageModel: cfg.Model,
		}, logger)
		if err != nil {
			return nil, err
		}
		base = o
	case "ollama":
		o, err := NewOllama(cfg.BaseURL, cfg.Model, 0, logger)
		if err != nil {
			return nil, err
		}
		base = o
	default:
		return nil, fmt.Errorf("%w: unknown provider %q (expected mock|gemini|openai|ollama)", ErrInvalidConfig, cfg.Provider)
	}

	s := base
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s = RateLimited(s, rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst))
	}
	s = Instrumented(s, provider, metrics)
	return WithTimeout(s, cfg.Timeout), nil
}
