package pricing

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/card-appraiser/internal/config"
	"github.com/sells-group/card-appraiser/internal/model"
	"github.com/sells-group/card-appraiser/internal/resilience"
	"github.com/sells-group/card-appraiser/pkg/comps"
)

// Query identifies the card to price.
type Query struct {
	Name   string
	Set    string
	Number string
	// MinCondition drops comps graded below this ordinal. Zero keeps all.
	MinCondition int
	// WindowDays overrides the engine's window when positive.
	WindowDays int
}

// Request is what a single source is asked for.
type Request struct {
	Name   string
	Set    string
	Number string
	Since  time.Time
}

// Source is one independent comparable-sales provider.
type Source interface {
	Name() string
	Fetch(ctx context.Context, req Request) ([]model.RawComp, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc struct {
	SourceName string
	Fn         func(ctx context.Context, req Request) ([]model.RawComp, error)
}

func (s SourceFunc) Name() string { return s.SourceName }

func (s SourceFunc) Fetch(ctx context.Context, req Request) ([]model.RawComp, error) {
	return s.Fn(ctx, req)
}

// HTTPSource queries a comps API through pkg/comps behind a per-source
// adaptive rate limiter.
type HTTPSource struct {
	name    string
	client  comps.Client
	limiter *AdaptiveLimiter
}

// NewHTTPSource creates a source from its config entry.
func NewHTTPSource(cfg config.PriceSourceConfig, timeout time.Duration) *HTTPSource {
	opts := []comps.Option{}
	if timeout > 0 {
		opts = append(opts, comps.WithHTTPClient(&http.Client{Timeout: timeout}))
	}
	return &HTTPSource{
		name:    cfg.Name,
		client:  comps.NewClient(cfg.Name, strings.TrimRight(cfg.BaseURL, "/"), cfg.Key, opts...),
		limiter: NewAdaptiveLimiter(cfg.Name, rateOf(cfg.RatePerSec), cfg.Burst),
	}
}

func (s *HTTPSource) Name() string { return s.name }

// Limiter returns the source's pacing limiter.
func (s *HTTPSource) Limiter() *AdaptiveLimiter { return s.limiter }

// Fetch waits on the limiter and performs one search. Retryable failures
// come back as resilience.TransientError.
func (s *HTTPSource) Fetch(ctx context.Context, req Request) ([]model.RawComp, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrapf(err, "pricing: %s rate limiter wait", s.name)
	}

	out, err := s.client.Search(ctx, comps.SearchRequest{
		Name:   req.Name,
		Set:    req.Set,
		Number: req.Number,
		Since:  req.Since,
	})
	if err == nil {
		s.limiter.OnSuccess()
		return out, nil
	}

	var se *comps.StatusError
	if errors.As(err, &se) {
		if se.StatusCode == http.StatusTooManyRequests {
			s.limiter.OnRateLimit()
		}
		return nil, resilience.FromStatus(se, se.StatusCode)
	}
	return nil, err
}
