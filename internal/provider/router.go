package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/arctek/actifix/internal/ratelimit"
)

// Router owns the provider instances and routes a fix request down the
// ordered chain until one provider succeeds.
type Router struct {
	mu        sync.RWMutex
	providers map[Kind]Provider
	limiter   *ratelimit.Limiter
	timeout   time.Duration
	retries   int
}

// NewRouter creates a router. limiter may be nil (tests).
func NewRouter(limiter *ratelimit.Limiter, timeout time.Duration, maxRetries int) *Router {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Router{
		providers: make(map[Kind]Provider),
		limiter:   limiter,
		timeout:   timeout,
		retries:   maxRetries,
	}
}

// get returns the cached provider instance, constructing it on first use.
func (r *Router) get(kind Kind) Provider {
	r.mu.RLock()
	if p, ok := r.providers[kind]; ok {
		r.mu.RUnlock()
		return p
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[kind]; ok {
		return p
	}

	var p Provider
	switch kind {
	case KindLocalClaude:
		p = NewLocalClaude()
	case KindClaudeAPI:
		p = NewClaudeAPI(r.timeout)
	case KindOpenAICLI:
		p = NewOpenAICLI()
	case KindOpenAIAPI:
		p = NewOpenAIAPI(r.timeout)
	case KindOllama:
		p = NewOllama(r.timeout)
	case KindFree:
		p = NewFree()
	default:
		p = NewFree()
	}
	r.providers[kind] = p
	return p
}

// Register replaces a provider instance. Tests use this to inject fakes.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Chain builds the ordered provider list for a dispatch:
// the preferred provider first; under strict preference only the free
// alternative follows it; otherwise every available provider in probe
// order, with the free alternative always last.
func (r *Router) Chain(preferred Kind, strictPreferred bool) []Kind {
	var chain []Kind
	seen := make(map[Kind]bool)

	add := func(k Kind) {
		if k != "" && !seen[k] {
			chain = append(chain, k)
			seen[k] = true
		}
	}

	add(preferred)

	if strictPreferred {
		add(KindFree)
		return chain
	}

	for _, k := range probeOrder {
		if r.get(k).Available() {
			add(k)
		}
	}
	add(KindFree)
	return chain
}

// GenerateFix walks the chain. Per provider: rate-limit check, the call,
// rate-limit record, and one backoff retry per configured attempt. Errors
// accumulate; only if every provider fails is the composite error returned.
func (r *Router) GenerateFix(ctx context.Context, req *FixRequest, preferred Kind, strictPreferred bool) (*Response, error) {
	chain := r.Chain(preferred, strictPreferred)

	var failures []string
	for _, kind := range chain {
		p := r.get(kind)
		if !p.Available() {
			failures = append(failures, fmt.Sprintf("%s: not available", kind))
			continue
		}

		if r.limiter != nil {
			if err := r.limiter.Check(string(kind)); err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", kind, err))
				continue
			}
		}

		resp, err := r.callWithRetry(ctx, p, req)
		if r.limiter != nil {
			errMsg := ""
			ok := err == nil && resp != nil && resp.Success
			if err != nil {
				errMsg = err.Error()
			} else if resp != nil && resp.Error != "" {
				errMsg = resp.Error
			}
			tokens, cost := 0, 0.0
			if resp != nil {
				tokens, cost = resp.Tokens, resp.CostUSD
			}
			r.limiter.Record(string(kind), ok, tokens, cost, errMsg)
		}

		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", kind, err))
			continue
		}
		if !resp.Success {
			failures = append(failures, fmt.Sprintf("%s: %s", kind, resp.Error))
			continue
		}
		return resp, nil
	}

	return nil, fmt.Errorf("all providers failed: %s", strings.Join(failures, "; "))
}

// callWithRetry retries transport-level failures with exponential backoff
// (1s, 2s, 4s, ...). Unavailability is not retried.
func (r *Router) callWithRetry(ctx context.Context, p Provider, req *FixRequest) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := p.GenerateFix(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var unavailable ErrProviderNotAvailable
		if errors.As(err, &unavailable) {
			return nil, err
		}
	}
	return nil, lastErr
}

// ProviderStatus describes one provider for the status surface.
type ProviderStatus struct {
	Name        Kind   `json:"name"`
	DisplayName string `json:"display_name"`
	Available   bool   `json:"available"`
	Model       string `json:"model"`
	Usage       Usage  `json:"usage"`
}

// Status reports availability, the active provider/model, and the chain
// that the given selection would produce.
type Status struct {
	Providers      []ProviderStatus `json:"providers"`
	ActiveProvider Kind             `json:"active_provider"`
	ActiveModel    string           `json:"active_model"`
	Chain          []Kind           `json:"chain"`
}

// GetStatus assembles the status snapshot for a given preference.
func (r *Router) GetStatus(preferred Kind, strictPreferred bool) Status {
	titler := cases.Title(language.English)

	all := append(append([]Kind{}, probeOrder...), KindFree)
	status := Status{Chain: r.Chain(preferred, strictPreferred)}
	for _, kind := range all {
		p := r.get(kind)
		status.Providers = append(status.Providers, ProviderStatus{
			Name:        kind,
			DisplayName: titler.String(strings.ReplaceAll(string(kind), "_", " ")),
			Available:   p.Available(),
			Model:       p.DefaultModel(),
			Usage:       p.GetUsage(),
		})
	}

	if len(status.Chain) > 0 {
		status.ActiveProvider = status.Chain[0]
		status.ActiveModel = r.get(status.Chain[0]).DefaultModel()
	}
	return status
}
