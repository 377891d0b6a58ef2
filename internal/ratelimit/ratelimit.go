// Package ratelimit enforces per-AI-provider call budgets over rolling
// minute, hour, and day windows.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/arctek/actifix/internal/db"
)

// Error is the typed rate-limit rejection.
type Error struct {
	Provider string
	Window   string
	Limit    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limited: provider %s at %s cap (%d)", e.Provider, e.Window, e.Limit)
}

// Limits are the per-window caps for one provider. Zero disables a window.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
	Disabled  bool // Disabled bypasses all checks for the provider.
}

// DefaultLimits is the cap applied to providers without explicit limits.
var DefaultLimits = Limits{PerMinute: 10, PerHour: 100, PerDay: 500}

// Limiter tracks per-provider call counts. The in-memory window answers
// Check; every call also lands in the api_calls table for accounting, pruned
// at 24h.
type Limiter struct {
	mu     sync.Mutex
	db     *db.DB
	limits map[string]Limits
	calls  map[string][]time.Time
}

// New creates a limiter over the shared database and warms the in-memory
// windows from the api_calls ledger.
func New(database *db.DB) *Limiter {
	l := &Limiter{
		db:     database,
		limits: make(map[string]Limits),
		calls:  make(map[string][]time.Time),
	}
	l.warm()
	return l
}

func (l *Limiter) warm() {
	if l.db == nil {
		return
	}
	times, err := l.db.APICallTimesSince(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		return
	}
	for provider, ts := range times {
		l.calls[provider] = append(l.calls[provider], ts...)
	}
}

// SetLimits overrides the caps for one provider.
func (l *Limiter) SetLimits(provider string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[provider] = limits
}

// Check returns a typed *Error when any window for the provider is at cap.
func (l *Limiter) Check(provider string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	limits, ok := l.limits[provider]
	if !ok {
		limits = DefaultLimits
	}
	if limits.Disabled {
		return nil
	}

	now := time.Now().UTC()
	l.prune(provider, now)

	windows := []struct {
		name  string
		dur   time.Duration
		limit int
	}{
		{"minute", time.Minute, limits.PerMinute},
		{"hour", time.Hour, limits.PerHour},
		{"day", 24 * time.Hour, limits.PerDay},
	}
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		if l.count(provider, now.Add(-w.dur)) >= w.limit {
			return &Error{Provider: provider, Window: w.name, Limit: w.limit}
		}
	}
	return nil
}

// Record accounts for one provider call, successful or not.
func (l *Limiter) Record(provider string, success bool, tokens int, costUSD float64, errMsg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	l.calls[provider] = append(l.calls[provider], now)

	if l.db != nil {
		_ = l.db.RecordAPICall(provider, now, success, tokens, costUSD, errMsg)
	}
}

// PruneLedger drops accounting rows older than 24 hours.
func (l *Limiter) PruneLedger() {
	if l.db != nil {
		_ = l.db.PruneAPICalls(time.Now().UTC().Add(-24 * time.Hour))
	}
}

func (l *Limiter) prune(provider string, now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	kept := l.calls[provider][:0]
	for _, at := range l.calls[provider] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	l.calls[provider] = kept
}

func (l *Limiter) count(provider string, since time.Time) int {
	n := 0
	for _, at := range l.calls[provider] {
		if !at.Before(since) {
			n++
		}
	}
	return n
}
