// Package provider implements the AI provider adapters used by the
// dispatcher. The provider set is closed: local Claude CLI, Claude API,
// OpenAI CLI, OpenAI API, local Ollama, and a guaranteed-available free
// alternative that terminates every chain.
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Kind identifies one provider variant.
type Kind string

const (
	KindLocalClaude Kind = "local_claude"
	KindClaudeAPI   Kind = "claude_api"
	KindOpenAICLI   Kind = "openai_cli"
	KindOpenAIAPI   Kind = "openai_api"
	KindOllama      Kind = "ollama"
	KindFree        Kind = "free_alternative"
)

// probeOrder is the fixed order providers are tried when no strict
// preference applies.
var probeOrder = []Kind{KindLocalClaude, KindOpenAICLI, KindClaudeAPI, KindOpenAIAPI, KindOllama}

// ErrProviderNotAvailable is returned when a provider cannot be used
// (missing API key, missing binary, daemon not running).
type ErrProviderNotAvailable string

func (e ErrProviderNotAvailable) Error() string {
	return fmt.Sprintf("provider %s not available", string(e))
}

// FixRequest carries the ticket context a provider turns into a fix.
type FixRequest struct {
	TicketID   string
	ErrorType  string
	Message    string
	Source     string
	Priority   string
	StackTrace string
	Notes      string // assembled remediation notes
	Model      string // optional model override
	MaxTokens  int
}

// Response is the provider-agnostic result of one fix generation.
type Response struct {
	Content  string  `json:"content"`
	Provider Kind    `json:"provider"`
	Model    string  `json:"model"`
	Success  bool    `json:"success"`
	Error    string  `json:"error,omitempty"`
	Tokens   int     `json:"tokens,omitempty"`
	CostUSD  float64 `json:"cost_usd,omitempty"`
}

// Provider is the interface every adapter implements.
type Provider interface {
	// GenerateFix sends the ticket context and returns a proposed fix.
	GenerateFix(ctx context.Context, req *FixRequest) (*Response, error)

	// Name returns the provider kind.
	Name() Kind

	// Available probes whether the provider can currently be used.
	Available() bool

	// DefaultModel is the model used when the request does not name one.
	DefaultModel() string

	// GetUsage returns cumulative token/cost accounting.
	GetUsage() Usage
}

// Usage tracks cumulative accounting for one provider.
type Usage struct {
	InputTokens   int64     `json:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens"`
	TotalRequests int64     `json:"total_requests"`
	TotalCostUSD  float64   `json:"total_cost_usd"`
	LastUsed      time.Time `json:"last_used"`
}

// baseProvider provides shared usage tracking.
type baseProvider struct {
	mu    sync.Mutex
	usage Usage
}

func (b *baseProvider) trackUsage(input, output int, cost float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.usage.InputTokens += int64(input)
	b.usage.OutputTokens += int64(output)
	b.usage.TotalCostUSD += cost
	b.usage.TotalRequests++
	b.usage.LastUsed = time.Now()
}

// GetUsage returns current accounting.
func (b *baseProvider) GetUsage() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usage
}

// Model constants.
const (
	ModelClaudeSonnet = "claude-sonnet-4-20250514"
	ModelClaudeHaiku  = "claude-3-5-haiku-20241022"
	ModelGPT4o        = "gpt-4o"
	ModelGPT4oMini    = "gpt-4o-mini"
	ModelOllamaLlama  = "llama3.1"
)

// costPer1KTokens is a coarse blended-rate table for accounting. Local
// providers cost nothing.
var costPer1KTokens = map[string]float64{
	ModelClaudeSonnet: 0.009,
	ModelClaudeHaiku:  0.002,
	ModelGPT4o:        0.0075,
	ModelGPT4oMini:    0.0004,
}

func estimateCost(model string, tokens int) float64 {
	rate, ok := costPer1KTokens[model]
	if !ok {
		return 0
	}
	return rate * float64(tokens) / 1000
}

// buildPrompt renders the fix prompt for a ticket.
func buildPrompt(req *FixRequest) string {
	prompt := fmt.Sprintf(
		"You are an automated remediation assistant. Propose a concrete fix for this error.\n\n"+
			"Ticket: %s\nPriority: %s\nError type: %s\nSource: %s\n\nMessage:\n%s\n",
		req.TicketID, req.Priority, req.ErrorType, req.Source, req.Message)
	if req.StackTrace != "" {
		prompt += "\nStack trace:\n" + req.StackTrace + "\n"
	}
	if req.Notes != "" {
		prompt += "\nAnalysis notes:\n" + req.Notes + "\n"
	}
	prompt += "\nRespond with: root cause, the fix, and how to verify it."
	return prompt
}
