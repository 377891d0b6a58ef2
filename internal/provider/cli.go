package provider

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
)

// CLIProvider shells out to a locally installed AI CLI. It covers both the
// Claude CLI and an authenticated OpenAI CLI session; the two differ only in
// binary name, kind, and argument shape.
type CLIProvider struct {
	baseProvider
	kind   Kind
	binary string
	model  string
	args   func(model, prompt string) []string

	probeOnce sync.Once
	available bool
}

// NewLocalClaude wraps the local `claude` CLI.
func NewLocalClaude() *CLIProvider {
	return &CLIProvider{
		kind:   KindLocalClaude,
		binary: "claude",
		model:  ModelClaudeSonnet,
		args: func(model, prompt string) []string {
			return []string{"--print", "--model", model, prompt}
		},
	}
}

// NewOpenAICLI wraps a logged-in `openai` CLI session.
func NewOpenAICLI() *CLIProvider {
	return &CLIProvider{
		kind:   KindOpenAICLI,
		binary: "openai",
		model:  ModelGPT4oMini,
		args: func(model, prompt string) []string {
			return []string{"api", "chat.completions.create", "-m", model, "-g", "user", prompt}
		},
	}
}

func (p *CLIProvider) Name() Kind           { return p.kind }
func (p *CLIProvider) DefaultModel() string { return p.model }

// Available probes once for the binary on PATH. CLI sessions that exist but
// are logged out surface as call failures, not availability failures.
func (p *CLIProvider) Available() bool {
	p.probeOnce.Do(func() {
		_, err := exec.LookPath(p.binary)
		p.available = err == nil
	})
	return p.available
}

// GenerateFix invokes the CLI with the rendered prompt.
func (p *CLIProvider) GenerateFix(ctx context.Context, req *FixRequest) (*Response, error) {
	if !p.Available() {
		return nil, ErrProviderNotAvailable(p.kind)
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	cmd := exec.CommandContext(ctx, p.binary, p.args(model, buildPrompt(req))...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return &Response{
			Provider: p.kind,
			Model:    model,
			Success:  false,
			Error:    msg,
		}, nil
	}

	content := strings.TrimSpace(stdout.String())
	// Local CLI calls carry no token accounting; estimate from output length.
	tokens := len(content) / 4
	p.trackUsage(0, tokens, 0)

	return &Response{
		Content:  content,
		Provider: p.kind,
		Model:    model,
		Success:  content != "",
		Tokens:   tokens,
	}, nil
}
