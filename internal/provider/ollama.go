package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/arctek/actifix/internal/paths"
)

const defaultOllamaURL = "http://localhost:11434"

// Ollama calls a local Ollama daemon.
type Ollama struct {
	baseProvider
	baseURL    string
	httpClient *http.Client
}

// NewOllama builds the adapter. ACTIFIX_OLLAMA_URL overrides the default
// localhost endpoint.
func NewOllama(timeout time.Duration) *Ollama {
	url := paths.Env("ACTIFIX_OLLAMA_URL")
	if url == "" {
		url = defaultOllamaURL
	}
	return &Ollama{
		baseURL:    url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *Ollama) Name() Kind           { return KindOllama }
func (p *Ollama) DefaultModel() string { return ModelOllamaLlama }

// Available probes the daemon with a short-deadline version request.
func (p *Ollama) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Model     string `json:"model"`
	Response  string `json:"response"`
	EvalCount int    `json:"eval_count"`
}

// GenerateFix sends the prompt to the generate endpoint.
func (p *Ollama) GenerateFix(ctx context.Context, req *FixRequest) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.DefaultModel()
	}

	body, err := json.Marshal(ollamaRequest{Model: model, Prompt: buildPrompt(req), Stream: false})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, truncateBody(respBody))
	}

	var genResp ollamaResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	p.trackUsage(0, genResp.EvalCount, 0)

	return &Response{
		Content:  genResp.Response,
		Provider: KindOllama,
		Model:    genResp.Model,
		Success:  genResp.Response != "",
		Tokens:   genResp.EvalCount,
	}, nil
}
