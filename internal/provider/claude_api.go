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

const (
	anthropicBaseURL    = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
)

// ClaudeAPI calls the Anthropic messages API directly.
type ClaudeAPI struct {
	baseProvider
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClaudeAPI builds the adapter. The key comes from ACTIFIX_AI_API_KEY or
// ANTHROPIC_API_KEY; without one the provider reports unavailable rather
// than erroring.
func NewClaudeAPI(timeout time.Duration) *ClaudeAPI {
	key := paths.Env("ACTIFIX_AI_API_KEY")
	if key == "" {
		key = paths.Env("ANTHROPIC_API_KEY")
	}
	return &ClaudeAPI{
		apiKey:     key,
		baseURL:    anthropicBaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *ClaudeAPI) Name() Kind           { return KindClaudeAPI }
func (p *ClaudeAPI) Available() bool      { return p.apiKey != "" }
func (p *ClaudeAPI) DefaultModel() string { return ModelClaudeSonnet }

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// GenerateFix sends the prompt to the messages endpoint.
func (p *ClaudeAPI) GenerateFix(ctx context.Context, req *FixRequest) (*Response, error) {
	if !p.Available() {
		return nil, ErrProviderNotAvailable(KindClaudeAPI)
	}

	model := req.Model
	if model == "" {
		model = p.DefaultModel()
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: buildPrompt(req)}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

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
		return nil, fmt.Errorf("anthropic API error (status %d): %s", resp.StatusCode, truncateBody(respBody))
	}

	var msgResp anthropicResponse
	if err := json.Unmarshal(respBody, &msgResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	var content string
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	tokens := msgResp.Usage.InputTokens + msgResp.Usage.OutputTokens
	cost := estimateCost(model, tokens)
	p.trackUsage(msgResp.Usage.InputTokens, msgResp.Usage.OutputTokens, cost)

	return &Response{
		Content:  content,
		Provider: KindClaudeAPI,
		Model:    msgResp.Model,
		Success:  content != "",
		Tokens:   tokens,
		CostUSD:  cost,
	}, nil
}

func truncateBody(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
