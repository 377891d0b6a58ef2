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

const openaiBaseURL = "https://api.openai.com"

// OpenAIAPI calls the OpenAI chat completions API.
type OpenAIAPI struct {
	baseProvider
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIAPI builds the adapter from OPENAI_API_KEY.
func NewOpenAIAPI(timeout time.Duration) *OpenAIAPI {
	return &OpenAIAPI{
		apiKey:     paths.Env("OPENAI_API_KEY"),
		baseURL:    openaiBaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *OpenAIAPI) Name() Kind           { return KindOpenAIAPI }
func (p *OpenAIAPI) Available() bool      { return p.apiKey != "" }
func (p *OpenAIAPI) DefaultModel() string { return ModelGPT4o }

type openaiRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Messages  []openaiMessage `json:"messages"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message openaiMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// GenerateFix sends the prompt to the chat completions endpoint.
func (p *OpenAIAPI) GenerateFix(ctx context.Context, req *FixRequest) (*Response, error) {
	if !p.Available() {
		return nil, ErrProviderNotAvailable(KindOpenAIAPI)
	}

	model := req.Model
	if model == "" {
		model = p.DefaultModel()
	}

	body, err := json.Marshal(openaiRequest{
		Model:     model,
		MaxTokens: req.MaxTokens,
		Messages:  []openaiMessage{{Role: "user", Content: buildPrompt(req)}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

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
		return nil, fmt.Errorf("openai API error (status %d): %s", resp.StatusCode, truncateBody(respBody))
	}

	var chatResp openaiResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("openai API returned no choices")
	}

	content := chatResp.Choices[0].Message.Content
	tokens := chatResp.Usage.TotalTokens
	cost := estimateCost(model, tokens)
	p.trackUsage(chatResp.Usage.PromptTokens, chatResp.Usage.CompletionTokens, cost)

	return &Response{
		Content:  content,
		Provider: KindOpenAIAPI,
		Model:    chatResp.Model,
		Success:  content != "",
		Tokens:   tokens,
		CostUSD:  cost,
	}, nil
}
