package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rookery-ai/rookery/internal/model"
)

// OpenAIProvider calls the OpenAI chat completions API. Also works with
// any OpenAI-compatible server (vLLM, LiteLLM, Ollama's /v1 surface) via
// the baseURL override.
type OpenAIProvider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
}

// NewOpenAIProvider creates a provider for the chat completions API.
func NewOpenAIProvider(apiKey, defaultModel, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIProvider{
		apiKey:       apiKey,
		baseURL:      baseURL,
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
	}
}

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []model.ChatMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Chat sends the message list to the chat completions endpoint.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []model.ChatMessage, opts Options) (Completion, error) {
	if p.apiKey == "" {
		return Completion{}, fmt.Errorf("openai: no API key: %w", ErrUnavailable)
	}

	chatModel := opts.Model
	if chatModel == "" {
		chatModel = p.defaultModel
	}
	req := openAIChatRequest{Model: chatModel, Messages: messages, MaxTokens: opts.MaxTokens}
	if opts.Temperature > 0 {
		req.Temperature = &opts.Temperature
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Completion{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("openai: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return Completion{}, fmt.Errorf("openai: read response: %w", err)
	}

	var result openAIChatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Completion{}, fmt.Errorf("openai: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return Completion{}, fmt.Errorf("openai: api error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return Completion{}, fmt.Errorf("openai: unexpected status %d", resp.StatusCode)
	}
	if len(result.Choices) == 0 {
		return Completion{}, fmt.Errorf("openai: empty choices in response")
	}

	return Completion{Content: result.Choices[0].Message.Content, Model: result.Model}, nil
}
