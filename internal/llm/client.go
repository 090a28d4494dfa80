// Package llm wraps the external text-generation provider behind a small
// completion interface. Supported providers: openai and anthropic, both over
// plain HTTP.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is the text-generation collaborator boundary.
type Client interface {
	Complete(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error)
}

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	anthropicVersion = "2023-06-01"
)

type HTTPClient struct {
	provider   string
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewHTTPClient(provider, baseURL, apiKey, model string, timeout time.Duration) *HTTPClient {
	if baseURL == "" {
		switch provider {
		case ProviderAnthropic:
			baseURL = "https://api.anthropic.com"
		default:
			baseURL = "https://api.openai.com"
		}
	}
	return &HTTPClient{
		provider: provider,
		baseURL:  baseURL,
		apiKey:   apiKey,
		model:    model,
		httpClient: &http.Client{
			Timeout: timeout, // 超时，避免 worker 卡死
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type anthropicRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Complete sends one prompt and returns the raw completion text.
func (c *HTTPClient) Complete(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	switch c.provider {
	case ProviderAnthropic:
		return c.completeAnthropic(ctx, prompt, temperature, maxTokens)
	default:
		return c.completeOpenAI(ctx, prompt, temperature, maxTokens)
	}
}

func (c *HTTPClient) completeOpenAI(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	body := openAIRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a helpful assistant that processes emails for gym class automation. Always respond with valid JSON."},
			{Role: "user", Content: prompt},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	raw, err := c.post(ctx, c.baseURL+"/v1/chat/completions", body, map[string]string{
		"Authorization": "Bearer " + c.apiKey,
	})
	if err != nil {
		return "", err
	}

	var resp openAIResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm service error: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *HTTPClient) completeAnthropic(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	body := anthropicRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	raw, err := c.post(ctx, c.baseURL+"/v1/messages", body, map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	})
	if err != nil {
		return "", err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("llm service error: no text block in response")
}

func (c *HTTPClient) post(ctx context.Context, url string, payload any, headers map[string]string) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		// 可重试错误
		return nil, fmt.Errorf("llm service 5xx: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm service error: %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
