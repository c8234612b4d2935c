package openai_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/atomize-dev/atomize/config"
)

const defaultAPIURL = "https://api.openai.com/v1/chat/completions"

// Client implements the provider interface using OpenAI's chat API.
type Client struct {
	apiKey     string
	baseURL    string
	models     map[string]config.LLMModel
	httpClient *http.Client
}

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// request represents a request to the OpenAI API
type request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// response represents a response from the OpenAI API
type response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// NewClient creates a new OpenAI client from provider configuration.
func NewClient(cfg config.LLMProvider) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAPIURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		models:     cfg.Models,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Generate produces a completion for the prompt using the named model.
func (c *Client) Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error) {
	apiName := model
	temperature := 0.3
	maxTokens := 0
	if m, ok := c.models[model]; ok {
		if m.APIName != "" {
			apiName = m.APIName
		}
		temperature = m.Temperature
		maxTokens = m.MaxTokens
	}
	if t, ok := options["temperature"].(float64); ok {
		temperature = t
	}
	if mt, ok := options["max_tokens"].(int); ok {
		maxTokens = mt
	}

	requestBody := request{
		Model:       apiName,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API returned status: %d", resp.StatusCode)
	}

	var openaiResp response
	if err := json.NewDecoder(resp.Body).Decode(&openaiResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(openaiResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return openaiResp.Choices[0].Message.Content, nil
}

// GetAvailableModels returns the configured model names.
func (c *Client) GetAvailableModels() []string {
	names := make([]string, 0, len(c.models))
	for name := range c.models {
		names = append(names, name)
	}
	return names
}
