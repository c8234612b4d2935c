// Package provider abstracts the LLM backends the oracle gateway runs on.
package provider

import (
	"context"
	"fmt"

	"github.com/atomize-dev/atomize/config"
	openai_provider "github.com/atomize-dev/atomize/provider/openai"
)

// Provider is the interface all LLM implementations must satisfy.
type Provider interface {
	// Generate produces a completion for the prompt using the named model.
	// Recognized options: "temperature" (float64), "max_tokens" (int).
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)

	// GetAvailableModels returns the configured model names.
	GetAvailableModels() []string
}

// NewProvider creates an LLM provider based on configuration. The first
// configured provider wins.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	for _, p := range cfg.Providers {
		switch p.Type {
		case "openai":
			return openai_provider.NewClient(p), nil
		case "anthropic":
			return nil, fmt.Errorf("anthropic provider not implemented yet")
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", p.Type)
		}
	}
	return nil, fmt.Errorf("no valid LLM providers found")
}
