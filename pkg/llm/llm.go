// Package llm selects and constructs the streaming client for the configured
// provider.
package llm

import (
	"github.com/pkg/errors"

	"github.com/resviz/resviz/pkg/llm/anthropic"
	"github.com/resviz/resviz/pkg/llm/openai"
	llmtypes "github.com/resviz/resviz/pkg/llm/types"
	"github.com/resviz/resviz/pkg/messages"
)

// Client is re-exported for callers that don't care about the provider.
type Client = llmtypes.Client

// Config is re-exported alongside Client.
type Config = llmtypes.Config

// Request is re-exported alongside Client.
type Request = llmtypes.Request

// NewClient builds the streaming client for cfg.Provider.
func NewClient(cfg Config, publish messages.PublishFunc) (Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm api key is required")
	}
	switch cfg.Provider {
	case "openai", "":
		return openai.NewClient(cfg, publish), nil
	case "anthropic":
		return anthropic.NewClient(cfg, publish), nil
	default:
		return nil, errors.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}
