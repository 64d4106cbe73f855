// Package types holds the provider-independent contracts of the LLM
// streaming layer.
package types

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Config selects and parameterizes a provider.
type Config struct {
	Provider      string  // "openai" (DeepSeek-compatible) or "anthropic"
	APIKey        string
	BaseURL       string  // OpenAI-compatible endpoint override
	ReasonerModel string  // thinking-capable model
	ChatModel     string  // plain model
	MaxTokens     int
	Temperature   float32
	UseReasoner   bool
}

// Model returns the model the config selects.
func (c *Config) Model() string {
	if c.UseReasoner {
		return c.ReasonerModel
	}
	return c.ChatModel
}

// Request is one streaming generation call. Thinking deltas are always
// published to MessageID; content deltas only when PublishContent is set
// (the validated-response path publishes the rendered content itself).
type Request struct {
	Prompt         string
	MessageID      string
	PublishContent bool
}

// Client streams a completion, publishing token patches as they arrive, and
// returns the full content text (thinking excluded).
type Client interface {
	StreamGenerate(ctx context.Context, req Request) (string, error)
	Stats() map[string]any
}

// Stats tracks call counters shared by all providers.
type Stats struct {
	mu             sync.Mutex
	totalCalls     int
	successful     int
	failed         int
	thinkingTokens int
	contentTokens  int
	totalTime      time.Duration
}

// Record registers one finished call.
func (s *Stats) Record(err error, thinking, content string, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalCalls++
	if err != nil {
		s.failed++
	} else {
		s.successful++
	}
	s.thinkingTokens += len(strings.Fields(thinking))
	s.contentTokens += len(strings.Fields(content))
	s.totalTime += elapsed
}

// Snapshot reports the counters.
func (s *Stats) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	successRate := 0.0
	if s.totalCalls > 0 {
		successRate = float64(s.successful) / float64(s.totalCalls)
	}
	avgTime := time.Duration(0)
	if s.totalCalls > 0 {
		avgTime = s.totalTime / time.Duration(s.totalCalls)
	}
	return map[string]any{
		"total_calls":      s.totalCalls,
		"successful_calls": s.successful,
		"failed_calls":     s.failed,
		"success_rate":     successRate,
		"thinking_tokens":  s.thinkingTokens,
		"content_tokens":   s.contentTokens,
		"average_time":     avgTime.Seconds(),
	}
}
