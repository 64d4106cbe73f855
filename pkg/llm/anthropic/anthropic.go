// Package anthropic streams completions from the Anthropic Messages API with
// extended thinking enabled, mapping thinking-block deltas onto thinking
// patches and text deltas onto content patches.
package anthropic

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"

	"github.com/resviz/resviz/pkg/llm/llmerrors"
	llmtypes "github.com/resviz/resviz/pkg/llm/types"
	"github.com/resviz/resviz/pkg/logger"
	"github.com/resviz/resviz/pkg/messages"
)

// Extended thinking needs a budget below max_tokens; keep a fixed share.
const thinkingBudgetRatio = 0.5

// Client streams from the Anthropic Messages API.
type Client struct {
	client  anthropic.Client
	config  llmtypes.Config
	publish messages.PublishFunc
	stats   llmtypes.Stats
}

// NewClient builds a client from the config.
func NewClient(cfg llmtypes.Config, publish messages.PublishFunc) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		client:  anthropic.NewClient(opts...),
		config:  cfg,
		publish: publish,
	}
}

// StreamGenerate streams one completion and returns the accumulated content
// text.
func (c *Client) StreamGenerate(ctx context.Context, req llmtypes.Request) (string, error) {
	start := time.Now()
	thinking, content, err := c.stream(ctx, req)
	c.stats.Record(err, thinking, content, time.Since(start))
	return content, err
}

func (c *Client) stream(ctx context.Context, req llmtypes.Request) (thinking, content string, err error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.config.Model()),
		MaxTokens: int64(c.config.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if c.config.UseReasoner {
		budget := int64(float64(c.config.MaxTokens) * thinkingBudgetRatio)
		if budget < 1024 {
			budget = 1024
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	} else {
		params.Temperature = anthropic.Float(float64(c.config.Temperature))
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.ThinkingDelta:
				thinking += delta.Thinking
				c.publishPatch(ctx, &messages.Patch{
					MessageID:     &req.MessageID,
					ThinkingDelta: delta.Thinking,
				})
			case anthropic.TextDelta:
				content += delta.Text
				if req.PublishContent {
					c.publishPatch(ctx, &messages.Patch{
						MessageID:    &req.MessageID,
						ContentDelta: delta.Text,
					})
				}
			}
		}
	}
	if streamErr := stream.Err(); streamErr != nil {
		return thinking, content, classify(streamErr)
	}

	c.publishPatch(ctx, &messages.Patch{
		MessageID: &req.MessageID,
		Finished:  true,
	})
	return thinking, content, nil
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		// Overload and server-side faults are worth another attempt.
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return &llmerrors.NetworkError{Err: err}
		}
		return &llmerrors.APIError{StatusCode: apiErr.StatusCode, Err: err}
	}
	return llmerrors.Classify(err)
}

func (c *Client) publishPatch(ctx context.Context, patch *messages.Patch) {
	if c.publish == nil {
		return
	}
	if _, err := c.publish(patch); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to publish stream patch")
	}
}

// Stats reports call counters.
func (c *Client) Stats() map[string]any {
	return c.stats.Snapshot()
}
