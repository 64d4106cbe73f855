// Package openai streams completions from OpenAI-compatible chat endpoints.
// DeepSeek's reasoner models ship their chain of thought in the
// reasoning_content delta field, which maps straight onto thinking patches.
package openai

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/resviz/resviz/pkg/llm/llmerrors"
	llmtypes "github.com/resviz/resviz/pkg/llm/types"
	"github.com/resviz/resviz/pkg/logger"
	"github.com/resviz/resviz/pkg/messages"
)

// Client streams from one OpenAI-compatible endpoint.
type Client struct {
	client  *openai.Client
	config  llmtypes.Config
	publish messages.PublishFunc
	stats   llmtypes.Stats
}

// NewClient builds a client for the configured endpoint and model.
func NewClient(cfg llmtypes.Config, publish messages.PublishFunc) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &Client{
		client:  openai.NewClientWithConfig(clientConfig),
		config:  cfg,
		publish: publish,
	}
}

// StreamGenerate streams one completion, publishing a thinking patch per
// reasoning delta and (when requested) a content patch per content delta,
// then a finished patch. It returns the accumulated content text.
func (c *Client) StreamGenerate(ctx context.Context, req llmtypes.Request) (string, error) {
	start := time.Now()
	thinking, content, err := c.stream(ctx, req)
	c.stats.Record(err, thinking, content, time.Since(start))
	return content, err
}

func (c *Client) stream(ctx context.Context, req llmtypes.Request) (thinking, content string, err error) {
	request := openai.ChatCompletionRequest{
		Model: c.config.Model(),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
		Stream:      true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return "", "", llmerrors.Classify(err)
	}
	defer stream.Close()

	reasoningPhase := false
	for {
		response, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return thinking, content, llmerrors.Classify(recvErr)
		}

		for _, choice := range response.Choices {
			delta := choice.Delta

			if delta.ReasoningContent != "" {
				reasoningPhase = true
				thinking += delta.ReasoningContent
				c.publishPatch(ctx, &messages.Patch{
					MessageID:     &req.MessageID,
					ThinkingDelta: delta.ReasoningContent,
				})
			}

			if delta.Content != "" {
				if reasoningPhase {
					reasoningPhase = false
					logger.G(ctx).WithField("message_id", req.MessageID).Debug("thinking phase complete")
				}
				content += delta.Content
				if req.PublishContent {
					c.publishPatch(ctx, &messages.Patch{
						MessageID:    &req.MessageID,
						ContentDelta: delta.Content,
					})
				}
			}
		}
	}

	c.publishPatch(ctx, &messages.Patch{
		MessageID: &req.MessageID,
		Finished:  true,
	})
	return thinking, content, nil
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
