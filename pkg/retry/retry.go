// Package retry wraps the call-LLM-parse-validate pipeline (and anything
// else transient) with exponential backoff. Each retry first rolls the target
// message back to its pre-attempt state, then posts a user-visible retry
// notice.
package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/resviz/resviz/pkg/llm/llmerrors"
	"github.com/resviz/resviz/pkg/logger"
	"github.com/resviz/resviz/pkg/messages"
	"github.com/resviz/resviz/pkg/xmlparse"
)

// Config bounds the backoff schedule.
type Config struct {
	Attempts  uint          // retries after the first try
	BaseDelay time.Duration // first backoff step
	MaxDelay  time.Duration // backoff cap
}

// DefaultConfig mirrors the service defaults: 3 retries, 1s base, 60s cap.
func DefaultConfig() Config {
	return Config{Attempts: 3, BaseDelay: time.Second, MaxDelay: 60 * time.Second}
}

func (c *Config) normalize() {
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
}

// Wrapper runs tasks with retry and publishes rollback/notice patches.
type Wrapper struct {
	cfg     Config
	publish messages.PublishFunc

	mu         sync.Mutex
	total      int
	successful int
	failed     int
	totalDelay time.Duration
}

// New builds a wrapper. publish may be nil in tests; notices are skipped.
func New(cfg Config, publish messages.PublishFunc) *Wrapper {
	cfg.normalize()
	return &Wrapper{cfg: cfg, publish: publish}
}

// IsRetryable classifies an error for the retry loop: transient transport
// faults and malformed model output (the model is asked again) retry;
// everything else, including context cancellation, fails immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if llmerrors.IsTransient(err) {
		return true
	}
	var parseErr *xmlparse.ParseError
	var validationErr *xmlparse.ValidationError
	return errors.As(err, &parseErr) || errors.As(err, &validationErr)
}

// Do runs fn with exponential backoff. Before each retry the message named
// by rollbackMessageID (when non-empty) is rolled back so the next attempt
// starts from a clean message, and a retry notice is published. On final
// failure a failure or error notice is published and the last error
// returned.
func (w *Wrapper) Do(ctx context.Context, fn func() error, rollbackMessageID string) error {
	err := retry.Do(
		func() error {
			w.countAttempt()
			return fn()
		},
		retry.RetryIf(IsRetryable),
		retry.Attempts(w.cfg.Attempts+1),
		retry.Delay(w.cfg.BaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(w.cfg.MaxDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, attemptErr error) {
			delay := w.backoffDelay(n)
			w.recordDelay(delay)
			logger.G(ctx).WithError(attemptErr).
				WithField("attempt", n+1).
				WithField("max_retries", w.cfg.Attempts).
				Warn("retrying after transient failure")
			if rollbackMessageID != "" {
				w.publishPatch(ctx, &messages.Patch{
					MessageID: &rollbackMessageID,
					Rollback:  true,
				})
			}
			w.publishNotice(ctx,
				fmt.Sprintf("重试通知 (%d/%d)", n+1, w.cfg.Attempts),
				fmt.Sprintf("检测到网络错误：%s\n正在%.1f秒后重试...\n", attemptErr.Error(), delay.Seconds()))
		}),
	)

	if err == nil {
		w.countSuccess()
		return nil
	}
	w.countFailure()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if IsRetryable(err) {
		w.publishNotice(ctx, "重试失败通知",
			fmt.Sprintf("重试%d次后仍然失败：%s\n", w.cfg.Attempts, err.Error()))
	} else {
		w.publishNotice(ctx, "错误通知",
			fmt.Sprintf("发生不可重试错误：%s\n", err.Error()))
	}
	return err
}

func (w *Wrapper) backoffDelay(attempt uint) time.Duration {
	delay := w.cfg.BaseDelay << attempt
	if delay > w.cfg.MaxDelay || delay <= 0 {
		delay = w.cfg.MaxDelay
	}
	return delay
}

func (w *Wrapper) publishNotice(ctx context.Context, title, content string) {
	w.publishPatch(ctx, &messages.Patch{
		Role:         messages.StringPtr(messages.RoleAssistant),
		Title:        &title,
		ContentDelta: content,
		Finished:     true,
	})
}

func (w *Wrapper) publishPatch(ctx context.Context, patch *messages.Patch) {
	if w.publish == nil {
		return
	}
	if _, err := w.publish(patch); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to publish retry patch")
	}
}

func (w *Wrapper) countAttempt() {
	w.mu.Lock()
	w.total++
	w.mu.Unlock()
}

func (w *Wrapper) countSuccess() {
	w.mu.Lock()
	w.successful++
	w.mu.Unlock()
}

func (w *Wrapper) countFailure() {
	w.mu.Lock()
	w.failed++
	w.mu.Unlock()
}

func (w *Wrapper) recordDelay(delay time.Duration) {
	w.mu.Lock()
	w.totalDelay += delay
	w.mu.Unlock()
}

// Stats reports attempt counters and the configured bounds.
func (w *Wrapper) Stats() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	failed := w.total - w.successful
	avg := time.Duration(0)
	if failed > 0 {
		avg = w.totalDelay / time.Duration(failed)
	}
	return map[string]any{
		"total_attempts":      w.total,
		"successful_attempts": w.successful,
		"failed_attempts":     failed,
		"average_delay":       avg.Seconds(),
		"max_retries":         w.cfg.Attempts,
		"base_delay":          w.cfg.BaseDelay.Seconds(),
		"max_delay":           w.cfg.MaxDelay.Seconds(),
	}
}
