// Package delivery sends messages to Telegram chats with a bounded retry budget.
//
// Rate-limit answers (HTTP 429 with retry_after) are waited out exactly and do
// not consume the budget. Transient failures back off exponentially; permanent
// 4xx failures give up at once. After the budget is spent Send returns an error
// wrapping ErrGaveUp and leaves escalation to the caller.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/faqbot/core/logger"
	"github.com/m3rciful/faqbot/core/telegram/keyboard"
)

// ErrGaveUp is returned once the attempt budget is exhausted or the failure is permanent.
var ErrGaveUp = errors.New("delivery: gave up")

// Transport is the subset of *tele.Bot used to deliver messages.
type Transport interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Message is a text with an optional reply keyboard.
type Message struct {
	Text string
	// Menu holds reply keyboard rows; each label becomes one button.
	Menu [][]string
	// RemoveKeyboard hides a previously shown reply keyboard.
	RemoveKeyboard bool
}

// Policy bounds retries of non rate-limit failures.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Options configures a Channel.
type Options struct {
	// Name distinguishes channels in logs ("user", "operator").
	Name    string
	Policy  Policy
	Limiter *rate.Limiter
	// Sleep waits for d or until ctx is done; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Channel delivers messages through a Transport. It is safe for concurrent use.
type Channel struct {
	tr      Transport
	name    string
	policy  Policy
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewChannel builds a Channel, filling zero options with defaults.
func NewChannel(tr Transport, opts Options) *Channel {
	if opts.Name == "" {
		opts.Name = "user"
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy.MaxAttempts = 5
	}
	if opts.Policy.BaseDelay <= 0 {
		opts.Policy.BaseDelay = time.Second
	}
	if opts.Policy.MaxDelay < opts.Policy.BaseDelay {
		opts.Policy.MaxDelay = opts.Policy.BaseDelay
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if opts.Sleep == nil {
		opts.Sleep = SleepContext
	}
	return &Channel{
		tr:      tr,
		name:    opts.Name,
		policy:  opts.Policy,
		limiter: opts.Limiter,
		sleep:   opts.Sleep,
	}
}

// Send delivers msg to the recipient, retrying per the channel policy.
func (c *Channel) Send(ctx context.Context, to tele.Recipient, msg Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	opts := msg.sendOptions()

	var (
		lastErr  error
		attempts int
	)
	for attempts < c.policy.MaxAttempts {
		if err := c.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		_, err := c.tr.Send(to, msg.Text, opts)
		if err == nil {
			if attempts > 0 {
				logger.Info(ctx, "tg.delivery", "send.retry.success", c.attrs(to,
					slog.Int("attempt", attempts+1),
					slog.Duration("duration", time.Since(start)),
				)...)
			}
			return nil
		}

		if wait, ok := floodWait(err); ok {
			logger.Warn(ctx, "tg.delivery", "send.rate_limited", c.attrs(to,
				slog.String("status", "rate_limited"),
				slog.Duration("retry_after_ms", wait),
			)...)
			if err := c.sleep(ctx, wait); err != nil {
				lastErr = err
				break
			}
			continue
		}

		attempts++
		lastErr = err
		if isPermanent(err) || attempts >= c.policy.MaxAttempts {
			break
		}

		delay := c.backoff(attempts)
		logger.Warn(ctx, "tg.delivery", "send.retry", c.attrs(to,
			slog.String("status", "retry"),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", delay),
			slog.String("err", SanitizeError(err)),
			slog.String("err_code", ClassifyError(err)),
		)...)
		if err := c.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	logger.Error(ctx, "tg.delivery", "send.fail", c.attrs(to,
		slog.String("status", "fail"),
		slog.Int("attempts", attempts),
		slog.Bool("retryable", !isPermanent(lastErr)),
		slog.String("err", SanitizeError(lastErr)),
		slog.String("err_code", ClassifyError(lastErr)),
		slog.Duration("duration", time.Since(start)),
	)...)
	return fmt.Errorf("%w after %d attempt(s): %s", ErrGaveUp, attempts, SanitizeError(lastErr))
}

// backoff returns base * 2^(attempt-1), capped at MaxDelay.
func (c *Channel) backoff(attempt int) time.Duration {
	delay := c.policy.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.policy.MaxDelay {
			return c.policy.MaxDelay
		}
	}
	return delay
}

func (c *Channel) attrs(to tele.Recipient, extra ...slog.Attr) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("channel", c.name),
		slog.String("target", to.Recipient()),
	}
	return append(attrs, extra...)
}

func (m Message) sendOptions() *tele.SendOptions {
	opts := &tele.SendOptions{}
	switch {
	case len(m.Menu) > 0:
		opts.ReplyMarkup = keyboard.ReplyButtons(m.Menu...)
	case m.RemoveKeyboard:
		opts.ReplyMarkup = keyboard.RemoveKeyboard()
	}
	return opts
}

// SleepContext waits for d unless ctx is cancelled first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
