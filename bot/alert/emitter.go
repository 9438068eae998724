// Package alert escalates operational failures to the operator chat.
//
// Escalation never blocks the caller: alerts are queued on their own worker
// pool and delivered through a dedicated channel with its own retry budget.
// When the queue is full the alert is dropped and logged.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/faqbot/core/logger"
	"github.com/m3rciful/faqbot/core/telegram/delivery"
	"github.com/m3rciful/faqbot/core/telegram/sender"
)

// Kind classifies an alert.
type Kind string

const (
	KindAnswerSource Kind = "answer_source_unavailable"
	KindIngestion    Kind = "ingestion_failure"
	KindDelivery     Kind = "delivery_failure"
	KindPoll         Kind = "poll_failure"
	KindStorage      Kind = "feedback_storage_failure"
	KindPanic        Kind = "panic"
)

// DefaultFormat prefixes every operator message; %v receives the failure.
const DefaultFormat = "Ошибка при обращении к серверу: %v"

// Alert describes one failure worth an operator's attention.
type Alert struct {
	Kind     Kind
	ChatID   int64
	Question string
	Err      error
}

// Target is an operator chat: a numeric chat id or a public "@channel" name.
type Target string

// Recipient implements tele.Recipient.
func (t Target) Recipient() string {
	return string(t)
}

// Valid reports whether t looks like a chat id or a channel name.
func (t Target) Valid() bool {
	s := string(t)
	if strings.HasPrefix(s, "@") {
		return len(s) > 1
	}
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// Channel delivers operator messages.
type Channel interface {
	Send(ctx context.Context, to tele.Recipient, msg delivery.Message) error
}

// Stats counts alerts by outcome.
type Stats struct {
	Queued  uint64 `json:"queued"`
	Dropped uint64 `json:"dropped"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
}

// Options configures an Emitter.
type Options struct {
	Target Target
	// Format must contain one %v verb; DefaultFormat when empty.
	Format     string
	Dispatcher sender.Options
}

// Emitter queues alerts for asynchronous delivery.
type Emitter struct {
	channel    Channel
	target     Target
	format     string
	dispatcher *sender.Dispatcher

	queued  atomic.Uint64
	dropped atomic.Uint64
	sent    atomic.Uint64
	failed  atomic.Uint64
}

// NewEmitter starts the alert worker pool. An empty target disables delivery;
// alerts are then only logged.
func NewEmitter(channel Channel, opts Options) *Emitter {
	format := opts.Format
	if format == "" {
		format = DefaultFormat
	}
	return &Emitter{
		channel:    channel,
		target:     opts.Target,
		format:     format,
		dispatcher: sender.NewDispatcher(opts.Dispatcher),
	}
}

// Escalate queues a for delivery and returns immediately.
func (e *Emitter) Escalate(ctx context.Context, a Alert) {
	if ctx == nil {
		ctx = context.Background()
	}
	incident := uuid.NewString()
	attrs := []slog.Attr{
		slog.String("kind", string(a.Kind)),
		slog.String("incident_id", incident),
	}
	if a.ChatID != 0 {
		attrs = append(attrs, slog.Int64("chat_id", a.ChatID))
	}
	if a.Err != nil {
		attrs = append(attrs, slog.String("err", delivery.SanitizeError(a.Err)))
	}

	if e.target == "" {
		logger.Warn(ctx, "alert", "alert.skip", append(attrs, slog.String("cause", "no_target"))...)
		return
	}

	msg := delivery.Message{Text: e.render(a, incident)}
	err := e.dispatcher.Enqueue(ctx, "alert."+string(a.Kind), e.target.Recipient(), func(jobCtx context.Context) error {
		if err := e.channel.Send(jobCtx, e.target, msg); err != nil {
			e.failed.Add(1)
			return err
		}
		e.sent.Add(1)
		return nil
	})
	if err != nil {
		e.dropped.Add(1)
		status := "dropped"
		if errors.Is(err, sender.ErrQueueClosed) {
			status = "closed"
		}
		logger.Error(ctx, "alert", "alert.drop", append(attrs, slog.String("status", status))...)
		return
	}
	e.queued.Add(1)
	logger.Warn(ctx, "alert", "alert.queued", attrs...)
}

func (e *Emitter) render(a Alert, incident string) string {
	detail := "unknown error"
	if a.Err != nil {
		detail = delivery.SanitizeError(a.Err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, e.format, detail)
	fmt.Fprintf(&b, "\nkind: %s\nincident: %s", a.Kind, incident)
	if a.ChatID != 0 {
		fmt.Fprintf(&b, "\nchat: %d", a.ChatID)
	}
	if a.Question != "" {
		fmt.Fprintf(&b, "\nquestion: %s", logger.SanitizeLimit(a.Question, 512))
	}
	return b.String()
}

// Stats returns the alert counters.
func (e *Emitter) Stats() Stats {
	return Stats{
		Queued:  e.queued.Load(),
		Dropped: e.dropped.Load(),
		Sent:    e.sent.Load(),
		Failed:  e.failed.Load(),
	}
}

// Close stops accepting alerts and waits for queued ones to finish.
func (e *Emitter) Close() {
	e.dispatcher.Close()
}
