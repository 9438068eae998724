// Package conversation implements the per-chat FAQ dialogue: answering
// questions, resolving disambiguation menus, and collecting ratings.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/elliotchance/pie/v2"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/faqbot/bot/alert"
	"github.com/m3rciful/faqbot/bot/faq"
	"github.com/m3rciful/faqbot/bot/feedback"
	"github.com/m3rciful/faqbot/bot/session"
	"github.com/m3rciful/faqbot/core/logger"
	"github.com/m3rciful/faqbot/core/telegram/delivery"
	"github.com/m3rciful/faqbot/core/telegram/keyboard"
)

// AnswerSource answers free-text questions.
type AnswerSource interface {
	Ask(ctx context.Context, question string) (faq.Result, error)
}

// Ingestor records the outcome of a disambiguation.
type Ingestor interface {
	ReportQuestion(ctx context.Context, question string, topicID *int) error
}

// Outbox delivers messages to users.
type Outbox interface {
	Send(ctx context.Context, to tele.Recipient, msg delivery.Message) error
}

// Alerter escalates failures to the operator without blocking.
type Alerter interface {
	Escalate(ctx context.Context, a alert.Alert)
}

// Scheduler defers the rating prompt per chat.
type Scheduler interface {
	Schedule(chatID int64, delay time.Duration, fn func(gen uint64)) uint64
	Cancel(chatID int64)
	Current(chatID int64, gen uint64) bool
}

// Inbound is one text message from a chat.
type Inbound struct {
	ChatID   int64
	Username string
	Text     string
}

// ActionKind names an outbound effect of a turn.
type ActionKind string

const (
	ActionSend     ActionKind = "send"
	ActionReport   ActionKind = "report"
	ActionEscalate ActionKind = "escalate"
	ActionRecord   ActionKind = "record"
	ActionSchedule ActionKind = "schedule"
)

// Action is an effect performed during a turn, in order.
type Action struct {
	Kind    ActionKind
	Text    string
	Menu    [][]string
	TopicID *int
	Rating  int
	Alert   alert.Kind
	Err     error
}

// Deps wires an Engine.
type Deps struct {
	Store     *session.Store
	Source    AnswerSource
	Ingestor  Ingestor
	Outbox    Outbox
	Alerter   Alerter
	Recorder  feedback.Recorder
	Scheduler Scheduler
	Texts     Texts
	// FeedbackDelay is the quiet period before the rating prompt.
	FeedbackDelay time.Duration
	Now           func() time.Time
}

// Engine runs conversation turns. Turns for one chat must not overlap; the
// engine serializes them through the session store.
type Engine struct {
	d Deps
}

// NewEngine validates deps and fills defaults.
func NewEngine(d Deps) (*Engine, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("conversation: nil session store")
	case d.Source == nil:
		return nil, errors.New("conversation: nil answer source")
	case d.Ingestor == nil:
		return nil, errors.New("conversation: nil ingestor")
	case d.Outbox == nil:
		return nil, errors.New("conversation: nil outbox")
	case d.Alerter == nil:
		return nil, errors.New("conversation: nil alerter")
	case d.Recorder == nil:
		return nil, errors.New("conversation: nil recorder")
	case d.Scheduler == nil:
		return nil, errors.New("conversation: nil scheduler")
	}
	if d.Texts == (Texts{}) {
		d.Texts = DefaultTexts()
	}
	if d.FeedbackDelay <= 0 {
		d.FeedbackDelay = 30 * time.Second
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Engine{d: d}, nil
}

// turn collects the actions of one turn.
type turn struct {
	e       *Engine
	ctx     context.Context
	chatID  int64
	actions []Action
	errs    []error
}

func (t *turn) send(msg delivery.Message) bool {
	t.actions = append(t.actions, Action{Kind: ActionSend, Text: msg.Text, Menu: msg.Menu})
	if err := t.e.d.Outbox.Send(t.ctx, tele.ChatID(t.chatID), msg); err != nil {
		t.errs = append(t.errs, err)
		t.escalate(alert.Alert{Kind: alert.KindDelivery, ChatID: t.chatID, Err: err})
		return false
	}
	return true
}

func (t *turn) escalate(a alert.Alert) {
	t.actions = append(t.actions, Action{Kind: ActionEscalate, Alert: a.Kind, Err: a.Err})
	t.e.d.Alerter.Escalate(t.ctx, a)
}

func (t *turn) report(question string, topicID *int) {
	t.actions = append(t.actions, Action{Kind: ActionReport, Text: question, TopicID: topicID})
	if err := t.e.d.Ingestor.ReportQuestion(t.ctx, question, topicID); err != nil {
		t.escalate(alert.Alert{Kind: alert.KindIngestion, ChatID: t.chatID, Question: question, Err: err})
	}
}

// Handle processes one inbound message and returns the actions it performed.
// The returned error reports undelivered messages and rating storage failures;
// the turn still runs to completion.
func (e *Engine) Handle(ctx context.Context, in Inbound) ([]Action, error) {
	t := &turn{e: e, ctx: ctx, chatID: in.ChatID}
	start := time.Now()
	path := ""

	_ = e.d.Store.Mutate(in.ChatID, func(st *session.State) error {
		path = e.step(t, st, in)
		return nil
	})

	err := errors.Join(t.errs...)
	attrs := []slog.Attr{
		slog.String("path", path),
		slog.Int("actions", len(t.actions)),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		logger.Warn(ctx, "conversation", "turn.done", append(attrs,
			slog.String("status", "fail"),
			slog.String("err", delivery.SanitizeError(err)),
		)...)
	} else {
		logger.Debug(ctx, "conversation", "turn.done", append(attrs, slog.String("status", "ok"))...)
	}
	return t.actions, err
}

func (e *Engine) step(t *turn, st *session.State, in Inbound) string {
	if st.FeedbackRequested {
		if rating, ok := parseRating(in.Text); ok {
			e.rate(t, st, rating)
			return "rating"
		}
	}
	st.FeedbackRequested = false

	var path string
	if st.AwaitingDisambiguation {
		path = e.resolve(t, st, in.Text)
	} else {
		var ok bool
		path, ok = e.ask(t, st, in.Text)
		if !ok {
			return path
		}
	}

	gen := e.d.Scheduler.Schedule(in.ChatID, e.d.FeedbackDelay, func(gen uint64) {
		e.promptRating(in.ChatID, gen)
	})
	t.actions = append(t.actions, Action{Kind: ActionSchedule})
	logger.Debug(t.ctx, "conversation", "feedback.schedule",
		slog.Duration("backoff", e.d.FeedbackDelay),
		slog.Uint64("gen", gen),
	)
	return path
}

func (e *Engine) rate(t *turn, st *session.State, rating int) {
	st.FeedbackRequested = false
	e.d.Scheduler.Cancel(t.chatID)

	rec := feedback.Record{ChatID: t.chatID, Rating: rating, CreatedAt: e.d.Now()}
	t.actions = append(t.actions, Action{Kind: ActionRecord, Rating: rating})
	if err := e.d.Recorder.Record(t.ctx, rec); err != nil {
		logger.Error(t.ctx, "conversation", "feedback.record.fail",
			slog.Int("rating", rating),
			slog.String("err", err.Error()),
		)
		t.errs = append(t.errs, err)
		t.escalate(alert.Alert{Kind: alert.KindStorage, ChatID: t.chatID, Err: err})
		return
	}
	t.send(delivery.Message{Text: e.d.Texts.RatingThanks, RemoveKeyboard: true})
}

func (e *Engine) resolve(t *turn, st *session.State, choice string) string {
	question := st.PendingQuestion
	candidates := st.Candidates
	st.ClearDisambiguation()

	idx := pie.FindFirstUsing(candidates, func(topic faq.Topic) bool {
		return topic.Label == choice
	})
	if idx < 0 {
		t.send(delivery.Message{Text: e.d.Texts.Unresolved, RemoveKeyboard: true})
		t.report(question, nil)
		return "unresolved"
	}

	topic := candidates[idx]
	t.send(delivery.Message{Text: topic.Answer, RemoveKeyboard: true})
	id := topic.ID
	t.report(question, &id)
	return "resolved"
}

// ask returns false when the turn must end without scheduling a rating prompt.
func (e *Engine) ask(t *turn, st *session.State, question string) (string, bool) {
	res, err := e.d.Source.Ask(t.ctx, question)
	if err != nil {
		t.escalate(alert.Alert{Kind: alert.KindAnswerSource, ChatID: t.chatID, Question: question, Err: err})
		return "unavailable", false
	}

	if res.Direct() {
		t.send(delivery.Message{Text: res.Answer, RemoveKeyboard: true})
		return "answered", true
	}

	st.AwaitingDisambiguation = true
	st.PendingQuestion = question
	st.Candidates = res.Candidates

	labels := pie.Map(res.Candidates, func(topic faq.Topic) string { return topic.Label })
	labels = append(labels, e.d.Texts.NoneOfThese)
	t.send(delivery.Message{Text: e.d.Texts.MenuPrompt, Menu: keyboard.Column(labels...)})
	return "menu", true
}

func (e *Engine) promptRating(chatID int64, gen uint64) {
	ctx := logger.WithRID(context.Background(), logger.BuildRID(0, chatID, 0))
	ctx = logger.WithUpdateMeta(ctx, 0, 0, chatID)
	ctx = logger.WithHandler(ctx, "feedback.prompt")
	t := &turn{e: e, ctx: ctx, chatID: chatID}

	_ = e.d.Store.Mutate(chatID, func(st *session.State) error {
		if !e.d.Scheduler.Current(chatID, gen) {
			logger.Debug(ctx, "conversation", "feedback.prompt.skip", slog.String("cause", "superseded"))
			return nil
		}
		if st.AwaitingDisambiguation {
			logger.Debug(ctx, "conversation", "feedback.prompt.skip", slog.String("cause", "menu_pending"))
			return nil
		}
		if t.send(delivery.Message{Text: e.d.Texts.RatingPrompt, Menu: RatingMenu()}) {
			st.FeedbackRequested = true
			logger.Info(ctx, "conversation", "feedback.prompt", slog.String("status", "ok"))
		}
		return nil
	})
}

// Start resets the chat and greets the user.
func (e *Engine) Start(ctx context.Context, chatID int64) ([]Action, error) {
	t := &turn{e: e, ctx: ctx, chatID: chatID}
	_ = e.d.Store.Mutate(chatID, func(st *session.State) error {
		e.d.Scheduler.Cancel(chatID)
		*st = session.State{}
		t.send(delivery.Message{Text: e.d.Texts.Greeting, RemoveKeyboard: true})
		return nil
	})
	return t.actions, errors.Join(t.errs...)
}

// Help sends the usage text without touching the conversation state.
func (e *Engine) Help(ctx context.Context, chatID int64) error {
	t := &turn{e: e, ctx: ctx, chatID: chatID}
	t.send(delivery.Message{Text: e.d.Texts.Help})
	return errors.Join(t.errs...)
}

// RatingMenu is the 1..5 keyboard on a single row.
func RatingMenu() [][]string {
	return [][]string{{"1", "2", "3", "4", "5"}}
}

// parseRating accepts ASCII digits only, with a value between 1 and 5.
func parseRating(text string) (int, bool) {
	if text == "" {
		return 0, false
	}
	for _, r := range text {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(text)
	if err != nil || !feedback.ValidRating(n) {
		return 0, false
	}
	return n, true
}
