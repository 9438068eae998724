package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/faqbot/bot/alert"
	"github.com/m3rciful/faqbot/bot/conversation"
	"github.com/m3rciful/faqbot/bot/feedback"
	"github.com/m3rciful/faqbot/core/buildinfo"
	"github.com/m3rciful/faqbot/core/logger"
	coretelegram "github.com/m3rciful/faqbot/core/telegram"
	"github.com/m3rciful/faqbot/core/telegram/commands"
	"github.com/m3rciful/faqbot/core/telegram/delivery"
	tghelpers "github.com/m3rciful/faqbot/core/telegram/helpers"
	"github.com/m3rciful/faqbot/core/telegram/middleware"
	"github.com/m3rciful/faqbot/core/telegram/router"
)

func (a *App) registerHandlers() {
	a.registry.RegisterCommand("/start", commands.Command{
		Handler:     a.handleStart,
		Description: "Начать заново",
	})
	a.registry.RegisterCommand("/help", commands.Command{
		Handler:     a.handleHelp,
		Description: "Как задать вопрос",
	})
	a.registry.RegisterCommand("/stats", commands.Command{
		Handler:     a.handleStats,
		Description: "Bot counters",
		AdminOnly:   true,
	})
	a.registry.SetTextFallback(a.handleText)
}

func (a *App) runOptions() coretelegram.RunOptions {
	routes := router.CommandRoutes(a.registry, router.CommandRouteOptions{AdminID: a.cfg.Telegram.AdminID})
	routes = append(routes, router.TextRoutes(a.registry, router.TextOptions{
		UnknownMedia: a.handleHelp,
		AdminID:      a.cfg.Telegram.AdminID,
	})...)

	return coretelegram.RunOptions{
		Config:   a.cfg,
		Bot:      a.bot,
		Guard:    a.guard,
		Registry: a.registry,
		Middlewares: coretelegram.DefaultMiddlewares(a.cfg, middleware.RecoverOptions{
			OnPanic: a.onHandlerPanic,
		}, a.handleRateLimited),
		Routes: routes,
	}
}

// submit queues job on the chat's mailbox; replies never run on the update loop.
func (a *App) submit(c tele.Context, job func(ctx context.Context, chatID int64)) error {
	chatID, ok := tghelpers.ChatID(c)
	if !ok {
		return nil
	}
	ctx := tghelpers.BuildContext(c)
	return a.mailbox.Submit(ctx, chatID, func(ctx context.Context) {
		job(ctx, chatID)
	})
}

func (a *App) handleText(c tele.Context) error {
	in := conversation.Inbound{Text: c.Text()}
	if u := c.Sender(); u != nil {
		in.Username = u.Username
	}
	return a.submit(c, func(ctx context.Context, chatID int64) {
		in.ChatID = chatID
		if _, err := a.engine.Handle(ctx, in); err != nil {
			logger.Debug(ctx, "app", "turn.partial", slog.String("err", delivery.SanitizeError(err)))
		}
	})
}

func (a *App) handleStart(c tele.Context) error {
	return a.submit(c, func(ctx context.Context, chatID int64) {
		_, _ = a.engine.Start(ctx, chatID)
	})
}

func (a *App) handleHelp(c tele.Context) error {
	return a.submit(c, func(ctx context.Context, chatID int64) {
		_ = a.engine.Help(ctx, chatID)
	})
}

func (a *App) handleStats(c tele.Context) error {
	return a.submit(c, func(ctx context.Context, chatID int64) {
		_ = a.outbox.Send(ctx, tele.ChatID(chatID), delivery.Message{Text: a.statsText(ctx)})
	})
}

func (a *App) handleRateLimited(c tele.Context) error {
	return a.submit(c, func(ctx context.Context, chatID int64) {
		_ = a.outbox.Send(ctx, tele.ChatID(chatID), delivery.Message{Text: a.texts.RateLimitReply})
	})
}

func (a *App) onHandlerPanic(c tele.Context, cause any) {
	chatID, _ := tghelpers.ChatID(c)
	a.emitter.Escalate(tghelpers.BuildContext(c), alert.Alert{
		Kind:   alert.KindPanic,
		ChatID: chatID,
		Err:    fmt.Errorf("handler panicked: %v", cause),
	})
}

// recentRatings is how many stored ratings /stats averages over.
const recentRatings = 100

func (a *App) statsText(ctx context.Context) string {
	s := a.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "version: %s (%s)\n", buildinfo.Version, buildinfo.Commit)
	fmt.Fprintf(&b, "uptime: %s\n", (time.Duration(s.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(&b, "sessions: %d\n", s.Sessions)
	fmt.Fprintf(&b, "awaiting menu: %d\n", s.AwaitingMenu)
	fmt.Fprintf(&b, "awaiting rating: %d\n", s.AwaitingRating)
	fmt.Fprintf(&b, "pending prompts: %d\n", s.PendingPrompts)
	fmt.Fprintf(&b, "pending turns: %d\n", s.PendingTurns)
	fmt.Fprintf(&b, "alerts: queued %d, sent %d, failed %d, dropped %d",
		s.Alerts.Queued, s.Alerts.Sent, s.Alerts.Failed, s.Alerts.Dropped)
	if a.history != nil {
		recs, err := a.history.Ratings(ctx, recentRatings)
		if err != nil {
			logger.Warn(ctx, "app", "stats.ratings", slog.String("status", "fail"), slog.String("err", err.Error()))
		} else {
			fmt.Fprintf(&b, "\nratings: avg %.2f over last %d", feedback.Average(recs), len(recs))
		}
	}
	return b.String()
}
