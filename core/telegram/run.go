package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tele "gopkg.in/telebot.v4"

	coreconfig "github.com/m3rciful/faqbot/core/config"
	"github.com/m3rciful/faqbot/core/logger"
)

// Middleware describes a named middleware applied to every route.
type Middleware struct {
	Name string
	Use  tele.MiddlewareFunc
}

// Route declares a single bot handler bound to an arbitrary endpoint.
// Endpoint values are passed directly to tele.Bot.Handle.
type Route struct {
	Endpoint any
	Handler  tele.HandlerFunc
}

// RunOptions controls the behaviour of RunTelegram.
type RunOptions struct {
	Config   *coreconfig.Config
	Bot      *tele.Bot
	Guard    *PollGuard
	Registry *Registry

	Middlewares []Middleware
	Routes      []Route

	DisableWebhookCleanup bool

	OnStart func(ctx context.Context, rt Runtime) error
	OnStop  func(ctx context.Context, rt Runtime) error
}

// Runtime exposes runtime components to lifecycle hooks.
type Runtime struct {
	Bot      *tele.Bot
	Registry *Registry
}

// NewBot builds a bot that processes updates one at a time in arrival order
// and reports errors through guard.
func NewBot(cfg *coreconfig.Config, guard *PollGuard) (*tele.Bot, error) {
	if cfg == nil {
		return nil, fmt.Errorf("telegram: nil config provided")
	}
	popts := PollerOptionsFrom(cfg)
	settings := tele.Settings{
		Token:       cfg.Telegram.Token,
		Poller:      BuildPoller(popts),
		Client:      BuildHTTPClient(popts.LongPollTimeout()),
		Synchronous: true,
	}
	if guard != nil {
		settings.OnError = guard.HandleError
	}

	start := time.Now()
	bot, err := tele.NewBot(settings)
	if err != nil {
		return nil, fmt.Errorf("telegram: bot initialization failed: %w", err)
	}
	logger.Info(context.Background(), "tg", "bot.ready",
		slog.String("username", bot.Me.Username),
		slog.Duration("duration", logger.RoundMS(time.Since(start))),
	)
	return bot, nil
}

// RunTelegram wires routes onto the bot and runs it until ctx is done or,
// in "exit" resilience mode, until polling fails.
// Calling it again with the same bot re-binds the same routes.
func RunTelegram(ctx context.Context, opts RunOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Config == nil {
		return fmt.Errorf("telegram: nil config provided")
	}
	if opts.Bot == nil {
		return fmt.Errorf("telegram: nil bot provided")
	}

	cfg := opts.Config
	bot := opts.Bot
	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	guard := opts.Guard
	if guard == nil {
		guard = NewPollGuard(cfg.Telegram.Resilience, coreconfig.Duration(cfg.Telegram.RestartDelayMS))
	}
	guard.Reset()

	rt := Runtime{Bot: bot, Registry: reg}

	switch p := bot.Poller.(type) {
	case *tele.Webhook:
		logger.Info(ctx, "tg", "mode",
			slog.String("mode", coreconfig.RunModeWebhook),
			slog.String("listen", p.Listen),
			slog.String("public_url", p.Endpoint.PublicURL),
		)
	case *tele.LongPoller:
		logger.Info(ctx, "tg", "mode",
			slog.String("mode", coreconfig.RunModeLongpoll),
			slog.Duration("duration", p.Timeout),
		)
		if !opts.DisableWebhookCleanup {
			if err := bot.RemoveWebhook(false); err != nil {
				logger.Warn(ctx, "tg", "delete_webhook",
					slog.String("status", "fail"),
					slog.String("err", err.Error()),
				)
			} else {
				logger.Debug(ctx, "tg", "delete_webhook", slog.String("status", "ok"))
			}
		}
	}

	mws := make([]tele.MiddlewareFunc, 0, len(opts.Middlewares))
	for _, mw := range opts.Middlewares {
		if mw.Use != nil {
			mws = append(mws, mw.Use)
		}
	}
	for _, route := range opts.Routes {
		if route.Endpoint == nil || route.Handler == nil {
			continue
		}
		bot.Handle(route.Endpoint, route.Handler, mws...)
	}

	InitBotCommands(bot, reg)

	if opts.OnStart != nil {
		if err := opts.OnStart(ctx, rt); err != nil {
			return err
		}
	}

	runDone := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				runDone <- fmt.Errorf("telegram: bot panicked: %v", r)
			}
			close(runDone)
		}()
		bot.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
		guard.Close()
		bot.Stop()
		<-runDone
	case err := <-guard.Failed():
		runErr = fmt.Errorf("telegram: polling failed: %w", err)
		guard.Close()
		bot.Stop()
		<-runDone
	case err, ok := <-runDone:
		guard.Close()
		if ok && err != nil {
			runErr = err
		} else {
			runErr = errors.New("telegram: bot stopped unexpectedly")
		}
	}

	var stopErr error
	if opts.OnStop != nil {
		stopErr = opts.OnStop(context.WithoutCancel(ctx), rt)
	}

	if errors.Is(runErr, context.Canceled) {
		return stopErr
	}
	return errors.Join(runErr, stopErr)
}
