// Package app assembles the FAQ bot from configuration and runs it through core/cmd.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/faqbot/bot/alert"
	"github.com/m3rciful/faqbot/bot/conversation"
	"github.com/m3rciful/faqbot/bot/faq"
	"github.com/m3rciful/faqbot/bot/feedback"
	"github.com/m3rciful/faqbot/bot/ops"
	"github.com/m3rciful/faqbot/bot/session"
	"github.com/m3rciful/faqbot/core/bootstrap"
	"github.com/m3rciful/faqbot/core/cmd"
	coreconfig "github.com/m3rciful/faqbot/core/config"
	"github.com/m3rciful/faqbot/core/logger"
	coretelegram "github.com/m3rciful/faqbot/core/telegram"
	"github.com/m3rciful/faqbot/core/telegram/delivery"
	"github.com/m3rciful/faqbot/core/telegram/sender"
)

// Config carries the loaded configuration into core/cmd.
type Config struct {
	*coreconfig.Config
}

// CoreConfig implements cmd.ConfigCarrier.
func (c Config) CoreConfig() *coreconfig.Config {
	return c.Config
}

// LoadConfig matches cmd.Options.LoadConfig.
func LoadConfig(path string) (cmd.ConfigCarrier, error) {
	cfg, err := coreconfig.Load(path)
	if err != nil {
		return nil, err
	}
	return Config{Config: cfg}, nil
}

// Bootstrap matches cmd.Options.Bootstrap.
func Bootstrap(carrier cmd.ConfigCarrier) (cmd.TelegramApp, error) {
	return New(carrier.CoreConfig())
}

// App owns every long-lived component of the bot.
type App struct {
	cfg      *coreconfig.Config
	db       *sqlx.DB
	bot      *tele.Bot
	guard    *coretelegram.PollGuard
	registry *coretelegram.Registry

	texts     conversation.Texts
	outbox    *delivery.Channel
	store     *session.Store
	scheduler *feedback.Scheduler[int64]
	emitter   *alert.Emitter
	engine    *conversation.Engine
	mailbox   *conversation.Mailbox
	history   feedback.History

	startedAt  time.Time
	opsCancel  context.CancelFunc
	opsDone    chan error
	closeGrace time.Duration
}

// components are the externally created dependencies of an App.
type components struct {
	bot *tele.Bot
	// transport defaults to bot.
	transport delivery.Transport
	guard     *coretelegram.PollGuard
	db        *sqlx.DB
}

// New initializes logging and storage, connects the bot and assembles the App.
func New(cfg *coreconfig.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	res, err := bootstrap.Run(bootstrap.Options{
		Config:      cfg,
		UseDatabase: cfg.Feedback.Storage == coreconfig.StoragePostgres,
	})
	if err != nil {
		return nil, err
	}

	guard := coretelegram.NewPollGuard(cfg.Telegram.Resilience, coreconfig.Duration(cfg.Telegram.RestartDelayMS))
	bot, err := coretelegram.NewBot(cfg, guard)
	if err != nil {
		if res.DB != nil {
			_ = res.DB.Close()
		}
		return nil, err
	}

	a, err := assemble(cfg, components{bot: bot, guard: guard, db: res.DB})
	if err != nil {
		if res.DB != nil {
			_ = res.DB.Close()
		}
		return nil, err
	}
	a.startOps()
	return a, nil
}

func assemble(cfg *coreconfig.Config, comps components) (*App, error) {
	target := alert.Target(cfg.Alerts.Target)
	if target != "" && !target.Valid() {
		return nil, fmt.Errorf("app: invalid alerts.target %q", cfg.Alerts.Target)
	}
	if comps.bot == nil {
		return nil, errors.New("app: nil bot")
	}
	transport := comps.transport
	if transport == nil {
		transport = comps.bot
	}
	guard := comps.guard
	if guard == nil {
		guard = coretelegram.NewPollGuard(cfg.Telegram.Resilience, coreconfig.Duration(cfg.Telegram.RestartDelayMS))
	}

	a := &App{
		cfg:        cfg,
		db:         comps.db,
		bot:        comps.bot,
		guard:      guard,
		registry:   coretelegram.NewRegistry(),
		texts:      conversation.DefaultTexts().WithOverrides(cfg.Texts),
		store:      session.NewStore(),
		scheduler:  feedback.NewScheduler[int64](),
		startedAt:  time.Now(),
		closeGrace: 10 * time.Second,
	}

	a.outbox = delivery.NewChannel(transport, delivery.Options{
		Name: "user",
		Policy: delivery.Policy{
			MaxAttempts: cfg.Delivery.MaxAttempts,
			BaseDelay:   coreconfig.Duration(cfg.Delivery.BaseDelayMS),
			MaxDelay:    coreconfig.Duration(cfg.Delivery.MaxDelayMS),
		},
		Limiter: rate.NewLimiter(rate.Limit(cfg.Delivery.RatePerSecond), cfg.Delivery.Burst),
	})
	operator := delivery.NewChannel(transport, delivery.Options{
		Name: "operator",
		Policy: delivery.Policy{
			MaxAttempts: cfg.Alerts.MaxAttempts,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
		},
		Limiter: rate.NewLimiter(rate.Every(time.Second), 3),
	})
	a.emitter = alert.NewEmitter(operator, alert.Options{
		Target: target,
		Format: cfg.Texts.Operator,
		Dispatcher: sender.Options{
			QueueSize:   cfg.Alerts.QueueSize,
			Workers:     cfg.Alerts.Workers,
			MaxDuration: coreconfig.Duration(cfg.Alerts.TimeoutMS),
		},
	})

	var recorder feedback.Recorder = feedback.NewFileRecorder(cfg.Feedback.File)
	if cfg.Feedback.Storage == coreconfig.StoragePostgres {
		if comps.db == nil {
			a.emitter.Close()
			return nil, errors.New("app: postgres feedback storage without a database")
		}
		pg := feedback.NewPostgresRecorder(comps.db)
		recorder, a.history = pg, pg
	}

	client := faq.NewClient(faq.Options{
		AskURL:     cfg.FAQ.AskURL,
		IngestURL:  cfg.FAQ.IngestURL,
		APIToken:   cfg.FAQ.APIToken,
		AskMethod:  cfg.FAQ.AskMethod,
		Attempts:   cfg.FAQ.Attempts,
		MinBackoff: coreconfig.Duration(cfg.FAQ.MinBackoffMS),
		MaxBackoff: coreconfig.Duration(cfg.FAQ.MaxBackoffMS),
		Timeout:    coreconfig.Duration(cfg.FAQ.TimeoutMS),
	})

	engine, err := conversation.NewEngine(conversation.Deps{
		Store:         a.store,
		Source:        client,
		Ingestor:      client,
		Outbox:        a.outbox,
		Alerter:       a.emitter,
		Recorder:      recorder,
		Scheduler:     a.scheduler,
		Texts:         a.texts,
		FeedbackDelay: coreconfig.Duration(cfg.Feedback.DelayMS),
	})
	if err != nil {
		a.emitter.Close()
		return nil, err
	}
	a.engine = engine

	a.mailbox = conversation.NewMailbox(conversation.MailboxOptions{
		Concurrency: int64(cfg.Concurrency),
		OnPanic: func(ctx context.Context, chatID int64, cause any) {
			a.emitter.Escalate(ctx, alert.Alert{
				Kind:   alert.KindPanic,
				ChatID: chatID,
				Err:    fmt.Errorf("turn panicked: %v", cause),
			})
		},
	})

	a.guard.SetOnFailure(func(ctx context.Context, err error) {
		a.emitter.Escalate(ctx, alert.Alert{Kind: alert.KindPoll, Err: err})
	})
	a.registerHandlers()

	logger.Info(context.Background(), "app", "assembled",
		slog.String("status", "ok"),
		slog.String("db", cfg.Feedback.Storage),
		slog.Bool("alerts", target != ""),
		slog.Int("concurrency", cfg.Concurrency),
	)
	return a, nil
}

// TelegramRunOptions implements cmd.TelegramApp.
func (a *App) TelegramRunOptions() (coretelegram.RunOptions, error) {
	return a.runOptions(), nil
}

// ReportFailure implements cmd.TelegramApp.
func (a *App) ReportFailure(ctx context.Context, err error) {
	a.emitter.Escalate(ctx, alert.Alert{Kind: alert.KindPoll, Err: err})
}

// Snapshot reports the counters served on /healthz and /stats.
func (a *App) Snapshot() ops.Snapshot {
	awaiting, rating := a.store.Counts()
	return ops.Snapshot{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(a.startedAt).Seconds()),
		Sessions:       a.store.Len(),
		AwaitingMenu:   awaiting,
		AwaitingRating: rating,
		PendingPrompts: a.scheduler.Len(),
		PendingTurns:   a.mailbox.Pending(),
		Alerts:         a.emitter.Stats(),
	}
}

func (a *App) startOps() {
	if a.cfg.Ops.Listen == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.opsCancel = cancel
	a.opsDone = make(chan error, 1)
	h := ops.NewRouter(ops.Options{Snapshot: a.Snapshot, AllowedOrigins: a.cfg.Ops.AllowedOrigins})
	go func() {
		a.opsDone <- ops.Serve(ctx, a.cfg.Ops.Listen, h)
	}()
}

// Close drains queued turns and releases every component.
func (a *App) Close() error {
	var errs []error
	if a.opsCancel != nil {
		a.opsCancel()
		errs = append(errs, <-a.opsDone)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.closeGrace)
	defer cancel()
	if err := a.mailbox.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("app: mailbox drain: %w", err))
	}
	a.scheduler.Stop()
	a.emitter.Close()

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: db close: %w", err))
		}
	}
	return errors.Join(errs...)
}
