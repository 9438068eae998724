package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	coreconfig "github.com/m3rciful/faqbot/core/config"
	"github.com/m3rciful/faqbot/core/logger"
	coretelegram "github.com/m3rciful/faqbot/core/telegram"
	"github.com/m3rciful/faqbot/core/telegram/delivery"
)

// ConfigCarrier exposes access to the embedded core configuration.
type ConfigCarrier interface {
	CoreConfig() *coreconfig.Config
}

// TelegramApp is the minimal interface required to run a Telegram bot.
type TelegramApp interface {
	TelegramRunOptions() (coretelegram.RunOptions, error)
	// ReportFailure is told about every failed run before a restart.
	ReportFailure(ctx context.Context, err error)
	Close() error
}

// Options describe how to load configuration, bootstrap the app, and run the bot.
type Options struct {
	ConfigEnvVar      string
	DefaultConfigPath string

	LoadConfig func(path string) (ConfigCarrier, error)
	Bootstrap  func(cfg ConfigCarrier) (TelegramApp, error)

	ShutdownLogger func() error
	RunTelegram    func(ctx context.Context, opts coretelegram.RunOptions) error
	// Sleep waits between restarts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// Context overrides the signal-bound root context.
	Context context.Context
}

// Run loads configuration, bootstraps the Telegram app, and keeps the bot running.
// In "restart" resilience mode a failed run is logged, reported, and retried after
// telegram.restart_delay_ms; in "exit" mode the failure is returned.
func Run(opts Options) error {
	if opts.LoadConfig == nil {
		return fmt.Errorf("cmd: LoadConfig is required")
	}
	if opts.Bootstrap == nil {
		return fmt.Errorf("cmd: Bootstrap is required")
	}

	env := opts.ConfigEnvVar
	if env == "" {
		env = "CONFIG_PATH"
	}
	cfgPath := os.Getenv(env)
	if cfgPath == "" {
		cfgPath = opts.DefaultConfigPath
	}
	if cfgPath == "" {
		return fmt.Errorf("cmd: config path not provided via %s or DefaultConfigPath", env)
	}

	log.Printf("loading config: %s", cfgPath)
	carrier, err := opts.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("cmd: failed to load config: %w", err)
	}
	cfg := carrier.CoreConfig()
	if cfg == nil {
		return fmt.Errorf("cmd: loaded config is missing core configuration")
	}

	application, err := opts.Bootstrap(carrier)
	if err != nil {
		return fmt.Errorf("cmd: bootstrap failed: %w", err)
	}

	shutdownLogger := opts.ShutdownLogger
	if shutdownLogger == nil {
		shutdownLogger = logger.Shutdown
	}
	defer func() {
		if err := shutdownLogger(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()
	defer func() {
		if err := application.Close(); err != nil {
			logger.Error(context.Background(), "app", "close.fail", slog.String("err", err.Error()))
		}
	}()

	ctx := opts.Context
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
	}

	run := opts.RunTelegram
	if run == nil {
		run = coretelegram.RunTelegram
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = delivery.SleepContext
	}
	restartDelay := coreconfig.Duration(cfg.Telegram.RestartDelayMS)

	startedAt := time.Now()
	for runs := 1; ; runs++ {
		runOpts, err := application.TelegramRunOptions()
		if err != nil {
			return fmt.Errorf("cmd: telegram options build failed: %w", err)
		}
		wrapLifecycle(&runOpts, startedAt, runs)

		err = run(ctx, runOpts)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		if cfg.Telegram.Resilience == coreconfig.ResilienceExit {
			logger.Error(ctx, "app", "run.fail",
				slog.String("mode", cfg.Telegram.Resilience),
				slog.String("err", delivery.SanitizeError(err)),
			)
			return err
		}

		logger.Error(ctx, "app", "run.restart",
			slog.String("mode", cfg.Telegram.Resilience),
			slog.Int("attempt", runs),
			slog.Duration("backoff", restartDelay),
			slog.String("err", delivery.SanitizeError(err)),
		)
		application.ReportFailure(ctx, err)
		if err := sleep(ctx, restartDelay); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

func wrapLifecycle(runOpts *coretelegram.RunOptions, startedAt time.Time, run int) {
	prevStart := runOpts.OnStart
	runOpts.OnStart = func(ctx context.Context, rt coretelegram.Runtime) error {
		if prevStart != nil {
			if err := prevStart(ctx, rt); err != nil {
				return err
			}
		}
		logger.Info(ctx, "app", "ready",
			slog.Int("attempt", run),
			slog.Duration("duration", logger.RoundMS(time.Since(startedAt))),
		)
		return nil
	}

	prevStop := runOpts.OnStop
	runOpts.OnStop = func(ctx context.Context, rt coretelegram.Runtime) error {
		logger.Info(ctx, "app", "shutdown", slog.Int("attempt", run))
		if prevStop != nil {
			return prevStop(ctx, rt)
		}
		return nil
	}
}
