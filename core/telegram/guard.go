package telegram

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	coreconfig "github.com/m3rciful/faqbot/core/config"
	"github.com/m3rciful/faqbot/core/logger"
	"github.com/m3rciful/faqbot/core/telegram/delivery"
	tghelpers "github.com/m3rciful/faqbot/core/telegram/helpers"
)

// PollGuard is installed as the bot's OnError hook. Handler errors are logged.
// Polling errors are logged and reported; then, depending on resilience mode,
// the poller is paused for the restart delay ("restart") or the run is failed ("exit").
// A rate-limit answer pauses for exactly retry_after and is never reported.
type PollGuard struct {
	resilience   string
	restartDelay time.Duration
	sleep        func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	onFailure func(ctx context.Context, err error)
	ctx       context.Context
	cancel    context.CancelFunc
	failed    chan error
}

// NewPollGuard builds a guard for the given resilience mode.
func NewPollGuard(resilience string, restartDelay time.Duration) *PollGuard {
	if resilience == "" {
		resilience = coreconfig.ResilienceRestart
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PollGuard{
		resilience:   resilience,
		restartDelay: restartDelay,
		sleep:        delivery.SleepContext,
		ctx:          ctx,
		cancel:       cancel,
		failed:       make(chan error, 1),
	}
}

// SetOnFailure registers the hook called for every reported polling failure.
func (g *PollGuard) SetOnFailure(fn func(ctx context.Context, err error)) {
	g.mu.Lock()
	g.onFailure = fn
	g.mu.Unlock()
}

// Failed delivers the first polling failure in "exit" mode.
func (g *PollGuard) Failed() <-chan error {
	return g.failed
}

// Close interrupts any pause in progress. The guard stays usable for error logging.
func (g *PollGuard) Close() {
	g.cancel()
}

// Reset re-arms the guard for another run.
func (g *PollGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ctx, g.cancel = context.WithCancel(context.Background())
	select {
	case <-g.failed:
	default:
	}
}

// HandleError matches tele.Settings.OnError.
func (g *PollGuard) HandleError(err error, c tele.Context) {
	if err == nil {
		return
	}
	if c != nil {
		logger.Error(tghelpers.BuildContext(c), "tg", "handler.error",
			slog.String("status", "fail"),
			slog.String("err", delivery.SanitizeError(err)),
		)
		return
	}

	g.mu.Lock()
	ctx, onFailure := g.ctx, g.onFailure
	g.mu.Unlock()

	var flood tele.FloodError
	if errors.As(err, &flood) {
		wait := time.Duration(flood.RetryAfter) * time.Second
		logger.Warn(ctx, "tg", "poll.rate_limited",
			slog.String("status", "rate_limited"),
			slog.Duration("retry_after_ms", wait),
		)
		_ = g.sleep(ctx, wait)
		return
	}

	logger.Error(ctx, "tg", "poll.fail",
		slog.String("status", "fail"),
		slog.String("mode", g.resilience),
		slog.String("err", delivery.SanitizeError(err)),
		slog.String("err_code", delivery.ClassifyError(err)),
	)
	if onFailure != nil {
		onFailure(ctx, err)
	}

	if g.resilience == coreconfig.ResilienceExit {
		select {
		case g.failed <- err:
		default:
		}
		return
	}
	logger.Info(ctx, "tg", "poll.pause", slog.Duration("backoff", g.restartDelay))
	_ = g.sleep(ctx, g.restartDelay)
}
