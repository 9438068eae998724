package middleware

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/faqbot/core/logger"
	tghelpers "github.com/m3rciful/faqbot/core/telegram/helpers"
)

// idleSweepSize is the bucket count above which idle users are forgotten.
const idleSweepSize = 4096

// RateLimitOptions configures the per-user inbound limiter.
type RateLimitOptions struct {
	// Interval is the refill period of one token.
	Interval time.Duration
	// Burst is the bucket size; zero means 1.
	Burst     int
	Exclude   map[string]struct{}
	OnLimited tele.HandlerFunc
	// Now is replaced in tests.
	Now func() time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware drops updates from users who exceed their token bucket.
// Excluded update kinds pass through untouched.
func RateLimitMiddleware(opts RateLimitOptions) tele.MiddlewareFunc {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var (
		mu      sync.Mutex
		buckets = make(map[int64]*bucket)
	)
	allow := func(userID int64, ts time.Time) (bool, time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		if len(buckets) > idleSweepSize {
			for id, b := range buckets {
				if ts.Sub(b.lastSeen) > opts.Interval*time.Duration(opts.Burst) {
					delete(buckets, id)
				}
			}
		}
		b, ok := buckets[userID]
		if !ok {
			b = &bucket{lim: rate.NewLimiter(rate.Every(opts.Interval), opts.Burst)}
			buckets[userID] = b
		}
		b.lastSeen = ts
		if b.lim.AllowN(ts, 1) {
			return true, 0
		}
		r := b.lim.ReserveN(ts, 1)
		wait := r.DelayFrom(ts)
		r.CancelAt(ts)
		return false, wait
	}

	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			user := c.Sender()
			if user == nil || opts.Interval <= 0 {
				return next(c)
			}
			if _, skip := opts.Exclude[updateKind(c.Update())]; skip {
				return next(c)
			}

			ok, wait := allow(user.ID, now())
			if ok {
				return next(c)
			}
			logger.Warn(tghelpers.BuildContext(c), "tg", "rate_limit",
				slog.String("status", "rate_limited"),
				slog.Duration("retry_after_ms", wait),
			)
			if opts.OnLimited != nil {
				_ = opts.OnLimited(c)
			}
			return nil
		}
	}
}

func updateKind(upd tele.Update) string {
	switch {
	case upd.Callback != nil:
		return "callback"
	case upd.Message != nil:
		return "message"
	case upd.Query != nil:
		return "inline_query"
	}
	return "other"
}
