package middleware

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/faqbot/core/logger"
	tghelpers "github.com/m3rciful/faqbot/core/telegram/helpers"
)

// RecoverOptions configures RecoverMiddleware.
type RecoverOptions struct {
	// OnPanic is notified after the panic has been logged.
	OnPanic func(c tele.Context, cause any)
}

// RecoverMiddleware catches panics in handlers and prevents the bot from crashing.
func RecoverMiddleware(opts RecoverOptions) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					ctx := tghelpers.BuildContext(c)
					logger.Error(ctx, "tg", "handler.panic",
						slog.String("cause", fmt.Sprint(r)),
						slog.String("stack", string(debug.Stack())),
					)
					if opts.OnPanic != nil {
						opts.OnPanic(c, r)
					}
					err = nil
				}
			}()
			return next(c)
		}
	}
}
