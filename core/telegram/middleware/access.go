package middleware

import (
	"log/slog"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/faqbot/core/logger"
	tghelpers "github.com/m3rciful/faqbot/core/telegram/helpers"
)

// AdminOptions defines how admin-only checks should behave.
type AdminOptions struct {
	AdminID  int64
	OnReject tele.HandlerFunc
}

// WithAdminCheck wraps a command handler enforcing admin-only execution when required.
// With no admin configured, admin-only commands are rejected for everyone.
func WithAdminCheck(opts AdminOptions, adminOnly bool, handler tele.HandlerFunc) tele.HandlerFunc {
	if !adminOnly {
		return handler
	}
	return func(c tele.Context) error {
		if !isAdmin(opts, c) {
			logger.Warn(tghelpers.BuildContext(c), "tg", "access.denied", slog.String("status", "skip"))
			if opts.OnReject != nil {
				return opts.OnReject(c)
			}
			return nil
		}
		return handler(c)
	}
}

func isAdmin(opts AdminOptions, c tele.Context) bool {
	sender := c.Sender()
	return opts.AdminID != 0 && sender != nil && sender.ID == opts.AdminID
}
