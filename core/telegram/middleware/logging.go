package middleware

import (
	"log/slog"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/faqbot/core/logger"
	tghelpers "github.com/m3rciful/faqbot/core/telegram/helpers"
)

// LoggerMiddleware assigns the update its RID and writes one receipt line.
// Messages are logged at INFO with the sender and text; other updates at DEBUG, sampled.
// A context that already carries a RID has been seen and is passed through.
func LoggerMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if rid, _ := c.Get("rid").(string); rid != "" {
			return next(c)
		}

		upd := c.Update()
		chatID, _ := tghelpers.ChatID(c)
		var userID int64
		user := c.Sender()
		if user != nil {
			userID = user.ID
		}
		c.Set("rid", logger.BuildRID(upd.ID, chatID, userID))
		ctx := tghelpers.BuildContext(c)

		attrs := []slog.Attr{slog.String("status", "ok")}
		if chat := c.Chat(); chat != nil {
			attrs = append(attrs, slog.String("chat_type", string(chat.Type)))
		}
		if user != nil && user.Username != "" {
			attrs = append(attrs, slog.String("username", user.Username))
		}

		if upd.Message == nil {
			if logger.ShouldSampleDebug("update.received") {
				logger.Debug(ctx, "tg", "update.received", attrs...)
			}
			return next(c)
		}
		if t := c.Text(); t != "" {
			attrs = append(attrs, slog.String("payload", t))
		}
		logger.Info(ctx, "tg", "update.received", attrs...)
		return next(c)
	}
}
