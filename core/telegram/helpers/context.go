// Package helpers bridges tele.Context and the request-scoped context.Context
// that carries the RID and update metadata into services.
package helpers

import (
	"context"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/faqbot/core/logger"
)

// storeKey is the tele.Context slot holding the derived context.Context.
const storeKey = "faqbot.ctx"

// ChatID returns the id of the chat the update belongs to, or false for
// updates without a chat (inline queries, polls).
func ChatID(c tele.Context) (int64, bool) {
	if c == nil {
		return 0, false
	}
	chat := c.Chat()
	if chat == nil {
		return 0, false
	}
	return chat.ID, true
}

// BuildContext returns the context derived for the update, creating and
// caching it on first use. The result never carries a cancellation signal;
// the update's lifetime is owned by whoever consumes it.
func BuildContext(c tele.Context) context.Context {
	if ctx, ok := c.Get(storeKey).(context.Context); ok && ctx != nil {
		return ctx
	}

	chatID, _ := ChatID(c)
	var userID int64
	if u := c.Sender(); u != nil {
		userID = u.ID
	}
	updateID := c.Update().ID

	rid, _ := c.Get("rid").(string)
	if rid == "" {
		rid = logger.BuildRID(updateID, chatID, userID)
	}

	ctx := logger.WithRID(context.Background(), rid)
	ctx = logger.WithUpdateMeta(ctx, updateID, userID, chatID)
	ctx = logger.WithLogger(ctx, logger.Component("tg"))
	c.Set(storeKey, ctx)
	return ctx
}

// WithHandler tags the update context with the handler name.
func WithHandler(c tele.Context, handler string) context.Context {
	ctx := BuildContext(c)
	if handler != "" {
		ctx = logger.WithHandler(ctx, handler)
		c.Set(storeKey, ctx)
	}
	return ctx
}
