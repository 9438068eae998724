package router

import (
	"log/slog"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	tg "github.com/m3rciful/faqbot/core/telegram"
	"github.com/m3rciful/faqbot/core/telegram/middleware"
)

// TextOptions controls fallback behaviour for non-command updates.
type TextOptions struct {
	// UnknownMedia answers updates that carry no text (stickers, photos, documents).
	UnknownMedia tele.HandlerFunc
	// AdminID and OnAdminReject guard admin-only commands reached through text.
	AdminID       int64
	OnAdminReject tele.HandlerFunc
}

// TextRoutes builds handlers for plain text and media updates.
// Text that names a registered command or alias is dispatched to it; everything
// else goes to the registry text fallback.
func TextRoutes(reg *tg.Registry, opts TextOptions) []tg.Route {
	adminOpts := middleware.AdminOptions{AdminID: opts.AdminID, OnReject: opts.OnAdminReject}
	handler := func(c tele.Context) error {
		start := time.Now()
		text := c.Text()

		if reg != nil {
			// Plain questions such as "help" must never resolve to commands.
			if strings.HasPrefix(text, "/") {
				if key, cmd, ok := reg.LookupCommand(text); ok && cmd.Handler != nil {
					h := middleware.WithAdminCheck(adminOpts, cmd.AdminOnly, cmd.Handler)
					return handleWithSummary(c, "command."+normalizeHandlerName(key), start, func() error {
						return h(c)
					})
				}
			}
			if fb := reg.TextFallback(); fb != nil {
				return handleWithSummary(c, "text", start, func() error {
					return fb(c)
				})
			}
		}

		logHandlerSummary(c, "text", start, "skip", nil, slog.String("cause", "no_fallback"))
		return nil
	}

	mediaHandler := func(c tele.Context) error {
		start := time.Now()
		if opts.UnknownMedia != nil {
			return handleWithSummary(c, "unexpected_media", start, func() error {
				return opts.UnknownMedia(c)
			})
		}
		logHandlerSummary(c, "unexpected_media", start, "skip", nil)
		return nil
	}

	routes := []tg.Route{{Endpoint: tele.OnText, Handler: handler}}
	for _, endpoint := range []string{tele.OnDocument, tele.OnPhoto, tele.OnSticker, tele.OnVoice} {
		routes = append(routes, tg.Route{Endpoint: endpoint, Handler: mediaHandler})
	}
	return routes
}
