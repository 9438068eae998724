package router

import (
	"context"
	"log/slog"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/faqbot/core/logger"
	tg "github.com/m3rciful/faqbot/core/telegram"
	"github.com/m3rciful/faqbot/core/telegram/middleware"
)

// CommandRouteOptions configures how commands are wrapped and exposed.
type CommandRouteOptions struct {
	AdminID       int64
	OnAdminReject tele.HandlerFunc
}

// CommandRoutes binds every registered command and its aliases to a handler
// that enforces admin checks and logs a summary line.
func CommandRoutes(reg *tg.Registry, opts CommandRouteOptions) []tg.Route {
	if reg == nil {
		return nil
	}

	adminOpts := middleware.AdminOptions{
		AdminID:  opts.AdminID,
		OnReject: opts.OnAdminReject,
	}

	var routes []tg.Route
	for _, name := range reg.Names() {
		def, _ := reg.Command(name)
		h := commandHandler(name, middleware.WithAdminCheck(adminOpts, def.AdminOnly, def.Handler))
		routes = append(routes, tg.Route{Endpoint: name, Handler: h})
		for _, alias := range def.Aliases {
			routes = append(routes, tg.Route{Endpoint: "/" + normalizeHandlerName(alias), Handler: h})
		}
	}

	logger.Info(context.Background(), "tg.wire", "commands.bound",
		slog.String("status", "ok"),
		slog.Int("commands", len(reg.Names())),
		slog.Int("routes", len(routes)),
	)
	return routes
}

func commandHandler(name string, h tele.HandlerFunc) tele.HandlerFunc {
	handlerName := "command." + normalizeHandlerName(name)
	return func(c tele.Context) error {
		return handleWithSummary(c, handlerName, time.Now(), func() error { return h(c) })
	}
}
