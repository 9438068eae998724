package router

import (
	"log/slog"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/faqbot/core/logger"
	"github.com/m3rciful/faqbot/core/telegram/delivery"
	tghelpers "github.com/m3rciful/faqbot/core/telegram/helpers"
)

// handleWithSummary tags the update with handlerName, runs fn and logs one summary line.
func handleWithSummary(c tele.Context, handlerName string, start time.Time, fn func() error, extras ...slog.Attr) error {
	tghelpers.WithHandler(c, handlerName)
	err := fn()
	status := "ok"
	if err != nil {
		status = "fail"
	}
	logHandlerSummary(c, handlerName, start, status, err, extras...)
	return err
}

// logHandlerSummary writes "handler.handled"; failures go out at ERROR, the rest at DEBUG.
func logHandlerSummary(c tele.Context, handlerName string, start time.Time, status string, err error, extras ...slog.Attr) {
	ctx := tghelpers.WithHandler(c, handlerName)
	attrs := append([]slog.Attr{
		slog.String("status", status),
		slog.Duration("duration", time.Since(start)),
	}, extras...)

	if err == nil {
		logger.Debug(ctx, "tg", "handler.handled", attrs...)
		return
	}
	attrs = append(attrs,
		slog.String("err", delivery.SanitizeError(err)),
		slog.String("err_code", delivery.ClassifyError(err)),
	)
	logger.Error(ctx, "tg", "handler.handled", attrs...)
}

// normalizeHandlerName turns "/Stats now" into "stats_now".
func normalizeHandlerName(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	if name == "" {
		return "unknown"
	}
	return strings.ToLower(strings.ReplaceAll(name, " ", "_"))
}
