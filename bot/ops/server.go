// Package ops serves liveness and counters over HTTP.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/m3rciful/faqbot/bot/alert"
	"github.com/m3rciful/faqbot/core/logger"
)

// Snapshot is the body of /healthz.
type Snapshot struct {
	Status         string      `json:"status"`
	UptimeSeconds  int64       `json:"uptime_seconds"`
	Sessions       int         `json:"sessions"`
	AwaitingMenu   int         `json:"awaiting_menu"`
	AwaitingRating int         `json:"awaiting_rating"`
	PendingPrompts int         `json:"pending_prompts"`
	PendingTurns   int64       `json:"pending_turns"`
	Alerts         alert.Stats `json:"alerts"`
}

// Options configures the ops router.
type Options struct {
	// Snapshot is called on every /healthz request.
	Snapshot       func() Snapshot
	AllowedOrigins []string
}

// NewRouter returns the ops HTTP handler.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		}))
	}

	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		snap := Snapshot{Status: "ok"}
		if opts.Snapshot != nil {
			snap = opts.Snapshot()
			if snap.Status == "" {
				snap.Status = "ok"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
	return r
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "ops", "ops.listen", slog.String("listen", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error(ctx, "ops", "ops.fail", slog.String("listen", addr), slog.String("err", err.Error()))
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info(ctx, "ops", "ops.stop", slog.String("status", "ok"))
	return nil
}
