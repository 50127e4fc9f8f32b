package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/and161185/goph-auth/internal/config"
	"github.com/and161185/goph-auth/internal/coord"
	"github.com/and161185/goph-auth/internal/envelope"
	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/metrics"
)

// Authority is the supervisor as seen by its listeners.
type Authority interface {
	Current() *config.Snapshot
	Status(ctx context.Context, target string) (coord.TargetStatus, error)
	ApplyUpdate(ctx context.Context, updates map[string]any) (*config.Snapshot, error)
	TriggerRestart(ctx context.Context, target string) error
}

var _ Authority = (*coord.Supervisor)(nil)

type logLine struct {
	Source  string `json:"source"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// SupervisorAux is the machine-facing listener siblings talk to.
func SupervisorAux(a Authority, log *zap.Logger) http.Handler {
	r := newRouter(log)
	sink := log.Named("sibling")

	r.Get("/config", envelope.Wrap(func(*http.Request) (any, error) {
		snap := a.Current()
		if snap == nil {
			return nil, fmt.Errorf("config not loaded: %w", errs.ErrUpstreamUnavailable)
		}
		return snap, nil
	}))
	r.Get("/health", envelope.Wrap(func(*http.Request) (any, error) { return nil, nil }))
	r.Get("/pid", envelope.Wrap(func(*http.Request) (any, error) {
		return map[string]any{"pid": os.Getpid()}, nil
	}))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/log", envelope.Wrap(func(r *http.Request) (any, error) {
		var line logLine
		if err := envelope.ReadJSON(r, &line); err != nil {
			return nil, err
		}
		if line.Source == "" {
			line.Source = "unknown"
		}
		fields := []zap.Field{zap.String("source", line.Source), zap.String("message", line.Message)}
		switch line.Level {
		case "error":
			sink.Error("sibling log", fields...)
		case "warn":
			sink.Warn("sibling log", fields...)
		default:
			sink.Info("sibling log", fields...)
		}
		return nil, nil
	}))

	r.Post("/trigger_update/{service}", envelope.Wrap(func(r *http.Request) (any, error) {
		service := chi.URLParam(r, "service")
		if err := a.TriggerRestart(r.Context(), service); err != nil {
			return nil, err
		}
		return map[string]any{"service": service}, nil
	}))
	return r
}
