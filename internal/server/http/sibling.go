package httpserver

import (
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/and161185/goph-auth/internal/envelope"
	"github.com/and161185/goph-auth/internal/metrics"
	grpcserver "github.com/and161185/goph-auth/internal/server/grpc"
)

// mountSiblingControl adds the liveness, pid and metrics routes, plus
// config_update when withUpdate is set.
func mountSiblingControl(r chi.Router, life grpcserver.Lifecycle, withUpdate bool) {
	r.Get("/is_alive", envelope.Wrap(func(*http.Request) (any, error) {
		return map[string]any{"alive": true, "version": life.LoadedVersion()}, nil
	}))
	r.Get("/pid", envelope.Wrap(func(*http.Request) (any, error) {
		return map[string]any{"pid": os.Getpid()}, nil
	}))
	r.Get("/health", envelope.Wrap(func(*http.Request) (any, error) { return nil, nil }))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if withUpdate {
		r.Post("/config_update", envelope.Wrap(func(*http.Request) (any, error) {
			life.ScheduleExit("config update requested")
			return map[string]any{"accepted": true}, nil
		}))
	}
}

// AuthdAux is authd's side listener. Config updates go over gRPC.
func AuthdAux(life grpcserver.Lifecycle, log *zap.Logger) http.Handler {
	r := newRouter(log)
	mountSiblingControl(r, life, false)
	return r
}
