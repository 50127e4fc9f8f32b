// Package metrics registers the Prometheus collectors shared by all
// processes. Everything is on the default registry and served by Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gophauth"

var (
	// LoginAttempts counts logins by outcome: ok, denied, limited, error.
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "login_attempts_total",
		Help:      "Login attempts by outcome.",
	}, []string{"outcome"})

	// TokensIssued counts signed tokens persisted.
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_issued_total",
		Help:      "Tokens issued.",
	})

	// TokensRevoked counts explicit revocations.
	TokensRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_revoked_total",
		Help:      "Tokens revoked.",
	})

	// Verifications counts token checks by result (valid or a failure reason).
	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_verifications_total",
		Help:      "Token verifications by result.",
	}, []string{"result"})

	// KeyPairsCreated counts generated signing key pairs.
	KeyPairsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "key_pairs_created_total",
		Help:      "Signing key pairs generated.",
	})

	// Probes counts liveness probes by target and result: current, stale, dead.
	Probes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "supervisor_probes_total",
		Help:      "Liveness probes by target and result.",
	}, []string{"target", "result"})

	// Restarts counts restart triggers by target and path: graceful, forced, failed.
	Restarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "supervisor_restarts_total",
		Help:      "Restart triggers by target and path.",
	}, []string{"target", "path"})

	// RPCs counts handled gRPC calls by method and status code.
	RPCs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "grpc_handled_total",
		Help:      "gRPC calls by method and code.",
	}, []string{"method", "code"})

	// HTTPRequests counts HTTP requests by route pattern and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status.",
	}, []string{"route", "status"})

	// ConfigVersion is the currently published or loaded configuration version.
	ConfigVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "config_version",
		Help:      "Current configuration version (unix ms).",
	})
)

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
