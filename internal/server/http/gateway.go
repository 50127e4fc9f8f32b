package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/and161185/goph-auth/internal/envelope"
	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/model"
	grpcserver "github.com/and161185/goph-auth/internal/server/grpc"
	"github.com/and161185/goph-auth/internal/service"
)

// AuthAPI is the part of authd the gateway fronts.
type AuthAPI interface {
	Login(ctx context.Context, name, password, peer string) (model.IssuedToken, error)
	ValidateSession(ctx context.Context, token string) (model.Session, error)
	Logout(ctx context.Context, token string) error
	PublicKey(ctx context.Context) (pem, alg string, err error)
}

var _ AuthAPI = (*grpcserver.Client)(nil)

type gateway struct {
	api AuthAPI
	log *zap.Logger
}

// Gateway is the public HTTP facade over authd.
func Gateway(api AuthAPI, life grpcserver.Lifecycle, log *zap.Logger) http.Handler {
	g := &gateway{api: api, log: log}
	r := newRouter(log)
	r.Route("/api", func(r chi.Router) {
		r.Post("/login", envelope.Wrap(g.login))
		r.Post("/verify_jwt_token", g.verify)
		r.Post("/logout", envelope.Wrap(g.logout))
		r.Get("/public_key", envelope.Wrap(g.publicKey))
	})
	mountSiblingControl(r, life, true)
	return r
}

type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenReq struct {
	SessionToken string `json:"session_token"`
}

func (g *gateway) login(r *http.Request) (any, error) {
	var req loginReq
	if err := envelope.ReadJSON(r, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		return nil, fmt.Errorf("username and password required: %w", errs.ErrInvalidInput)
	}
	it, err := g.api.Login(r.Context(), req.Username, req.Password, clientIP(r))
	if err != nil {
		return nil, err
	}
	return issuedView(it), nil
}

func (g *gateway) verify(w http.ResponseWriter, r *http.Request) {
	var req tokenReq
	if err := envelope.ReadJSON(r, &req); err != nil {
		envelope.WriteError(w, err)
		return
	}
	if req.SessionToken == "" {
		envelope.WriteError(w, fmt.Errorf("session_token required: %w", errs.ErrInvalidInput))
		return
	}
	sess, err := g.api.ValidateSession(r.Context(), req.SessionToken)
	if err != nil {
		envelope.WriteError(w, err)
		return
	}
	if !sess.Valid {
		envelope.WriteErrorData(w, service.SessionError(sess.Reason), map[string]any{"valid": false, "reason": sess.Reason})
		return
	}
	envelope.WriteOK(w, "", map[string]any{
		"valid":      true,
		"uid":        sess.UID,
		"jti":        sess.JTI.String(),
		"issued_at":  sess.IssuedAt,
		"expires_at": sess.ExpiresAt,
	})
}

func (g *gateway) logout(r *http.Request) (any, error) {
	var req tokenReq
	if err := envelope.ReadJSON(r, &req); err != nil {
		return nil, err
	}
	if req.SessionToken == "" {
		return nil, fmt.Errorf("session_token required: %w", errs.ErrInvalidInput)
	}
	if err := g.api.Logout(r.Context(), req.SessionToken); err != nil {
		return nil, err
	}
	return map[string]any{"revoked": true}, nil
}

func (g *gateway) publicKey(r *http.Request) (any, error) {
	pem, alg, err := g.api.PublicKey(r.Context())
	if err != nil {
		return nil, err
	}
	return map[string]any{"public_key": pem, "algorithm": alg}, nil
}

func issuedView(it model.IssuedToken) map[string]any {
	return map[string]any{
		"session_token": it.Token,
		"jti":           it.JTI.String(),
		"uid":           it.UID,
		"issued_at":     it.IssuedAt,
		"expires_at":    it.ExpiresAt,
	}
}

// clientIP is the transport peer without its port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
