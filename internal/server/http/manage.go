package httpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/and161185/goph-auth/internal/config"
	"github.com/and161185/goph-auth/internal/convert"
	"github.com/and161185/goph-auth/internal/coord"
	"github.com/and161185/goph-auth/internal/envelope"
	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/model"
	grpcserver "github.com/and161185/goph-auth/internal/server/grpc"
	"github.com/and161185/goph-auth/internal/service"
)

// Admin is the directory administration authd offers the console.
type Admin interface {
	ListUsers(ctx context.Context) ([]model.UserWithTokens, error)
	AddUser(ctx context.Context, name, password string) (int64, error)
	DeleteUser(ctx context.Context, ref service.UserRef) (int64, error)
	IssueToken(ctx context.Context, uid int64) (model.IssuedToken, error)
	GetTokenInfo(ctx context.Context, jti uuid.UUID) (*model.Token, error)
}

var (
	_ Admin = (*grpcserver.Client)(nil)
	_ Admin = coord.Authd{}
)

// ManageOptions configures console sessions.
type ManageOptions struct {
	// SigningKey signs console bearer tokens (HS256).
	SigningKey []byte
	TTL        time.Duration
	Now        func() time.Time
}

type manage struct {
	a     Authority
	admin Admin
	opt   ManageOptions
	log   *zap.Logger
}

// Manage is the human-facing listener under /manage.
func Manage(a Authority, admin Admin, opt ManageOptions, log *zap.Logger) http.Handler {
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.TTL <= 0 {
		opt.TTL = time.Hour
	}
	m := &manage{a: a, admin: admin, opt: opt, log: log}

	r := newRouter(log)
	r.Route("/manage", func(r chi.Router) {
		r.Post("/login", envelope.Wrap(m.login))
		r.Route("/api", func(r chi.Router) {
			r.Use(m.requireBearer)
			r.Get("/server_status/{service}", envelope.Wrap(m.serverStatus))
			r.Get("/config", envelope.Wrap(m.getConfig))
			r.Post("/config", envelope.Wrap(m.updateConfig))
			r.Get("/users", envelope.Wrap(m.listUsers))
			r.Post("/users", envelope.Wrap(m.addUser))
			r.Delete("/users/{uid}", envelope.Wrap(m.deleteUser))
			r.Post("/tokens/issue", envelope.Wrap(m.issueToken))
			r.Get("/tokens/{jti}", envelope.Wrap(m.tokenInfo))
		})
	})
	return r
}

// --- session ---

func (m *manage) login(r *http.Request) (any, error) {
	var req loginReq
	if err := envelope.ReadJSON(r, &req); err != nil {
		return nil, err
	}
	snap := m.a.Current()
	if snap == nil {
		return nil, errs.ErrUpstreamUnavailable
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(snap.Values.ManageUsername))
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(snap.Values.ManagePassword))
	if userOK&passOK != 1 {
		m.log.Warn("console login denied", zap.String("peer", clientIP(r)))
		return nil, errs.ErrUnauthorized
	}

	now := m.opt.Now()
	exp := now.Add(m.opt.TTL)
	claims := jwt.RegisteredClaims{
		Subject:   req.Username,
		ID:        uuid.Must(uuid.NewV4()).String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.opt.SigningKey)
	if err != nil {
		return nil, err
	}
	return map[string]any{"token": tok, "expires_at": exp.Unix()}, nil
}

// requireBearer admits requests with a live console token for the
// currently configured manage user.
func (m *manage) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := m.checkBearer(r); err != nil {
			envelope.WriteError(w, errs.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *manage) checkBearer(r *http.Request) error {
	tok, err := bearerToken(r)
	if err != nil {
		return err
	}
	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) {
		return m.opt.SigningKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.opt.Now),
	)
	if err != nil {
		return err
	}
	snap := m.a.Current()
	if snap == nil || claims.Subject != snap.Values.ManageUsername {
		return errors.New("subject mismatch")
	}
	return nil
}

func bearerToken(r *http.Request) (string, error) {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		if t := strings.TrimSpace(v[7:]); t != "" {
			return t, nil
		}
	}
	return "", errors.New("no bearer token")
}

// --- status and config ---

func (m *manage) serverStatus(r *http.Request) (any, error) {
	return m.a.Status(r.Context(), chi.URLParam(r, "service"))
}

func configView(snap *config.Snapshot) map[string]any {
	return map[string]any{"version": snap.Version, "config": snap.Values.Redacted()}
}

func (m *manage) getConfig(*http.Request) (any, error) {
	snap := m.a.Current()
	if snap == nil {
		return nil, errs.ErrUpstreamUnavailable
	}
	return configView(snap), nil
}

func (m *manage) updateConfig(r *http.Request) (any, error) {
	updates := map[string]any{}
	if err := envelope.ReadJSON(r, &updates); err != nil {
		return nil, err
	}
	// Masked secrets echoed back from the view are not changes.
	for k, v := range updates {
		if s, ok := v.(string); ok && s == config.RedactedMask {
			delete(updates, k)
		}
	}
	snap, err := m.a.ApplyUpdate(r.Context(), updates)
	if err != nil {
		return nil, err
	}
	m.log.Info("config updated from console", zap.Int64("version", snap.Version), zap.Int("keys", len(updates)))
	return configView(snap), nil
}

// --- directory ---

func (m *manage) listUsers(r *http.Request) (any, error) {
	us, err := m.admin.ListUsers(r.Context())
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(us))
	for _, u := range us {
		out = append(out, convert.UserMap(u))
	}
	return map[string]any{"users": out}, nil
}

func (m *manage) addUser(r *http.Request) (any, error) {
	var req loginReq
	if err := envelope.ReadJSON(r, &req); err != nil {
		return nil, err
	}
	uid, err := m.admin.AddUser(r.Context(), req.Username, req.Password)
	if err != nil {
		return nil, err
	}
	return map[string]any{"uid": uid, "username": req.Username}, nil
}

func (m *manage) deleteUser(r *http.Request) (any, error) {
	uid, err := strconv.ParseInt(chi.URLParam(r, "uid"), 10, 64)
	if err != nil || uid <= 0 {
		return nil, fmt.Errorf("uid: %w", errs.ErrInvalidInput)
	}
	uid, err = m.admin.DeleteUser(r.Context(), service.UserRef{UID: uid})
	if err != nil {
		return nil, err
	}
	return map[string]any{"uid": uid}, nil
}

type issueReq struct {
	UID int64 `json:"uid"`
}

func (m *manage) issueToken(r *http.Request) (any, error) {
	var req issueReq
	if err := envelope.ReadJSON(r, &req); err != nil {
		return nil, err
	}
	it, err := m.admin.IssueToken(r.Context(), req.UID)
	if err != nil {
		return nil, err
	}
	return issuedView(it), nil
}

func (m *manage) tokenInfo(r *http.Request) (any, error) {
	jti, err := uuid.FromString(chi.URLParam(r, "jti"))
	if err != nil {
		return nil, fmt.Errorf("jti: %w", errs.ErrInvalidInput)
	}
	row, err := m.admin.GetTokenInfo(r.Context(), jti)
	if err != nil {
		return nil, err
	}
	return tokenView(*row), nil
}

func tokenView(t model.Token) map[string]any {
	return map[string]any{
		"jti":                 t.JTI.String(),
		"uid":                 t.UID,
		"created_at":          t.CreatedAt,
		"created_at_timezone": t.TZOffset,
		"expires_at":          t.ExpiresAt,
		"signed_value":        t.SignedValue,
		"is_revoked":          t.Revoked,
		"revoked_at":          t.RevokedAt,
	}
}
