package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/goph-auth/internal/config"
	"github.com/and161185/goph-auth/internal/coord"
	"github.com/and161185/goph-auth/internal/envelope"
	"github.com/and161185/goph-auth/internal/model"
	"github.com/and161185/goph-auth/internal/service"
)

// fakeAuthd serves both the gateway and the console.
type fakeAuthd struct {
	mu       sync.Mutex
	err      error
	session  model.Session
	lastPeer string
	deleted  []service.UserRef
	jti      uuid.UUID
}

var (
	_ AuthAPI = (*fakeAuthd)(nil)
	_ Admin   = (*fakeAuthd)(nil)
)

func newFakeAuthd() *fakeAuthd {
	return &fakeAuthd{jti: uuid.Must(uuid.NewV4())}
}

func (f *fakeAuthd) Login(_ context.Context, name, _, peer string) (model.IssuedToken, error) {
	f.mu.Lock()
	f.lastPeer = peer
	f.mu.Unlock()
	if f.err != nil {
		return model.IssuedToken{}, f.err
	}
	return model.IssuedToken{JTI: f.jti, UID: 100001, Token: "tok." + name, IssuedAt: 10, ExpiresAt: 86410}, nil
}
func (f *fakeAuthd) ValidateSession(context.Context, string) (model.Session, error) {
	return f.session, f.err
}
func (f *fakeAuthd) Logout(context.Context, string) error { return f.err }
func (f *fakeAuthd) PublicKey(context.Context) (string, string, error) {
	return "-----BEGIN PUBLIC KEY-----", "RS256", f.err
}
func (f *fakeAuthd) ListUsers(context.Context) ([]model.UserWithTokens, error) {
	return []model.UserWithTokens{{User: model.User{UID: 100001, Name: "alice", PasswordHash: "h"}, TokenIDs: []uuid.UUID{f.jti}}}, f.err
}
func (f *fakeAuthd) AddUser(context.Context, string, string) (int64, error) { return 100002, f.err }
func (f *fakeAuthd) DeleteUser(_ context.Context, ref service.UserRef) (int64, error) {
	f.mu.Lock()
	f.deleted = append(f.deleted, ref)
	f.mu.Unlock()
	return ref.UID, f.err
}
func (f *fakeAuthd) IssueToken(_ context.Context, uid int64) (model.IssuedToken, error) {
	return model.IssuedToken{JTI: f.jti, UID: uid, Token: "issued", IssuedAt: 1, ExpiresAt: 2}, f.err
}
func (f *fakeAuthd) GetTokenInfo(_ context.Context, jti uuid.UUID) (*model.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.Token{JTI: jti, UID: 100001, CreatedAt: 1, ExpiresAt: 2, SignedValue: "issued"}, nil
}

type fakeLife struct {
	mu    sync.Mutex
	exits []string
}

func (l *fakeLife) LoadedVersion() int64 { return 1_760_000_000_123 }
func (l *fakeLife) ScheduleExit(reason string) {
	l.mu.Lock()
	l.exits = append(l.exits, reason)
	l.mu.Unlock()
}

type fakeAuthority struct {
	mu       sync.Mutex
	snap     *config.Snapshot
	updates  []map[string]any
	restarts []string
	err      error
}

var _ Authority = (*fakeAuthority)(nil)

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{snap: &config.Snapshot{Version: 1_760_000_000_000, Values: config.Defaults()}}
}

func (a *fakeAuthority) Current() *config.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}
func (a *fakeAuthority) Status(_ context.Context, target string) (coord.TargetStatus, error) {
	return coord.TargetStatus{Service: target, Port: 16200, Alive: true, Version: a.Current().Version, Current: true}, a.err
}
func (a *fakeAuthority) ApplyUpdate(_ context.Context, updates map[string]any) (*config.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updates = append(a.updates, updates)
	if a.err != nil {
		return nil, a.err
	}
	v, err := config.Merge(a.snap.Values, updates)
	if err != nil {
		return nil, err
	}
	a.snap = &config.Snapshot{Version: a.snap.Version + 1, Values: v}
	return a.snap, nil
}
func (a *fakeAuthority) TriggerRestart(_ context.Context, target string) error {
	a.mu.Lock()
	a.restarts = append(a.restarts, target)
	a.mu.Unlock()
	return a.err
}

type reply struct {
	status int
	env    envelope.Envelope
}

func (r reply) data(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.env.Data, v))
}

func do(t *testing.T, h http.Handler, method, path string, body any, hdr ...string) reply {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.7:41000"
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return reply{status: rec.Code, env: env}
}
