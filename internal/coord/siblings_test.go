package coord

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/goph-auth/internal/config"
	"github.com/and161185/goph-auth/internal/envelope"
	"github.com/and161185/goph-auth/internal/errs"
)

func siblingServer(t *testing.T, version int64, pid int, updates *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /is_alive", func(w http.ResponseWriter, _ *http.Request) {
		envelope.WriteOK(w, "", map[string]any{"alive": true, "version": version})
	})
	mux.HandleFunc("GET /pid", func(w http.ResponseWriter, _ *http.Request) {
		envelope.WriteOK(w, "", map[string]any{"pid": pid})
	})
	mux.HandleFunc("POST /config_update", func(w http.ResponseWriter, _ *http.Request) {
		updates.Add(1)
		envelope.WriteOK(w, "", nil)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSiblings_HTTPEndpoint(t *testing.T) {
	t.Parallel()
	var updates atomic.Int32
	srv := siblingServer(t, 1234, 4321, &updates)

	store := config.NewStore(nil)
	store.Publish(config.Defaults())

	var dialed []string
	var mu sync.Mutex
	dial := func(addr string) (Endpoint, io.Closer, error) {
		mu.Lock()
		dialed = append(dialed, addr)
		mu.Unlock()
		return NewHTTPEndpoint(srv.URL, srv.Client()), nil, nil
	}
	sib := NewSiblings("127.0.0.1", store, map[string]Dialer{TargetHTTP: dial}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = sib.Close() })
	ctx := context.Background()

	alive, v := sib.CheckLiveness(ctx, TargetHTTP)
	require.True(t, alive)
	require.Equal(t, int64(1234), v)

	pid, ok := sib.ProcessID(ctx, TargetHTTP)
	require.True(t, ok)
	require.Equal(t, 4321, pid)

	require.NoError(t, sib.RequestGracefulStop(ctx, TargetHTTP))
	require.Equal(t, int32(1), updates.Load())

	mu.Lock()
	require.Equal(t, []string{"127.0.0.1:16201"}, dialed)
	mu.Unlock()

	next := config.Defaults()
	next.PortServiceHTTP = 17201
	store.Publish(next)
	_, _ = sib.CheckLiveness(ctx, TargetHTTP)
	mu.Lock()
	require.Equal(t, []string{"127.0.0.1:16201", "127.0.0.1:17201"}, dialed)
	mu.Unlock()

	alive, _ = sib.CheckLiveness(ctx, TargetGRPC)
	require.False(t, alive, "targets without a dialer are never alive")
}

func TestSiblings_UnreachableIsNotAlive(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	store := config.NewStore(nil)
	store.Publish(config.Defaults())
	dial := func(string) (Endpoint, io.Closer, error) { return NewHTTPEndpoint(url, nil), nil, nil }
	sib := NewSiblings("127.0.0.1", store, map[string]Dialer{TargetHTTP: dial}, zaptest.NewLogger(t))

	alive, _ := sib.CheckLiveness(context.Background(), TargetHTTP)
	require.False(t, alive)
	_, ok := sib.ProcessID(context.Background(), TargetHTTP)
	require.False(t, ok)
	require.ErrorIs(t, sib.RequestGracefulStop(context.Background(), TargetHTTP), errs.ErrUpstreamUnavailable)
}

func TestSiblings_ForceStop(t *testing.T) {
	t.Parallel()
	store := config.NewStore(nil)
	sib := NewSiblings("127.0.0.1", store, nil, zaptest.NewLogger(t))
	var got []int
	sib.term = func(pid int) error { got = append(got, pid); return nil }

	require.NoError(t, sib.ForceStop(context.Background(), TargetHTTP, 999))
	require.ErrorIs(t, sib.ForceStop(context.Background(), TargetHTTP, 1), errs.ErrInvalidInput)
	require.ErrorIs(t, sib.ForceStop(context.Background(), TargetHTTP, 0), errs.ErrInvalidInput)
	require.Equal(t, []int{999}, got)
}

func TestHTTPEndpoint_FailedEnvelope(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		envelope.WriteError(w, errs.ErrNotFound)
	}))
	t.Cleanup(srv.Close)

	_, err := NewHTTPEndpoint(srv.URL, srv.Client()).PID(context.Background())
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSiblings_PreviousAddressAfterPortChange(t *testing.T) {
	t.Parallel()
	var updates atomic.Int32
	var version atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /is_alive", func(w http.ResponseWriter, _ *http.Request) {
		envelope.WriteOK(w, "", map[string]any{"alive": true, "version": version.Load()})
	})
	mux.HandleFunc("POST /config_update", func(w http.ResponseWriter, _ *http.Request) {
		updates.Add(1)
		envelope.WriteOK(w, "", nil)
	})
	live := httptest.NewServer(mux)
	t.Cleanup(live.Close)
	gone := httptest.NewServer(http.NotFoundHandler())
	goneURL := gone.URL
	gone.Close()

	// Only the original port answers; the sibling has not moved yet.
	dial := func(addr string) (Endpoint, io.Closer, error) {
		if addr == "127.0.0.1:16201" {
			return NewHTTPEndpoint(live.URL, live.Client()), nil, nil
		}
		return NewHTTPEndpoint(goneURL, nil), nil, nil
	}
	store := config.NewStore(nil)
	sib := NewSiblings("127.0.0.1", store, map[string]Dialer{TargetHTTP: dial}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = sib.Close() })

	sup := New(Params{
		Store:      store,
		Layer:      config.NewUserLayer(t.TempDir() + "/user.json"),
		Prober:     sib,
		Controller: sib,
		Targets:    []string{TargetHTTP},
		PortFile:   t.TempDir() + "/" + PortFileName,
		Options:    fastOptions(),
		Log:        zaptest.NewLogger(t),
	})
	t.Cleanup(sup.Close)
	ctx := context.Background()

	first, err := sup.Load(ctx)
	require.NoError(t, err)
	version.Store(first.Version)
	require.NoError(t, sup.Reconcile(ctx))
	require.Zero(t, updates.Load())

	next, err := sup.ApplyUpdate(ctx, map[string]any{"PORT_SERVICE_HTTP": 17201})
	require.NoError(t, err)
	require.Equal(t, 17201, next.Values.PortServiceHTTP)
	require.Eventually(t, func() bool { return updates.Load() == 1 }, time.Second, 5*time.Millisecond)

	st, err := sup.Status(ctx, TargetHTTP)
	require.NoError(t, err)
	require.True(t, st.Alive)
	require.False(t, st.Current)
	require.Equal(t, 17201, st.Port)
}
