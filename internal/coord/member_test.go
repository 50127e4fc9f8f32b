package coord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
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

func fastMemberOptions() MemberOptions {
	return MemberOptions{
		PortPoll:      5 * time.Millisecond,
		FetchAttempts: 5,
		FetchDelay:    5 * time.Millisecond,
		ExitDelay:     10 * time.Millisecond,
	}
}

func serverPort(t *testing.T, raw string) int {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func TestMember_FetchRetriesUntilConfigServed(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	var logs sync.Map
	snap := config.Snapshot{Version: 1_760_000_000_001, Values: config.Defaults()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /config", func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			envelope.WriteError(w, errs.ErrUpstreamUnavailable)
			return
		}
		envelope.WriteOK(w, "", snap)
	})
	mux.HandleFunc("POST /log", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		logs.Store(body["source"], body["message"])
		envelope.WriteOK(w, "", nil)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	portFile := filepath.Join(t.TempDir(), PortFileName)
	m := NewMember("http", portFile, fastMemberOptions(), zaptest.NewLogger(t))
	require.NoError(t, m.ForwardLog(context.Background(), "before"), "no supervisor yet is a no-op")

	port := serverPort(t, srv.URL)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = WritePortFile(portFile, port)
	}()

	got, err := m.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, snap.Version, got.Version)
	require.Equal(t, snap.Values, got.Values)
	require.Equal(t, snap.Version, m.LoadedVersion())
	require.Equal(t, int32(3), hits.Load())

	require.NoError(t, m.ForwardLog(context.Background(), "hello"))
	v, ok := logs.Load("http")
	require.True(t, ok)
	require.Equal(t, "hello", v)
}

func TestMember_FetchGivesUp(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		envelope.WriteError(w, errs.ErrUpstreamUnavailable)
	}))
	t.Cleanup(srv.Close)

	portFile := filepath.Join(t.TempDir(), PortFileName)
	require.NoError(t, WritePortFile(portFile, serverPort(t, srv.URL)))

	m := NewMember("grpc", portFile, fastMemberOptions(), zaptest.NewLogger(t))
	_, err := m.Fetch(context.Background())
	require.ErrorIs(t, err, errs.ErrUpstreamUnavailable)
	require.Zero(t, m.LoadedVersion())
}

func TestMember_FetchBoundedByContext(t *testing.T) {
	t.Parallel()
	m := NewMember("grpc", filepath.Join(t.TempDir(), PortFileName), fastMemberOptions(), zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := m.Fetch(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMember_ScheduleExitOnce(t *testing.T) {
	t.Parallel()
	m := NewMember("http", "unused", fastMemberOptions(), zaptest.NewLogger(t))

	select {
	case <-m.Done():
		t.Fatal("done before exit was scheduled")
	default:
	}
	m.ScheduleExit("first")
	m.ScheduleExit("second")

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("exit never fired")
	}
}
