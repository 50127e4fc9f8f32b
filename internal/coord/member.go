package coord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/and161185/goph-auth/internal/config"
	"github.com/and161185/goph-auth/internal/envelope"
	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/metrics"
	grpcserver "github.com/and161185/goph-auth/internal/server/grpc"
)

// MemberOptions are the sibling side timings.
type MemberOptions struct {
	PortPoll      time.Duration
	FetchAttempts uint
	FetchDelay    time.Duration
	ExitDelay     time.Duration
}

// DefaultMemberOptions returns the production timings.
func DefaultMemberOptions() MemberOptions {
	return MemberOptions{
		PortPoll:      time.Second,
		FetchAttempts: 30,
		FetchDelay:    2 * time.Second,
		ExitDelay:     500 * time.Millisecond,
	}
}

// Member is the sibling half of the protocol: it finds the supervisor,
// loads a snapshot, reports the loaded version and exits on request.
type Member struct {
	name     string
	portFile string
	host     string
	httpc    *http.Client
	opt      MemberOptions
	log      *zap.Logger

	auxBase atomic.Pointer[string]
	version atomic.Int64
	once    sync.Once
	done    chan struct{}
}

var _ grpcserver.Lifecycle = (*Member)(nil)

// NewMember builds a sibling runtime named name (used as the log source).
func NewMember(name, portFile string, opt MemberOptions, log *zap.Logger) *Member {
	return &Member{
		name:     name,
		portFile: portFile,
		host:     "127.0.0.1",
		httpc:    &http.Client{Timeout: 5 * time.Second},
		opt:      opt,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Fetch waits for the supervisor's port file and pulls the current
// snapshot, retrying while the supervisor is unreachable.
func (m *Member) Fetch(ctx context.Context) (*config.Snapshot, error) {
	port, err := WaitPortFile(ctx, m.portFile, m.opt.PortPoll)
	if err != nil {
		return nil, err
	}
	base := "http://" + net.JoinHostPort(m.host, strconv.Itoa(port))
	m.auxBase.Store(&base)

	var snap config.Snapshot
	err = retry.Do(func() error {
		return m.getConfig(ctx, base, &snap)
	},
		retry.Context(ctx),
		retry.Attempts(m.opt.FetchAttempts),
		retry.Delay(m.opt.FetchDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			m.log.Warn("config fetch failed", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch config from %s: %w", base, err)
	}
	if err := snap.Values.Validate(); err != nil {
		return nil, err
	}
	m.version.Store(snap.Version)
	metrics.ConfigVersion.Set(float64(snap.Version))
	m.log.Info("config loaded", zap.Int64("version", snap.Version))
	return &snap, nil
}

func (m *Member) getConfig(ctx context.Context, base string, snap *config.Snapshot) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/config", nil)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	return envelope.Decode(resp.Body, snap)
}

// LoadedVersion is the version Fetch loaded, 0 before.
func (m *Member) LoadedVersion() int64 { return m.version.Load() }

// ScheduleExit closes Done after the exit delay so the current reply is
// delivered first. Repeated calls are no-ops.
func (m *Member) ScheduleExit(reason string) {
	m.once.Do(func() {
		m.log.Info("exit scheduled", zap.String("reason", reason), zap.Duration("in", m.opt.ExitDelay))
		time.AfterFunc(m.opt.ExitDelay, func() { close(m.done) })
	})
}

// Done is closed when the process should exit for a restart.
func (m *Member) Done() <-chan struct{} { return m.done }

// ForwardLog posts a line to the supervisor's log sink. Without a known
// supervisor it is a no-op.
func (m *Member) ForwardLog(ctx context.Context, message string) error {
	base := m.auxBase.Load()
	if base == nil {
		return nil
	}
	body, err := json.Marshal(map[string]string{"source": m.name, "message": message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *base+"/log", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	return envelope.Decode(resp.Body, nil)
}
