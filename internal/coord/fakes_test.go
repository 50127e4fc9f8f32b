package coord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/and161185/goph-auth/internal/config"
	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/model"
	"github.com/and161185/goph-auth/internal/repository"
)

type probeState struct {
	alive   bool
	version int64
	pid     int
}

type fakeProber struct {
	mu      sync.Mutex
	targets map[string]probeState
}

var _ Prober = (*fakeProber)(nil)

func (p *fakeProber) set(name string, st probeState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets[name] = st
}

func (p *fakeProber) CheckLiveness(_ context.Context, target string) (bool, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.targets[target]
	return st.alive, st.version
}

func (p *fakeProber) ProcessID(_ context.Context, target string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.targets[target]
	return st.pid, st.pid > 1
}

type call struct {
	op     string
	target string
	pid    int
	at     time.Time
}

// fakeController records calls. gracefulErr fails graceful stops; block
// makes them wait for their deadline.
type fakeController struct {
	mu          sync.Mutex
	calls       []call
	gracefulErr error
	block       bool
}

var _ Controller = (*fakeController)(nil)

func (c *fakeController) RequestGracefulStop(ctx context.Context, target string) error {
	c.mu.Lock()
	c.calls = append(c.calls, call{op: "graceful", target: target, at: time.Now()})
	block, err := c.block, c.gracefulErr
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (c *fakeController) ForceStop(_ context.Context, target string, pid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call{op: "force", target: target, pid: pid, at: time.Now()})
	return nil
}

func (c *fakeController) snapshot() []call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]call(nil), c.calls...)
}

type fakeAudit struct {
	mu   sync.Mutex
	rows []model.ConfigAudit
	err  error
}

var _ repository.ConfigAuditRepository = (*fakeAudit)(nil)

func (a *fakeAudit) Append(_ context.Context, row model.ConfigAudit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.rows = append(a.rows, row)
	return nil
}

func (a *fakeAudit) Latest(context.Context) (*model.ConfigAudit, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.rows) == 0 {
		return nil, errs.ErrNotFound
	}
	r := a.rows[len(a.rows)-1]
	return &r, nil
}

var errStopRefused = errors.New("stop refused")

// fastOptions compresses every timing so tests run in milliseconds.
func fastOptions() Options {
	return Options{
		ProbeTimeout:   50 * time.Millisecond,
		StopTimeout:    80 * time.Millisecond,
		Grace:          30 * time.Millisecond,
		ReconcileDelay: 20 * time.Millisecond,
		StartupDelay:   10 * time.Millisecond,
	}
}

type supFixture struct {
	sup   *Supervisor
	probe *fakeProber
	ctl   *fakeController
	audit *fakeAudit
	layer string
	port  string
}

func newSupFixture(t *testing.T) *supFixture {
	t.Helper()
	dir := t.TempDir()
	f := &supFixture{
		probe: &fakeProber{targets: map[string]probeState{}},
		ctl:   &fakeController{},
		audit: &fakeAudit{},
		layer: dir + "/user.json",
		port:  dir + "/" + PortFileName,
	}
	f.sup = New(Params{
		Store:      config.NewStore(nil),
		Layer:      config.NewUserLayer(f.layer),
		Audit:      f.audit,
		Prober:     f.probe,
		Controller: f.ctl,
		Targets:    []string{TargetGRPC, TargetHTTP},
		PortFile:   f.port,
		Options:    fastOptions(),
		Log:        zaptest.NewLogger(t),
	})
	t.Cleanup(f.sup.Close)
	return f
}
