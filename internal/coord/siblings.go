// Package coord keeps sibling processes on the supervisor's configuration:
// liveness probes, restart triggers, the reconcile loop and the sibling
// side runtime.
package coord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/goph-auth/internal/config"
	"github.com/and161185/goph-auth/internal/errs"
	grpcserver "github.com/and161185/goph-auth/internal/server/grpc"
)

// Managed target names.
const (
	TargetGRPC = "grpc"
	TargetHTTP = "http"
	TargetAux  = "aux"
)

// TargetPort returns the configured port of a target.
func TargetPort(name string, v config.Settings) (int, bool) {
	switch name {
	case TargetGRPC:
		return v.PortServiceGRPC, true
	case TargetHTTP:
		return v.PortServiceHTTP, true
	case TargetAux:
		return v.PortAux, true
	}
	return 0, false
}

// Prober observes targets. Failures read as not alive.
type Prober interface {
	// CheckLiveness reports whether target answers and the version it loaded.
	CheckLiveness(ctx context.Context, target string) (bool, int64)
	// ProcessID returns the target's pid when it can be obtained.
	ProcessID(ctx context.Context, target string) (int, bool)
}

// Controller stops targets so the process manager relaunches them.
type Controller interface {
	// RequestGracefulStop asks target to exit on its own.
	RequestGracefulStop(ctx context.Context, target string) error
	// ForceStop signals pid directly.
	ForceStop(ctx context.Context, target string, pid int) error
}

// Dialer opens an Endpoint at addr. The closer, if any, is released on
// address change or Close.
type Dialer func(addr string) (Endpoint, io.Closer, error)

// GRPCDialer reaches authd through its gRPC control methods.
func GRPCDialer(addr string) (Endpoint, io.Closer, error) {
	cc, err := grpcserver.Dial(addr)
	if err != nil {
		return nil, nil, err
	}
	return grpcserver.NewClient(cc), cc, nil
}

// HTTPDialer reaches the gateway through its HTTP control routes.
func HTTPDialer(c *http.Client) Dialer {
	return func(addr string) (Endpoint, io.Closer, error) {
		return NewHTTPEndpoint("http://"+addr, c), nil, nil
	}
}

type cachedEndpoint struct {
	addr   string
	ep     Endpoint
	closer io.Closer
}

func (c cachedEndpoint) close() {
	if c.closer != nil {
		_ = c.closer.Close()
	}
}

// route holds a target's endpoint at the configured address and, after a
// port change, the one at the address it ran on before. onPrev is set while
// the target answers only at prev.
type route struct {
	cur, prev cachedEndpoint
	onPrev    bool
}

// Siblings resolves target endpoints from the current snapshot's ports and
// implements Prober and Controller over them. A target that has not yet
// restarted onto a changed port is still reached at its previous address.
type Siblings struct {
	host  string
	store *config.Store
	dial  map[string]Dialer
	term  func(pid int) error
	log   *zap.Logger

	mu     sync.Mutex
	routes map[string]*route
}

var (
	_ Prober     = (*Siblings)(nil)
	_ Controller = (*Siblings)(nil)
	_ Endpoint   = (*grpcserver.Client)(nil)
)

// NewSiblings builds the registry. dial maps target names to dialers.
func NewSiblings(host string, store *config.Store, dial map[string]Dialer, log *zap.Logger) *Siblings {
	return &Siblings{
		host:   host,
		store:  store,
		dial:   dial,
		term:   terminate,
		log:    log,
		routes: map[string]*route{},
	}
}

// resolve returns a copy of the target's route with cur dialed at the
// snapshot's address.
func (s *Siblings) resolve(name string) (route, error) {
	dial, ok := s.dial[name]
	snap := s.store.Current()
	if !ok || snap == nil {
		return route{}, fmt.Errorf("target %q: %w", name, errs.ErrInvalidInput)
	}
	port, _ := TargetPort(name, snap.Values)
	addr := net.JoinHostPort(s.host, strconv.Itoa(port))

	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.routes[name]
	if rt == nil {
		rt = &route{}
		s.routes[name] = rt
	}
	if rt.cur.addr != addr {
		old := rt.cur
		if rt.prev.addr == addr {
			rt.cur, rt.prev = rt.prev, old
		} else {
			rt.prev.close()
			rt.cur, rt.prev = cachedEndpoint{}, old
		}
		rt.onPrev = false
	}
	if rt.cur.ep == nil {
		rt.cur.addr = addr
		ep, closer, err := dial(addr)
		if err != nil {
			return route{}, fmt.Errorf("dial %s: %w: %w", addr, errs.ErrUpstreamUnavailable, err)
		}
		rt.cur = cachedEndpoint{addr: addr, ep: ep, closer: closer}
	}
	return *rt, nil
}

// settle records where target last answered. Reaching it at the current
// address releases the previous one.
func (s *Siblings) settle(name, prevAddr string, onPrev bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.routes[name]
	if rt == nil || rt.prev.addr != prevAddr {
		return
	}
	rt.onPrev = onPrev
	if !onPrev && prevAddr != "" {
		rt.prev.close()
		rt.prev = cachedEndpoint{}
	}
}

// endpoint is where calls to name go: the previous address while the
// target is known to still run there, else the configured one.
func (s *Siblings) endpoint(name string) (Endpoint, error) {
	rt, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	if rt.onPrev && rt.prev.ep != nil {
		return rt.prev.ep, nil
	}
	return rt.cur.ep, nil
}

// CheckLiveness probes target at its configured address, falling back to
// the address it ran on before a port change.
func (s *Siblings) CheckLiveness(ctx context.Context, target string) (bool, int64) {
	rt, err := s.resolve(target)
	if err != nil {
		return false, 0
	}
	v, err := rt.cur.ep.IsAlive(ctx)
	if err == nil {
		s.settle(target, rt.prev.addr, false)
		return true, v
	}
	s.log.Debug("probe failed", zap.String("target", target), zap.String("addr", rt.cur.addr), zap.Error(err))
	if rt.prev.ep == nil {
		return false, 0
	}
	v, err = rt.prev.ep.IsAlive(ctx)
	if err != nil {
		return false, 0
	}
	s.settle(target, rt.prev.addr, true)
	s.log.Info("target still on previous address",
		zap.String("target", target),
		zap.String("addr", rt.prev.addr),
		zap.String("configured", rt.cur.addr),
	)
	return true, v
}

// ProcessID asks target for its pid.
func (s *Siblings) ProcessID(ctx context.Context, target string) (int, bool) {
	ep, err := s.endpoint(target)
	if err != nil {
		return 0, false
	}
	pid, err := ep.PID(ctx)
	if err != nil || pid <= 1 {
		return 0, false
	}
	return pid, true
}

// RequestGracefulStop sends the config update request.
func (s *Siblings) RequestGracefulStop(ctx context.Context, target string) error {
	ep, err := s.endpoint(target)
	if err != nil {
		return err
	}
	return ep.ConfigUpdate(ctx)
}

// ForceStop terminates pid.
func (s *Siblings) ForceStop(_ context.Context, target string, pid int) error {
	if pid <= 1 {
		return fmt.Errorf("pid %d: %w", pid, errs.ErrInvalidInput)
	}
	if err := s.term(pid); err != nil {
		return fmt.Errorf("signal %s pid %d: %w", target, pid, err)
	}
	return nil
}

// Close releases cached connections.
func (s *Siblings) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []error
	for name, rt := range s.routes {
		for _, c := range []cachedEndpoint{rt.cur, rt.prev} {
			if c.closer != nil {
				all = append(all, c.closer.Close())
			}
		}
		delete(s.routes, name)
	}
	return errors.Join(all...)
}
