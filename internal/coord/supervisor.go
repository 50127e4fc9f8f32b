package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/goph-auth/internal/config"
	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/metrics"
	"github.com/and161185/goph-auth/internal/model"
	"github.com/and161185/goph-auth/internal/repository"
)

// Options are the supervisor's timing knobs.
type Options struct {
	ProbeTimeout   time.Duration
	StopTimeout    time.Duration
	Grace          time.Duration
	ReconcileDelay time.Duration
	StartupDelay   time.Duration
	// PollInterval spaces periodic reconcile passes; 0 disables them.
	PollInterval time.Duration
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		ProbeTimeout:   2 * time.Second,
		StopTimeout:    5 * time.Second,
		Grace:          time.Second,
		ReconcileDelay: 500 * time.Millisecond,
		StartupDelay:   3 * time.Second,
		PollInterval:   30 * time.Second,
	}
}

// Params wires a Supervisor.
type Params struct {
	Store *config.Store
	Layer *config.UserLayer
	// Base sits between the defaults and the user layer (process flags).
	Base       map[string]any
	Audit      repository.ConfigAuditRepository
	Prober     Prober
	Controller Controller
	Targets    []string
	PortFile   string
	Options    Options
	Log        *zap.Logger
}

// TargetStatus is one row of the status view.
type TargetStatus struct {
	Service string `json:"service"`
	Port    int    `json:"port"`
	Alive   bool   `json:"is_alive"`
	Version int64  `json:"version,omitempty"`
	Current bool   `json:"current"`
}

// Supervisor is the configuration authority. It publishes snapshots and
// restarts siblings whose loaded version differs from the current one.
type Supervisor struct {
	p     Params
	log   *zap.Logger
	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	// pubMu orders layer writes with the snapshots they produce.
	pubMu sync.Mutex

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a supervisor. Call Load before serving.
func New(p Params) *Supervisor {
	bg, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		p:      p,
		log:    p.Log,
		now:    time.Now,
		sleep:  sleepCtx,
		bg:     bg,
		cancel: cancel,
	}
}

// Store exposes the snapshot store.
func (s *Supervisor) Store() *config.Store { return s.p.Store }

// Current returns the published snapshot.
func (s *Supervisor) Current() *config.Snapshot { return s.p.Store.Current() }

// Load composes defaults, base and the persisted user layer and publishes
// the result.
func (s *Supervisor) Load(ctx context.Context) (*config.Snapshot, error) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	user, err := s.p.Layer.Load()
	if err != nil {
		return nil, err
	}
	v, err := config.Compose(s.p.Base, user)
	if err != nil {
		return nil, err
	}
	return s.publish(ctx, v), nil
}

// ApplyUpdate merges updates into the user layer, publishes the result and
// schedules a reconcile. Invalid updates change nothing.
func (s *Supervisor) ApplyUpdate(ctx context.Context, updates map[string]any) (*config.Snapshot, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("no configuration updates: %w", errs.ErrInvalidInput)
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	var next config.Settings
	_, err := s.p.Layer.Apply(updates, func(user map[string]any) error {
		var err error
		next, err = config.Compose(s.p.Base, user)
		return err
	})
	if err != nil {
		return nil, err
	}
	snap := s.publish(ctx, next)
	s.scheduleReconcile()
	return snap, nil
}

func (s *Supervisor) publish(ctx context.Context, v config.Settings) *config.Snapshot {
	snap := s.p.Store.Publish(v)
	metrics.ConfigVersion.Set(float64(snap.Version))
	s.log.Info("config published", zap.Int64("version", snap.Version))

	if s.p.Audit == nil {
		return snap
	}
	raw, err := json.Marshal(v.Redacted())
	if err == nil {
		_, off := s.now().Zone()
		err = s.p.Audit.Append(ctx, model.ConfigAudit{
			Version:    snap.Version,
			CreatedAt:  s.now().Unix(),
			TZOffset:   max(-12, min(12, off/3600)),
			ValuesJSON: raw,
		})
	}
	if err != nil {
		s.log.Warn("config audit failed", zap.Int64("version", snap.Version), zap.Error(err))
	}
	return snap
}

func (s *Supervisor) scheduleReconcile() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.sleep(s.bg, s.p.Options.ReconcileDelay) != nil {
			return
		}
		if err := s.Reconcile(s.bg); err != nil {
			s.log.Warn("reconcile after update", zap.Error(err))
		}
	}()
}

// CheckLiveness probes target with the probe timeout.
func (s *Supervisor) CheckLiveness(ctx context.Context, target string) (bool, int64) {
	ctx, cancel := context.WithTimeout(ctx, s.p.Options.ProbeTimeout)
	defer cancel()
	return s.p.Prober.CheckLiveness(ctx, target)
}

// Status reports a target's port, liveness and whether it runs the
// current version. The aux target is this process.
func (s *Supervisor) Status(ctx context.Context, target string) (TargetStatus, error) {
	cur := s.p.Store.Current()
	if cur == nil {
		return TargetStatus{}, fmt.Errorf("no config published: %w", errs.ErrUpstreamUnavailable)
	}
	port, ok := TargetPort(target, cur.Values)
	if !ok {
		return TargetStatus{}, fmt.Errorf("service %q: %w", target, errs.ErrInvalidInput)
	}
	st := TargetStatus{Service: target, Port: port}
	if target == TargetAux {
		st.Alive, st.Version, st.Current = true, cur.Version, true
		return st, nil
	}
	st.Alive, st.Version = s.CheckLiveness(ctx, target)
	st.Current = st.Alive && st.Version == cur.Version
	return st, nil
}

// Reconcile probes every target concurrently and restarts live targets
// running a stale version. Dead targets are left to the process manager.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	want := s.p.Store.Version()
	var g errgroup.Group
	for _, t := range s.p.Targets {
		g.Go(func() error {
			alive, got := s.CheckLiveness(ctx, t)
			switch {
			case !alive:
				metrics.Probes.WithLabelValues(t, "dead").Inc()
				s.log.Info("target not alive", zap.String("target", t))
				return nil
			case got == want:
				metrics.Probes.WithLabelValues(t, "current").Inc()
				return nil
			}
			metrics.Probes.WithLabelValues(t, "stale").Inc()
			s.log.Warn("target on stale config",
				zap.String("target", t),
				zap.Int64("loaded", got),
				zap.Int64("current", want),
			)
			return s.TriggerRestart(ctx, t)
		})
	}
	return g.Wait()
}

// TriggerRestart asks target to exit and, if that fails and its pid is
// known, waits the grace period and signals it. It does not wait for the
// target to come back.
func (s *Supervisor) TriggerRestart(ctx context.Context, target string) error {
	if _, ok := TargetPort(target, config.Settings{}); !ok || target == TargetAux {
		return fmt.Errorf("service %q: %w", target, errs.ErrInvalidInput)
	}

	pctx, cancel := context.WithTimeout(ctx, s.p.Options.ProbeTimeout)
	pid, havePID := s.p.Prober.ProcessID(pctx, target)
	cancel()

	sctx, cancel := context.WithTimeout(ctx, s.p.Options.StopTimeout)
	err := s.p.Controller.RequestGracefulStop(sctx, target)
	cancel()
	if err == nil {
		metrics.Restarts.WithLabelValues(target, "graceful").Inc()
		s.log.Info("restart requested", zap.String("target", target))
		return nil
	}
	s.log.Warn("graceful stop failed", zap.String("target", target), zap.Error(err))

	if !havePID {
		metrics.Restarts.WithLabelValues(target, "failed").Inc()
		return fmt.Errorf("restart %s: no pid: %w", target, errors.Join(errs.ErrUpstreamUnavailable, err))
	}
	if err := s.sleep(ctx, s.p.Options.Grace); err != nil {
		return err
	}
	if err := s.p.Controller.ForceStop(ctx, target, pid); err != nil {
		metrics.Restarts.WithLabelValues(target, "failed").Inc()
		return fmt.Errorf("restart %s: %w", target, err)
	}
	metrics.Restarts.WithLabelValues(target, "forced").Inc()
	s.log.Warn("target signalled", zap.String("target", target), zap.Int("pid", pid))
	return nil
}

// Run advertises the aux port, waits the startup delay, reconciles, and then
// reconciles every poll interval until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	cur := s.p.Store.Current()
	if cur == nil {
		var err error
		if cur, err = s.Load(ctx); err != nil {
			return err
		}
	}
	if err := WritePortFile(s.p.PortFile, cur.Values.PortAux); err != nil {
		return fmt.Errorf("port file: %w", err)
	}
	s.log.Info("aux port advertised", zap.String("file", s.p.PortFile), zap.Int("port", cur.Values.PortAux))

	if s.sleep(ctx, s.p.Options.StartupDelay) != nil {
		return nil
	}
	s.reconcileLogged(ctx)
	if s.p.Options.PollInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(s.p.Options.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.reconcileLogged(ctx)
		}
	}
}

func (s *Supervisor) reconcileLogged(ctx context.Context) {
	if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("reconcile", zap.Error(err))
	}
}

// Close stops scheduled reconciles and waits for them.
func (s *Supervisor) Close() {
	s.cancel()
	s.wg.Wait()
}
