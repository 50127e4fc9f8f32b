// Command supervisor is the configuration authority. It publishes
// versioned snapshots, serves them to siblings, and restarts siblings
// running a stale version.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/goph-auth/internal/config"
	"github.com/and161185/goph-auth/internal/coord"
	pkgcrypto "github.com/and161185/goph-auth/internal/crypto"
	"github.com/and161185/goph-auth/internal/migrate"
	"github.com/and161185/goph-auth/internal/repository/postgres"
	httpserver "github.com/and161185/goph-auth/internal/server/http"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// UserLayerFile holds operator overrides inside the data dir.
const UserLayerFile = "user_config.json"

func main() {
	dataDir := flag.String("data-dir", "data", "state directory (port file, user layer)")
	host := flag.String("host", "0.0.0.0", "listen host")
	siblingHost := flag.String("sibling-host", "127.0.0.1", "host the siblings listen on")
	dsn := flag.String("dsn", "", "override DATABASE_DSN")
	opt := coord.DefaultOptions()
	flag.DurationVar(&opt.StartupDelay, "startup-delay", opt.StartupDelay, "wait before the first reconcile")
	flag.DurationVar(&opt.PollInterval, "poll", opt.PollInterval, "reconcile interval (0 disables)")
	flag.DurationVar(&opt.Grace, "grace", opt.Grace, "wait between graceful and forced stop")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("service", coord.TargetAux))
	logger.Info("starting", zap.String("version", version), zap.String("buildDate", buildDate))

	base := map[string]any{}
	if *dsn != "" {
		base["DATABASE_DSN"] = *dsn
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *dataDir, *host, *siblingHost, base, opt, logger); err != nil {
		logger.Error("exit", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, dataDir, host, siblingHost string, base map[string]any, opt coord.Options, logger *zap.Logger) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}
	layer := config.NewUserLayer(filepath.Join(dataDir, UserLayerFile))

	// The database comes from configuration, so compose once before the
	// supervisor exists to learn where it is.
	user, err := layer.Load()
	if err != nil {
		return err
	}
	boot, err := config.Compose(base, user)
	if err != nil {
		return err
	}
	if _, err := migrate.Up(ctx, boot.DatabaseDSN, logger); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	db, err := postgres.New(ctx, boot.DatabaseDSN, postgres.PoolOptions{MaxConns: 2})
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	store := config.NewStore(nil)
	sib := coord.NewSiblings(siblingHost, store, map[string]coord.Dialer{
		coord.TargetGRPC: coord.GRPCDialer,
		coord.TargetHTTP: coord.HTTPDialer(&http.Client{Timeout: opt.ProbeTimeout}),
	}, logger)
	defer func() { _ = sib.Close() }()

	sup := coord.New(coord.Params{
		Store:      store,
		Layer:      layer,
		Base:       base,
		Audit:      postgres.NewConfigRepo(db),
		Prober:     sib,
		Controller: sib,
		Targets:    []string{coord.TargetGRPC, coord.TargetHTTP},
		PortFile:   filepath.Join(dataDir, coord.PortFileName),
		Options:    opt,
		Log:        logger,
	})
	defer sup.Close()

	snap, err := sup.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	key, err := pkgcrypto.RandBytes(32)
	if err != nil {
		return err
	}
	manage := httpserver.Manage(sup, sib.Authd(), httpserver.ManageOptions{SigningKey: key, TTL: time.Hour}, logger.Named("manage"))
	aux := httpserver.SupervisorAux(sup, logger.Named("aux"))

	// Listener ports are read once; changing them needs a supervisor restart.
	v := snap.Values
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.ListenAndServe(gctx, net.JoinHostPort(host, fmt.Sprint(v.PortAux)), aux, logger)
	})
	g.Go(func() error {
		return httpserver.ListenAndServe(gctx, net.JoinHostPort(host, fmt.Sprint(v.PortManage)), manage, logger)
	})
	g.Go(func() error { return sup.Run(gctx) })
	return g.Wait()
}
