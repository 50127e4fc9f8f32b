// Command authd serves the token lifecycle engine over gRPC. It takes its
// configuration from the supervisor and exits when asked to reload.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/goph-auth/internal/config"
	"github.com/and161185/goph-auth/internal/coord"
	"github.com/and161185/goph-auth/internal/limiter"
	"github.com/and161185/goph-auth/internal/repository/postgres"
	grpcserver "github.com/and161185/goph-auth/internal/server/grpc"
	httpserver "github.com/and161185/goph-auth/internal/server/http"
	"github.com/and161185/goph-auth/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	dataDir := flag.String("data-dir", "data", "directory holding the supervisor port file")
	host := flag.String("host", "0.0.0.0", "listen host")
	dev := flag.Bool("dev", false, "enable server reflection (dev only)")
	proxies := flag.String("trusted-proxy", "", "comma separated CIDRs allowed to forward the client address")
	flag.Parse()

	trusted, err := parsePrefixes(*proxies)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("service", coord.TargetGRPC))
	logger.Info("starting", zap.String("version", version), zap.String("buildDate", buildDate))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *dataDir, *host, *dev, trusted, logger); err != nil {
		logger.Error("exit", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, dataDir, host string, dev bool, trusted []netip.Prefix, logger *zap.Logger) error {
	member := coord.NewMember(coord.TargetGRPC, filepath.Join(dataDir, coord.PortFileName), coord.DefaultMemberOptions(), logger)
	snap, err := member.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch config: %w", err)
	}
	v := snap.Values

	db, err := postgres.New(ctx, v.DatabaseDSN, poolOptions(v))
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	dir, err := newDirectory(db, v, logger)
	if err != nil {
		return err
	}

	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
		),
	)
	grpcserver.Register(s, grpcserver.New(dir, member, v.JWTAlgorithm, logger).TrustForwarded(trusted...))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if dev {
		reflection.Register(s)
	}

	addr := net.JoinHostPort(host, fmt.Sprint(v.PortServiceGRPC))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	// Stop on a signal or once the supervisor asks for a reload.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-member.Done():
			logger.Info("exiting for reload")
			cancel()
		case <-runCtx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", addr), zap.Int64("config_version", snap.Version))
		return s.Serve(lis)
	})
	g.Go(func() error {
		aux := net.JoinHostPort(host, fmt.Sprint(v.AuxHTTPPort()))
		return httpserver.ListenAndServe(gctx, aux, httpserver.AuthdAux(member, logger), logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
		return nil
	})

	_ = member.ForwardLog(ctx, fmt.Sprintf("authd listening on %s", addr))
	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func poolOptions(v config.Settings) postgres.PoolOptions {
	return postgres.PoolOptions{
		MaxConns:        int32(v.DatabasePoolSize + v.DatabaseMaxOverflow),
		AcquireTimeout:  time.Duration(v.DatabasePoolTimeout) * time.Second,
		MaxConnLifetime: time.Duration(v.DatabasePoolRecycle) * time.Second,
	}
}

func newDirectory(db *postgres.DB, v config.Settings, logger *zap.Logger) (*service.DirectoryImpl, error) {
	var lim limiter.Limiter = limiter.Nop{}
	if v.LoginMaxFailures > 0 {
		lim = limiter.NewPG(db.Pool, limiter.Policy{
			Window:   time.Duration(v.LoginWindowSeconds) * time.Second,
			MaxFails: v.LoginMaxFailures,
			BlockFor: time.Duration(v.LoginBlockSeconds) * time.Second,
		})
	}
	keys := service.NewKeyCustodian(service.KeyConfig{PrivateKey: v.JWTPrivateKey, PublicKey: v.JWTPublicKey}, logger)
	tokens, err := service.NewTokenEngine(keys, v.JWTAlgorithm, v.TokenTTL())
	if err != nil {
		return nil, fmt.Errorf("token engine: %w", err)
	}
	creds := service.NewCredentialStore(v.BcryptRounds)
	return service.NewDirectory(db, creds, keys, tokens, lim, logger), nil
}

func parsePrefixes(list string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, f := range strings.Split(list, ",") {
		if f = strings.TrimSpace(f); f == "" {
			continue
		}
		p, err := netip.ParsePrefix(f)
		if err != nil {
			return nil, fmt.Errorf("trusted-proxy %q: %w", f, err)
		}
		out = append(out, p)
	}
	return out, nil
}
