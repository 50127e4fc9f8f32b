// Command gateway is the public HTTP facade over authd.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/and161185/goph-auth/internal/coord"
	grpcserver "github.com/and161185/goph-auth/internal/server/grpc"
	httpserver "github.com/and161185/goph-auth/internal/server/http"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	dataDir := flag.String("data-dir", "data", "directory holding the supervisor port file")
	host := flag.String("host", "0.0.0.0", "listen host")
	authdHost := flag.String("authd-host", "127.0.0.1", "authd host")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("service", coord.TargetHTTP))
	logger.Info("starting", zap.String("version", version), zap.String("buildDate", buildDate))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *dataDir, *host, *authdHost, logger); err != nil {
		logger.Error("exit", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, dataDir, host, authdHost string, logger *zap.Logger) error {
	member := coord.NewMember(coord.TargetHTTP, filepath.Join(dataDir, coord.PortFileName), coord.DefaultMemberOptions(), logger)
	snap, err := member.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch config: %w", err)
	}
	v := snap.Values

	cc, err := grpcserver.Dial(net.JoinHostPort(authdHost, fmt.Sprint(v.PortServiceGRPC)))
	if err != nil {
		return fmt.Errorf("dial authd: %w", err)
	}
	defer cc.Close()

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

	addr := net.JoinHostPort(host, fmt.Sprint(v.PortServiceHTTP))
	_ = member.ForwardLog(ctx, fmt.Sprintf("gateway listening on %s", addr))
	h := httpserver.Gateway(grpcserver.NewClient(cc), member, logger)
	return httpserver.ListenAndServe(runCtx, addr, h, logger)
}
