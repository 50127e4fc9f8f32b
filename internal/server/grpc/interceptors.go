package grpcserver

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/goph-auth/internal/metrics"
)

// LoggingUnary logs one line per call with method, code, duration and peer.
// Payloads are never logged. Health checks are counted but not logged.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		code := status.Code(err)
		metrics.RPCs.WithLabelValues(info.FullMethod, code.String()).Inc()

		if strings.HasPrefix(info.FullMethod, "/grpc.health.") {
			return resp, err
		}
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", remotePeer(ctx, nil)),
		}
		switch code {
		case codes.Internal, codes.Unknown, codes.DataLoss:
			log.Error("grpc", append(fields, zap.Error(err))...)
		default:
			log.Info("grpc", fields...)
		}
		return resp, err
	}
}

// RecoverUnary turns handler panics into codes.Internal.
func RecoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic",
					zap.Any("reason", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("method", info.FullMethod),
				)
				resp, err = nil, status.Error(codes.Internal, "internal")
			}
		}()
		return next(ctx, req)
	}
}
