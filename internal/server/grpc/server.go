// Package grpcserver exposes the Directory Service and the sibling control
// calls over gRPC, and provides the matching client.
package grpcserver

import (
	"context"
	"errors"
	"net/netip"
	"os"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/goph-auth/internal/convert"
	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/service"
)

// Lifecycle is the sibling runtime answering the control calls.
type Lifecycle interface {
	// LoadedVersion is the config version the process started with.
	LoadedVersion() int64
	// ScheduleExit terminates the process shortly after the reply is sent.
	ScheduleExit(reason string)
}

// Server wires the Directory Service into gRPC handlers.
type Server struct {
	dir  service.Directory
	life Lifecycle
	alg  string
	log  *zap.Logger

	trusted []netip.Prefix
}

var _ AuthServer = (*Server)(nil)

// New constructs a gRPC server. alg is reported alongside the public key.
func New(dir service.Directory, life Lifecycle, alg string, log *zap.Logger) *Server {
	return &Server{dir: dir, life: life, alg: alg, log: log}
}

// TrustForwarded lets callers inside prefixes report the end client address
// for login throttling. Loopback callers are always trusted.
func (s *Server) TrustForwarded(prefixes ...netip.Prefix) *Server {
	s.trusted = prefixes
	return s
}

// --- Directory ---

// Login authenticates and returns a fresh token.
func (s *Server) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	it, err := s.dir.Login(ctx, convert.Str(req, "name"), convert.Str(req, "password"), remotePeer(ctx, s.trusted))
	if err != nil {
		return nil, s.toStatus("login", err)
	}
	return convert.ToProtoIssuedToken(it), nil
}

// ValidateSession runs signature, expiry and revocation checks.
func (s *Server) ValidateSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.dir.ValidateSession(ctx, convert.Str(req, "token"))
	if err != nil {
		return nil, s.toStatus("validate", err)
	}
	return convert.ToProtoSession(sess), nil
}

// Logout revokes the presented token.
func (s *Server) Logout(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.dir.Logout(ctx, convert.Str(req, "token")); err != nil {
		return nil, s.toStatus("logout", err)
	}
	return convert.New(map[string]any{"revoked": true}), nil
}

// ListUsers lists users with their live token ids.
func (s *Server) ListUsers(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	us, err := s.dir.ListUsersWithTokens(ctx)
	if err != nil {
		return nil, s.toStatus("list users", err)
	}
	return convert.ToProtoUsers(us), nil
}

// AddUser registers a user.
func (s *Server) AddUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.dir.AddUser(ctx, convert.Str(req, "name"), convert.Str(req, "password"))
	if err != nil {
		return nil, s.toStatus("add user", err)
	}
	return convert.New(map[string]any{"uid": uid}), nil
}

// DeleteUser removes a user selected by name or uid.
func (s *Server) DeleteUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := convert.Int(req, "uid")
	if err != nil {
		return nil, s.toStatus("delete user", err)
	}
	uid, err = s.dir.DeleteUser(ctx, service.UserRef{Name: convert.Str(req, "name"), UID: uid})
	if err != nil {
		return nil, s.toStatus("delete user", err)
	}
	return convert.New(map[string]any{"uid": uid}), nil
}

// IssueToken issues a token for a uid without a password.
func (s *Server) IssueToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := convert.Int(req, "uid")
	if err != nil {
		return nil, s.toStatus("issue", err)
	}
	it, err := s.dir.IssueTokenForUID(ctx, uid)
	if err != nil {
		return nil, s.toStatus("issue", err)
	}
	return convert.ToProtoIssuedToken(it), nil
}

// GetTokenInfo returns a ledger row.
func (s *Server) GetTokenInfo(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	jti, err := convert.UUID(req, "jti")
	if err != nil {
		return nil, s.toStatus("token info", err)
	}
	row, err := s.dir.GetTokenInfo(ctx, jti)
	if err != nil {
		return nil, s.toStatus("token info", err)
	}
	return convert.ToProtoToken(*row), nil
}

// GetPublicKey returns the verification key and signing algorithm.
func (s *Server) GetPublicKey(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	pem, err := s.dir.PublicKey(ctx)
	if err != nil {
		return nil, s.toStatus("public key", err)
	}
	return convert.New(map[string]any{"public_key": pem, "algorithm": s.alg}), nil
}

// RotateKey activates a fresh signing key pair.
func (s *Server) RotateKey(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	kp, err := s.dir.RotateSigningKey(ctx)
	if err != nil {
		return nil, s.toStatus("rotate", err)
	}
	return convert.New(map[string]any{"id": kp.ID, "public_key": kp.PublicPEM, "created_at": kp.CreatedAt}), nil
}

// --- sibling control ---

// IsAlive reports the loaded config version.
func (s *Server) IsAlive(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return convert.New(map[string]any{"alive": true, "version": s.life.LoadedVersion()}), nil
}

// GetPID reports the process id.
func (s *Server) GetPID(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return convert.New(map[string]any{"pid": os.Getpid()}), nil
}

// ConfigUpdate acknowledges and schedules a restart.
func (s *Server) ConfigUpdate(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	s.life.ScheduleExit("config update requested")
	return convert.New(map[string]any{"accepted": true}), nil
}

// toStatus maps the error taxonomy onto gRPC codes. Internal details are
// logged, never returned.
func (s *Server) toStatus(op string, err error) error {
	switch {
	case errors.Is(err, errs.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, errs.ErrUnauthorized.Error())
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, errs.ErrRateLimited.Error())
	case errors.Is(err, errs.ErrTokenExpired):
		return status.Error(codes.PermissionDenied, errs.ErrTokenExpired.Error())
	case errors.Is(err, errs.ErrTokenRevoked):
		return status.Error(codes.PermissionDenied, errs.ErrTokenRevoked.Error())
	case errors.Is(err, errs.ErrTokenInvalid):
		return status.Error(codes.PermissionDenied, errs.ErrTokenInvalid.Error())
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, errs.ErrNotFound.Error())
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, errs.ErrAlreadyExists.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, op)
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, op)
	}
	s.log.Error("request failed", zap.String("op", op), zap.Error(err))
	if errors.Is(err, errs.ErrUpstreamUnavailable) {
		return status.Error(codes.Unavailable, op)
	}
	return status.Error(codes.Internal, "internal")
}
