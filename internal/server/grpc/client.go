package grpcserver

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/goph-auth/internal/convert"
	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/model"
	"github.com/and161185/goph-auth/internal/service"
)

// CallTimeout bounds every call whose context carries no earlier deadline.
const CallTimeout = 5 * time.Second

// Client calls ServiceName and maps failures back onto the error taxonomy.
type Client struct {
	cc      grpc.ClientConnInterface
	timeout time.Duration
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc, timeout: CallTimeout}
}

// WithTimeout returns a client bounding each call by d instead.
func (c *Client) WithTimeout(d time.Duration) *Client {
	return &Client{cc: c.cc, timeout: d}
}

// Dial opens a plaintext connection to addr. Connection is lazy.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return grpc.NewClient(addr, opts...)
}

func (c *Client) call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, FromStatus(err)
	}
	return out, nil
}

// Login authenticates on behalf of the client at peer.
func (c *Client) Login(ctx context.Context, name, password, peer string) (model.IssuedToken, error) {
	out, err := c.call(WithForwardedPeer(ctx, peer), MethodLogin, convert.CredentialsRequest(name, password))
	if err != nil {
		return model.IssuedToken{}, err
	}
	return convert.FromProtoIssuedToken(out)
}

// ValidateSession runs the authoritative verification.
func (c *Client) ValidateSession(ctx context.Context, token string) (model.Session, error) {
	out, err := c.call(ctx, MethodValidateSession, convert.TokenRequest(token))
	if err != nil {
		return model.Session{}, err
	}
	return convert.FromProtoSession(out)
}

// Logout revokes token.
func (c *Client) Logout(ctx context.Context, token string) error {
	_, err := c.call(ctx, MethodLogout, convert.TokenRequest(token))
	return err
}

// ListUsers lists users with live token ids.
func (c *Client) ListUsers(ctx context.Context) ([]model.UserWithTokens, error) {
	out, err := c.call(ctx, MethodListUsers, nil)
	if err != nil {
		return nil, err
	}
	return convert.FromProtoUsers(out)
}

// AddUser registers a user.
func (c *Client) AddUser(ctx context.Context, name, password string) (int64, error) {
	out, err := c.call(ctx, MethodAddUser, convert.CredentialsRequest(name, password))
	if err != nil {
		return 0, err
	}
	return convert.Int(out, "uid")
}

// DeleteUser removes a user by name or uid.
func (c *Client) DeleteUser(ctx context.Context, ref service.UserRef) (int64, error) {
	out, err := c.call(ctx, MethodDeleteUser, convert.UserRefRequest(ref.Name, ref.UID))
	if err != nil {
		return 0, err
	}
	return convert.Int(out, "uid")
}

// IssueToken issues a token for uid.
func (c *Client) IssueToken(ctx context.Context, uid int64) (model.IssuedToken, error) {
	out, err := c.call(ctx, MethodIssueToken, convert.UIDRequest(uid))
	if err != nil {
		return model.IssuedToken{}, err
	}
	return convert.FromProtoIssuedToken(out)
}

// GetTokenInfo fetches a ledger row.
func (c *Client) GetTokenInfo(ctx context.Context, jti uuid.UUID) (*model.Token, error) {
	out, err := c.call(ctx, MethodGetTokenInfo, convert.JTIRequest(jti))
	if err != nil {
		return nil, err
	}
	row, err := convert.FromProtoToken(out)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// PublicKey returns the verification key PEM and its algorithm.
func (c *Client) PublicKey(ctx context.Context) (pem, alg string, err error) {
	out, err := c.call(ctx, MethodGetPublicKey, nil)
	if err != nil {
		return "", "", err
	}
	return convert.Str(out, "public_key"), convert.Str(out, "algorithm"), nil
}

// RotateKey activates a new signing key and returns its id and public half.
func (c *Client) RotateKey(ctx context.Context) (int64, string, error) {
	out, err := c.call(ctx, MethodRotateKey, nil)
	if err != nil {
		return 0, "", err
	}
	id, err := convert.Int(out, "id")
	return id, convert.Str(out, "public_key"), err
}

// IsAlive returns the config version the sibling loaded.
func (c *Client) IsAlive(ctx context.Context) (int64, error) {
	out, err := c.call(ctx, MethodIsAlive, nil)
	if err != nil {
		return 0, err
	}
	if !out.GetFields()["alive"].GetBoolValue() {
		return 0, errs.ErrUpstreamUnavailable
	}
	return convert.Int(out, "version")
}

// PID returns the sibling's process id.
func (c *Client) PID(ctx context.Context) (int, error) {
	out, err := c.call(ctx, MethodGetPID, nil)
	if err != nil {
		return 0, err
	}
	pid, err := convert.Int(out, "pid")
	return int(pid), err
}

// ConfigUpdate asks the sibling to restart.
func (c *Client) ConfigUpdate(ctx context.Context) error {
	_, err := c.call(ctx, MethodConfigUpdate, nil)
	return err
}

// FromStatus maps a gRPC status error back onto the error taxonomy.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("rpc: %w: %w", errs.ErrUpstreamUnavailable, err)
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%s: %w", st.Message(), errs.ErrInvalidInput)
	case codes.Unauthenticated:
		return errs.ErrUnauthorized
	case codes.ResourceExhausted:
		return errs.ErrRateLimited
	case codes.PermissionDenied:
		switch st.Message() {
		case errs.ErrTokenExpired.Error():
			return errs.ErrTokenExpired
		case errs.ErrTokenRevoked.Error():
			return errs.ErrTokenRevoked
		}
		return errs.ErrTokenInvalid
	case codes.NotFound:
		return errs.ErrNotFound
	case codes.AlreadyExists:
		return errs.ErrAlreadyExists
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return fmt.Errorf("rpc %s: %w", st.Code(), errs.ErrUpstreamUnavailable)
	}
	return fmt.Errorf("rpc %s: %s", st.Code(), st.Message())
}
