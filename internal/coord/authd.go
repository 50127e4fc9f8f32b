package coord

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/model"
	grpcserver "github.com/and161185/goph-auth/internal/server/grpc"
	"github.com/and161185/goph-auth/internal/service"
)

// Authd forwards directory administration to whichever authd the current
// snapshot points at.
type Authd struct{ s *Siblings }

// Authd returns the admin view over the grpc target.
func (s *Siblings) Authd() Authd { return Authd{s: s} }

func (a Authd) client() (*grpcserver.Client, error) {
	ep, err := a.s.endpoint(TargetGRPC)
	if err != nil {
		return nil, err
	}
	c, ok := ep.(*grpcserver.Client)
	if !ok {
		return nil, fmt.Errorf("target %s is not a grpc endpoint: %w", TargetGRPC, errs.ErrUpstreamUnavailable)
	}
	return c, nil
}

func (a Authd) ListUsers(ctx context.Context) ([]model.UserWithTokens, error) {
	c, err := a.client()
	if err != nil {
		return nil, err
	}
	return c.ListUsers(ctx)
}

func (a Authd) AddUser(ctx context.Context, name, password string) (int64, error) {
	c, err := a.client()
	if err != nil {
		return 0, err
	}
	return c.AddUser(ctx, name, password)
}

func (a Authd) DeleteUser(ctx context.Context, ref service.UserRef) (int64, error) {
	c, err := a.client()
	if err != nil {
		return 0, err
	}
	return c.DeleteUser(ctx, ref)
}

func (a Authd) IssueToken(ctx context.Context, uid int64) (model.IssuedToken, error) {
	c, err := a.client()
	if err != nil {
		return model.IssuedToken{}, err
	}
	return c.IssueToken(ctx, uid)
}

func (a Authd) GetTokenInfo(ctx context.Context, jti uuid.UUID) (*model.Token, error) {
	c, err := a.client()
	if err != nil {
		return nil, err
	}
	return c.GetTokenInfo(ctx, jti)
}
