// Package service contains the token lifecycle and user directory services.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/limiter"
	"github.com/and161185/goph-auth/internal/metrics"
	"github.com/and161185/goph-auth/internal/model"
	"github.com/and161185/goph-auth/internal/repository"
	"github.com/and161185/goph-auth/pkg/tokenverify"
)

// UserRef selects a user by name or, when Name is empty, by UID.
type UserRef struct {
	Name string
	UID  int64
}

// Directory defines the user-facing operations.
type Directory interface {
	// Login authenticates and issues a token. peer feeds the login limiter.
	Login(ctx context.Context, name, password, peer string) (model.IssuedToken, error)
	// AddUser registers a user and returns its uid.
	AddUser(ctx context.Context, name, password string) (int64, error)
	// DeleteUser removes a user and every token it owns, returning the uid.
	DeleteUser(ctx context.Context, ref UserRef) (int64, error)
	// ListUsersWithTokens lists users with their non-revoked jtis.
	ListUsersWithTokens(ctx context.Context) ([]model.UserWithTokens, error)
	// IssueTokenForUID issues a token without a password (admin).
	IssueTokenForUID(ctx context.Context, uid int64) (model.IssuedToken, error)
	// GetTokenInfo returns the ledger row for jti.
	GetTokenInfo(ctx context.Context, jti uuid.UUID) (*model.Token, error)
	// ValidateSession verifies a token against signature, expiry and ledger.
	ValidateSession(ctx context.Context, token string) (model.Session, error)
	// Logout revokes the presented token.
	Logout(ctx context.Context, token string) error
	// PublicKey returns the PEM of the verification key.
	PublicKey(ctx context.Context) (string, error)
	// RotateSigningKey activates a new signing key pair.
	RotateSigningKey(ctx context.Context) (*model.KeyPair, error)
}

// DirectoryImpl composes the credential store and token engine. Every
// operation runs in exactly one unit of work.
type DirectoryImpl struct {
	tx     repository.Transactor
	creds  *CredentialStore
	keys   *KeyCustodian
	tokens *TokenEngine
	lim    limiter.Limiter
	log    *zap.Logger
}

var _ Directory = (*DirectoryImpl)(nil)

// NewDirectory constructs the service. A nil limiter disables throttling.
func NewDirectory(tx repository.Transactor, creds *CredentialStore, keys *KeyCustodian, tokens *TokenEngine, lim limiter.Limiter, log *zap.Logger) *DirectoryImpl {
	if lim == nil {
		lim = limiter.Nop{}
	}
	return &DirectoryImpl{tx: tx, creds: creds, keys: keys, tokens: tokens, lim: lim, log: log}
}

// Login authenticates with rate limiting by (name, peer) and issues a token.
func (d *DirectoryImpl) Login(ctx context.Context, name, password, peer string) (model.IssuedToken, error) {
	peerHash := limiter.HashPeer(peer)

	allowed, retry, err := d.lim.Allow(ctx, name, peerHash)
	if err != nil {
		metrics.LoginAttempts.WithLabelValues("error").Inc()
		return model.IssuedToken{}, fmt.Errorf("limiter: %w: %w", errs.ErrStorage, err)
	}
	if !allowed {
		metrics.LoginAttempts.WithLabelValues("limited").Inc()
		return model.IssuedToken{}, fmt.Errorf("retry in %s: %w", retry.Round(time.Second), errs.ErrRateLimited)
	}

	var out model.IssuedToken
	err = d.tx.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		uid, err := d.creds.Authenticate(ctx, s.Users(), name, password)
		if err != nil {
			return err
		}
		out, err = d.tokens.Issue(ctx, s, uid)
		return err
	})
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		metrics.LoginAttempts.WithLabelValues("denied").Inc()
		if blocked, _, ferr := d.lim.Failure(ctx, name, peerHash); ferr == nil && blocked {
			d.log.Warn("login blocked", zap.String("name", name))
			return model.IssuedToken{}, errs.ErrRateLimited
		}
		return model.IssuedToken{}, errs.ErrUnauthorized
	case err != nil:
		metrics.LoginAttempts.WithLabelValues("error").Inc()
		return model.IssuedToken{}, err
	}

	metrics.LoginAttempts.WithLabelValues("ok").Inc()
	if err := d.lim.Success(ctx, name, peerHash); err != nil {
		d.log.Warn("limiter reset failed", zap.Error(err))
	}
	return out, nil
}

// AddUser registers a new user.
func (d *DirectoryImpl) AddUser(ctx context.Context, name, password string) (int64, error) {
	var uid int64
	err := d.tx.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		var err error
		uid, err = d.creds.Create(ctx, s.Users(), name, password)
		return err
	})
	if err != nil {
		return 0, err
	}
	d.log.Info("user created", zap.Int64("uid", uid))
	return uid, nil
}

// DeleteUser removes the user and, in the same unit of work, all its tokens.
func (d *DirectoryImpl) DeleteUser(ctx context.Context, ref UserRef) (int64, error) {
	ref.Name = strings.TrimSpace(ref.Name)
	if ref.Name == "" && ref.UID == 0 {
		return 0, fmt.Errorf("name or uid required: %w", errs.ErrInvalidInput)
	}
	var uid int64
	var dropped int64
	err := d.tx.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		uid = ref.UID
		if ref.Name != "" {
			id, ok, err := d.creds.LookupUID(ctx, s.Users(), ref.Name)
			if err != nil {
				return err
			}
			if !ok {
				return errs.ErrNotFound
			}
			uid = id
		} else if _, ok, err := d.creds.LookupName(ctx, s.Users(), uid); err != nil {
			return err
		} else if !ok {
			return errs.ErrNotFound
		}

		var err error
		if dropped, err = s.Tokens().DeleteByUID(ctx, uid); err != nil {
			return err
		}
		return s.Users().Delete(ctx, uid)
	})
	if err != nil {
		return 0, err
	}
	d.log.Info("user deleted", zap.Int64("uid", uid), zap.Int64("tokens", dropped))
	return uid, nil
}

// ListUsersWithTokens lists users with their live token ids.
func (d *DirectoryImpl) ListUsersWithTokens(ctx context.Context) ([]model.UserWithTokens, error) {
	var out []model.UserWithTokens
	err := d.tx.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		users, err := s.Users().List(ctx)
		if err != nil {
			return err
		}
		live, err := s.Tokens().LiveIDsByUID(ctx)
		if err != nil {
			return err
		}
		out = make([]model.UserWithTokens, 0, len(users))
		for _, u := range users {
			ids := live[u.UID]
			if ids == nil {
				ids = []uuid.UUID{}
			}
			out = append(out, model.UserWithTokens{User: u, TokenIDs: ids})
		}
		return nil
	})
	return out, err
}

// IssueTokenForUID issues a token for an existing uid.
func (d *DirectoryImpl) IssueTokenForUID(ctx context.Context, uid int64) (model.IssuedToken, error) {
	if uid < model.MinUID || uid > model.MaxUID {
		return model.IssuedToken{}, fmt.Errorf("uid %d: %w", uid, errs.ErrInvalidInput)
	}
	var out model.IssuedToken
	err := d.tx.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		if _, ok, err := d.creds.LookupName(ctx, s.Users(), uid); err != nil {
			return err
		} else if !ok {
			return errs.ErrNotFound
		}
		var err error
		out, err = d.tokens.Issue(ctx, s, uid)
		return err
	})
	return out, err
}

// GetTokenInfo returns the token row.
func (d *DirectoryImpl) GetTokenInfo(ctx context.Context, jti uuid.UUID) (*model.Token, error) {
	if jti == uuid.Nil {
		return nil, fmt.Errorf("jti: %w", errs.ErrInvalidInput)
	}
	var out *model.Token
	err := d.tx.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		var err error
		out, err = d.tokens.Info(ctx, s, jti)
		return err
	})
	return out, err
}

// ValidateSession runs the authoritative verification.
func (d *DirectoryImpl) ValidateSession(ctx context.Context, token string) (model.Session, error) {
	var out model.Session
	err := d.tx.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		var err error
		out, err = d.tokens.VerifyWithRevocation(ctx, s, token)
		return err
	})
	return out, err
}

// Logout revokes a currently valid token. Expired tokens stay expired.
func (d *DirectoryImpl) Logout(ctx context.Context, token string) error {
	return d.tx.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		sess, err := d.tokens.VerifyWithRevocation(ctx, s, token)
		if err != nil {
			return err
		}
		if !sess.Valid {
			return SessionError(sess.Reason)
		}
		return d.tokens.Revoke(ctx, s, sess.JTI)
	})
}

// PublicKey returns the verification key PEM.
func (d *DirectoryImpl) PublicKey(ctx context.Context) (string, error) {
	var out string
	err := d.tx.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		var err error
		out, err = d.keys.PublicKeyPEM(ctx, s.Keys())
		return err
	})
	return out, err
}

// RotateSigningKey activates a fresh key pair.
func (d *DirectoryImpl) RotateSigningKey(ctx context.Context) (*model.KeyPair, error) {
	var out *model.KeyPair
	err := d.tx.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		var err error
		out, err = d.keys.Rotate(ctx, s.Keys())
		return err
	})
	return out, err
}

// SessionError maps a failed session reason onto the error taxonomy.
func SessionError(reason string) error {
	switch reason {
	case string(tokenverify.ReasonExpired):
		return errs.ErrTokenExpired
	case string(ReasonRevoked):
		return errs.ErrTokenRevoked
	case string(ReasonUnknown):
		return errs.ErrNotFound
	default:
		return errs.ErrTokenInvalid
	}
}
