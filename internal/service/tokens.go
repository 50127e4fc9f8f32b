package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/metrics"
	"github.com/and161185/goph-auth/internal/model"
	"github.com/and161185/goph-auth/internal/repository"
	"github.com/and161185/goph-auth/pkg/tokenverify"
)

// Revocation-ledger outcomes on top of tokenverify reasons.
const (
	ReasonRevoked tokenverify.Reason = "revoked"
	ReasonUnknown tokenverify.Reason = "unknown"
)

// TokenEngine issues, verifies and revokes tokens.
type TokenEngine struct {
	keys   *KeyCustodian
	method jwt.SigningMethod
	alg    string
	ttl    time.Duration
	now    func() time.Time
	newID  func() (uuid.UUID, error)
}

// NewTokenEngine constructs an engine signing with alg for ttl.
func NewTokenEngine(keys *KeyCustodian, alg string, ttl time.Duration) (*TokenEngine, error) {
	if alg == "" {
		alg = tokenverify.DefaultAlgorithm
	}
	m, err := tokenverify.SigningMethod(alg)
	if err != nil {
		return nil, err
	}
	if ttl < time.Second {
		return nil, fmt.Errorf("token ttl %s: %w", ttl, errs.ErrInvalidInput)
	}
	return &TokenEngine{keys: keys, method: m, alg: alg, ttl: ttl, now: time.Now, newID: uuid.NewV4}, nil
}

// Issue signs and persists a token for uid.
func (e *TokenEngine) Issue(ctx context.Context, s repository.Store, uid int64) (model.IssuedToken, error) {
	key, err := e.keys.SigningKey(ctx, s.Keys())
	if err != nil {
		return model.IssuedToken{}, err
	}
	jti, err := e.newID()
	if err != nil {
		return model.IssuedToken{}, err
	}

	now := e.now()
	iat := now.Unix()
	exp := iat + int64(e.ttl/time.Second)
	claims := tokenverify.Claims{
		UID: uid,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			IssuedAt:  jwt.NewNumericDate(time.Unix(iat, 0)),
			ExpiresAt: jwt.NewNumericDate(time.Unix(exp, 0)),
		},
	}
	signed, err := jwt.NewWithClaims(e.method, claims).SignedString(key)
	if err != nil {
		return model.IssuedToken{}, fmt.Errorf("sign: %w", err)
	}

	row := &model.Token{
		JTI:         jti,
		UID:         uid,
		CreatedAt:   iat,
		TZOffset:    tzOffsetHours(now),
		ExpiresAt:   exp,
		SignedValue: signed,
	}
	if err := s.Tokens().Create(ctx, row); err != nil {
		return model.IssuedToken{}, err
	}
	metrics.TokensIssued.Inc()
	return model.IssuedToken{JTI: jti, UID: uid, Token: signed, IssuedAt: iat, ExpiresAt: exp}, nil
}

// VerifyStateless checks signature and expiry against pub only.
func (e *TokenEngine) VerifyStateless(token string, pub *rsa.PublicKey) tokenverify.Result {
	return tokenverify.Verify(token, pub, e.alg, e.now())
}

// VerifyWithRevocation is the authoritative check: stateless first, then the
// ledger. The error is reserved for storage failures.
func (e *TokenEngine) VerifyWithRevocation(ctx context.Context, s repository.Store, token string) (model.Session, error) {
	pub, err := e.keys.VerifyKey(ctx, s.Keys())
	if err != nil {
		return model.Session{}, err
	}
	res := e.VerifyStateless(token, pub)
	if !res.Valid {
		return record(model.Session{Reason: string(res.Reason)}), nil
	}

	jti, _ := res.Claims.JTI()
	sess := model.Session{
		UID:       res.Claims.UID,
		JTI:       jti,
		IssuedAt:  unixOf(res.Claims.IssuedAt),
		ExpiresAt: unixOf(res.Claims.ExpiresAt),
	}
	row, err := s.Tokens().Get(ctx, jti)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		sess.Reason = string(ReasonUnknown)
	case err != nil:
		return model.Session{}, err
	case row.Revoked:
		sess.Reason = string(ReasonRevoked)
	default:
		sess.Valid = true
	}
	return record(sess), nil
}

// Revoke marks jti revoked.
func (e *TokenEngine) Revoke(ctx context.Context, s repository.Store, jti uuid.UUID) error {
	if err := s.Tokens().Revoke(ctx, jti, e.now().Unix()); err != nil {
		return err
	}
	metrics.TokensRevoked.Inc()
	return nil
}

// Info returns the ledger row for jti.
func (e *TokenEngine) Info(ctx context.Context, s repository.Store, jti uuid.UUID) (*model.Token, error) {
	return s.Tokens().Get(ctx, jti)
}

func record(s model.Session) model.Session {
	if s.Valid {
		metrics.Verifications.WithLabelValues("valid").Inc()
	} else {
		metrics.Verifications.WithLabelValues(s.Reason).Inc()
	}
	return s
}

func unixOf(d *jwt.NumericDate) int64 {
	if d == nil {
		return 0
	}
	return d.Unix()
}
