// Package tokenverify verifies signed session tokens with nothing but a
// public key. It never touches a store and never needs the private key, so
// any collaborator holding the distributed public key can use it.
package tokenverify

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/goph-auth/internal/errs"
)

// DefaultAlgorithm is used when none is configured.
const DefaultAlgorithm = "RS256"

// SupportedAlgorithms lists the asymmetric RSA algorithms accepted for
// signing and verification.
var SupportedAlgorithms = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}

// Reason classifies a verification failure.
type Reason string

// Failure reasons.
const (
	ReasonNone      Reason = ""
	ReasonMalformed Reason = "malformed"
	ReasonSignature Reason = "signature"
	ReasonExpired   Reason = "expired"
	ReasonClaims    Reason = "claims"
	ReasonKey       Reason = "key"
)

// Claims is the signed payload: {uid, jti, iat, exp}.
type Claims struct {
	UID int64 `json:"uid"`
	jwt.RegisteredClaims
}

// JTI parses the token id claim.
func (c *Claims) JTI() (uuid.UUID, error) { return uuid.FromString(c.ID) }

// Result is the outcome of a stateless verification. Claims is set only
// when Valid.
type Result struct {
	Valid   bool
	Claims  *Claims
	Reason  Reason
	Err     error
	Expired bool
}

func invalid(r Reason, err error) Result {
	return Result{Reason: r, Err: err, Expired: r == ReasonExpired}
}

// Supported reports whether alg is an accepted algorithm name.
func Supported(alg string) bool { return slices.Contains(SupportedAlgorithms, alg) }

// SigningMethod resolves an accepted algorithm name.
func SigningMethod(alg string) (jwt.SigningMethod, error) {
	if !Supported(alg) {
		return nil, fmt.Errorf("algorithm %q: %w", alg, errs.ErrInvalidInput)
	}
	return jwt.GetSigningMethod(alg), nil
}

// Verify checks the signature of token against pub using alg and checks
// expiry against now. A token is expired once now >= exp.
func Verify(token string, pub *rsa.PublicKey, alg string, now time.Time) Result {
	if strings.TrimSpace(token) == "" {
		return invalid(ReasonMalformed, fmt.Errorf("empty token: %w", errs.ErrTokenInvalid))
	}
	if pub == nil || !Supported(alg) {
		return invalid(ReasonKey, fmt.Errorf("no usable verification key for %q: %w", alg, errs.ErrTokenInvalid))
	}

	var c Claims
	_, err := jwt.ParseWithClaims(token, &c,
		func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{alg}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return invalid(ReasonExpired, errs.ErrTokenExpired)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return invalid(ReasonMalformed, fmt.Errorf("%w: %w", errs.ErrTokenInvalid, err))
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return invalid(ReasonSignature, fmt.Errorf("%w: %w", errs.ErrTokenInvalid, err))
		default:
			return invalid(ReasonClaims, fmt.Errorf("%w: %w", errs.ErrTokenInvalid, err))
		}
	}

	if !now.Before(c.ExpiresAt.Time) {
		return invalid(ReasonExpired, errs.ErrTokenExpired)
	}
	if _, err := c.JTI(); err != nil || c.UID <= 0 {
		return invalid(ReasonClaims, fmt.Errorf("missing uid/jti: %w", errs.ErrTokenInvalid))
	}
	return Result{Valid: true, Claims: &c}
}

// VerifyWithKey is the standalone form: the key is either literal PEM text
// or a path to a PEM file.
func VerifyWithKey(token, publicKeyOrPath, alg string) Result {
	if alg == "" {
		alg = DefaultAlgorithm
	}
	pub, err := LoadPublicKey(publicKeyOrPath)
	if err != nil {
		return invalid(ReasonKey, fmt.Errorf("%w: %w", errs.ErrTokenInvalid, err))
	}
	return Verify(token, pub, alg, time.Now())
}

// IsPEM reports whether s looks like PEM text rather than a path.
func IsPEM(s string) bool { return strings.HasPrefix(strings.TrimSpace(s), "-----BEGIN") }

// ReadPEM returns s when it is PEM text, otherwise the content of file s.
func ReadPEM(pemOrPath string) (string, error) {
	if IsPEM(pemOrPath) {
		return pemOrPath, nil
	}
	if pemOrPath == "" {
		return "", fmt.Errorf("empty key: %w", errs.ErrInvalidInput)
	}
	b, err := os.ReadFile(pemOrPath)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// LoadPublicKey parses an RSA public key from PEM text or a PEM file.
func LoadPublicKey(pemOrPath string) (*rsa.PublicKey, error) {
	s, err := ReadPEM(pemOrPath)
	if err != nil {
		return nil, err
	}
	return jwt.ParseRSAPublicKeyFromPEM([]byte(s))
}

// LoadPrivateKey parses an RSA private key from PEM text or a PEM file.
func LoadPrivateKey(pemOrPath string) (*rsa.PrivateKey, error) {
	s, err := ReadPEM(pemOrPath)
	if err != nil {
		return nil, err
	}
	return jwt.ParseRSAPrivateKeyFromPEM([]byte(s))
}
