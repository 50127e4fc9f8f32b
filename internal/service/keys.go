package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/goph-auth/internal/crypto"
	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/metrics"
	"github.com/and161185/goph-auth/internal/model"
	"github.com/and161185/goph-auth/internal/repository"
	"github.com/and161185/goph-auth/pkg/tokenverify"
)

// KeyConfig pins key material out of band. Each field is literal PEM text
// or a path to a PEM file; empty means use the database-backed pair.
type KeyConfig struct {
	PrivateKey string
	PublicKey  string
}

// KeyCustodian owns the signing key pair lifecycle.
type KeyCustodian struct {
	log      *zap.Logger
	now      func() time.Time
	generate func() (privatePEM, publicPEM string, err error)

	pinnedPriv *rsa.PrivateKey
	pinnedPub  *rsa.PublicKey

	mu     sync.Mutex
	parsed map[int64]parsedKey
}

type parsedKey struct {
	pem string
	key *rsa.PrivateKey
}

// NewKeyCustodian resolves pinned keys once. An unreadable or unparsable
// pinned key is logged and ignored so the database pair is used instead.
func NewKeyCustodian(cfg KeyConfig, log *zap.Logger) *KeyCustodian {
	c := &KeyCustodian{
		log:      log,
		now:      time.Now,
		generate: pkgcrypto.GenerateRSAKeyPair,
		parsed:   map[int64]parsedKey{},
	}
	if cfg.PrivateKey != "" {
		k, err := tokenverify.LoadPrivateKey(cfg.PrivateKey)
		if err != nil {
			log.Warn("configured private key unusable, falling back to stored key pair", zap.Error(err))
		} else {
			c.pinnedPriv = k
			c.pinnedPub = &k.PublicKey
		}
	}
	if cfg.PublicKey != "" {
		k, err := tokenverify.LoadPublicKey(cfg.PublicKey)
		if err != nil {
			log.Warn("configured public key unusable, falling back", zap.Error(err))
		} else {
			c.pinnedPub = k
		}
	}
	return c
}

// ActiveKeyPair returns the active stored pair, creating one on first use.
func (c *KeyCustodian) ActiveKeyPair(ctx context.Context, keys repository.KeyPairRepository) (*model.KeyPair, error) {
	kp, err := keys.GetActive(ctx)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	kp, err = c.create(ctx, keys)
	if errors.Is(err, errs.ErrAlreadyExists) {
		// a concurrent caller created it first
		return keys.GetActive(ctx)
	}
	return kp, err
}

// Rotate retires the active pair and activates a freshly generated one.
func (c *KeyCustodian) Rotate(ctx context.Context, keys repository.KeyPairRepository) (*model.KeyPair, error) {
	return c.create(ctx, keys)
}

func (c *KeyCustodian) create(ctx context.Context, keys repository.KeyPairRepository) (*model.KeyPair, error) {
	priv, pub, err := c.generate()
	if err != nil {
		return nil, err
	}
	now := c.now()
	kp := &model.KeyPair{
		PrivatePEM: priv,
		PublicPEM:  pub,
		CreatedAt:  now.Unix(),
		TZOffset:   tzOffsetHours(now),
	}
	if err := keys.ReplaceActive(ctx, kp); err != nil {
		return nil, err
	}
	metrics.KeyPairsCreated.Inc()
	c.log.Info("signing key pair activated", zap.Int64("id", kp.ID))
	return kp, nil
}

// SigningKey returns the key new tokens are signed with.
func (c *KeyCustodian) SigningKey(ctx context.Context, keys repository.KeyPairRepository) (*rsa.PrivateKey, error) {
	if c.pinnedPriv != nil {
		return c.pinnedPriv, nil
	}
	kp, err := c.ActiveKeyPair(ctx, keys)
	if err != nil {
		return nil, err
	}
	return c.parse(kp)
}

// VerifyKey returns the key first-party verification uses.
func (c *KeyCustodian) VerifyKey(ctx context.Context, keys repository.KeyPairRepository) (*rsa.PublicKey, error) {
	if c.pinnedPub != nil {
		return c.pinnedPub, nil
	}
	k, err := c.SigningKey(ctx, keys)
	if err != nil {
		return nil, err
	}
	return &k.PublicKey, nil
}

// PublicKeyPEM returns the distributable verification key.
func (c *KeyCustodian) PublicKeyPEM(ctx context.Context, keys repository.KeyPairRepository) (string, error) {
	if c.pinnedPub != nil {
		return pkgcrypto.EncodeRSAPublicKey(c.pinnedPub)
	}
	kp, err := c.ActiveKeyPair(ctx, keys)
	if err != nil {
		return "", err
	}
	return kp.PublicPEM, nil
}

func (c *KeyCustodian) parse(kp *model.KeyPair) (*rsa.PrivateKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.parsed[kp.ID]; ok && p.pem == kp.PrivatePEM {
		return p.key, nil
	}
	k, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(kp.PrivatePEM))
	if err != nil {
		return nil, fmt.Errorf("key pair %d: %w", kp.ID, err)
	}
	c.parsed[kp.ID] = parsedKey{pem: kp.PrivatePEM, key: k}
	return k, nil
}
