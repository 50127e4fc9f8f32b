// Package model defines domain entities used by services and repositories.
package model

import "github.com/gofrs/uuid/v5"

// uid space bounds.
const (
	MinUID int64 = 100000
	MaxUID int64 = 999999
)

// User is a directory entry. Name and UID are both unique.
type User struct {
	UID          int64
	Name         string
	PasswordHash string
}

// UserWithTokens is a User plus the jtis of its non-revoked tokens.
type UserWithTokens struct {
	User
	TokenIDs []uuid.UUID
}

// KeyPair is a persisted signing key pair. Timestamps are unix seconds,
// TZOffset is the local UTC offset in whole hours clamped to [-12, 12].
type KeyPair struct {
	ID         int64
	PrivatePEM string
	PublicPEM  string
	CreatedAt  int64
	TZOffset   int
	Active     bool
}

// Token is a persisted issued token (the revocation ledger row).
type Token struct {
	JTI         uuid.UUID
	UID         int64
	CreatedAt   int64
	TZOffset    int
	ExpiresAt   int64
	SignedValue string
	Revoked     bool
	RevokedAt   *int64
}

// IssuedToken is what callers get back from issuance.
type IssuedToken struct {
	JTI       uuid.UUID
	UID       int64
	Token     string
	IssuedAt  int64
	ExpiresAt int64
}

// Session is the outcome of validating a presented token.
type Session struct {
	Valid     bool
	Reason    string
	UID       int64
	JTI       uuid.UUID
	IssuedAt  int64
	ExpiresAt int64
}

// ConfigAudit is the audit copy of a published configuration snapshot.
type ConfigAudit struct {
	Version    int64
	CreatedAt  int64
	TZOffset   int
	ValuesJSON []byte
}
