// Package limiter throttles repeated failed logins.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter controls login attempts and temporary lockouts per (name, peer).
type Limiter interface {
	// Allow reports whether a login may be attempted and the remaining block.
	Allow(ctx context.Context, name string, peerHash []byte) (bool, time.Duration, error)
	// Success clears the failure counter.
	Success(ctx context.Context, name string, peerHash []byte) error
	// Failure records a failed attempt and reports whether it tripped a block.
	Failure(ctx context.Context, name string, peerHash []byte) (bool, time.Duration, error)
}

// Policy configures the sliding window.
type Policy struct {
	Window   time.Duration
	MaxFails int
	BlockFor time.Duration
}

// HashPeer returns a stable digest of a peer address so raw addresses are
// never stored.
func HashPeer(peer string) []byte {
	h := sha256.Sum256([]byte(peer))
	return h[:]
}

// Nop never blocks.
type Nop struct{}

func (Nop) Allow(context.Context, string, []byte) (bool, time.Duration, error) { return true, 0, nil }
func (Nop) Success(context.Context, string, []byte) error { return nil }
func (Nop) Failure(context.Context, string, []byte) (bool, time.Duration, error) { return false, 0, nil }
