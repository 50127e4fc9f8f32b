package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/model"
	"github.com/and161185/goph-auth/internal/repository"
)

func TestKeys_LazyCreateThenReuse(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	var first, second *model.KeyPair
	require.NoError(t, f.db.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		var err error
		first, err = f.keys.ActiveKeyPair(ctx, s.Keys())
		return err
	}))
	require.NoError(t, f.db.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		var err error
		second, err = f.keys.ActiveKeyPair(ctx, s.Keys())
		return err
	}))
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, int64(1_760_000_000), first.CreatedAt)
	require.Len(t, f.db.keys, 1)
	require.Equal(t, 1, f.db.activeKeys())
}

func TestKeys_ExactlyOneActiveAcrossRotations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = f.db.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
				var err error
				if i%3 == 0 {
					_, err = f.keys.Rotate(ctx, s.Keys())
				} else {
					_, err = f.keys.ActiveKeyPair(ctx, s.Keys())
				}
				return err
			})
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, f.db.activeKeys())
	require.GreaterOrEqual(t, len(f.db.keys), 7)

	kp, err := f.dir.RotateSigningKey(ctx)
	require.NoError(t, err)
	require.True(t, kp.Active)
	require.Equal(t, 1, f.db.activeKeys())
}

// racyKeys emulates losing the insert race to a concurrent creator.
type racyKeys struct {
	memKeys
	lost bool
}

func (r *racyKeys) ReplaceActive(ctx context.Context, kp *model.KeyPair) error {
	if !r.lost {
		r.lost = true
		winner := *kp
		_ = r.memKeys.ReplaceActive(ctx, &winner)
		return fmt.Errorf("active key pair: %w", errs.ErrAlreadyExists)
	}
	return r.memKeys.ReplaceActive(ctx, kp)
}

func TestKeys_LostRaceReadsWinner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_ = f.db.WithinTx(context.Background(), func(ctx context.Context, s repository.Store) error {
		rk := &racyKeys{memKeys: memKeys{f.db}}
		kp, err := f.keys.ActiveKeyPair(ctx, rk)
		require.NoError(t, err)
		require.Equal(t, int64(1), kp.ID)
		return nil
	})
	require.Equal(t, 1, f.db.activeKeys())
}

func TestKeys_TimezoneClamped(t *testing.T) {
	t.Parallel()
	require.Equal(t, 12, tzOffsetHours(time.Unix(0, 0).In(time.FixedZone("x", 14*3600))))
	require.Equal(t, -12, tzOffsetHours(time.Unix(0, 0).In(time.FixedZone("y", -13*3600))))
	require.Equal(t, 5, tzOffsetHours(time.Unix(0, 0).In(time.FixedZone("z", 5*3600+1800))))
	require.Equal(t, 0, tzOffsetHours(time.Unix(0, 0).UTC()))
}

func TestKeys_PinnedKeysTakePrecedence(t *testing.T) {
	t.Parallel()
	gen := testGenerator(t)
	priv, pub, _ := gen()

	dir := t.TempDir()
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, []byte(priv), 0o600))

	for name, cfg := range map[string]KeyConfig{
		"literal": {PrivateKey: priv, PublicKey: pub},
		"path":    {PrivateKey: privPath},
	} {
		t.Run(name, func(t *testing.T) {
			c := NewKeyCustodian(cfg, zaptest.NewLogger(t))
			db := newMemDB()
			_ = db.WithinTx(context.Background(), func(ctx context.Context, s repository.Store) error {
				k, err := c.SigningKey(ctx, s.Keys())
				require.NoError(t, err)
				v, err := c.VerifyKey(ctx, s.Keys())
				require.NoError(t, err)
				require.True(t, k.PublicKey.Equal(v))
				p, err := c.PublicKeyPEM(ctx, s.Keys())
				require.NoError(t, err)
				require.Equal(t, pub, p)
				return nil
			})
			require.Empty(t, db.keys, "pinned keys must not touch the store")
		})
	}
}

func TestKeys_UnreadablePathFallsBackToStore(t *testing.T) {
	t.Parallel()
	c := NewKeyCustodian(KeyConfig{PrivateKey: filepath.Join(t.TempDir(), "missing.pem")}, zaptest.NewLogger(t))
	c.generate = testGenerator(t)
	db := newMemDB()

	_ = db.WithinTx(context.Background(), func(ctx context.Context, s repository.Store) error {
		_, err := c.SigningKey(ctx, s.Keys())
		require.NoError(t, err)
		return nil
	})
	require.Len(t, db.keys, 1)
}
