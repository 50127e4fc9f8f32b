package service

import (
	"context"
	"maps"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	pkgcrypto "github.com/and161185/goph-auth/internal/crypto"
	"github.com/and161185/goph-auth/internal/errs"
	"github.com/and161185/goph-auth/internal/model"
	"github.com/and161185/goph-auth/internal/repository"
)

// memDB is an in-memory Transactor. Units of work are serialized and a
// failed unit restores the state it started from.
type memDB struct {
	mu        sync.Mutex
	users     map[int64]model.User
	tokens    map[uuid.UUID]model.Token
	keys      []model.KeyPair
	nextKeyID int64

	opened, committed, rolledBack int
	failNext                      error
}

var (
	_ repository.Transactor        = (*memDB)(nil)
	_ repository.UserRepository    = (*memUsers)(nil)
	_ repository.TokenRepository   = (*memTokens)(nil)
	_ repository.KeyPairRepository = (*memKeys)(nil)
)

func newMemDB() *memDB {
	return &memDB{users: map[int64]model.User{}, tokens: map[uuid.UUID]model.Token{}}
}

func (m *memDB) WithinTx(ctx context.Context, fn func(ctx context.Context, s repository.Store) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++

	users, tokens := maps.Clone(m.users), maps.Clone(m.tokens)
	keys, nextKeyID := append([]model.KeyPair(nil), m.keys...), m.nextKeyID
	restore := func() {
		m.users, m.tokens, m.keys, m.nextKeyID = users, tokens, keys, nextKeyID
		m.rolledBack++
	}
	defer func() {
		if p := recover(); p != nil {
			restore()
			panic(p)
		}
		if err != nil {
			restore()
			return
		}
		m.committed++
	}()

	if m.failNext != nil {
		err, m.failNext = m.failNext, nil
		return err
	}
	return fn(ctx, memStore{m})
}

func (m *memDB) activeKeys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range m.keys {
		if k.Active {
			n++
		}
	}
	return n
}

type memStore struct{ m *memDB }

func (s memStore) Users() repository.UserRepository { return &memUsers{s.m} }
func (s memStore) Tokens() repository.TokenRepository { return &memTokens{s.m} }
func (s memStore) Keys() repository.KeyPairRepository { return &memKeys{s.m} }

type memUsers struct{ m *memDB }

func (r *memUsers) Create(_ context.Context, u *model.User) error {
	if _, ok := r.m.users[u.UID]; ok {
		return errs.ErrAlreadyExists
	}
	for _, x := range r.m.users {
		if x.Name == u.Name {
			return errs.ErrAlreadyExists
		}
	}
	r.m.users[u.UID] = *u
	return nil
}

func (r *memUsers) GetByName(_ context.Context, name string) (*model.User, error) {
	for _, u := range r.m.users {
		if u.Name == name {
			c := u
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r *memUsers) GetByUID(_ context.Context, uid int64) (*model.User, error) {
	u, ok := r.m.users[uid]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &u, nil
}

func (r *memUsers) UIDExists(_ context.Context, uid int64) (bool, error) {
	_, ok := r.m.users[uid]
	return ok, nil
}

func (r *memUsers) MaxUID(context.Context) (int64, bool, error) {
	var hi int64
	for uid := range r.m.users {
		hi = max(hi, uid)
	}
	return hi, hi != 0, nil
}

func (r *memUsers) Delete(_ context.Context, uid int64) error {
	if _, ok := r.m.users[uid]; !ok {
		return errs.ErrNotFound
	}
	delete(r.m.users, uid)
	return nil
}

func (r *memUsers) List(context.Context) ([]model.User, error) {
	out := make([]model.User, 0, len(r.m.users))
	for _, u := range r.m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

type memTokens struct{ m *memDB }

func (r *memTokens) Create(_ context.Context, t *model.Token) error {
	if _, ok := r.m.tokens[t.JTI]; ok {
		return errs.ErrAlreadyExists
	}
	if _, ok := r.m.users[t.UID]; !ok {
		return errs.ErrStorage // foreign key
	}
	r.m.tokens[t.JTI] = *t
	return nil
}

func (r *memTokens) Get(_ context.Context, jti uuid.UUID) (*model.Token, error) {
	t, ok := r.m.tokens[jti]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &t, nil
}

func (r *memTokens) Revoke(_ context.Context, jti uuid.UUID, at int64) error {
	t, ok := r.m.tokens[jti]
	if !ok {
		return errs.ErrNotFound
	}
	if t.Revoked {
		return errs.ErrTokenRevoked
	}
	t.Revoked, t.RevokedAt = true, &at
	r.m.tokens[jti] = t
	return nil
}

func (r *memTokens) DeleteByUID(_ context.Context, uid int64) (int64, error) {
	var n int64
	for jti, t := range r.m.tokens {
		if t.UID == uid {
			delete(r.m.tokens, jti)
			n++
		}
	}
	return n, nil
}

func (r *memTokens) LiveIDsByUID(context.Context) (map[int64][]uuid.UUID, error) {
	out := map[int64][]uuid.UUID{}
	for _, t := range r.m.tokens {
		if !t.Revoked {
			out[t.UID] = append(out[t.UID], t.JTI)
		}
	}
	return out, nil
}

type memKeys struct{ m *memDB }

func (r *memKeys) GetActive(context.Context) (*model.KeyPair, error) {
	for i := len(r.m.keys) - 1; i >= 0; i-- {
		if r.m.keys[i].Active {
			k := r.m.keys[i]
			return &k, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r *memKeys) ReplaceActive(_ context.Context, kp *model.KeyPair) error {
	for i := range r.m.keys {
		r.m.keys[i].Active = false
	}
	r.m.nextKeyID++
	kp.ID, kp.Active = r.m.nextKeyID, true
	r.m.keys = append(r.m.keys, *kp)
	return nil
}

func (r *memKeys) CountActive(context.Context) (int, error) {
	n := 0
	for _, k := range r.m.keys {
		if k.Active {
			n++
		}
	}
	return n, nil
}

// Pre-generated RSA pairs so tests do not pay generation per call.
var (
	pairsOnce sync.Once
	pairs     [3][2]string
)

func testGenerator(t *testing.T) func() (string, string, error) {
	t.Helper()
	pairsOnce.Do(func() {
		for i := range pairs {
			priv, pub, err := pkgcrypto.GenerateRSAKeyPair()
			if err != nil {
				panic(err)
			}
			pairs[i] = [2]string{priv, pub}
		}
	})
	var mu sync.Mutex
	n := 0
	return func() (string, string, error) {
		mu.Lock()
		defer mu.Unlock()
		p := pairs[n%len(pairs)]
		n++
		return p[0], p[1], nil
	}
}

type fixture struct {
	db     *memDB
	keys   *KeyCustodian
	tokens *TokenEngine
	dir    *DirectoryImpl
	clock  *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	clock := &fakeClock{t: time.Unix(1_760_000_000, 0)}

	keys := NewKeyCustodian(KeyConfig{}, log)
	keys.generate = testGenerator(t)
	keys.now = clock.Now

	tokens, err := NewTokenEngine(keys, "RS256", 24*time.Hour)
	if err != nil {
		t.Fatalf("NewTokenEngine: %v", err)
	}
	tokens.now = clock.Now

	db := newMemDB()
	dir := NewDirectory(db, NewCredentialStore(bcrypt.MinCost), keys, tokens, nil, log)
	return &fixture{db: db, keys: keys, tokens: tokens, dir: dir, clock: clock}
}

func itoa(i int) string { return strconv.Itoa(i) }
