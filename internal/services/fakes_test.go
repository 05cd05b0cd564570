package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/laasy/corptravel/internal/db/models"
	"github.com/laasy/corptravel/internal/db/repositories"
)

// memStore is an in-memory credential store and usage ledger with the same
// semantics as the PostgreSQL repositories.
type memStore struct {
	mu     sync.Mutex
	keys   map[int64]*models.APIKey
	usage  []*models.APIKeyUsage
	nextID int64
	err    error
}

func newMemStore() *memStore {
	return &memStore{keys: map[int64]*models.APIKey{}}
}

func clone(k *models.APIKey) *models.APIKey {
	c := *k
	c.Permissions = append([]string(nil), k.Permissions...)
	return &c
}

func (m *memStore) insert(k *models.APIKey) {
	m.nextID++
	k.ID = m.nextID
	k.CreatedAt = time.Now()
	k.UpdatedAt = k.CreatedAt
	m.keys[k.ID] = clone(k)
}

func (m *memStore) Create(_ context.Context, k *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, existing := range m.keys {
		if existing.APIKey == k.APIKey {
			return errors.New("duplicate api_key")
		}
	}
	m.insert(k)
	return nil
}

func (m *memStore) CreateBootstrap(_ context.Context, k *models.APIKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if len(m.keys) > 0 {
		return false, nil
	}
	m.insert(k)
	return true, nil
}

func (m *memStore) GetByID(_ context.Context, id int64) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if k, ok := m.keys[id]; ok {
		return clone(k), nil
	}
	return nil, nil
}

func (m *memStore) GetActiveByKey(_ context.Context, apiKey string) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, k := range m.keys {
		if k.APIKey == apiKey && k.IsActive {
			return clone(k), nil
		}
	}
	return nil, nil
}

func (m *memStore) List(_ context.Context) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.APIKey, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, clone(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memStore) Toggle(_ context.Context, id int64) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, nil
	}
	k.IsActive = !k.IsActive
	return clone(k), nil
}

func (m *memStore) Delete(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[id]; !ok {
		return false, nil
	}
	delete(m.keys, id)
	return true, nil
}

func (m *memStore) countSince(keyID int64, since time.Time) int {
	n := 0
	for _, u := range m.usage {
		if u.APIKeyID == keyID && !u.CreatedAt.Before(since) {
			n++
		}
	}
	return n
}

func (m *memStore) Admit(_ context.Context, keyID int64, rec *models.APIKeyUsage, windowStart time.Time) (repositories.Admission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res repositories.Admission
	if m.err != nil {
		return res, m.err
	}
	k, ok := m.keys[keyID]
	if !ok || !k.IsActive {
		return res, nil
	}
	res.Key = clone(k)
	res.Count = m.countSince(keyID, windowStart)
	if res.Count >= k.RateLimit {
		return res, nil
	}
	rec.ID = int64(len(m.usage) + 1)
	rec.APIKeyID = keyID
	m.usage = append(m.usage, rec)
	used := rec.CreatedAt
	k.LastUsed = &used
	res.Key.LastUsed = &used
	res.Count++
	res.Admitted = true
	return res, nil
}

func (m *memStore) CountSince(_ context.Context, keyID int64, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countSince(keyID, since), nil
}

func (m *memStore) OldestSince(_ context.Context, keyID int64, since time.Time) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *time.Time
	for _, u := range m.usage {
		if u.APIKeyID == keyID && !u.CreatedAt.Before(since) {
			if oldest == nil || u.CreatedAt.Before(*oldest) {
				t := u.CreatedAt
				oldest = &t
			}
		}
	}
	return oldest, nil
}

func (m *memStore) ListByKey(_ context.Context, keyID int64, limit int) ([]*models.APIKeyUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.APIKeyUsage, 0)
	for i := len(m.usage) - 1; i >= 0 && len(out) < limit; i-- {
		if m.usage[i].APIKeyID == keyID {
			out = append(out, m.usage[i])
		}
	}
	return out, nil
}

func (m *memStore) ledgerLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.usage)
}

// prefixCipher "seals" by prefixing, enough to prove the stored value differs from the secret.
type prefixCipher struct{}

func (prefixCipher) Seal(s string) (string, error) { return "sealed:" + s, nil }

func (prefixCipher) Open(s string) (string, error) {
	if !strings.HasPrefix(s, "sealed:") {
		return "", errors.New("corrupt")
	}
	return strings.TrimPrefix(s, "sealed:"), nil
}

// fakeClock is a settable time source
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

// memUsers is an in-memory UserStore
type memUsers struct {
	mu     sync.Mutex
	users  map[int64]*models.User
	nextID int64
	err    error
}

func newMemUsers() *memUsers {
	return &memUsers{users: map[int64]*models.User{}}
}

func (m *memUsers) Create(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.nextID++
	u.ID = m.nextID
	c := *u
	m.users[u.ID] = &c
	return nil
}

func (m *memUsers) GetByID(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memUsers) Update(_ context.Context, u *models.User) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return false, nil
	}
	c := *u
	m.users[u.ID] = &c
	return true, nil
}

func (m *memUsers) UpdatePassword(_ context.Context, id int64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.PasswordHash = &hash
	}
	return nil
}
