package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Store. It backs tests and ephemeral runs where no
// database file is wanted; semantics match the sqlite implementation.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*Account // by ID
	ops      []Operation
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{accounts: make(map[string]*Account)}
}

// AccountByID implements Store.
func (m *Memory) AccountByID(_ context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.accounts[id]; ok {
		return a.Clone(), nil
	}
	return nil, ErrNotFound
}

// AccountByName implements Store.
func (m *Memory) AccountByName(_ context.Context, name string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.accounts {
		if a.Name == name {
			return a.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// CreateAccount implements Store.
func (m *Memory) CreateAccount(_ context.Context, a *Account) error {
	if a == nil {
		return fmt.Errorf("account is nil")
	}
	if a.Name == "" {
		return fmt.Errorf("account name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.accounts {
		if existing.Name == a.Name {
			return fmt.Errorf("account name %q already exists", a.Name)
		}
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	m.accounts[a.ID] = a.Clone()
	return nil
}

// UpdateAccountState implements Store.
func (m *Memory) UpdateAccountState(_ context.Context, id string, credentialState []byte, loggedIn bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.CredentialState = append([]byte(nil), credentialState...)
	a.UpdatedAt = time.Now().UTC()
	if loggedIn {
		t := a.UpdatedAt
		a.LastLoginAt = &t
	}
	return nil
}

// UpdateAccountConfig implements Store.
func (m *Memory) UpdateAccountConfig(_ context.Context, id string, update AccountUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}

	if update.Name != nil {
		for otherID, other := range m.accounts {
			if otherID != id && other.Name == *update.Name {
				return fmt.Errorf("account name %q already exists", *update.Name)
			}
		}
		a.Name = *update.Name
	}
	if update.Proxy != nil {
		a.Proxy = *update.Proxy
	}
	if update.Status != nil {
		switch *update.Status {
		case StatusActive, StatusSuspended, StatusBanned:
			a.Status = *update.Status
		default:
			return fmt.Errorf("invalid status %q", *update.Status)
		}
	}
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteAccount implements Store.
func (m *Memory) DeleteAccount(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[id]; !ok {
		return false, nil
	}
	delete(m.accounts, id)
	return true, nil
}

// AllAccounts implements Store.
func (m *Memory) AllAccounts(_ context.Context) ([]*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked(func(*Account) bool { return true }), nil
}

// ActiveAccounts implements Store.
func (m *Memory) ActiveAccounts(_ context.Context) ([]*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked(func(a *Account) bool { return a.Status == StatusActive }), nil
}

func (m *Memory) sortedLocked(keep func(*Account) bool) []*Account {
	var out []*Account
	for _, a := range m.accounts {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TouchAccount implements Store.
func (m *Memory) TouchAccount(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	a.LastActiveAt = &now
	return nil
}

// LogOperation implements Store.
func (m *Memory) LogOperation(_ context.Context, op Operation) error {
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
	return nil
}

// RecentOperations implements Store.
func (m *Memory) RecentOperations(_ context.Context, accountID string, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 50
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Operation
	for i := len(m.ops) - 1; i >= 0 && len(out) < limit; i-- {
		if accountID != "" && m.ops[i].AccountID != accountID {
			continue
		}
		out = append(out, m.ops[i])
	}
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
