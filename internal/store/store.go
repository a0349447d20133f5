// Package store persists the account directory and the operation log.
//
// The rest of the system treats Store as a narrow record interface; the
// sqlite implementation in this package is the only one shipped, but tests
// substitute in-memory fakes freely.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates an account reference that does not resolve.
var ErrNotFound = errors.New("account not found")

// Account status values.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusBanned    = "banned"
)

// Account is one registered identity in the fleet.
type Account struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Proxy  string `json:"proxy,omitempty"`

	// CredentialState is an opaque serialized blob owned by the automation
	// layer (cookie jars, tokens). The store never inspects its contents.
	CredentialState []byte `json:"-"`

	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := *a
	if a.CredentialState != nil {
		out.CredentialState = append([]byte(nil), a.CredentialState...)
	}
	if a.LastLoginAt != nil {
		t := *a.LastLoginAt
		out.LastLoginAt = &t
	}
	if a.LastActiveAt != nil {
		t := *a.LastActiveAt
		out.LastActiveAt = &t
	}
	return &out
}

// AccountUpdate carries partial config changes; nil fields are untouched.
type AccountUpdate struct {
	Name   *string
	Proxy  *string
	Status *string
}

// Operation is one logged unit of work against an account.
type Operation struct {
	AccountID string        `json:"account_id"`
	Action    string        `json:"action"`
	Params    string        `json:"params,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Store is the persistence boundary for accounts and the operation log.
type Store interface {
	AccountByID(ctx context.Context, id string) (*Account, error)
	AccountByName(ctx context.Context, name string) (*Account, error)
	CreateAccount(ctx context.Context, a *Account) error

	// UpdateAccountState replaces the credential blob and, when loggedIn,
	// stamps last_login_at.
	UpdateAccountState(ctx context.Context, id string, credentialState []byte, loggedIn bool) error
	UpdateAccountConfig(ctx context.Context, id string, update AccountUpdate) error
	DeleteAccount(ctx context.Context, id string) (bool, error)

	AllAccounts(ctx context.Context) ([]*Account, error)
	ActiveAccounts(ctx context.Context) ([]*Account, error)

	// TouchAccount stamps last_active_at. Best-effort at call sites.
	TouchAccount(ctx context.Context, id string) error

	LogOperation(ctx context.Context, op Operation) error
	RecentOperations(ctx context.Context, accountID string, limit int) ([]Operation, error)

	Close() error
}
