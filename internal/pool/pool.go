// Package pool is the account directory plus a lazily-populated cache of
// one live automation client per account.
//
// The pool does not serialize use of a client; the per-account lock does.
// Callers that need exclusivity acquire the lock first (the executor does
// this for every operation).
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftwoodlabs/roost/internal/agent"
	"github.com/driftwoodlabs/roost/internal/locker"
	"github.com/driftwoodlabs/roost/internal/store"
)

// ErrClientInit indicates the automation layer failed to construct or
// initialize a client. The underlying cause is wrapped.
var ErrClientInit = errors.New("client construction failed")

// Pool resolves account references and hands out cached clients.
type Pool struct {
	store   store.Store
	locks   *locker.Locker
	factory agent.Factory
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]agent.Client // account ID -> live client
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Pool over the given store, lock table and client factory.
func New(st store.Store, locks *locker.Locker, factory agent.Factory, opts ...Option) *Pool {
	p := &Pool{
		store:   st,
		locks:   locks,
		factory: factory,
		logger:  slog.Default(),
		clients: make(map[string]agent.Client),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resolve looks an account up by ID first, then by unique name.
func (p *Pool) Resolve(ctx context.Context, ref string) (*store.Account, error) {
	if ref == "" {
		return nil, fmt.Errorf("account reference is empty: %w", store.ErrNotFound)
	}

	acct, err := p.store.AccountByID(ctx, ref)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return p.store.AccountByName(ctx, ref)
}

// Client resolves ref and returns its live client, constructing one on
// first use. Construction registers a credential observer that persists
// state changes back through the store. The per-account lock is NOT taken
// here; exclusivity is the caller's concern.
func (p *Pool) Client(ctx context.Context, ref string) (agent.Client, *store.Account, error) {
	acct, err := p.Resolve(ctx, ref)
	if err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	if c, ok := p.clients[acct.ID]; ok {
		p.mu.Unlock()
		return c, acct, nil
	}
	p.mu.Unlock()

	c, err := p.buildClient(ctx, acct)
	if err != nil {
		return nil, nil, err
	}

	// Another caller may have built one while we were; keep the cached
	// instance so exactly one client exists per account.
	p.mu.Lock()
	if existing, ok := p.clients[acct.ID]; ok {
		p.mu.Unlock()
		p.closeClient(acct.ID, c)
		return existing, acct, nil
	}
	p.clients[acct.ID] = c
	p.mu.Unlock()

	return c, acct, nil
}

func (p *Pool) buildClient(ctx context.Context, acct *store.Account) (agent.Client, error) {
	c, err := p.factory(agent.Options{
		AccountID:       acct.ID,
		AccountName:     acct.Name,
		Proxy:           acct.Proxy,
		CredentialState: acct.CredentialState,
	})
	if err != nil {
		return nil, fmt.Errorf("%w for %q: %v", ErrClientInit, acct.Name, err)
	}

	accountID := acct.ID
	c.OnCredentialChange(func(state []byte) {
		// Persistence is decoupled from the triggering operation.
		persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.store.UpdateAccountState(persistCtx, accountID, state, false); err != nil {
			p.logger.Warn("persist credential state failed",
				"account_id", accountID, "error", err)
		}
	})

	if err := c.Init(ctx); err != nil {
		_ = c.Close(ctx)
		return nil, fmt.Errorf("%w for %q: %v", ErrClientInit, acct.Name, err)
	}
	return c, nil
}

// AddOrRelogin is the registration point the session manager calls after a
// login succeeds. An existing account of the same name has its cached
// client evicted so the next use picks up fresh credentials; a new name
// creates the account record. Returns the account and whether it was
// created.
func (p *Pool) AddOrRelogin(ctx context.Context, name, proxy string) (*store.Account, bool, error) {
	acct, err := p.store.AccountByName(ctx, name)
	if err == nil {
		p.evict(acct.ID)
		if proxy != "" && proxy != acct.Proxy {
			if err := p.store.UpdateAccountConfig(ctx, acct.ID, store.AccountUpdate{Proxy: &proxy}); err != nil {
				return nil, false, err
			}
			acct.Proxy = proxy
		}
		return acct, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	acct = &store.Account{Name: name, Proxy: proxy}
	if err := p.store.CreateAccount(ctx, acct); err != nil {
		return nil, false, err
	}
	return acct, true, nil
}

// CompleteLogin registers a finished login session's result: the account is
// created or re-keyed and the credential snapshot persisted with a login
// stamp.
func (p *Pool) CompleteLogin(ctx context.Context, name, proxy string, credentialState []byte) (*store.Account, bool, error) {
	acct, created, err := p.AddOrRelogin(ctx, name, proxy)
	if err != nil {
		return nil, false, err
	}
	if err := p.store.UpdateAccountState(ctx, acct.ID, credentialState, true); err != nil {
		return nil, false, err
	}
	acct.CredentialState = credentialState
	return acct, created, nil
}

// Remove closes any cached client and deletes the account record.
func (p *Pool) Remove(ctx context.Context, ref string) error {
	acct, err := p.Resolve(ctx, ref)
	if err != nil {
		return err
	}

	p.evict(acct.ID)

	ok, err := p.store.DeleteAccount(ctx, acct.ID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}

// UpdateConfig mutates the account record. A proxy change evicts the cached
// client so the next use rebuilds it with the new proxy.
func (p *Pool) UpdateConfig(ctx context.Context, ref string, update store.AccountUpdate) error {
	acct, err := p.Resolve(ctx, ref)
	if err != nil {
		return err
	}

	if update.Proxy != nil && *update.Proxy != acct.Proxy {
		p.evict(acct.ID)
	}
	return p.store.UpdateAccountConfig(ctx, acct.ID, update)
}

// AcquireLock resolves ref and takes its account lock, so callers may pass
// a name or an ID interchangeably.
func (p *Pool) AcquireLock(ctx context.Context, ref, operation string, timeout time.Duration) (*locker.Handle, error) {
	acct, err := p.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return p.locks.Acquire(ctx, acct.ID, operation, timeout)
}

// TryAcquireLock is the non-blocking variant of AcquireLock.
func (p *Pool) TryAcquireLock(ctx context.Context, ref, operation string) (*locker.Handle, bool, error) {
	acct, err := p.Resolve(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	h, ok := p.locks.TryAcquire(acct.ID, operation)
	return h, ok, nil
}

// IsLocked reports whether ref's account lock is held. An unresolvable ref
// reports false.
func (p *Pool) IsLocked(ctx context.Context, ref string) bool {
	acct, err := p.Resolve(ctx, ref)
	if err != nil {
		return false
	}
	return p.locks.IsLocked(acct.ID)
}

// Locks exposes the underlying lock table for diagnostics.
func (p *Pool) Locks() *locker.Locker { return p.locks }

// Touch stamps the account's activity time. Best-effort: failures are
// logged, never returned.
func (p *Pool) Touch(ctx context.Context, ref string) {
	acct, err := p.Resolve(ctx, ref)
	if err != nil {
		p.logger.Debug("touch skipped", "ref", ref, "error", err)
		return
	}
	if err := p.store.TouchAccount(ctx, acct.ID); err != nil {
		p.logger.Debug("touch failed", "account_id", acct.ID, "error", err)
	}
}

// List returns every account.
func (p *Pool) List(ctx context.Context) ([]*store.Account, error) {
	return p.store.AllAccounts(ctx)
}

// Active returns accounts with active status.
func (p *Pool) Active(ctx context.Context) ([]*store.Account, error) {
	return p.store.ActiveAccounts(ctx)
}

// CachedCount returns the number of live clients, for diagnostics.
func (p *Pool) CachedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// CloseAll closes every cached client and clears the cache. Used at
// process shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]agent.Client)
	p.mu.Unlock()

	for id, c := range clients {
		p.closeClient(id, c)
	}
}

// evict removes and closes the cached client for an account ID, if any.
func (p *Pool) evict(accountID string) {
	p.mu.Lock()
	c, ok := p.clients[accountID]
	if ok {
		delete(p.clients, accountID)
	}
	p.mu.Unlock()

	if ok {
		p.closeClient(accountID, c)
	}
}

func (p *Pool) closeClient(accountID string, c agent.Client) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.Close(closeCtx); err != nil {
		p.logger.Warn("close client failed", "account_id", accountID, "error", err)
	}
}
