package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/driftwoodlabs/roost/internal/agent"
	"github.com/driftwoodlabs/roost/internal/locker"
	"github.com/driftwoodlabs/roost/internal/store"
)

type fakeClient struct {
	mu       sync.Mutex
	inits    int
	closes   int
	initErr  error
	state    []byte
	onChange func([]byte)
}

func (c *fakeClient) Init(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inits++
	return c.initErr
}

func (c *fakeClient) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeClient) CredentialState(context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, nil
}

func (c *fakeClient) OnCredentialChange(fn func(state []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

func (c *fakeClient) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeClient) fireChange(state []byte) {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// fakeFactory records every client it builds.
type fakeFactory struct {
	mu      sync.Mutex
	built   []*fakeClient
	initErr error
	err     error
}

func (f *fakeFactory) factory(opts agent.Options) (agent.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeClient{state: opts.CredentialState, initErr: f.initErr}
	f.built = append(f.built, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func newTestPool(t *testing.T) (*Pool, *store.Memory, *fakeFactory) {
	t.Helper()
	st := store.NewMemory()
	f := &fakeFactory{}
	p := New(st, locker.New(), f.factory)
	return p, st, f
}

func seedAccount(t *testing.T, st store.Store, name string) *store.Account {
	t.Helper()
	a := &store.Account{Name: name}
	if err := st.CreateAccount(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestResolve(t *testing.T) {
	p, st, _ := newTestPool(t)
	ctx := context.Background()
	a := seedAccount(t, st, "poster-01")

	byID, err := p.Resolve(ctx, a.ID)
	if err != nil {
		t.Fatalf("Resolve(id) error = %v", err)
	}
	if byID.Name != "poster-01" {
		t.Errorf("Resolve(id).Name = %q", byID.Name)
	}

	byName, err := p.Resolve(ctx, "poster-01")
	if err != nil {
		t.Fatalf("Resolve(name) error = %v", err)
	}
	if byName.ID != a.ID {
		t.Errorf("Resolve(name).ID = %q, want %q", byName.ID, a.ID)
	}

	if _, err := p.Resolve(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Resolve(ghost) error = %v, want ErrNotFound", err)
	}
	if _, err := p.Resolve(ctx, ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Resolve(\"\") error = %v, want ErrNotFound", err)
	}
}

func TestClient_CachedIdentity(t *testing.T) {
	p, st, f := newTestPool(t)
	ctx := context.Background()
	a := seedAccount(t, st, "poster-01")

	c1, _, err := p.Client(ctx, a.ID)
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	c2, _, err := p.Client(ctx, "poster-01") // by name, same account
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}

	if c1 != c2 {
		t.Error("two Client() calls returned different instances")
	}
	if f.count() != 1 {
		t.Errorf("factory built %d clients, want 1", f.count())
	}
}

func TestClient_ConstructionFailure(t *testing.T) {
	p, st, f := newTestPool(t)
	f.err = fmt.Errorf("no browser available")
	a := seedAccount(t, st, "poster-01")

	_, _, err := p.Client(context.Background(), a.ID)
	if !errors.Is(err, ErrClientInit) {
		t.Fatalf("Client() error = %v, want ErrClientInit", err)
	}
	if p.CachedCount() != 0 {
		t.Error("failed construction left a cached client")
	}
}

func TestClient_InitFailureClosesClient(t *testing.T) {
	p, st, f := newTestPool(t)
	f.initErr = fmt.Errorf("browser crashed")
	a := seedAccount(t, st, "poster-01")

	_, _, err := p.Client(context.Background(), a.ID)
	if !errors.Is(err, ErrClientInit) {
		t.Fatalf("Client() error = %v, want ErrClientInit", err)
	}
	if f.built[0].closeCount() != 1 {
		t.Error("client not closed after Init failure")
	}
}

func TestClient_CredentialObserverPersists(t *testing.T) {
	p, st, f := newTestPool(t)
	ctx := context.Background()
	a := seedAccount(t, st, "poster-01")

	if _, _, err := p.Client(ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	f.built[0].fireChange([]byte(`{"cookies":[1]}`))

	got, err := st.AccountByID(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.CredentialState) != `{"cookies":[1]}` {
		t.Errorf("CredentialState = %q, want persisted observer state", got.CredentialState)
	}
}

func TestUpdateConfig_ProxyChangeEvicts(t *testing.T) {
	p, st, f := newTestPool(t)
	ctx := context.Background()
	a := seedAccount(t, st, "poster-01")

	c1, _, err := p.Client(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}

	proxy := "socks5://10.0.0.1:1080"
	if err := p.UpdateConfig(ctx, a.ID, store.AccountUpdate{Proxy: &proxy}); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}
	if f.built[0].closeCount() != 1 {
		t.Error("old client not closed on proxy change")
	}

	c2, acct, err := p.Client(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c1 == c2 {
		t.Error("Client() after proxy change returned the evicted instance")
	}
	if acct.Proxy != proxy {
		t.Errorf("rebuilt account proxy = %q, want %q", acct.Proxy, proxy)
	}
}

func TestUpdateConfig_NoProxyChangeKeepsClient(t *testing.T) {
	p, st, _ := newTestPool(t)
	ctx := context.Background()
	a := seedAccount(t, st, "poster-01")

	c1, _, err := p.Client(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}

	name := "poster-renamed"
	if err := p.UpdateConfig(ctx, a.ID, store.AccountUpdate{Name: &name}); err != nil {
		t.Fatal(err)
	}

	c2, _, err := p.Client(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Error("rename evicted the cached client")
	}
}

func TestRemove(t *testing.T) {
	p, st, f := newTestPool(t)
	ctx := context.Background()
	a := seedAccount(t, st, "poster-01")

	if _, _, err := p.Client(ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	if err := p.Remove(ctx, a.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if n := f.built[0].closeCount(); n != 1 {
		t.Errorf("cached client closed %d times, want exactly 1", n)
	}

	if _, _, err := p.Client(ctx, a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Client() after Remove error = %v, want ErrNotFound", err)
	}
}

func TestAddOrRelogin(t *testing.T) {
	p, st, f := newTestPool(t)
	ctx := context.Background()

	acct, created, err := p.AddOrRelogin(ctx, "fresh", "http://proxy:1")
	if err != nil {
		t.Fatalf("AddOrRelogin() error = %v", err)
	}
	if !created {
		t.Error("created = false for new name")
	}
	if acct.Proxy != "http://proxy:1" {
		t.Errorf("Proxy = %q", acct.Proxy)
	}

	// Existing name: cached client evicted, proxy updated, not created.
	if _, _, err := p.Client(ctx, acct.ID); err != nil {
		t.Fatal(err)
	}
	again, created, err := p.AddOrRelogin(ctx, "fresh", "http://proxy:2")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("created = true for existing name")
	}
	if again.ID != acct.ID {
		t.Error("relogin changed the account ID")
	}
	if f.built[0].closeCount() != 1 {
		t.Error("relogin did not evict the cached client")
	}

	got, _ := st.AccountByID(ctx, acct.ID)
	if got.Proxy != "http://proxy:2" {
		t.Errorf("proxy after relogin = %q", got.Proxy)
	}
}

func TestCompleteLogin(t *testing.T) {
	p, st, _ := newTestPool(t)
	ctx := context.Background()

	acct, created, err := p.CompleteLogin(ctx, "scanner", "", []byte(`{"cookies":[]}`))
	if err != nil {
		t.Fatalf("CompleteLogin() error = %v", err)
	}
	if !created {
		t.Error("created = false")
	}

	got, err := st.AccountByID(ctx, acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.CredentialState) != `{"cookies":[]}` {
		t.Errorf("CredentialState = %q", got.CredentialState)
	}
	if got.LastLoginAt == nil {
		t.Error("LastLoginAt not stamped by CompleteLogin")
	}
}

func TestLockDelegation_NameAndIDShareKey(t *testing.T) {
	p, st, _ := newTestPool(t)
	ctx := context.Background()
	a := seedAccount(t, st, "poster-01")

	h, err := p.AcquireLock(ctx, "poster-01", "publish", time.Second)
	if err != nil {
		t.Fatalf("AcquireLock(name) error = %v", err)
	}
	defer h.Release()

	if !p.IsLocked(ctx, a.ID) {
		t.Error("IsLocked(id) = false while locked via name")
	}
	if _, ok, err := p.TryAcquireLock(ctx, a.ID, "like"); err != nil || ok {
		t.Errorf("TryAcquireLock(id) = %v, %v; want blocked", ok, err)
	}
}

func TestTouch_BestEffort(t *testing.T) {
	p, st, _ := newTestPool(t)
	ctx := context.Background()
	a := seedAccount(t, st, "poster-01")

	p.Touch(ctx, "no-such-ref") // must not panic or fail

	p.Touch(ctx, a.ID)
	got, _ := st.AccountByID(ctx, a.ID)
	if got.LastActiveAt == nil {
		t.Error("Touch did not stamp LastActiveAt")
	}
}

func TestCloseAll(t *testing.T) {
	p, st, f := newTestPool(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		acct := seedAccount(t, st, name)
		if _, _, err := p.Client(ctx, acct.ID); err != nil {
			t.Fatal(err)
		}
	}

	p.CloseAll()
	if p.CachedCount() != 0 {
		t.Errorf("CachedCount() = %d after CloseAll", p.CachedCount())
	}
	for i, c := range f.built {
		if c.closeCount() != 1 {
			t.Errorf("client %d closed %d times, want 1", i, c.closeCount())
		}
	}
}
