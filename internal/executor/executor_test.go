package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/driftwoodlabs/roost/internal/agent"
	"github.com/driftwoodlabs/roost/internal/locker"
	"github.com/driftwoodlabs/roost/internal/pool"
	"github.com/driftwoodlabs/roost/internal/store"
)

type fakeClient struct{}

func (fakeClient) Init(context.Context) error                      { return nil }
func (fakeClient) Close(context.Context) error                     { return nil }
func (fakeClient) CredentialState(context.Context) ([]byte, error) { return nil, nil }
func (fakeClient) OnCredentialChange(func(state []byte))           {}

type fixture struct {
	exec  *Executor
	pool  *pool.Pool
	store *store.Memory
}

func newFixture(t *testing.T, factoryErr error) *fixture {
	t.Helper()
	st := store.NewMemory()
	factory := func(agent.Options) (agent.Client, error) {
		if factoryErr != nil {
			return nil, factoryErr
		}
		return fakeClient{}, nil
	}
	p := pool.New(st, locker.New(), factory)
	return &fixture{
		exec:  New(p, st),
		pool:  p,
		store: st,
	}
}

func (f *fixture) seed(t *testing.T, name string) *store.Account {
	t.Helper()
	a := &store.Account{Name: name}
	if err := f.store.CreateAccount(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestRunOne_Success(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.seed(t, "poster-01")

	res := f.exec.RunOne(ctx, "poster-01", "publish", func(ctx context.Context, c agent.Client) (any, error) {
		return "post-123", nil
	}, WithParams(map[string]any{"text": "hello"}))

	if !res.OK() {
		t.Fatalf("RunOne() error = %v", res.Err)
	}
	if res.Value != "post-123" {
		t.Errorf("Value = %v, want post-123", res.Value)
	}
	if res.AccountID != a.ID || res.AccountName != "poster-01" {
		t.Errorf("result identity = %q/%q", res.AccountID, res.AccountName)
	}

	ops, err := f.store.RecentOperations(ctx, a.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 {
		t.Fatalf("logged %d operations, want 1", len(ops))
	}
	if !ops[0].Success || ops[0].Action != "publish" {
		t.Errorf("logged op = %+v", ops[0])
	}
	if ops[0].Params == "" {
		t.Error("params not recorded in operation log")
	}

	got, _ := f.store.AccountByID(ctx, a.ID)
	if got.LastActiveAt == nil {
		t.Error("successful operation did not touch LastActiveAt")
	}
	if f.pool.IsLocked(ctx, a.ID) {
		t.Error("lock still held after RunOne returned")
	}
}

func TestRunOne_UnknownAccount(t *testing.T) {
	f := newFixture(t, nil)

	res := f.exec.RunOne(context.Background(), "ghost", "publish", func(context.Context, agent.Client) (any, error) {
		t.Fatal("fn must not run for an unknown account")
		return nil, nil
	})

	if !errors.Is(res.Err, store.ErrNotFound) {
		t.Fatalf("Err = %v, want ErrNotFound", res.Err)
	}
	if res.AccountID != "" {
		t.Errorf("AccountID = %q for unresolved ref", res.AccountID)
	}
}

func TestRunOne_LockTimeout(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.seed(t, "poster-01")

	h, err := f.pool.AcquireLock(ctx, a.ID, "long-task", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	res := f.exec.RunOne(ctx, a.ID, "publish", func(context.Context, agent.Client) (any, error) {
		t.Fatal("fn must not run without the lock")
		return nil, nil
	}, WithLockTimeout(30*time.Millisecond))

	if !errors.Is(res.Err, locker.ErrTimeout) {
		t.Fatalf("Err = %v, want locker.ErrTimeout", res.Err)
	}

	ops, _ := f.store.RecentOperations(ctx, a.ID, 10)
	if len(ops) != 1 || ops[0].Success {
		t.Errorf("lock timeout not logged as a failed operation: %+v", ops)
	}
	got, _ := f.store.AccountByID(ctx, a.ID)
	if got.LastActiveAt != nil {
		t.Error("failed operation touched LastActiveAt")
	}
}

func TestRunOne_ClientInitFailure(t *testing.T) {
	f := newFixture(t, fmt.Errorf("no browser available"))
	ctx := context.Background()
	a := f.seed(t, "poster-01")

	res := f.exec.RunOne(ctx, a.ID, "publish", func(context.Context, agent.Client) (any, error) {
		t.Fatal("fn must not run without a client")
		return nil, nil
	})

	if !errors.Is(res.Err, pool.ErrClientInit) {
		t.Fatalf("Err = %v, want pool.ErrClientInit", res.Err)
	}
	if f.pool.IsLocked(ctx, a.ID) {
		t.Error("lock leaked after client init failure")
	}
}

func TestRunOne_OperationError(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.seed(t, "poster-01")

	opErr := fmt.Errorf("post rejected: rate limited")
	res := f.exec.RunOne(ctx, a.ID, "publish", func(context.Context, agent.Client) (any, error) {
		return nil, opErr
	})

	if !errors.Is(res.Err, opErr) {
		t.Fatalf("Err = %v, want the operation error", res.Err)
	}

	ops, _ := f.store.RecentOperations(ctx, a.ID, 10)
	if len(ops) != 1 || ops[0].Success || ops[0].Error == "" {
		t.Errorf("operation error not logged: %+v", ops)
	}
	if f.pool.IsLocked(ctx, a.ID) {
		t.Error("lock leaked after operation error")
	}
}

func TestRunOne_PanicRecovered(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.seed(t, "poster-01")

	res := f.exec.RunOne(ctx, a.ID, "publish", func(context.Context, agent.Client) (any, error) {
		panic("selector vanished")
	})

	if res.OK() {
		t.Fatal("panicking fn reported success")
	}
	if res.Error == "" {
		t.Error("panic not surfaced in result error")
	}
	if f.pool.IsLocked(ctx, a.ID) {
		t.Error("lock leaked after fn panic")
	}
}

func TestRunMany_ExplicitRefsPartialFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "alpha")
	f.seed(t, "beta")

	results := f.exec.RunMany(ctx, Selector{Refs: []string{"alpha", "ghost", "beta"}}, "like",
		func(context.Context, agent.Client) (any, error) { return "ok", nil })

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if !results[0].OK() || !results[2].OK() {
		t.Errorf("healthy accounts failed: %v, %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, store.ErrNotFound) {
		t.Errorf("results[1].Err = %v, want ErrNotFound", results[1].Err)
	}
}

func TestRunMany_ExplicitRefIgnoresStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.seed(t, "benched")
	suspended := store.StatusSuspended
	if err := f.store.UpdateAccountConfig(ctx, a.ID, store.AccountUpdate{Status: &suspended}); err != nil {
		t.Fatal(err)
	}

	results := f.exec.RunMany(ctx, Selector{Refs: []string{"benched"}}, "like",
		func(context.Context, agent.Client) (any, error) { return "ok", nil })

	if len(results) != 1 || !results[0].OK() {
		t.Fatalf("explicit ref to suspended account skipped: %+v", results)
	}
}

func TestRunMany_AllSelectsActiveOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "alpha")
	f.seed(t, "beta")
	benched := f.seed(t, "benched")
	suspended := store.StatusSuspended
	if err := f.store.UpdateAccountConfig(ctx, benched.ID, store.AccountUpdate{Status: &suspended}); err != nil {
		t.Fatal(err)
	}

	results := f.exec.RunMany(ctx, Selector{All: true}, "like",
		func(context.Context, agent.Client) (any, error) { return "ok", nil })

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (active accounts only)", len(results))
	}
	for _, r := range results {
		if r.AccountName == "benched" {
			t.Error("suspended account included in all-selector fan-out")
		}
		if !r.OK() {
			t.Errorf("account %s failed: %v", r.AccountName, r.Err)
		}
	}
}

func TestRunMany_EmptySelector(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	run := func() []Result {
		return f.exec.RunMany(ctx, Selector{}, "like",
			func(context.Context, agent.Client) (any, error) { return "ok", nil })
	}

	// No accounts: a single error result.
	results := run()
	if len(results) != 1 || results[0].OK() {
		t.Fatalf("empty fleet results = %+v, want one error", results)
	}

	// Exactly one active account: unambiguous.
	f.seed(t, "solo")
	results = run()
	if len(results) != 1 || !results[0].OK() || results[0].AccountName != "solo" {
		t.Fatalf("single-account results = %+v", results)
	}

	// Two active accounts: ambiguous again.
	f.seed(t, "duo")
	results = run()
	if len(results) != 1 || results[0].OK() {
		t.Fatalf("ambiguous fleet results = %+v, want one error", results)
	}
}

func TestRunMany_SequentialOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "alpha")
	f.seed(t, "beta")
	f.seed(t, "gamma")

	var mu sync.Mutex
	var executed []string
	res := f.exec.RunMany(ctx, Selector{Refs: []string{"gamma", "alpha", "beta"}}, "like",
		func(ctx context.Context, c agent.Client) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			executed = append(executed, "x")
			return len(executed), nil
		}, WithSequential())

	want := []string{"gamma", "alpha", "beta"}
	for i, r := range res {
		if r.AccountName != want[i] {
			t.Fatalf("result order = %v at %d, want %v", r.AccountName, i, want)
		}
		if r.Value != i+1 {
			t.Errorf("execution order: account %s ran as %v, want %d", r.AccountName, r.Value, i+1)
		}
	}
}

func TestRunMany_ParallelHoldsPerAccountLocks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "alpha")
	f.seed(t, "beta")

	results := f.exec.RunMany(ctx, Selector{All: true}, "like",
		func(ctx context.Context, c agent.Client) (any, error) {
			return nil, nil
		})

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if !r.OK() {
			t.Errorf("%s: %v", r.AccountName, r.Err)
		}
		if f.pool.IsLocked(ctx, r.AccountID) {
			t.Errorf("%s lock still held after fan-out", r.AccountName)
		}
	}
}
