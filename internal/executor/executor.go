// Package executor is the single choke point every feature goes through to
// touch an account: it couples the per-account lock, the client cache, the
// operation log and error isolation around one unit of business work.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftwoodlabs/roost/internal/agent"
	"github.com/driftwoodlabs/roost/internal/pool"
	"github.com/driftwoodlabs/roost/internal/store"
)

// Fn is one unit of business work run against an account's live client.
// The executor holds the account's lock for the full duration of the call.
type Fn func(ctx context.Context, client agent.Client) (any, error)

// Result is the outcome of one account's operation. Failures are carried
// here, never thrown past the executor boundary.
type Result struct {
	AccountID   string        `json:"account_id,omitempty"`
	AccountName string        `json:"account_name,omitempty"`
	Action      string        `json:"action"`
	Value       any           `json:"value,omitempty"`
	Err         error         `json:"-"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Selector names the account set RunMany targets. Exactly one field should
// be set; an empty selector falls back to "the one active account" when
// exactly one exists.
type Selector struct {
	// Ref targets a single account by ID or name.
	Ref string
	// Refs targets an explicit list. Entries are honored regardless of
	// account status; an entry naming a suspended account gets that
	// account's error rather than silence.
	Refs []string
	// All targets every active account. Non-active accounts are excluded
	// silently.
	All bool
}

type runOptions struct {
	lockTimeout time.Duration
	sequential  bool
	params      map[string]any
}

// RunOption adjusts a single Run call.
type RunOption func(*runOptions)

// WithLockTimeout bounds the wait for the account lock on this call.
func WithLockTimeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.lockTimeout = d }
}

// WithSequential forces RunMany to execute accounts strictly in order.
// Required when operations share a physical resource, e.g. a visible
// browser window that cannot run two instances safely.
func WithSequential() RunOption {
	return func(o *runOptions) { o.sequential = true }
}

// WithParams attaches caller parameters to the operation log entry.
func WithParams(params map[string]any) RunOption {
	return func(o *runOptions) { o.params = params }
}

// Executor runs account operations with locking, pooling and logging.
type Executor struct {
	pool        *pool.Pool
	store       store.Store
	logger      *slog.Logger
	lockTimeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithDefaultLockTimeout sets the lock wait bound used when a call passes
// none.
func WithDefaultLockTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.lockTimeout = d
		}
	}
}

// New creates an Executor over the given pool and store.
func New(p *pool.Pool, st store.Store, opts ...Option) *Executor {
	e := &Executor{
		pool:        p,
		store:       st,
		logger:      slog.Default(),
		lockTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunOne executes fn against one account: resolve, lock, fetch client, run,
// log, touch, release. The lock is released on every path out, including a
// panicking fn.
func (e *Executor) RunOne(ctx context.Context, ref, action string, fn Fn, opts ...RunOption) Result {
	o := e.options(opts)
	start := time.Now()

	acct, err := e.pool.Resolve(ctx, ref)
	if err != nil {
		// No account, no lock, no log entry to attribute.
		return Result{
			Action:   action,
			Err:      err,
			Error:    err.Error(),
			Duration: time.Since(start),
		}
	}

	res := Result{AccountID: acct.ID, AccountName: acct.Name, Action: action}

	handle, err := e.pool.Locks().Acquire(ctx, acct.ID, action, o.lockTimeout)
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		res.Duration = time.Since(start)
		e.logOperation(ctx, res, o)
		return res
	}
	defer handle.Release()

	client, _, err := e.pool.Client(ctx, acct.ID)
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		res.Duration = time.Since(start)
		e.logOperation(ctx, res, o)
		return res
	}

	value, err := runGuarded(ctx, client, fn)
	res.Value = value
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
		res.Error = err.Error()
	} else {
		e.pool.Touch(ctx, acct.ID)
	}

	e.logOperation(ctx, res, o)
	e.logger.Info("operation finished",
		"account", acct.Name, "action", action,
		"success", res.OK(), "duration", res.Duration)
	return res
}

// RunMany fans fn out across the accounts sel resolves to, in parallel by
// default or strictly in order with WithSequential. Every resolved account
// yields exactly one Result; one account's failure never aborts or masks
// another's.
func (e *Executor) RunMany(ctx context.Context, sel Selector, action string, fn Fn, opts ...RunOption) []Result {
	refs, err := e.resolveSelector(ctx, sel)
	if err != nil {
		return []Result{{Action: action, Err: err, Error: err.Error()}}
	}

	o := e.options(opts)
	results := make([]Result, len(refs))

	if o.sequential {
		for i, ref := range refs {
			results[i] = e.RunOne(ctx, ref, action, fn, opts...)
		}
		return results
	}

	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func(i int, ref string) {
			defer wg.Done()
			results[i] = e.RunOne(ctx, ref, action, fn, opts...)
		}(i, ref)
	}
	wg.Wait()
	return results
}

// resolveSelector turns sel into concrete account refs. The all-accounts
// selector resolves active accounts only; explicit refs pass through
// untouched so each gets an attributable per-item result.
func (e *Executor) resolveSelector(ctx context.Context, sel Selector) ([]string, error) {
	switch {
	case sel.Ref != "":
		return []string{sel.Ref}, nil
	case len(sel.Refs) > 0:
		return sel.Refs, nil
	case sel.All:
		active, err := e.pool.Active(ctx)
		if err != nil {
			return nil, fmt.Errorf("list active accounts: %w", err)
		}
		refs := make([]string, len(active))
		for i, a := range active {
			refs[i] = a.ID
		}
		return refs, nil
	}

	// Unspecified: only unambiguous when exactly one account is active.
	active, err := e.pool.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	switch len(active) {
	case 1:
		return []string{active[0].ID}, nil
	case 0:
		return nil, fmt.Errorf("no active accounts; log one in first")
	default:
		return nil, fmt.Errorf("%d active accounts; name one or select all explicitly", len(active))
	}
}

func (e *Executor) options(opts []RunOption) runOptions {
	o := runOptions{lockTimeout: e.lockTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (e *Executor) logOperation(ctx context.Context, res Result, o runOptions) {
	var params string
	if len(o.params) > 0 {
		if data, err := json.Marshal(o.params); err == nil {
			params = string(data)
		}
	}

	err := e.store.LogOperation(ctx, store.Operation{
		AccountID: res.AccountID,
		Action:    res.Action,
		Params:    params,
		Success:   res.OK(),
		Error:     res.Error,
		Duration:  res.Duration,
	})
	if err != nil {
		e.logger.Warn("operation log write failed",
			"account_id", res.AccountID, "action", res.Action, "error", err)
	}
}

// runGuarded invokes fn, converting a panic into an error so a misbehaving
// operation cannot take the process down or skip lock release bookkeeping.
func runGuarded(ctx context.Context, client agent.Client, fn Fn) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return fn(ctx, client)
}
