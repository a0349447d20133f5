// Package agent defines the boundary to the browser automation layer and
// ships the chromedp-backed implementation of it.
//
// The orchestration core (pool, session, executor) only ever sees the
// interfaces in this file; everything page-specific lives behind them.
package agent

import "context"

// Identity is the small fixed identity snapshot captured when a login
// completes.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Client is a long-lived automation handle for one account. At most one
// Client exists per account inside the pool; the pool closes and rebuilds
// it when the account's proxy changes or the account is re-authenticated.
type Client interface {
	// Init brings the underlying session up, seeded with the credential
	// state the client was constructed with.
	Init(ctx context.Context) error

	// Close tears the session down. Safe to call more than once.
	Close(ctx context.Context) error

	// CredentialState returns the current opaque credential snapshot.
	CredentialState(ctx context.Context) ([]byte, error)

	// OnCredentialChange registers an observer invoked whenever the
	// credential state changes. At most one observer is supported; the
	// pool registers itself at construction time.
	OnCredentialChange(fn func(state []byte))
}

// Options seeds a new Client.
type Options struct {
	AccountID       string
	AccountName     string
	Proxy           string
	CredentialState []byte
}

// Factory constructs Clients. The pool owns exactly one Factory.
type Factory func(opts Options) (Client, error)

// LoginState is a point-in-time probe of an in-progress login surface.
type LoginState struct {
	Authenticated        bool
	Scanned              bool
	VerificationRequired bool
}

// BeginResult is the outcome of opening the login surface.
type BeginResult struct {
	// Authenticated is true when the surface was already logged in and no
	// challenge is needed.
	Authenticated bool

	// Challenge is the scannable payload (typically a QR image data URL)
	// presented to the human. Empty when Authenticated.
	Challenge string
}

// LoginSurface is the per-session browser resource driven by the session
// manager. It is single-use: once the session reaches a terminal state the
// surface is closed and never reused.
type LoginSurface interface {
	// Begin opens the login page and either detects an existing
	// authenticated session or extracts the scannable challenge.
	Begin(ctx context.Context) (BeginResult, error)

	// State probes the live page for scan/verification/auth progress.
	State(ctx context.Context) (LoginState, error)

	// SubmitVerification enters a one-time verification code.
	SubmitVerification(ctx context.Context, code string) error

	// Result captures the final credential snapshot and identity. Only
	// meaningful once State reports Authenticated.
	Result(ctx context.Context) ([]byte, Identity, error)

	// Close releases the underlying browser resource. Safe to call more
	// than once.
	Close(ctx context.Context) error
}

// LoginOptions seeds a new LoginSurface.
type LoginOptions struct {
	// NameHint is the account name the caller expects to log in; purely
	// informational.
	NameHint string
	Proxy    string
}

// LoginFactory constructs LoginSurfaces. The session manager owns one.
type LoginFactory func(opts LoginOptions) (LoginSurface, error)
