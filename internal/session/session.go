// Package session drives interactive login attempts from "show a scannable
// challenge" to "usable credentials".
//
// Each session owns one browser login surface for its whole lifetime. Three
// independent timers bound a session: the challenge TTL (the QR goes
// stale), the verification TTL (the one-time code window), and the session
// TTL, which a background reaper enforces unconditionally so an abandoned
// session can never leak its browser.
package session

import (
	"errors"
	"time"

	"github.com/driftwoodlabs/roost/internal/agent"
)

// Status is a login session's lifecycle state.
type Status string

const (
	StatusWaitingScan          Status = "waiting_scan"
	StatusScanned              Status = "scanned"
	StatusVerificationRequired Status = "verification_required"
	StatusSuccess              Status = "success"
	StatusFailed               Status = "failed"
	StatusExpired              Status = "expired"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// ErrNotFound indicates an unknown session ID.
var ErrNotFound = errors.New("session not found")

// ErrState indicates an operation illegal in the session's current state,
// e.g. submitting a verification code before one is requested or completing
// a session twice. Always a caller bug; rejected without side effects.
var ErrState = errors.New("operation not valid in session state")

// ErrVerificationExpired indicates the one-time code window elapsed; the
// session has transitioned to failed.
var ErrVerificationExpired = errors.New("verification window expired")

// Result is what a successful session yields.
type Result struct {
	CredentialState []byte
	Identity        agent.Identity
}

// Snapshot is the caller-visible view of a session. The challenge payload
// is only present while the session is non-terminal.
type Snapshot struct {
	ID                    string     `json:"id"`
	Status                Status     `json:"status"`
	NameHint              string     `json:"name_hint,omitempty"`
	Challenge             string     `json:"challenge,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	ChallengeExpiresAt    time.Time  `json:"challenge_expires_at,omitempty"`
	VerificationExpiresAt *time.Time `json:"verification_expires_at,omitempty"`
	Failure               string     `json:"failure,omitempty"`
}

// Config controls session timing. All four defaults are load-bearing for
// callers polling on a schedule; change them only deliberately.
type Config struct {
	// ChallengeTTL is how long the scannable challenge stays valid.
	ChallengeTTL time.Duration
	// VerificationTTL is the one-time code entry window.
	VerificationTTL time.Duration
	// SessionTTL is the outer bound on any session's life, enforced by
	// the reaper regardless of status.
	SessionTTL time.Duration
	// ReapInterval is how often the reaper sweeps.
	ReapInterval time.Duration
}

// DefaultConfig returns the standard timing profile.
func DefaultConfig() Config {
	return Config{
		ChallengeTTL:    120 * time.Second,
		VerificationTTL: 60 * time.Second,
		SessionTTL:      300 * time.Second,
		ReapInterval:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = d.ChallengeTTL
	}
	if c.VerificationTTL <= 0 {
		c.VerificationTTL = d.VerificationTTL
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	return c
}
