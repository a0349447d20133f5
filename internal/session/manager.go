package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftwoodlabs/roost/internal/agent"
)

// state is one live session. Its mutex serializes status transitions and
// surface access; the manager's mutex only guards the registry map.
type state struct {
	mu sync.Mutex

	id       string
	nameHint string
	proxy    string

	status                Status
	createdAt             time.Time
	challengeExpiresAt    time.Time
	verificationExpiresAt time.Time
	challenge             string
	failure               string
	result                *Result

	surface agent.LoginSurface
}

// snapshotLocked renders the caller-visible view. Caller holds s.mu.
func (s *state) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:        s.id,
		Status:    s.status,
		NameHint:  s.nameHint,
		CreatedAt: s.createdAt,
		Failure:   s.failure,
	}
	if !s.status.Terminal() {
		snap.Challenge = s.challenge
		snap.ChallengeExpiresAt = s.challengeExpiresAt
		if !s.verificationExpiresAt.IsZero() {
			t := s.verificationExpiresAt
			snap.VerificationExpiresAt = &t
		}
	}
	return snap
}

// closeSurfaceLocked releases the browser resource. Caller holds s.mu.
func (s *state) closeSurfaceLocked() {
	if s.surface == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = s.surface.Close(closeCtx)
	s.surface = nil
}

// Manager owns every in-flight login session and the reaper that bounds
// their lifetimes.
type Manager struct {
	cfg     Config
	factory agent.LoginFactory
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*state

	stop     chan struct{}
	reaperWG sync.WaitGroup
	stopOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a Manager and starts its background reaper.
func NewManager(factory agent.LoginFactory, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		factory:  factory,
		logger:   slog.Default(),
		sessions: make(map[string]*state),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.reaperWG.Add(1)
	go m.reapLoop()

	return m
}

// Create allocates a fresh login surface and opens the login page. If the
// surface is already authenticated the session short-circuits straight to
// success; otherwise the scannable challenge is captured and the session
// starts in waiting_scan with a challenge deadline.
func (m *Manager) Create(ctx context.Context, nameHint, proxy string) (Snapshot, error) {
	surface, err := m.factory(agent.LoginOptions{NameHint: nameHint, Proxy: proxy})
	if err != nil {
		return Snapshot{}, fmt.Errorf("allocate login surface: %w", err)
	}

	begin, err := surface.Begin(ctx)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		_ = surface.Close(closeCtx)
		cancel()
		return Snapshot{}, fmt.Errorf("open login surface: %w", err)
	}

	now := time.Now()
	s := &state{
		id:        uuid.NewString(),
		nameHint:  nameHint,
		proxy:     proxy,
		createdAt: now,
		surface:   surface,
	}

	s.mu.Lock()
	if begin.Authenticated {
		m.succeedLocked(ctx, s)
	} else {
		s.status = StatusWaitingScan
		s.challenge = begin.Challenge
		s.challengeExpiresAt = now.Add(m.cfg.ChallengeTTL)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.logger.Info("login session created",
		"session_id", s.id, "status", snap.Status, "name_hint", nameHint)
	return snap, nil
}

// Check is the idempotent poll. Terminal sessions are returned as-is;
// otherwise TTLs are enforced and the live surface is probed for progress.
func (m *Manager) Check(ctx context.Context, id string) (Snapshot, error) {
	s, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return s.snapshotLocked(), nil
	}

	now := time.Now()
	if s.status == StatusWaitingScan && now.After(s.challengeExpiresAt) {
		m.terminateLocked(s, StatusExpired, "challenge expired before scan")
		return s.snapshotLocked(), nil
	}
	if s.status == StatusVerificationRequired && now.After(s.verificationExpiresAt) {
		m.terminateLocked(s, StatusFailed, "verification window expired")
		return s.snapshotLocked(), nil
	}

	m.advanceLocked(ctx, s)
	return s.snapshotLocked(), nil
}

// SubmitVerification enters a one-time code. Only legal while the session
// is in verification_required with an open window; an elapsed window
// transitions the session to failed.
func (m *Manager) SubmitVerification(ctx context.Context, id, code string) (Snapshot, error) {
	s, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusVerificationRequired {
		return s.snapshotLocked(), fmt.Errorf("submit verification in state %q: %w", s.status, ErrState)
	}
	if time.Now().After(s.verificationExpiresAt) {
		m.terminateLocked(s, StatusFailed, "verification window expired")
		return s.snapshotLocked(), ErrVerificationExpired
	}

	if err := s.surface.SubmitVerification(ctx, code); err != nil {
		// Transport failure, not a wrong code: state is unchanged and the
		// caller may retry within the window.
		return s.snapshotLocked(), fmt.Errorf("submit verification: %w", err)
	}

	m.advanceLocked(ctx, s)
	return s.snapshotLocked(), nil
}

// Complete hands out a successful session's result and evicts the session.
// Only legal once, and only in the success state.
func (m *Manager) Complete(id string) (Result, error) {
	s, err := m.get(id)
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	if s.status != StatusSuccess || s.result == nil {
		status := s.status
		s.mu.Unlock()
		return Result{}, fmt.Errorf("complete session in state %q: %w", status, ErrState)
	}
	result := *s.result
	s.closeSurfaceLocked()
	s.mu.Unlock()

	m.evict(id)
	return result, nil
}

// Close terminates a session early regardless of status, releasing its
// browser resource.
func (m *Manager) Close(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.status.Terminal() {
		s.status = StatusFailed
		s.failure = "closed by caller"
	}
	s.closeSurfaceLocked()
	s.mu.Unlock()

	m.evict(id)
	m.logger.Info("login session closed", "session_id", id)
	return nil
}

// List returns snapshots of every tracked session, newest first not
// guaranteed.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	states := make([]*state, 0, len(m.sessions))
	for _, s := range m.sessions {
		states = append(states, s)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(states))
	for _, s := range states {
		s.mu.Lock()
		out = append(out, s.snapshotLocked())
		s.mu.Unlock()
	}
	return out
}

// Shutdown stops the reaper and force-closes every live session.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.reaperWG.Wait()

	m.mu.Lock()
	states := m.sessions
	m.sessions = make(map[string]*state)
	m.mu.Unlock()

	for _, s := range states {
		s.mu.Lock()
		s.closeSurfaceLocked()
		s.mu.Unlock()
	}
}

// advanceLocked probes the live surface and moves the state machine
// forward. Transitions are monotonic: probes never regress a session.
// Caller holds s.mu.
func (m *Manager) advanceLocked(ctx context.Context, s *state) {
	live, err := s.surface.State(ctx)
	if err != nil {
		// A dead surface is unrecoverable; a transient probe error is not.
		// Either way the TTLs still bound the session, so just report it.
		m.logger.Warn("login state probe failed", "session_id", s.id, "error", err)
		return
	}

	switch {
	case live.Authenticated:
		m.succeedLocked(ctx, s)
	case live.VerificationRequired:
		if s.status != StatusVerificationRequired {
			s.status = StatusVerificationRequired
			s.verificationExpiresAt = time.Now().Add(m.cfg.VerificationTTL)
			m.logger.Info("login requires verification", "session_id", s.id)
		}
	case live.Scanned:
		if s.status == StatusWaitingScan {
			s.status = StatusScanned
			m.logger.Info("login challenge scanned", "session_id", s.id)
		}
	}
}

// succeedLocked captures the credential snapshot and identity, then
// releases the surface immediately; the result outlives it. Caller holds
// s.mu.
func (m *Manager) succeedLocked(ctx context.Context, s *state) {
	stateBlob, ident, err := s.surface.Result(ctx)
	if err != nil {
		m.terminateLocked(s, StatusFailed, fmt.Sprintf("capture credentials: %v", err))
		return
	}

	s.status = StatusSuccess
	s.result = &Result{CredentialState: stateBlob, Identity: ident}
	s.closeSurfaceLocked()
	m.logger.Info("login session succeeded",
		"session_id", s.id, "user_id", ident.UserID)
}

// terminateLocked moves s to a terminal failure state and releases the
// surface. Caller holds s.mu.
func (m *Manager) terminateLocked(s *state, status Status, reason string) {
	s.status = status
	s.failure = reason
	s.closeSurfaceLocked()
	m.logger.Info("login session terminated",
		"session_id", s.id, "status", status, "reason", reason)
}

func (m *Manager) get(id string) (*state, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *Manager) evict(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// reapLoop force-closes any session older than the session TTL, whatever
// its status, so a browser never outlives the bound even if the caller
// stopped polling.
func (m *Manager) reapLoop() {
	defer m.reaperWG.Done()

	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *Manager) reapOnce() {
	cutoff := time.Now().Add(-m.cfg.SessionTTL)

	m.mu.Lock()
	var stale []*state
	for _, s := range m.sessions {
		if s.createdAt.Before(cutoff) {
			stale = append(stale, s)
			delete(m.sessions, s.id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		s.mu.Lock()
		if !s.status.Terminal() {
			s.status = StatusExpired
			s.failure = "reaped after session TTL"
		}
		s.closeSurfaceLocked()
		s.mu.Unlock()
		m.logger.Info("login session reaped", "session_id", s.id, "age", time.Since(s.createdAt))
	}
}
