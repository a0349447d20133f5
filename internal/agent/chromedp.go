package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
)

// SiteConfig describes the automation target. Selectors are plain CSS; the
// defaults live in the config package so one binary can be pointed at
// different deployments of the same surface.
type SiteConfig struct {
	// BaseURL is where an authenticated session lands.
	BaseURL string `yaml:"base_url"`
	// LoginURL presents the scannable login challenge.
	LoginURL string `yaml:"login_url"`

	// QRSelector is the <img> whose src carries the challenge payload.
	QRSelector string `yaml:"qr_selector"`
	// ScannedSelector appears once the remote party has scanned.
	ScannedSelector string `yaml:"scanned_selector"`
	// VerificationSelector is the one-time code input shown when the site
	// demands a second factor.
	VerificationSelector string `yaml:"verification_selector"`
	// VerificationSubmitSelector submits the code.
	VerificationSubmitSelector string `yaml:"verification_submit_selector"`

	// AuthCookie is the session cookie whose presence proves login.
	AuthCookie string `yaml:"auth_cookie"`

	// IdentityScript is a JS expression evaluating to
	// {user_id, display_name} on an authenticated page. Optional.
	IdentityScript string `yaml:"identity_script"`

	// Headless runs the browser without a window. Login flows that need a
	// visible window for the human set this false.
	Headless bool `yaml:"headless"`
	// ExecPath overrides the browser binary. Optional.
	ExecPath string `yaml:"exec_path"`

	// StepTimeout bounds each individual page operation.
	StepTimeout time.Duration `yaml:"step_timeout"`
}

func (c SiteConfig) stepTimeout() time.Duration {
	if c.StepTimeout > 0 {
		return c.StepTimeout
	}
	return 30 * time.Second
}

// browserCtx is the shared chromedp lifecycle used by both the per-account
// Client and the per-session LoginSurface.
type browserCtx struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

func startBrowser(cfg SiteConfig, proxy string) (*browserCtx, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	// Spawns the process; without this the first Run races teardown.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &browserCtx{ctx: ctx, cancel: cancel, allocCancel: allocCancel}, nil
}

func (b *browserCtx) run(ctx context.Context, cfg SiteConfig, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(b.ctx, cfg.stepTimeout())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(runCtx, actions...) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

func (b *browserCtx) close() {
	if b == nil {
		return
	}
	b.cancel()
	b.allocCancel()
}

// cookieSnapshot is the on-disk credential format: a plain cookie jar.
// Nothing outside this file depends on its shape.
type cookieSnapshot struct {
	Cookies []snapshotCookie `json:"cookies"`
}

type snapshotCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

func snapshotFromCookies(cookies []*network.Cookie) cookieSnapshot {
	snap := cookieSnapshot{Cookies: make([]snapshotCookie, 0, len(cookies))}
	for _, c := range cookies {
		snap.Cookies = append(snap.Cookies, snapshotCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	return snap
}

func (s cookieSnapshot) params() []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &exp
		}
		params = append(params, p)
	}
	return params
}

func restoreCookies(state []byte) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if len(state) == 0 {
			return nil
		}
		var snap cookieSnapshot
		if err := json.Unmarshal(state, &snap); err != nil {
			return fmt.Errorf("parse credential state: %w", err)
		}
		if len(snap.Cookies) == 0 {
			return nil
		}
		return storage.SetCookies(snap.params()).Do(ctx)
	}
}

func captureCookies(out *[]byte) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return fmt.Errorf("get cookies: %w", err)
		}
		data, err := json.Marshal(snapshotFromCookies(cookies))
		if err != nil {
			return fmt.Errorf("marshal credential state: %w", err)
		}
		*out = data
		return nil
	}
}

func hasCookie(name string, out *bool) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return fmt.Errorf("get cookies: %w", err)
		}
		for _, c := range cookies {
			if c.Name == name && c.Value != "" {
				*out = true
				return nil
			}
		}
		*out = false
		return nil
	}
}

func selectorPresent(sel string, out *bool) chromedp.Action {
	return chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%q) !== null`, sel), out)
}

// Browser is the chromedp-backed Client.
type Browser struct {
	cfg   SiteConfig
	proxy string
	seed  []byte

	mu        sync.Mutex
	bc        *browserCtx
	lastState []byte
	onChange  func(state []byte)
}

// NewFactory returns a Factory producing chromedp Clients for cfg.
func NewFactory(cfg SiteConfig) Factory {
	return func(opts Options) (Client, error) {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("site base_url is required")
		}
		return &Browser{
			cfg:   cfg,
			proxy: opts.Proxy,
			seed:  opts.CredentialState,
		}, nil
	}
}

// Init implements Client: starts the browser, restores the cookie jar and
// lands on the base URL.
func (b *Browser) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bc != nil {
		return nil
	}

	bc, err := startBrowser(b.cfg, b.proxy)
	if err != nil {
		return err
	}

	if err := bc.run(ctx, b.cfg,
		restoreCookies(b.seed),
		chromedp.Navigate(b.cfg.BaseURL),
	); err != nil {
		bc.close()
		return fmt.Errorf("init session: %w", err)
	}

	b.bc = bc
	b.lastState = b.seed
	return nil
}

// Close implements Client.
func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bc == nil {
		return nil
	}
	b.bc.close()
	b.bc = nil
	return nil
}

// CredentialState implements Client.
func (b *Browser) CredentialState(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bc == nil {
		return append([]byte(nil), b.seed...), nil
	}

	var state []byte
	if err := b.bc.run(ctx, b.cfg, captureCookies(&state)); err != nil {
		return nil, err
	}
	return state, nil
}

// OnCredentialChange implements Client.
func (b *Browser) OnCredentialChange(fn func(state []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Do runs arbitrary page actions inside the live session, then diffs the
// cookie jar and notifies the credential observer on change. Feature code
// reaches this through a type assertion; the orchestration core never
// calls it.
func (b *Browser) Do(ctx context.Context, actions ...chromedp.Action) error {
	b.mu.Lock()
	bc := b.bc
	b.mu.Unlock()

	if bc == nil {
		return fmt.Errorf("session not initialized")
	}

	if err := bc.run(ctx, b.cfg, actions...); err != nil {
		return err
	}

	var state []byte
	if err := bc.run(ctx, b.cfg, captureCookies(&state)); err != nil {
		return err
	}

	b.mu.Lock()
	changed := !bytes.Equal(state, b.lastState)
	if changed {
		b.lastState = state
	}
	fn := b.onChange
	b.mu.Unlock()

	if changed && fn != nil {
		fn(state)
	}
	return nil
}

// Navigate opens a URL in the session.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	return b.Do(ctx, chromedp.Navigate(url))
}

// Text extracts the text content of the first node matching sel.
func (b *Browser) Text(ctx context.Context, sel string) (string, error) {
	var out string
	if err := b.Do(ctx, chromedp.Text(sel, &out, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return out, nil
}

// loginBrowser is the chromedp-backed LoginSurface.
type loginBrowser struct {
	cfg   SiteConfig
	proxy string

	mu     sync.Mutex
	bc     *browserCtx
	closed bool
}

// NewLoginFactory returns a LoginFactory producing chromedp login surfaces
// for cfg.
func NewLoginFactory(cfg SiteConfig) LoginFactory {
	return func(opts LoginOptions) (LoginSurface, error) {
		if cfg.LoginURL == "" {
			return nil, fmt.Errorf("site login_url is required")
		}
		return &loginBrowser{cfg: cfg, proxy: opts.Proxy}, nil
	}
}

// Begin implements LoginSurface.
func (s *loginBrowser) Begin(ctx context.Context) (BeginResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return BeginResult{}, fmt.Errorf("login surface is closed")
	}
	if s.bc == nil {
		bc, err := startBrowser(s.cfg, s.proxy)
		if err != nil {
			return BeginResult{}, err
		}
		s.bc = bc
	}

	if err := s.bc.run(ctx, s.cfg, chromedp.Navigate(s.cfg.LoginURL)); err != nil {
		return BeginResult{}, fmt.Errorf("open login page: %w", err)
	}

	// A lingering session cookie means no challenge is needed.
	var authed bool
	if err := s.bc.run(ctx, s.cfg, hasCookie(s.cfg.AuthCookie, &authed)); err != nil {
		return BeginResult{}, err
	}
	if authed {
		return BeginResult{Authenticated: true}, nil
	}

	var payload string
	var ok bool
	if err := s.bc.run(ctx, s.cfg,
		chromedp.WaitVisible(s.cfg.QRSelector, chromedp.ByQuery),
		chromedp.AttributeValue(s.cfg.QRSelector, "src", &payload, &ok, chromedp.ByQuery),
	); err != nil {
		return BeginResult{}, fmt.Errorf("extract challenge: %w", err)
	}
	if !ok || payload == "" {
		return BeginResult{}, fmt.Errorf("challenge element %q has no src", s.cfg.QRSelector)
	}

	return BeginResult{Challenge: payload}, nil
}

// State implements LoginSurface.
func (s *loginBrowser) State(ctx context.Context) (LoginState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.bc == nil {
		return LoginState{}, fmt.Errorf("login surface is closed")
	}

	var st LoginState
	if err := s.bc.run(ctx, s.cfg, hasCookie(s.cfg.AuthCookie, &st.Authenticated)); err != nil {
		return LoginState{}, err
	}
	if st.Authenticated {
		return st, nil
	}

	if s.cfg.VerificationSelector != "" {
		if err := s.bc.run(ctx, s.cfg, selectorPresent(s.cfg.VerificationSelector, &st.VerificationRequired)); err != nil {
			return LoginState{}, err
		}
		if st.VerificationRequired {
			st.Scanned = true
			return st, nil
		}
	}

	if s.cfg.ScannedSelector != "" {
		if err := s.bc.run(ctx, s.cfg, selectorPresent(s.cfg.ScannedSelector, &st.Scanned)); err != nil {
			return LoginState{}, err
		}
	}
	return st, nil
}

// SubmitVerification implements LoginSurface.
func (s *loginBrowser) SubmitVerification(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.bc == nil {
		return fmt.Errorf("login surface is closed")
	}

	actions := []chromedp.Action{
		chromedp.WaitVisible(s.cfg.VerificationSelector, chromedp.ByQuery),
		chromedp.SendKeys(s.cfg.VerificationSelector, code, chromedp.ByQuery),
	}
	if s.cfg.VerificationSubmitSelector != "" {
		actions = append(actions, chromedp.Click(s.cfg.VerificationSubmitSelector, chromedp.ByQuery))
	}
	if err := s.bc.run(ctx, s.cfg, actions...); err != nil {
		return fmt.Errorf("submit verification code: %w", err)
	}
	return nil
}

// Result implements LoginSurface.
func (s *loginBrowser) Result(ctx context.Context) ([]byte, Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.bc == nil {
		return nil, Identity{}, fmt.Errorf("login surface is closed")
	}

	var state []byte
	if err := s.bc.run(ctx, s.cfg, captureCookies(&state)); err != nil {
		return nil, Identity{}, err
	}

	var ident Identity
	if s.cfg.IdentityScript != "" {
		// Best-effort: a broken identity script must not fail the login.
		_ = s.bc.run(ctx, s.cfg, chromedp.Evaluate(s.cfg.IdentityScript, &ident))
	}

	return state, ident, nil
}

// Close implements LoginSurface.
func (s *loginBrowser) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.bc != nil {
		s.bc.close()
		s.bc = nil
	}
	return nil
}
