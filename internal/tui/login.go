// Package tui provides the interactive terminal login flow for roost.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/driftwoodlabs/roost/internal/pool"
	"github.com/driftwoodlabs/roost/internal/session"
	"github.com/driftwoodlabs/roost/internal/store"
)

const pollInterval = 2 * time.Second

type sessionCreatedMsg struct {
	snap session.Snapshot
	err  error
}

type pollMsg struct{}

type checkedMsg struct {
	snap session.Snapshot
	err  error
}

type submittedMsg struct {
	snap session.Snapshot
	err  error
}

type completedMsg struct {
	account *store.Account
	err     error
}

// LoginModel is the Bubble Tea model driving one interactive login session.
type LoginModel struct {
	manager *session.Manager
	pool    *pool.Pool

	nameHint string
	proxy    string

	snap session.Snapshot
	qr   string

	account *store.Account
	err     error
	done    bool

	spinner spinner.Model
	input   textinput.Model
	keys    keyMap
	styles  Styles
}

// NewLogin creates the login flow model. The session itself is created when
// the program starts.
func NewLogin(mgr *session.Manager, p *pool.Pool, nameHint, proxy string) LoginModel {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot

	ti := textinput.New()
	ti.Placeholder = "verification code"
	ti.CharLimit = 16
	ti.Width = 24

	return LoginModel{
		manager:  mgr,
		pool:     p,
		nameHint: nameHint,
		proxy:    proxy,
		spinner:  sp,
		input:    ti,
		keys:     defaultKeyMap(),
		styles:   DefaultStyles(),
	}
}

// Account returns the account the flow logged in, once done.
func (m LoginModel) Account() *store.Account { return m.account }

// Err returns the terminal error of the flow, if any.
func (m LoginModel) Err() error { return m.err }

// Init implements tea.Model.
func (m LoginModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.createSession)
}

func (m LoginModel) createSession() tea.Msg {
	snap, err := m.manager.Create(context.Background(), m.nameHint, m.proxy)
	return sessionCreatedMsg{snap: snap, err: err}
}

func (m LoginModel) check() tea.Msg {
	snap, err := m.manager.Check(context.Background(), m.snap.ID)
	return checkedMsg{snap: snap, err: err}
}

func (m LoginModel) submit(code string) tea.Cmd {
	return func() tea.Msg {
		snap, err := m.manager.SubmitVerification(context.Background(), m.snap.ID, code)
		return submittedMsg{snap: snap, err: err}
	}
}

func (m LoginModel) complete() tea.Msg {
	result, err := m.manager.Complete(m.snap.ID)
	if err != nil {
		return completedMsg{err: err}
	}

	name := m.nameHint
	if name == "" {
		name = result.Identity.DisplayName
	}
	if name == "" {
		name = result.Identity.UserID
	}

	acct, _, err := m.pool.CompleteLogin(context.Background(), name, m.proxy, result.CredentialState)
	return completedMsg{account: acct, err: err}
}

func schedulePoll() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return pollMsg{} })
}

// Update implements tea.Model.
func (m LoginModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			if m.snap.ID != "" && !m.done {
				_ = m.manager.Close(m.snap.ID)
				m.err = fmt.Errorf("login aborted")
			}
			return m, tea.Quit
		case key.Matches(msg, m.keys.Submit):
			if m.snap.Status == session.StatusVerificationRequired && m.input.Value() != "" {
				code := m.input.Value()
				m.input.SetValue("")
				return m, m.submit(code)
			}
		}

	case sessionCreatedMsg:
		if msg.err != nil {
			m.err = msg.err
			m.done = true
			return m, tea.Quit
		}
		return m.applySnapshot(msg.snap)

	case pollMsg:
		if m.done {
			return m, nil
		}
		return m, m.check

	case checkedMsg:
		if msg.err != nil {
			m.err = msg.err
			m.done = true
			return m, tea.Quit
		}
		return m.applySnapshot(msg.snap)

	case submittedMsg:
		if msg.err != nil {
			// Wrong-state and transport errors keep the session alive;
			// show them and let the poll loop carry on.
			m.err = msg.err
			return m, schedulePoll()
		}
		m.err = nil
		return m.applySnapshot(msg.snap)

	case completedMsg:
		m.account = msg.account
		m.err = msg.err
		m.done = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// applySnapshot folds a fresh session snapshot into the model and decides
// the next command.
func (m LoginModel) applySnapshot(snap session.Snapshot) (tea.Model, tea.Cmd) {
	prev := m.snap.Status
	m.snap = snap

	switch snap.Status {
	case session.StatusWaitingScan:
		if m.qr == "" && snap.Challenge != "" {
			qr, err := renderQR(snap.Challenge)
			if err != nil {
				m.qr = snap.Challenge // fall back to the raw payload
			} else {
				m.qr = qr
			}
		}
		return m, schedulePoll()

	case session.StatusScanned:
		return m, schedulePoll()

	case session.StatusVerificationRequired:
		if prev != session.StatusVerificationRequired {
			m.input.Focus()
			return m, tea.Batch(textinput.Blink, schedulePoll())
		}
		return m, schedulePoll()

	case session.StatusSuccess:
		return m, m.complete

	default: // failed, expired
		m.err = fmt.Errorf("login %s: %s", snap.Status, snap.Failure)
		m.done = true
		return m, tea.Quit
	}
}

// View implements tea.Model.
func (m LoginModel) View() string {
	var b strings.Builder

	title := "roost login"
	if m.nameHint != "" {
		title += " — " + m.nameHint
	}
	b.WriteString(m.styles.Header.Render(title) + "\n")

	switch m.snap.Status {
	case "":
		b.WriteString(m.styles.Status.Render(m.spinner.View()+" opening login page..") + "\n")

	case session.StatusWaitingScan:
		b.WriteString(m.styles.QR.Render(m.qr) + "\n")
		remaining := time.Until(m.snap.ChallengeExpiresAt).Round(time.Second)
		b.WriteString(m.styles.Status.Render(
			fmt.Sprintf("%s scan the code with the app (%s left)", m.spinner.View(), remaining)) + "\n")

	case session.StatusScanned:
		b.WriteString(m.styles.Status.Render(m.spinner.View()+" scanned, confirm on your device..") + "\n")

	case session.StatusVerificationRequired:
		b.WriteString(m.styles.Warning.Render("verification code required") + "\n")
		if m.snap.VerificationExpiresAt != nil {
			remaining := time.Until(*m.snap.VerificationExpiresAt).Round(time.Second)
			b.WriteString(m.styles.Status.Render(fmt.Sprintf("%s left to enter the code", remaining)) + "\n")
		}
		b.WriteString(m.styles.Prompt.Render(m.input.View()) + "\n")

	case session.StatusSuccess:
		b.WriteString(m.styles.Success.Render("✓ logged in, saving account..") + "\n")

	case session.StatusFailed, session.StatusExpired:
		b.WriteString(m.styles.Failure.Render("✗ "+string(m.snap.Status)) + "\n")
		if m.snap.Failure != "" {
			b.WriteString(m.styles.Status.Render(m.snap.Failure) + "\n")
		}
	}

	if m.err != nil && !m.done {
		b.WriteString(m.styles.Failure.Render(m.err.Error()) + "\n")
	}

	b.WriteString(m.styles.Help.Render("enter submit · esc abort"))
	return b.String()
}
