// Package cmd implements the roost command-line interface.
package cmd

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/driftwoodlabs/roost/internal/agent"
	"github.com/driftwoodlabs/roost/internal/config"
	"github.com/driftwoodlabs/roost/internal/executor"
	"github.com/driftwoodlabs/roost/internal/locker"
	"github.com/driftwoodlabs/roost/internal/pool"
	"github.com/driftwoodlabs/roost/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "roost",
	Short: "Manage a fleet of browser-backed social accounts",
	Long: `roost keeps a fleet of social accounts usable from one machine: stored
credentials, one live browser client per account, per-account locking so
operations never collide, and QR-based interactive login.

State lives under ~/.roost (override with ROOST_HOME).`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// app bundles the long-lived collaborators a command needs. Commands build
// one with newApp and must call close when done.
type app struct {
	cfg   *config.Config
	store *store.SQLite
	locks *locker.Locker
	pool  *pool.Pool
	exec  *executor.Executor
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	var storeOpts []store.SQLiteOption
	if cfg.SealCredentials {
		passphrase, err := promptPassphrase("Sealing passphrase: ")
		if err != nil {
			return nil, err
		}
		sealer, err := store.NewSealerFromPassphrase(passphrase)
		if err != nil {
			return nil, err
		}
		storeOpts = append(storeOpts, store.WithSealer(sealer))
	}

	st, err := store.Open(cfg.DatabasePath(), storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	locks := locker.New()
	p := pool.New(st, locks, agent.NewFactory(cfg.Site))
	exec := executor.New(p, st, executor.WithDefaultLockTimeout(cfg.LockTimeout))

	return &app{cfg: cfg, store: st, locks: locks, pool: p, exec: exec}, nil
}

func (a *app) close() {
	a.pool.CloseAll()
	_ = a.store.Close()
}

func promptPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("passphrase must not be empty")
	}
	return string(raw), nil
}
