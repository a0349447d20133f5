package cmd

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/driftwoodlabs/roost/internal/agent"
	"github.com/driftwoodlabs/roost/internal/session"
	"github.com/driftwoodlabs/roost/internal/tui"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log an account in via QR scan",
	Long: `Open the login page, render the QR challenge in the terminal and poll
until the scan completes. If the site asks for a verification code the flow
prompts for it inline.

The login browser runs with a visible window unless the site config says
otherwise; some login flows block headless browsers.`,
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)

	loginCmd.Flags().String("name", "", "account name (defaults to the site profile name)")
	loginCmd.Flags().String("proxy", "", "proxy URL for this account's browser")
}

func runLogin(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	proxy, _ := cmd.Flags().GetString("proxy")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	mgr := session.NewManager(agent.NewLoginFactory(a.cfg.Site), a.cfg.Login.SessionConfig())
	defer mgr.Shutdown()

	model := tui.NewLogin(mgr, a.pool, name, proxy)
	final, err := tea.NewProgram(model).Run()
	if err != nil {
		return fmt.Errorf("run login flow: %w", err)
	}

	result, ok := final.(tui.LoginModel)
	if !ok {
		return fmt.Errorf("unexpected final model %T", final)
	}
	if err := result.Err(); err != nil {
		return err
	}
	acct := result.Account()
	if acct == nil {
		return fmt.Errorf("login did not complete")
	}

	fmt.Printf("Logged in %s (%s).\n", acct.Name, acct.ID)
	return nil
}
