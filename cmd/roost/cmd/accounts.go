package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftwoodlabs/roost/internal/store"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts <command>",
	Short: "Manage the account fleet",
	Long: `List and manage stored accounts.

Examples:
  roost accounts list              # Show all accounts
  roost accounts list --json      # Machine-readable output
  roost accounts add poster-01    # Register an account (login separately)
  roost accounts update poster-01 --proxy socks5://10.0.0.1:1080
  roost accounts remove poster-01`,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE:  runAccountsList,
}

var accountsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register an account without logging in",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsAdd,
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <name-or-id>",
	Short: "Remove an account and its credentials",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsRemove,
}

var accountsUpdateCmd = &cobra.Command{
	Use:   "update <name-or-id>",
	Short: "Update an account's name, proxy or status",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsUpdate,
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
	accountsCmd.AddCommand(accountsUpdateCmd)

	accountsListCmd.Flags().Bool("json", false, "output as JSON")
	accountsListCmd.Flags().String("status", "", "filter by status (active, suspended, banned)")

	accountsAddCmd.Flags().String("proxy", "", "proxy URL for this account's browser")

	accountsUpdateCmd.Flags().String("name", "", "rename the account")
	accountsUpdateCmd.Flags().String("proxy", "", "change the proxy (closes the live client)")
	accountsUpdateCmd.Flags().String("status", "", "set status (active, suspended, banned)")
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	statusFilter, _ := cmd.Flags().GetString("status")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	accounts, err := a.pool.List(cmd.Context())
	if err != nil {
		return err
	}

	if statusFilter != "" {
		filtered := accounts[:0]
		for _, acct := range accounts {
			if acct.Status == statusFilter {
				filtered = append(filtered, acct)
			}
		}
		accounts = filtered
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(accounts)
	}

	if len(accounts) == 0 {
		fmt.Println("No accounts. Run 'roost login' to add one.")
		return nil
	}

	rows := make([][]string, 0, len(accounts))
	for _, acct := range accounts {
		creds := "yes"
		if len(acct.CredentialState) == 0 {
			creds = dimStyle.Render("no")
		}
		rows = append(rows, []string{
			acct.Name,
			styleStatus(acct.Status),
			creds,
			acct.Proxy,
			formatAgo(acct.LastLoginAt),
			formatAgo(acct.LastActiveAt),
		})
	}
	fmt.Print(renderTable(
		[]string{"NAME", "STATUS", "CREDS", "PROXY", "LAST LOGIN", "LAST ACTIVE"},
		rows))
	return nil
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	proxy, _ := cmd.Flags().GetString("proxy")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	acct, created, err := a.pool.AddOrRelogin(cmd.Context(), args[0], proxy)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Added %s (%s). Run 'roost login --name %s' to log it in.\n",
			acct.Name, acct.ID, acct.Name)
	} else {
		fmt.Printf("%s already exists; configuration updated.\n", acct.Name)
	}
	return nil
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.pool.Remove(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed %s.\n", args[0])
	return nil
}

func runAccountsUpdate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	var update store.AccountUpdate
	if cmd.Flags().Changed("name") {
		name, _ := cmd.Flags().GetString("name")
		update.Name = &name
	}
	if cmd.Flags().Changed("proxy") {
		proxy, _ := cmd.Flags().GetString("proxy")
		update.Proxy = &proxy
	}
	if cmd.Flags().Changed("status") {
		status, _ := cmd.Flags().GetString("status")
		update.Status = &status
	}
	if update.Name == nil && update.Proxy == nil && update.Status == nil {
		return fmt.Errorf("nothing to update: pass --name, --proxy or --status")
	}

	if err := a.pool.UpdateConfig(cmd.Context(), args[0], update); err != nil {
		return err
	}
	fmt.Printf("Updated %s.\n", args[0])
	return nil
}
