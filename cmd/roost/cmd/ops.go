package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Show the operation log",
	Long: `Show recent operations, newest first. Every run through the executor is
recorded here, including failures.

Examples:
  roost ops
  roost ops --account poster-01 --limit 50`,
	RunE: runOps,
}

func init() {
	rootCmd.AddCommand(opsCmd)

	opsCmd.Flags().String("account", "", "filter by account name or ID")
	opsCmd.Flags().Int("limit", 20, "maximum entries to show")
	opsCmd.Flags().Bool("json", false, "output as JSON")
}

func runOps(cmd *cobra.Command, args []string) error {
	account, _ := cmd.Flags().GetString("account")
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	accountID := ""
	names := map[string]string{}
	if account != "" {
		acct, err := a.pool.Resolve(cmd.Context(), account)
		if err != nil {
			return err
		}
		accountID = acct.ID
		names[acct.ID] = acct.Name
	} else {
		accounts, err := a.pool.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, acct := range accounts {
			names[acct.ID] = acct.Name
		}
	}

	ops, err := a.store.RecentOperations(cmd.Context(), accountID, limit)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(ops)
	}

	if len(ops) == 0 {
		fmt.Println("No operations recorded.")
		return nil
	}

	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		name := names[op.AccountID]
		if name == "" {
			name = op.AccountID // account since removed
		}
		outcome := activeStyle.Render("ok")
		if !op.Success {
			outcome = badStyle.Render(op.Error)
		}
		rows = append(rows, []string{
			op.Timestamp.Format(time.DateTime),
			name,
			op.Action,
			op.Duration.Round(time.Millisecond).String(),
			outcome,
		})
	}
	fmt.Print(renderTable([]string{"WHEN", "ACCOUNT", "ACTION", "TOOK", "RESULT"}, rows))
	return nil
}
