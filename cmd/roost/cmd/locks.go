package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var locksCmd = &cobra.Command{
	Use:   "locks <command>",
	Short: "Inspect and release account locks",
	Long: `Account locks serialize operations per account. Locks only exist inside
a running roost process; this command is mainly useful from scripts running
operations through the same daemon, and for understanding lock behavior.

Examples:
  roost locks list
  roost locks release poster-01`,
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List held locks",
	RunE:  runLocksList,
}

var locksReleaseCmd = &cobra.Command{
	Use:   "release <name-or-id>",
	Short: "Force-release an account's lock",
	Args:  cobra.ExactArgs(1),
	RunE:  runLocksRelease,
}

func init() {
	rootCmd.AddCommand(locksCmd)
	locksCmd.AddCommand(locksListCmd)
	locksCmd.AddCommand(locksReleaseCmd)

	locksListCmd.Flags().Bool("json", false, "output as JSON")
}

func runLocksList(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	held := a.locks.Snapshot()

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(held)
	}

	if len(held) == 0 {
		fmt.Println("No locks held.")
		return nil
	}

	rows := make([][]string, 0, len(held))
	for _, info := range held {
		name := info.Key
		if acct, err := a.pool.Resolve(cmd.Context(), info.Key); err == nil {
			name = acct.Name
		}
		rows = append(rows, []string{
			name,
			info.Operation,
			time.Since(info.AcquiredAt).Round(time.Second).String(),
			fmt.Sprintf("%d", a.locks.Waiting(info.Key)),
		})
	}
	fmt.Print(renderTable([]string{"ACCOUNT", "OPERATION", "HELD FOR", "WAITING"}, rows))
	return nil
}

func runLocksRelease(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	acct, err := a.pool.Resolve(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if !a.locks.ForceRelease(acct.ID) {
		fmt.Printf("%s holds no lock.\n", acct.Name)
		return nil
	}
	fmt.Printf("Released lock on %s.\n", acct.Name)
	return nil
}
