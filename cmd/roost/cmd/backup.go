package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftwoodlabs/roost/internal/backup"
	"github.com/driftwoodlabs/roost/internal/config"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Upload the database to the configured SFTP target",
	Long: `Checkpoint the database and upload a snapshot to the backup host from
the config file. The snapshot lands under backup.remote_dir with a
timestamped name; uploads are written to a temporary name first so the
target never holds a partial file.`,
	RunE: runBackup,
}

func init() {
	rootCmd.AddCommand(backupCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if !a.cfg.Backup.Enabled() {
		return fmt.Errorf("no backup target configured; set backup.host in %s", config.Path())
	}

	// Fold the WAL into the main file so the snapshot is self-contained.
	if err := a.store.Checkpoint(cmd.Context()); err != nil {
		return fmt.Errorf("checkpoint database: %w", err)
	}

	client, err := backup.New(a.cfg.Backup)
	if err != nil {
		return err
	}

	remotePath, err := client.Run(a.cfg.DatabasePath())
	if err != nil {
		return err
	}

	fmt.Printf("Backed up to %s:%s\n", a.cfg.Backup.Host, remotePath)
	return nil
}
