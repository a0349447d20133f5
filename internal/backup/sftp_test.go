package backup

import (
	"testing"

	"github.com/driftwoodlabs/roost/internal/config"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New(config.BackupConfig{}); err == nil {
		t.Error("New() accepted an unconfigured target")
	}

	if _, err := New(config.BackupConfig{Host: "backup.internal", User: "roost"}); err == nil {
		t.Error("New() accepted a target without a key file")
	}

	c, err := New(config.BackupConfig{
		Host:    "backup.internal",
		User:    "roost",
		KeyFile: "/etc/roost/backup_ed25519",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c == nil {
		t.Fatal("New() returned nil client")
	}
}

func TestRun_MissingLocalFile(t *testing.T) {
	c, err := New(config.BackupConfig{
		Host:    "backup.internal",
		User:    "roost",
		KeyFile: "/etc/roost/backup_ed25519",
	})
	if err != nil {
		t.Fatal(err)
	}

	// The local file is checked before any network work happens.
	if _, err := c.Run("/no/such/roost.db"); err == nil {
		t.Error("Run() succeeded with a missing database file")
	}
}
