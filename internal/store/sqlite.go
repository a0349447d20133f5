package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite is the sqlite-backed Store. Credential blobs are sealed at rest
// when a Sealer is configured.
type SQLite struct {
	path   string
	conn   *sql.DB
	sealer *Sealer
}

// SQLiteOption configures Open.
type SQLiteOption func(*SQLite)

// WithSealer encrypts credential blobs at rest.
func WithSealer(s *Sealer) SQLiteOption {
	return func(db *SQLite) {
		db.sealer = s
	}
}

// DefaultPath returns the default database location, honoring ROOST_HOME.
func DefaultPath() string {
	if home := os.Getenv("ROOST_HOME"); home != "" {
		return filepath.Join(home, "data", "roost.db")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".roost", "data", "roost.db")
	}
	return filepath.Join(homeDir, ".roost", "data", "roost.db")
}

// Open opens (creating if needed) the database at path and runs migrations.
// A corrupt database file is preserved under a timestamped name and a fresh
// one is created in its place.
func Open(path string, opts ...SQLiteOption) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("path is required")
	}

	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db := &SQLite{path: clean}
	for _, opt := range opts {
		opt(db)
	}

	conn, err := openAndInit(clean)
	if err == nil {
		db.conn = conn
		return db, nil
	}

	if !isCorruptSQLiteError(err) {
		return nil, err
	}

	if _, statErr := os.Stat(clean); statErr == nil {
		backupPath := clean + ".corrupt." + time.Now().UTC().Format("20060102T150405Z")
		if renameErr := os.Rename(clean, backupPath); renameErr != nil {
			return nil, fmt.Errorf("db appears corrupt (%v), and rename failed: %w", err, renameErr)
		}
		if sidecarErr := renameSidecars(clean, backupPath); sidecarErr != nil {
			return nil, fmt.Errorf("db appears corrupt (%v), and sidecar rename failed: %w", err, sidecarErr)
		}
	}

	conn, err = openAndInit(clean)
	if err != nil {
		return nil, err
	}
	db.conn = conn
	return db, nil
}

// Close closes the underlying connection.
func (d *SQLite) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// Path returns the database file location.
func (d *SQLite) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

// Checkpoint flushes the WAL into the main database file so file-level
// backups see a consistent image.
func (d *SQLite) Checkpoint(ctx context.Context) error {
	if _, err := d.conn.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

const accountColumns = `id, name, status, proxy, credential_state, last_login_at, last_active_at, created_at, updated_at`

// AccountByID implements Store.
func (d *SQLite) AccountByID(ctx context.Context, id string) (*Account, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return d.scanAccount(row)
}

// AccountByName implements Store.
func (d *SQLite) AccountByName(ctx context.Context, name string) (*Account, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE name = ?`, name)
	return d.scanAccount(row)
}

// CreateAccount implements Store. A missing ID is filled with a fresh UUID;
// missing status defaults to active.
func (d *SQLite) CreateAccount(ctx context.Context, a *Account) error {
	if a == nil {
		return fmt.Errorf("account is nil")
	}
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("account name is required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	blob, err := d.sealBlob(a.CredentialState)
	if err != nil {
		return err
	}

	_, err = d.conn.ExecContext(ctx, `
INSERT INTO accounts (id, name, status, proxy, credential_state, last_login_at, last_active_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Status, nullString(a.Proxy), blob,
		nullTime(a.LastLoginAt), nullTime(a.LastActiveAt), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert account %q: %w", a.Name, err)
	}
	return nil
}

// UpdateAccountState implements Store.
func (d *SQLite) UpdateAccountState(ctx context.Context, id string, credentialState []byte, loggedIn bool) error {
	blob, err := d.sealBlob(credentialState)
	if err != nil {
		return err
	}

	var res sql.Result
	if loggedIn {
		res, err = d.conn.ExecContext(ctx, `
UPDATE accounts SET credential_state = ?, last_login_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			blob, id)
	} else {
		res, err = d.conn.ExecContext(ctx, `
UPDATE accounts SET credential_state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			blob, id)
	}
	if err != nil {
		return fmt.Errorf("update account state: %w", err)
	}
	return requireRow(res)
}

// UpdateAccountConfig implements Store.
func (d *SQLite) UpdateAccountConfig(ctx context.Context, id string, update AccountUpdate) error {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	args := []any{}

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Proxy != nil {
		sets = append(sets, "proxy = ?")
		args = append(args, nullString(*update.Proxy))
	}
	if update.Status != nil {
		switch *update.Status {
		case StatusActive, StatusSuspended, StatusBanned:
		default:
			return fmt.Errorf("invalid status %q", *update.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}

	args = append(args, id)
	res, err := d.conn.ExecContext(ctx,
		`UPDATE accounts SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update account config: %w", err)
	}
	return requireRow(res)
}

// DeleteAccount implements Store.
func (d *SQLite) DeleteAccount(ctx context.Context, id string) (bool, error) {
	res, err := d.conn.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AllAccounts implements Store.
func (d *SQLite) AllAccounts(ctx context.Context) ([]*Account, error) {
	return d.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY name`)
}

// ActiveAccounts implements Store.
func (d *SQLite) ActiveAccounts(ctx context.Context) ([]*Account, error) {
	return d.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE status = ? ORDER BY name`, StatusActive)
}

// TouchAccount implements Store.
func (d *SQLite) TouchAccount(ctx context.Context, id string) error {
	res, err := d.conn.ExecContext(ctx,
		`UPDATE accounts SET last_active_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("touch account: %w", err)
	}
	return requireRow(res)
}

// LogOperation implements Store.
func (d *SQLite) LogOperation(ctx context.Context, op Operation) error {
	ts := op.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO operation_log (timestamp, account_id, action, params, success, error, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts, op.AccountID, op.Action, nullString(op.Params),
		op.Success, nullString(op.Error), op.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("log operation: %w", err)
	}
	return nil
}

// RecentOperations implements Store.
func (d *SQLite) RecentOperations(ctx context.Context, accountID string, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT timestamp, account_id, action, COALESCE(params, ''), success, COALESCE(error, ''), duration_ms
FROM operation_log`
	args := []any{}
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var op Operation
		var durMs int64
		if err := rows.Scan(&op.Timestamp, &op.AccountID, &op.Action, &op.Params,
			&op.Success, &op.Error, &durMs); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, op)
	}
	return out, rows.Err()
}

func (d *SQLite) queryAccounts(ctx context.Context, query string, args ...any) ([]*Account, error) {
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := d.scanAccountRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (d *SQLite) scanAccount(row *sql.Row) (*Account, error) {
	a, err := d.scanAccountRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (d *SQLite) scanAccountRow(row rowScanner) (*Account, error) {
	var a Account
	var proxy sql.NullString
	var blob []byte
	var lastLogin, lastActive sql.NullTime

	if err := row.Scan(&a.ID, &a.Name, &a.Status, &proxy, &blob,
		&lastLogin, &lastActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}

	a.Proxy = proxy.String
	if lastLogin.Valid {
		t := lastLogin.Time
		a.LastLoginAt = &t
	}
	if lastActive.Valid {
		t := lastActive.Time
		a.LastActiveAt = &t
	}

	state, err := d.openBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("unseal credential state for %q: %w", a.Name, err)
	}
	a.CredentialState = state

	return &a, nil
}

func (d *SQLite) sealBlob(state []byte) ([]byte, error) {
	if d.sealer == nil || len(state) == 0 {
		return state, nil
	}
	return d.sealer.Seal(state)
}

func (d *SQLite) openBlob(blob []byte) ([]byte, error) {
	if d.sealer == nil || len(blob) == 0 {
		return blob, nil
	}
	return d.sealer.Open(blob)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func openAndInit(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite PRAGMAs are per-connection; keep a single shared connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	initErr := func() error {
		if err := conn.Ping(); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		if _, err := conn.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
			return fmt.Errorf("set journal_mode=WAL: %w", err)
		}
		if _, err := conn.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
			return fmt.Errorf("set foreign_keys=ON: %w", err)
		}
		return runMigrations(conn)
	}()

	if initErr != nil {
		_ = conn.Close()
		return nil, initErr
	}

	return conn, nil
}

func dsn(path string) string {
	// Explicit file: DSN so mode=rwc auto-creates the file.
	return "file:" + filepath.ToSlash(path) + "?mode=rwc"
}

func isCorruptSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrInvalid) {
		return true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "file is not a database"):
		return true
	case strings.Contains(msg, "malformed"):
		return true
	default:
		return false
	}
}

func renameSidecars(path, backupPath string) error {
	for _, suffix := range []string{"-wal", "-shm"} {
		oldPath := path + suffix
		if _, err := os.Stat(oldPath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("stat %s: %w", oldPath, err)
		}
		if err := os.Rename(oldPath, backupPath+suffix); err != nil {
			return fmt.Errorf("rename %s: %w", oldPath, err)
		}
	}
	return nil
}
