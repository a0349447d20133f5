// Package backup copies the sqlite database to an off-host SFTP target.
package backup

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/driftwoodlabs/roost/internal/config"
)

const dialTimeout = 10 * time.Second

// Client uploads database snapshots over SFTP.
type Client struct {
	cfg    config.BackupConfig
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a backup client for the given target.
func New(cfg config.BackupConfig, opts ...Option) (*Client, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("backup target not configured")
	}
	if cfg.KeyFile == "" {
		return nil, fmt.Errorf("backup.key_file is required")
	}

	c := &Client{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run uploads the database file at localPath and returns the remote path it
// landed at. The upload goes to a temporary name and is renamed into place
// so the target never holds a half-written snapshot.
func (c *Client) Run(localPath string) (string, error) {
	local, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open database: %w", err)
	}
	defer local.Close()

	conn, err := c.dial()
	if err != nil {
		return "", err
	}
	defer conn.Close()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return "", fmt.Errorf("start sftp: %w", err)
	}
	defer client.Close()

	remoteDir := c.cfg.RemoteDir
	if remoteDir == "" {
		remoteDir = "roost-backups"
	}
	if err := client.MkdirAll(remoteDir); err != nil {
		return "", fmt.Errorf("create remote dir %s: %w", remoteDir, err)
	}

	name := fmt.Sprintf("roost-%s.db", time.Now().UTC().Format("20060102-150405"))
	remotePath := path.Join(remoteDir, name)
	tmpPath := remotePath + ".uploading"

	remote, err := client.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("create remote file: %w", err)
	}

	n, err := io.Copy(remote, local)
	if cerr := remote.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = client.Remove(tmpPath)
		return "", fmt.Errorf("upload database: %w", err)
	}

	if err := client.PosixRename(tmpPath, remotePath); err != nil {
		_ = client.Remove(tmpPath)
		return "", fmt.Errorf("finalize remote file: %w", err)
	}

	c.logger.Info("database backup uploaded",
		"host", c.cfg.Host, "path", remotePath, "bytes", n)
	return remotePath, nil
}

func (c *Client) dial() (*ssh.Client, error) {
	key, err := os.ReadFile(c.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.cfg.KnownHosts != "" {
		hostKeyCallback, err = knownhosts.New(c.cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	} else {
		c.logger.Warn("backup.known_hosts not set; skipping host key verification",
			"host", c.cfg.Host)
	}

	port := c.cfg.Port
	if port == 0 {
		port = 22
	}
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, port)

	sshCfg := &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}

	conn, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}
