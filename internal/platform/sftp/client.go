// Package sftp opens short-lived SSH/SFTP sessions to payer file drops.
// A Client is used for a single submission or probe and closed before the
// caller returns; sessions are never pooled.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	gosftp "github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// DefaultPort is used when Config.Port is zero.
const DefaultPort = 22

// Config holds the connection parameters for one session.
type Config struct {
	Host          string
	Port          int
	Username      string
	Password      string
	PrivateKey    string // PEM or OpenSSH key material, already decrypted
	UsePrivateKey bool
	HostKey       ssh.HostKeyCallback
	Timeout       time.Duration
}

// Addr returns host:port, applying DefaultPort.
func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c Config) authMethods() ([]ssh.AuthMethod, error) {
	if c.UsePrivateKey {
		if c.PrivateKey == "" {
			return nil, fmt.Errorf("sftp: private key authentication selected but no key configured")
		}
		signer, err := ssh.ParsePrivateKey([]byte(c.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("sftp: parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return []ssh.AuthMethod{ssh.Password(c.Password)}, nil
}

// Client is a connected SFTP session.
type Client struct {
	ssh    *ssh.Client
	sftp   *gosftp.Client
	stop   func() bool
	cancel context.CancelFunc
}

// Dial connects, authenticates and starts the sftp subsystem. The session is
// bound to ctx and cfg.Timeout: the deadline applies to every read and write
// on the underlying connection until Close, and cancelling ctx closes the
// connection.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.HostKey == nil {
		return nil, fmt.Errorf("sftp: no host key callback configured")
	}
	auth, err := cfg.authMethods()
	if err != nil {
		return nil, err
	}

	cancel := context.CancelFunc(func() {})
	if cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	}

	addr := cfg.Addr()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sftp: dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: cfg.HostKey,
	})
	if err != nil {
		stop()
		cancel()
		conn.Close()
		return nil, fmt.Errorf("sftp: ssh handshake with %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := gosftp.NewClient(sshClient)
	if err != nil {
		stop()
		cancel()
		sshClient.Close()
		return nil, fmt.Errorf("sftp: start subsystem: %w", err)
	}

	c := &Client{ssh: sshClient, sftp: sftpClient, stop: stop, cancel: cancel}
	if _, err := sftpClient.Getwd(); err != nil {
		c.Close()
		return nil, fmt.Errorf("sftp: session not connected: %w", err)
	}
	return c, nil
}

// Upload writes content to remotePath, creating or truncating the file.
func (c *Client) Upload(remotePath string, content []byte) error {
	f, err := c.sftp.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("sftp: open %s: %w", remotePath, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("sftp: write %s: %w", remotePath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("sftp: close %s: %w", remotePath, err)
	}
	return nil
}

// Exists reports whether remotePath is present on the server.
func (c *Client) Exists(remotePath string) (bool, error) {
	_, err := c.sftp.Stat(remotePath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) || os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("sftp: stat %s: %w", remotePath, err)
}

// Close ends the sftp subsystem and the SSH connection.
func (c *Client) Close() error {
	if c.stop != nil {
		c.stop()
	}
	sftpErr := c.sftp.Close()
	sshErr := c.ssh.Close()
	if c.cancel != nil {
		c.cancel()
	}
	if sftpErr != nil {
		return sftpErr
	}
	if sshErr != nil && !errors.Is(sshErr, net.ErrClosed) {
		return sshErr
	}
	return nil
}

// Join places name under the remote directory dir. An empty dir means the
// login directory.
func Join(dir, name string) string {
	if dir == "" {
		return name
	}
	return path.Join(dir, name)
}
