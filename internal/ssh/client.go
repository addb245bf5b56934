// Package ssh maintains connections to remote container hosts. Commands
// for servers whose descriptor names a non-empty host run here instead of
// on the local machine.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/arkvisor/arkvisor/internal/config"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Client wraps an SSH connection to one host
type Client struct {
	config       *ClientConfig
	client       *ssh.Client
	connectedAt  time.Time
	lastActivity time.Time
}

// ClientConfig holds SSH connection configuration
type ClientConfig struct {
	Host            string
	Port            int
	Username        string
	AuthMethod      string // "key" or "password"
	KeyPath         string
	Password        string
	Timeout         time.Duration
	KnownHostsPath  string
	TrustOnFirstUse bool
}

// ConfigForHost assembles a ClientConfig from a server descriptor's
// connection details and the daemon's SSH security settings.
func ConfigForHost(host string, conn config.ConnectionConfig, sec config.SSHConfig) *ClientConfig {
	port := conn.Port
	if port == 0 {
		port = 22
	}

	return &ClientConfig{
		Host:            host,
		Port:            port,
		Username:        conn.Username,
		AuthMethod:      conn.AuthMethod,
		KeyPath:         conn.KeyPath,
		Password:        conn.Password,
		KnownHostsPath:  sec.KnownHostsPath,
		TrustOnFirstUse: sec.TrustOnFirstUse,
	}
}

// endpoint identifies the connection for pooling
func (c *ClientConfig) endpoint() string {
	return c.Username + "@" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NewClient creates a connected SSH client
func NewClient(config *ClientConfig) (*Client, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	client := &Client{config: config}
	if err := client.Connect(); err != nil {
		return nil, err
	}
	return client, nil
}

// Connect establishes the SSH connection
func (c *Client) Connect() error {
	var authMethod ssh.AuthMethod

	switch c.config.AuthMethod {
	case "key":
		signer, err := loadPrivateKey(c.config.KeyPath)
		if err != nil {
			return fmt.Errorf("failed to load private key: %w", err)
		}
		authMethod = ssh.PublicKeys(signer)

	case "password":
		authMethod = ssh.Password(c.config.Password)

	default:
		return fmt.Errorf("unsupported auth method: %s", c.config.AuthMethod)
	}

	hostKeyCallback, err := NewHostKeyCallback(c.config.KnownHostsPath, c.config.TrustOnFirstUse)
	if err != nil {
		return fmt.Errorf("failed to configure host key verification: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            c.config.Username,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.config.Timeout,
	}

	address := net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
	client, err := ssh.Dial("tcp", address, sshConfig)
	if err != nil {
		return fmt.Errorf("failed to dial SSH: %w", err)
	}

	c.client = client
	c.connectedAt = time.Now()
	c.lastActivity = time.Now()
	return nil
}

// Close closes the SSH connection
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsConnected checks if the connection is still active
func (c *Client) IsConnected() bool {
	if c.client == nil {
		return false
	}

	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	if err != nil {
		return false
	}

	c.lastActivity = time.Now()
	return true
}

// Run executes one remote command with separated streams. A non-zero
// remote exit status is returned as data, not as an error; err is
// reserved for session and transport failures.
func (c *Client) Run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error) {
	if c.client == nil {
		return "", "", 0, fmt.Errorf("not connected")
	}

	session, err := c.client.NewSession()
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		c.lastActivity = time.Now()
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return outBuf.String(), errBuf.String(), exitErr.ExitStatus(), nil
			}
			return outBuf.String(), errBuf.String(), 0, fmt.Errorf("remote command failed: %w", err)
		}
		return outBuf.String(), errBuf.String(), 0, nil

	case <-ctx.Done():
		session.Close()
		return "", "", 0, ctx.Err()
	}
}

// RunCommand executes a command and returns the combined output
func (c *Client) RunCommand(command string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	output, err := session.CombinedOutput(command)
	c.lastActivity = time.Now()

	if err != nil {
		return string(output), fmt.Errorf("command failed: %w", err)
	}
	return string(output), nil
}

// NewSFTP opens an SFTP subsystem on the connection
func (c *Client) NewSFTP() (*sftp.Client, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	c.lastActivity = time.Now()
	return sftp.NewClient(c.client)
}

// LastActivity returns when the connection was last used
func (c *Client) LastActivity() time.Time {
	return c.lastActivity
}

// LoadSigner reads and parses an SSH private key file
func LoadSigner(path string) (ssh.Signer, error) {
	return loadPrivateKey(path)
}

// loadPrivateKey reads and parses an SSH private key file
func loadPrivateKey(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		var passErr *ssh.PassphraseMissingError
		if errors.As(err, &passErr) {
			return nil, fmt.Errorf("private key %s is passphrase protected; provide an unencrypted key", path)
		}
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}
	return signer, nil
}
