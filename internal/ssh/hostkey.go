package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/arkvisor/arkvisor/internal/logging"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// NewHostKeyCallback builds a host key callback backed by a known_hosts
// file. With trustOnFirstUse, keys for hosts never seen before are
// recorded and accepted; a changed key is always rejected. An empty
// path disables verification entirely.
func NewHostKeyCallback(knownHostsPath string, trustOnFirstUse bool) (ssh.HostKeyCallback, error) {
	if strings.TrimSpace(knownHostsPath) == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if err := ensureKnownHostsFile(knownHostsPath); err != nil {
		return nil, err
	}

	verify, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read known_hosts: %w", err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		if err == nil {
			return nil
		}

		keyErr, ok := err.(*knownhosts.KeyError)
		if !ok {
			return err
		}

		// Want holds the keys on record for this host. Empty means the
		// host is new; non-empty means the key changed.
		if len(keyErr.Want) > 0 {
			logging.L().Warn("ssh_host_key_changed",
				"host", hostname,
				"fingerprint", ssh.FingerprintSHA256(key),
			)
			return fmt.Errorf("SSH host key changed for %s", hostname)
		}

		if !trustOnFirstUse {
			return fmt.Errorf("unknown SSH host key for %s", hostname)
		}

		if err := appendKnownHost(knownHostsPath, hostname, remote, key); err != nil {
			return err
		}

		logging.L().Info("ssh_host_key_accepted",
			"host", hostname,
			"fingerprint", ssh.FingerprintSHA256(key),
		)
		return nil
	}, nil
}

func ensureKnownHostsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create known_hosts directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create known_hosts file: %w", err)
	}
	return file.Close()
}

func appendKnownHost(path, hostname string, remote net.Addr, key ssh.PublicKey) error {
	line := knownhosts.Line(knownHostsEntries(hostname, remote), key)
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write known_hosts entry: %w", err)
	}
	return nil
}

// knownHostsEntries lists the host patterns the new key is recorded
// under: the dialed hostname plus the resolved address when it differs.
func knownHostsEntries(hostname string, remote net.Addr) []string {
	remoteHost, remotePort := "", ""
	if remote != nil {
		host, port, err := net.SplitHostPort(remote.String())
		if err != nil {
			remoteHost = remote.String()
		} else {
			remoteHost, remotePort = host, port
		}
	}

	var entries []string
	if hostname != "" {
		entries = append(entries, knownHostsPattern(hostname, remotePort))
	}
	if remoteHost != "" && remoteHost != hostname {
		entries = append(entries, knownHostsPattern(remoteHost, remotePort))
	}
	if len(entries) == 0 {
		entries = append(entries, knownHostsPattern(remoteHost, remotePort))
	}
	return entries
}

// knownHostsPattern formats one host for a known_hosts line; non-default
// ports use the bracketed form.
func knownHostsPattern(host, port string) string {
	if host == "" || port == "" || port == "22" {
		return host
	}
	return fmt.Sprintf("[%s]:%s", host, port)
}
