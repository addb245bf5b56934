package backup

import (
	"fmt"
	"io"
	"log"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"

	"github.com/arkvisor/arkvisor/internal/config"
	sshclient "github.com/arkvisor/arkvisor/internal/ssh"
)

// SFTPDestination stores backups on a remote SFTP server
type SFTPDestination struct {
	dest       config.BackupDestination
	sec        config.SSHConfig
	sshClient  *xssh.Client
	sftpClient *sftp.Client
}

// NewSFTPDestination creates an SFTP destination and connects eagerly
// so misconfiguration surfaces at backup time, not upload time.
func NewSFTPDestination(dest config.BackupDestination, sec config.SSHConfig) (*SFTPDestination, error) {
	if dest.Host == "" || dest.Username == "" {
		return nil, fmt.Errorf("sftp destination requires host and username")
	}
	if dest.Path == "" {
		return nil, fmt.Errorf("sftp destination requires a path")
	}

	sd := &SFTPDestination{dest: dest, sec: sec}
	if err := sd.connect(); err != nil {
		return nil, err
	}
	return sd, nil
}

func (sd *SFTPDestination) connect() error {
	hostKeyCallback, err := sshclient.NewHostKeyCallback(sd.sec.KnownHostsPath, sd.sec.TrustOnFirstUse)
	if err != nil {
		return fmt.Errorf("failed to configure host key verification: %w", err)
	}

	sshConfig := &xssh.ClientConfig{
		User:            sd.dest.Username,
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	}

	switch {
	case sd.dest.KeyPath != "":
		signer, err := sshclient.LoadSigner(sd.dest.KeyPath)
		if err != nil {
			return fmt.Errorf("failed to load SSH key: %w", err)
		}
		sshConfig.Auth = []xssh.AuthMethod{xssh.PublicKeys(signer)}
	case sd.dest.Password != "":
		sshConfig.Auth = []xssh.AuthMethod{xssh.Password(sd.dest.Password)}
	default:
		return fmt.Errorf("sftp destination requires key_path or password")
	}

	port := sd.dest.Port
	if port == 0 {
		port = 22
	}
	addr := fmt.Sprintf("%s:%d", sd.dest.Host, port)

	sshConn, err := xssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	sftpConn, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return fmt.Errorf("failed to open SFTP subsystem: %w", err)
	}

	sd.sshClient = sshConn
	sd.sftpClient = sftpConn
	log.Printf("[SFTPDest] Connected to %s", addr)
	return nil
}

// ensureConnected reconnects after a dropped session
func (sd *SFTPDestination) ensureConnected() error {
	if sd.sftpClient != nil {
		if _, err := sd.sftpClient.Getwd(); err == nil {
			return nil
		}
		sd.Close()
	}
	return sd.connect()
}

func (sd *SFTPDestination) Type() string {
	return "sftp"
}

// Upload writes a backup file to the remote path
func (sd *SFTPDestination) Upload(filename string, reader io.Reader, sizeBytes int64) error {
	if err := sd.ensureConnected(); err != nil {
		return err
	}

	if err := sd.sftpClient.MkdirAll(sd.dest.Path); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}

	remotePath := path.Join(sd.dest.Path, filename)
	log.Printf("[SFTPDest] Uploading %s (%d bytes)", remotePath, sizeBytes)

	file, err := sd.sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	defer file.Close()

	written, err := io.Copy(file, reader)
	if err != nil {
		sd.sftpClient.Remove(remotePath)
		return fmt.Errorf("failed to write remote file: %w", err)
	}
	if written != sizeBytes {
		sd.sftpClient.Remove(remotePath)
		return fmt.Errorf("size mismatch: expected %d bytes, wrote %d bytes", sizeBytes, written)
	}

	return nil
}

// Delete removes a backup file from the remote path
func (sd *SFTPDestination) Delete(filename string) error {
	if err := sd.ensureConnected(); err != nil {
		return err
	}

	remotePath := path.Join(sd.dest.Path, filename)
	log.Printf("[SFTPDest] Deleting %s", remotePath)

	if err := sd.sftpClient.Remove(remotePath); err != nil {
		return fmt.Errorf("failed to delete remote file: %w", err)
	}
	return nil
}

// List returns all archives at the remote path
func (sd *SFTPDestination) List() ([]StoredFile, error) {
	if err := sd.ensureConnected(); err != nil {
		return nil, err
	}

	entries, err := sd.sftpClient.ReadDir(sd.dest.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote directory: %w", err)
	}

	files := make([]StoredFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tar.gz") {
			continue
		}
		files = append(files, StoredFile{
			Filename:  entry.Name(),
			SizeBytes: entry.Size(),
			CreatedAt: entry.ModTime(),
		})
	}
	return files, nil
}

// Close tears down both the SFTP and SSH sessions
func (sd *SFTPDestination) Close() {
	if sd.sftpClient != nil {
		sd.sftpClient.Close()
		sd.sftpClient = nil
	}
	if sd.sshClient != nil {
		sd.sshClient.Close()
		sd.sshClient = nil
	}
}
