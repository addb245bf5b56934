package backup

import (
	"fmt"
	"io"
	"time"

	"github.com/arkvisor/arkvisor/internal/config"
)

// Destination is one backup storage target
type Destination interface {
	// Upload stores a file under the destination's base path
	Upload(filename string, reader io.Reader, sizeBytes int64) error

	// Delete removes a stored file
	Delete(filename string) error

	// List returns all stored backup files
	List() ([]StoredFile, error)

	// Type returns the destination type identifier
	Type() string
}

// StoredFile is one file at a destination
type StoredFile struct {
	Filename  string
	SizeBytes int64
	CreatedAt time.Time
}

// NewDestination builds a destination from a descriptor's backup
// destination entry. sec supplies the daemon's SSH host-key policy for
// SFTP targets.
func NewDestination(dest config.BackupDestination, sec config.SSHConfig) (Destination, error) {
	switch dest.Type {
	case "local":
		if dest.Path == "" {
			return nil, fmt.Errorf("local destination requires a path")
		}
		return NewLocalDestination(dest.Path), nil
	case "sftp":
		return NewSFTPDestination(dest, sec)
	case "s3":
		return NewS3Destination(dest)
	default:
		return nil, fmt.Errorf("unsupported destination type: %s", dest.Type)
	}
}
