// Package backup archives a server's saved-world directory and ships
// the archive to one or more storage destinations.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ArchiveInfo contains metadata about a created archive
type ArchiveInfo struct {
	Filename  string
	Path      string
	SizeBytes int64
	FileCount int
	CreatedAt time.Time
}

// CreateWorldArchive writes a tar.gz of the saved-world directory into
// stagingDir and returns its metadata. The archive holds paths
// relative to sourceDir so a restore lands in place.
func CreateWorldArchive(serverName, sourceDir, stagingDir string) (*ArchiveInfo, error) {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("saved directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("saved path %s is not a directory", sourceDir)
	}

	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	createdAt := time.Now()
	filename := fmt.Sprintf("%s_%s.tar.gz", serverName, createdAt.Format("2006-01-02_15-04-05"))
	archivePath := filepath.Join(stagingDir, filename)

	log.Printf("[Archive] Creating %s from %s", filename, sourceDir)

	out, err := os.Create(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive file: %w", err)
	}

	fileCount, err := writeTarGz(out, sourceDir)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(archivePath)
		return nil, fmt.Errorf("failed to write archive: %w", err)
	}

	stat, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	log.Printf("[Archive] Created %s (%d files, %d bytes)", filename, fileCount, stat.Size())
	return &ArchiveInfo{
		Filename:  filename,
		Path:      archivePath,
		SizeBytes: stat.Size(),
		FileCount: fileCount,
		CreatedAt: createdAt,
	}, nil
}

func writeTarGz(out io.Writer, sourceDir string) (int, error) {
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	fileCount := 0
	walkErr := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return err
		}

		fileCount++
		return nil
	})

	if err := tw.Close(); walkErr == nil {
		walkErr = err
	}
	if err := gz.Close(); walkErr == nil {
		walkErr = err
	}
	return fileCount, walkErr
}

// archiveTimestamp extracts the creation time encoded in an archive
// filename, falling back to the zero time when the name does not match.
func archiveTimestamp(filename string) time.Time {
	base := strings.TrimSuffix(filename, ".tar.gz")
	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return time.Time{}
	}
	// The timestamp spans the last two _-separated fields.
	idx = strings.LastIndex(base[:idx], "_")
	if idx < 0 {
		return time.Time{}
	}
	ts, err := time.ParseInLocation("2006-01-02_15-04-05", base[idx+1:], time.Local)
	if err != nil {
		return time.Time{}
	}
	return ts
}
