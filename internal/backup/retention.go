package backup

import (
	"fmt"
	"log"
	"sort"
	"strings"
)

// EnforceRetention keeps the newest keep archives for one server at a
// destination and deletes the rest. Archives belonging to other
// servers at the same destination are left alone.
func EnforceRetention(dest Destination, serverName string, keep int) error {
	if keep <= 0 {
		return nil
	}

	files, err := dest.List()
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}

	var mine []StoredFile
	for _, f := range files {
		if strings.HasPrefix(f.Filename, serverName+"_") {
			mine = append(mine, f)
		}
	}
	if len(mine) <= keep {
		return nil
	}

	// Newest first. The filename timestamp beats mtime, which uploads
	// and copies can disturb.
	sort.Slice(mine, func(i, j int) bool {
		ti, tj := archiveTimestamp(mine[i].Filename), archiveTimestamp(mine[j].Filename)
		if ti.IsZero() || tj.IsZero() {
			return mine[i].CreatedAt.After(mine[j].CreatedAt)
		}
		return ti.After(tj)
	})

	var firstErr error
	for _, f := range mine[keep:] {
		log.Printf("[Retention] Deleting %s from %s (keep %d)", f.Filename, dest.Type(), keep)
		if err := dest.Delete(f.Filename); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
