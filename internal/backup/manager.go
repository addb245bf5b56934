package backup

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/arkvisor/arkvisor/internal/config"
	"github.com/arkvisor/arkvisor/internal/events"
)

// ActivityLog records backup outcomes; nil disables recording
type ActivityLog interface {
	LogBackupCreate(serverName, destination string, sizeBytes int64, success bool, errorMsg string) error
}

// Result summarizes one completed backup run
type Result struct {
	Filename     string   `json:"filename"`
	SizeBytes    int64    `json:"size_bytes"`
	FileCount    int      `json:"file_count"`
	Destinations []string `json:"destinations"`
}

// Manager archives saved worlds and ships them to each configured
// destination. One backup per server runs at a time; a second request
// while one is in flight fails fast instead of queueing.
type Manager struct {
	registry   *config.Registry
	sec        config.SSHConfig
	stagingDir string
	defaultDir string
	activity   ActivityLog
	bus        *events.Bus

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewManager creates a backup manager. defaultDir is the local
// destination used by descriptors that configure none.
func NewManager(registry *config.Registry, sec config.SSHConfig, stagingDir, defaultDir string, activity ActivityLog, bus *events.Bus) *Manager {
	return &Manager{
		registry:   registry,
		sec:        sec,
		stagingDir: stagingDir,
		defaultDir: defaultDir,
		activity:   activity,
		bus:        bus,
		inFlight:   make(map[string]bool),
	}
}

// CreateBackup archives the server's saved worlds and uploads the
// archive everywhere the descriptor says. Partial upload failures are
// reported but do not abort the remaining destinations.
func (m *Manager) CreateBackup(name string) (*Result, error) {
	desc, err := m.registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	if desc.Host != "" {
		return nil, fmt.Errorf("world backups for container-hosted server %s are taken on its host", name)
	}

	if !m.begin(name) {
		return nil, fmt.Errorf("a backup for %s is already running", name)
	}
	defer m.end(name)

	info, err := CreateWorldArchive(name, desc.SavedDir(), m.stagingDir)
	if err != nil {
		m.record(name, "archive", 0, false, err.Error())
		return nil, err
	}
	defer os.Remove(info.Path)

	dests := desc.Backup.Destinations
	if len(dests) == 0 {
		dests = []config.BackupDestination{{Type: "local", Path: m.defaultDir}}
	}

	result := &Result{
		Filename:  info.Filename,
		SizeBytes: info.SizeBytes,
		FileCount: info.FileCount,
	}
	var failures []string

	for _, destCfg := range dests {
		if err := m.shipTo(destCfg, desc, info); err != nil {
			log.Printf("[Backup] %s to %s failed: %v", name, destCfg.Type, err)
			m.record(name, destCfg.Type, info.SizeBytes, false, err.Error())
			failures = append(failures, fmt.Sprintf("%s: %v", destCfg.Type, err))
			continue
		}
		m.record(name, destCfg.Type, info.SizeBytes, true, "")
		result.Destinations = append(result.Destinations, destCfg.Type)
	}

	if len(result.Destinations) == 0 {
		return nil, fmt.Errorf("backup of %s failed at every destination: %s", name, strings.Join(failures, "; "))
	}

	if m.bus != nil {
		m.bus.Publish(events.Notification{
			Kind:       events.KindBackupCompleted,
			ServerName: name,
			Fields: map[string]interface{}{
				"filename":     result.Filename,
				"size_bytes":   result.SizeBytes,
				"destinations": result.Destinations,
			},
		})
	}
	if len(failures) > 0 {
		log.Printf("[Backup] %s completed with partial failures: %s", name, strings.Join(failures, "; "))
	}
	return result, nil
}

func (m *Manager) shipTo(destCfg config.BackupDestination, desc *config.Descriptor, info *ArchiveInfo) error {
	dest, err := NewDestination(destCfg, m.sec)
	if err != nil {
		return err
	}
	if closer, ok := dest.(*SFTPDestination); ok {
		defer closer.Close()
	}

	f, err := os.Open(info.Path)
	if err != nil {
		return fmt.Errorf("failed to reopen archive: %w", err)
	}
	err = dest.Upload(info.Filename, f, info.SizeBytes)
	f.Close()
	if err != nil {
		return err
	}

	if count := desc.Backup.Retention.Count; count > 0 {
		if err := EnforceRetention(dest, desc.Name, count); err != nil {
			log.Printf("[Backup] Retention on %s for %s failed: %v", dest.Type(), desc.Name, err)
		}
	}
	return nil
}

func (m *Manager) begin(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[name] {
		return false
	}
	m.inFlight[name] = true
	return true
}

func (m *Manager) end(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, name)
}

func (m *Manager) record(name, destination string, size int64, success bool, errorMsg string) {
	if m.activity == nil {
		return
	}
	if err := m.activity.LogBackupCreate(name, destination, size, success, errorMsg); err != nil {
		log.Printf("[Backup] Failed to record backup activity: %v", err)
	}
}
