package logging

import (
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ActivityLogger provides centralized logging of all fleet activity. Every
// entry is written to the database and to a daily JSONL file so operators
// can grep history even when the database is unavailable.
type ActivityLogger struct {
	db          *sql.DB
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// Activity represents a logged activity
type Activity struct {
	Timestamp    time.Time              `json:"timestamp"`
	ServerName   string                 `json:"server_name"`
	ActivityType string                 `json:"activity_type"`
	Description  string                 `json:"description"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// Activity type constants
const (
	ActivityServerStart        = "server.start"
	ActivityServerStop         = "server.stop"
	ActivityServerRestart      = "server.restart"
	ActivityServerStatusChange = "server.status_change"
	ActivityCommandExecute     = "command.execute"
	ActivityIdleArmed          = "idle.armed"
	ActivityIdleCancelled      = "idle.cancelled"
	ActivityIdleWarning        = "idle.warning"
	ActivityIdleShutdown       = "idle.shutdown"
	ActivityBackupCreate       = "backup.create"
	ActivityScheduleRun        = "schedule.run"
	ActivityError              = "error"
)

// NewActivityLogger creates a new activity logger
func NewActivityLogger(db *sql.DB, logDir string) (*ActivityLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logger := &ActivityLogger{
		db:     db,
		logDir: logDir,
	}

	log.Printf("[ActivityLogger] Initialized (log directory: %s)", logDir)

	return logger, nil
}

// LogActivity logs an activity to both database and file
func (al *ActivityLogger) LogActivity(activity *Activity) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if activity.Timestamp.IsZero() {
		activity.Timestamp = time.Now()
	}

	// A database failure must not lose the file record.
	if err := al.logToDatabase(activity); err != nil {
		log.Printf("[ActivityLogger] Error logging to database: %v", err)
	}

	if err := al.logToFile(activity); err != nil {
		log.Printf("[ActivityLogger] Error logging to file: %v", err)
		return err
	}

	return nil
}

// LogServerStart logs a server start attempt
func (al *ActivityLogger) LogServerStart(serverName string, pid int, success bool, errorMsg string) error {
	metadata := make(map[string]interface{})
	if pid > 0 {
		metadata["pid"] = pid
	}
	if errorMsg != "" {
		metadata["error"] = errorMsg
	}

	return al.LogActivity(&Activity{
		ServerName:   serverName,
		ActivityType: ActivityServerStart,
		Description:  "Server start initiated",
		Metadata:     metadata,
		Success:      success,
		ErrorMessage: errorMsg,
	})
}

// LogServerStop logs a server stop attempt. A stop that found nothing to
// stop is recorded with stopped=false but still counts as success.
func (al *ActivityLogger) LogServerStop(serverName string, stopped bool, success bool, errorMsg string) error {
	metadata := map[string]interface{}{
		"stopped": stopped,
	}
	if errorMsg != "" {
		metadata["error"] = errorMsg
	}

	return al.LogActivity(&Activity{
		ServerName:   serverName,
		ActivityType: ActivityServerStop,
		Description:  fmt.Sprintf("Server stop initiated (stopped: %v)", stopped),
		Metadata:     metadata,
		Success:      success,
		ErrorMessage: errorMsg,
	})
}

// LogServerRestart logs a server restart attempt
func (al *ActivityLogger) LogServerRestart(serverName string, success bool, errorMsg string) error {
	metadata := make(map[string]interface{})
	if errorMsg != "" {
		metadata["error"] = errorMsg
	}

	return al.LogActivity(&Activity{
		ServerName:   serverName,
		ActivityType: ActivityServerRestart,
		Description:  "Server restart initiated",
		Metadata:     metadata,
		Success:      success,
		ErrorMessage: errorMsg,
	})
}

// LogCommandExecute logs an RCON command execution with its derived
// classification. The command row also lands in rcon_commands so
// per-class usage counts can be queried cheaply.
func (al *ActivityLogger) LogCommandExecute(serverName, command, classification string, success bool, output, errorMsg string) error {
	metadata := map[string]interface{}{
		"command":        command,
		"classification": classification,
	}

	if output != "" {
		if len(output) > 1000 {
			metadata["output"] = output[:1000] + "... (truncated)"
		} else {
			metadata["output"] = output
		}
	}

	if errorMsg != "" {
		metadata["error"] = errorMsg
	}

	if al.db != nil {
		_, err := al.db.Exec(
			`INSERT INTO rcon_commands (timestamp, server_name, classification, command, success) VALUES (?, ?, ?, ?, ?)`,
			time.Now(), serverName, classification, command, success,
		)
		if err != nil {
			log.Printf("[ActivityLogger] Error recording rcon command: %v", err)
		}
	}

	return al.LogActivity(&Activity{
		ServerName:   serverName,
		ActivityType: ActivityCommandExecute,
		Description:  fmt.Sprintf("Command executed: %s", command),
		Metadata:     metadata,
		Success:      success,
		ErrorMessage: errorMsg,
	})
}

// LogStatusChange logs a server status transition
func (al *ActivityLogger) LogStatusChange(serverName string, oldStatus, newStatus string) error {
	if al.db != nil {
		_, err := al.db.Exec(
			`INSERT INTO status_history (timestamp, server_name, old_status, new_status) VALUES (?, ?, ?, ?)`,
			time.Now(), serverName, oldStatus, newStatus,
		)
		if err != nil {
			log.Printf("[ActivityLogger] Error recording status change: %v", err)
		}
	}

	return al.LogActivity(&Activity{
		ServerName:   serverName,
		ActivityType: ActivityServerStatusChange,
		Description:  fmt.Sprintf("Status changed: %s -> %s", oldStatus, newStatus),
		Metadata: map[string]interface{}{
			"old_status": oldStatus,
			"new_status": newStatus,
		},
		Success: true,
	})
}

// LogIdleArmed logs an idle-shutdown timer being armed
func (al *ActivityLogger) LogIdleArmed(serverName string, timeoutMinutes int) error {
	return al.LogActivity(&Activity{
		ServerName:   serverName,
		ActivityType: ActivityIdleArmed,
		Description:  fmt.Sprintf("Idle shutdown armed (%d minutes)", timeoutMinutes),
		Metadata: map[string]interface{}{
			"timeout_minutes": timeoutMinutes,
		},
		Success: true,
	})
}

// LogIdleCancelled logs an idle-shutdown timer being cancelled
func (al *ActivityLogger) LogIdleCancelled(serverName, reason string) error {
	return al.LogActivity(&Activity{
		ServerName:   serverName,
		ActivityType: ActivityIdleCancelled,
		Description:  fmt.Sprintf("Idle shutdown cancelled (%s)", reason),
		Metadata: map[string]interface{}{
			"reason": reason,
		},
		Success: true,
	})
}

// LogIdleWarning logs an idle-shutdown warning broadcast
func (al *ActivityLogger) LogIdleWarning(serverName string, minutesLeft int) error {
	return al.LogActivity(&Activity{
		ServerName:   serverName,
		ActivityType: ActivityIdleWarning,
		Description:  fmt.Sprintf("Idle shutdown warning (%d minutes left)", minutesLeft),
		Metadata: map[string]interface{}{
			"minutes_left": minutesLeft,
		},
		Success: true,
	})
}

// LogIdleShutdown logs an idle-shutdown expiry
func (al *ActivityLogger) LogIdleShutdown(serverName string, saved bool) error {
	return al.LogActivity(&Activity{
		ServerName:   serverName,
		ActivityType: ActivityIdleShutdown,
		Description:  "Idle shutdown triggered",
		Metadata: map[string]interface{}{
			"world_saved": saved,
		},
		Success: true,
	})
}

// LogBackupCreate logs a world backup
func (al *ActivityLogger) LogBackupCreate(serverName, destination string, sizeBytes int64, success bool, errorMsg string) error {
	metadata := map[string]interface{}{
		"destination": destination,
		"size_bytes":  sizeBytes,
	}
	if errorMsg != "" {
		metadata["error"] = errorMsg
	}

	return al.LogActivity(&Activity{
		ServerName:   serverName,
		ActivityType: ActivityBackupCreate,
		Description:  fmt.Sprintf("World backup to %s", destination),
		Metadata:     metadata,
		Success:      success,
		ErrorMessage: errorMsg,
	})
}

// LogScheduleRun logs the execution of a scheduled task
func (al *ActivityLogger) LogScheduleRun(serverName, action string, success bool, errorMsg string) error {
	return al.LogActivity(&Activity{
		ServerName:   serverName,
		ActivityType: ActivityScheduleRun,
		Description:  fmt.Sprintf("Scheduled %s executed", action),
		Metadata: map[string]interface{}{
			"action": action,
		},
		Success:      success,
		ErrorMessage: errorMsg,
	})
}

// LogError logs a general error
func (al *ActivityLogger) LogError(serverName string, errorType string, errorMsg string, metadata map[string]interface{}) error {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	metadata["error_type"] = errorType

	return al.LogActivity(&Activity{
		ServerName:   serverName,
		ActivityType: ActivityError,
		Description:  errorType,
		Metadata:     metadata,
		Success:      false,
		ErrorMessage: errorMsg,
	})
}

// GetActivities retrieves activities from the database
func (al *ActivityLogger) GetActivities(serverName string, activityType string, since time.Time, limit int) ([]*Activity, error) {
	if al.db == nil {
		return nil, fmt.Errorf("database not available")
	}

	query := `
		SELECT timestamp, server_name, activity_type, description, metadata, success, error_message
		FROM activity_log
		WHERE 1=1
	`
	args := make([]interface{}, 0)

	if serverName != "" {
		query += " AND server_name = ?"
		args = append(args, serverName)
	}

	if activityType != "" {
		query += " AND activity_type = ?"
		args = append(args, activityType)
	}

	if !since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, since)
	}

	query += " ORDER BY timestamp DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := al.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	activities := make([]*Activity, 0)

	for rows.Next() {
		activity := &Activity{}
		var metadataJSON sql.NullString

		err := rows.Scan(
			&activity.Timestamp,
			&activity.ServerName,
			&activity.ActivityType,
			&activity.Description,
			&metadataJSON,
			&activity.Success,
			&activity.ErrorMessage,
		)

		if err != nil {
			log.Printf("[ActivityLogger] Error scanning row: %v", err)
			continue
		}

		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &activity.Metadata); err != nil {
				log.Printf("[ActivityLogger] Error unmarshaling metadata: %v", err)
			}
		}

		activities = append(activities, activity)
	}

	return activities, nil
}

// GetRecentActivities retrieves the most recent activities
func (al *ActivityLogger) GetRecentActivities(limit int) ([]*Activity, error) {
	return al.GetActivities("", "", time.Time{}, limit)
}

// GetServerActivities retrieves activities for a specific server
func (al *ActivityLogger) GetServerActivities(serverName string, limit int) ([]*Activity, error) {
	return al.GetActivities(serverName, "", time.Time{}, limit)
}

// GetCommandStats returns per-classification counts of RCON commands
func (al *ActivityLogger) GetCommandStats(serverName string, since time.Time) (map[string]int, error) {
	if al.db == nil {
		return nil, fmt.Errorf("database not available")
	}

	query := `
		SELECT classification, COUNT(*) as count
		FROM rcon_commands
		WHERE 1=1
	`
	args := make([]interface{}, 0)

	if serverName != "" {
		query += " AND server_name = ?"
		args = append(args, serverName)
	}

	if !since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, since)
	}

	query += " GROUP BY classification"

	rows, err := al.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query command stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)

	for rows.Next() {
		var classification string
		var count int

		if err := rows.Scan(&classification, &count); err != nil {
			log.Printf("[ActivityLogger] Error scanning stats row: %v", err)
			continue
		}

		stats[classification] = count
	}

	return stats, nil
}

// logToDatabase logs an activity to the database
func (al *ActivityLogger) logToDatabase(activity *Activity) error {
	if al.db == nil {
		return nil // Database not configured
	}

	metadataJSON, err := json.Marshal(activity.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO activity_log (
			timestamp, server_name, activity_type,
			description, metadata, success, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = al.db.Exec(
		query,
		activity.Timestamp,
		activity.ServerName,
		activity.ActivityType,
		activity.Description,
		string(metadataJSON),
		activity.Success,
		activity.ErrorMessage,
	)

	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}

	return nil
}

// logToFile logs an activity to a JSON-lines file
func (al *ActivityLogger) logToFile(activity *Activity) error {
	currentDate := time.Now().Format("2006-01-02")

	if al.currentFile == nil || al.currentDate != currentDate {
		if err := al.rotateLogFile(currentDate); err != nil {
			return fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	line, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	_, err = fmt.Fprintf(al.currentFile, "%s\n", line)
	if err != nil {
		return fmt.Errorf("failed to write to log file: %w", err)
	}

	// Sync to disk for lifecycle events
	if activity.ActivityType == ActivityServerStart ||
		activity.ActivityType == ActivityServerStop ||
		activity.ActivityType == ActivityIdleShutdown ||
		activity.ActivityType == ActivityError {
		al.currentFile.Sync()
	}

	return nil
}

// rotateLogFile rotates the log file for a new day
func (al *ActivityLogger) rotateLogFile(date string) error {
	if al.currentFile != nil {
		al.currentFile.Close()
		al.currentFile = nil
	}

	logPath := filepath.Join(al.logDir, fmt.Sprintf("activity-%s.log", date))

	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	al.currentFile = file
	al.currentDate = date

	log.Printf("[ActivityLogger] Rotated log file to: %s", logPath)

	go al.compressOldLogs()

	return nil
}

// compressOldLogs gzips the previous day's log file if it is still
// uncompressed.
func (al *ActivityLogger) compressOldLogs() {
	yesterday := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	oldLogPath := filepath.Join(al.logDir, fmt.Sprintf("activity-%s.log", yesterday))

	if _, err := os.Stat(oldLogPath); err != nil {
		return
	}

	src, err := os.Open(oldLogPath)
	if err != nil {
		log.Printf("[ActivityLogger] Error opening old log for compression: %v", err)
		return
	}
	defer src.Close()

	dst, err := os.Create(oldLogPath + ".gz")
	if err != nil {
		log.Printf("[ActivityLogger] Error creating compressed log: %v", err)
		return
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		log.Printf("[ActivityLogger] Error compressing old log: %v", err)
		gz.Close()
		os.Remove(oldLogPath + ".gz")
		return
	}
	if err := gz.Close(); err != nil {
		log.Printf("[ActivityLogger] Error finalizing compressed log: %v", err)
		os.Remove(oldLogPath + ".gz")
		return
	}

	os.Remove(oldLogPath)
	log.Printf("[ActivityLogger] Compressed old log: %s.gz", oldLogPath)
}

// Close closes the activity logger
func (al *ActivityLogger) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.currentFile != nil {
		return al.currentFile.Close()
	}

	return nil
}

// CleanupOldActivities removes activities older than a specified duration
func (al *ActivityLogger) CleanupOldActivities(olderThan time.Duration) error {
	if al.db == nil {
		return fmt.Errorf("database not available")
	}

	cutoff := time.Now().Add(-olderThan)

	result, err := al.db.Exec(`
		DELETE FROM activity_log
		WHERE timestamp < ?
	`, cutoff)

	if err != nil {
		return fmt.Errorf("failed to cleanup old activities: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	log.Printf("[ActivityLogger] Cleaned up %d activities older than %v", rowsAffected, olderThan)

	return nil
}
