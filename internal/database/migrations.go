package database

// Migration represents a database migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// migrations contains all database migrations in order
var migrations = []Migration{
	{
		Version: "001_init",
		Up: `
-- Activity log: one row per fleet operation
CREATE TABLE activity_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL,
    server_name TEXT NOT NULL,
    activity_type TEXT NOT NULL,
    description TEXT NOT NULL,
    metadata TEXT,
    success BOOLEAN NOT NULL DEFAULT 1,
    error_message TEXT
);

CREATE INDEX idx_activity_log_server ON activity_log(server_name);
CREATE INDEX idx_activity_log_type ON activity_log(activity_type);
CREATE INDEX idx_activity_log_timestamp ON activity_log(timestamp);

-- Status transitions observed by the dispatcher
CREATE TABLE status_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL,
    server_name TEXT NOT NULL,
    old_status TEXT NOT NULL,
    new_status TEXT NOT NULL
);

CREATE INDEX idx_status_history_server ON status_history(server_name);
CREATE INDEX idx_status_history_timestamp ON status_history(timestamp);

-- RCON commands with their derived classification
CREATE TABLE rcon_commands (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL,
    server_name TEXT NOT NULL,
    classification TEXT NOT NULL,
    command TEXT NOT NULL,
    success BOOLEAN NOT NULL DEFAULT 1
);

CREATE INDEX idx_rcon_commands_server ON rcon_commands(server_name);
CREATE INDEX idx_rcon_commands_class ON rcon_commands(classification);
`,
		Down: `
DROP TABLE IF EXISTS rcon_commands;
DROP TABLE IF EXISTS status_history;
DROP TABLE IF EXISTS activity_log;
`,
	},
	{
		Version: "002_backup_history",
		Up: `
-- Completed world backups per destination
CREATE TABLE backup_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL,
    server_name TEXT NOT NULL,
    destination TEXT NOT NULL,
    archive_name TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    success BOOLEAN NOT NULL DEFAULT 1,
    error_message TEXT
);

CREATE INDEX idx_backup_history_server ON backup_history(server_name);
`,
		Down: `
DROP TABLE IF EXISTS backup_history;
`,
	},
}
