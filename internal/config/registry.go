package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned when a server name has no descriptor in
// the registry. The dispatcher keys its backend fallback on this error.
var ErrConfigNotFound = errors.New("server configuration not found")

// Descriptor represents one managed game server. A descriptor with an
// empty Host runs as a native process on this machine; a non-empty Host
// names an SSH-reachable container host.
type Descriptor struct {
	Name         string           `json:"name" yaml:"name"`
	Map          string           `json:"map" yaml:"map"`
	Host         string           `json:"host,omitempty" yaml:"host,omitempty"`
	MaxPlayers   int              `json:"max_players,omitempty" yaml:"max_players,omitempty"`
	Ports        PortSet          `json:"ports" yaml:"ports"`
	Paths        InstallPaths     `json:"paths" yaml:"paths"`
	Credentials  Credentials      `json:"credentials" yaml:"credentials"`
	Cluster      Cluster          `json:"cluster,omitempty" yaml:"cluster,omitempty"`
	ExtraArgs    string           `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
	AutoShutdown AutoShutdown     `json:"auto_shutdown" yaml:"auto_shutdown"`
	Backup       BackupPolicy     `json:"backup,omitempty" yaml:"backup,omitempty"`
	Schedules    []ScheduledTask  `json:"schedules,omitempty" yaml:"schedules,omitempty"`
	Connection   ConnectionConfig `json:"connection,omitempty" yaml:"connection,omitempty"`
}

// PortSet holds the listen ports a server is launched with. External is
// the port players connect to; it usually equals Game but differs behind
// NAT or a proxy.
type PortSet struct {
	Game     int `json:"game" yaml:"game"`
	Query    int `json:"query" yaml:"query"`
	RCON     int `json:"rcon" yaml:"rcon"`
	External int `json:"external,omitempty" yaml:"external,omitempty"`
}

// InstallPaths locates the server installation on disk
type InstallPaths struct {
	InstallDir        string `json:"install_dir" yaml:"install_dir"`
	Executable        string `json:"executable" yaml:"executable"`
	SavedDir          string `json:"saved_dir,omitempty" yaml:"saved_dir,omitempty"`
	ConfigOverrideDir string `json:"config_override_dir,omitempty" yaml:"config_override_dir,omitempty"`
}

// Credentials holds the join and admin passwords. The admin password is
// also the RCON shared secret.
type Credentials struct {
	ServerPassword string `json:"server_password,omitempty" yaml:"server_password,omitempty"`
	AdminPassword  string `json:"admin_password" yaml:"admin_password"`
}

// Cluster describes optional cluster membership for cross-server travel
type Cluster struct {
	ID       string `json:"id,omitempty" yaml:"id,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	DataDir  string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`
}

// AutoShutdown configures the idle-shutdown behavior of one server
type AutoShutdown struct {
	Enabled              bool  `json:"enabled" yaml:"enabled"`
	TimeoutMinutes       int   `json:"timeout_minutes" yaml:"timeout_minutes"`
	SaveBeforeShutdown   bool  `json:"save_before_shutdown" yaml:"save_before_shutdown"`
	SaveTimeoutSeconds   int   `json:"save_timeout_seconds" yaml:"save_timeout_seconds"`
	WarningIntervals     []int `json:"warning_intervals" yaml:"warning_intervals"`
	NotificationsEnabled bool  `json:"notifications_enabled" yaml:"notifications_enabled"`
}

// BackupPolicy contains world-backup settings for a server
type BackupPolicy struct {
	Enabled        bool                `json:"enabled" yaml:"enabled"`
	OnIdleShutdown bool                `json:"on_idle_shutdown" yaml:"on_idle_shutdown"`
	Retention      RetentionConfig     `json:"retention" yaml:"retention"`
	Destinations   []BackupDestination `json:"destinations" yaml:"destinations"`
}

// RetentionConfig specifies backup retention policy
type RetentionConfig struct {
	Count int `json:"count" yaml:"count"` // Keep last N backups
}

// BackupDestination represents a backup storage destination
type BackupDestination struct {
	Type       string `json:"type" yaml:"type"` // "local", "sftp", "s3"
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	Endpoint   string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Bucket     string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Region     string `json:"region,omitempty" yaml:"region,omitempty"`
	AccessKey  string `json:"access_key,omitempty" yaml:"access_key,omitempty"`
	SecretKey  string `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
	Host       string `json:"host,omitempty" yaml:"host,omitempty"`
	Port       int    `json:"port,omitempty" yaml:"port,omitempty"`
	Username   string `json:"username,omitempty" yaml:"username,omitempty"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
	KeyPath    string `json:"key_path,omitempty" yaml:"key_path,omitempty"`
	PathPrefix string `json:"path_prefix,omitempty" yaml:"path_prefix,omitempty"`
}

// ScheduledTask is a cron-driven maintenance action for one server
type ScheduledTask struct {
	Cron   string `json:"cron" yaml:"cron"`
	Action string `json:"action" yaml:"action"` // "save", "restart", "backup", "broadcast"
	Arg    string `json:"arg,omitempty" yaml:"arg,omitempty"`
}

// ConnectionConfig contains SSH connection details for container hosts
type ConnectionConfig struct {
	Port       int    `json:"port,omitempty" yaml:"port,omitempty"`
	Username   string `json:"username,omitempty" yaml:"username,omitempty"`
	AuthMethod string `json:"auth_method,omitempty" yaml:"auth_method,omitempty"` // "key" or "password"
	KeyPath    string `json:"key_path,omitempty" yaml:"key_path,omitempty"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
}

// SessionName returns the in-game session name used on the launch line.
func (d *Descriptor) SessionName() string {
	return d.Name
}

// SavedDir returns the directory holding world saves, defaulting to the
// stock layout under the install root.
func (d *Descriptor) SavedDir() string {
	if d.Paths.SavedDir != "" {
		return d.Paths.SavedDir
	}
	return filepath.Join(d.Paths.InstallDir, "ShooterGame", "Saved")
}

// Registry resolves server names to descriptors. Every resolution
// re-reads servers.yaml so edits take effect without a restart; callers
// must not cache descriptors across operations.
type Registry struct {
	configDir string
	mutex     sync.Mutex
}

// NewRegistry creates a registry over the given config directory
func NewRegistry(configDir string) *Registry {
	return &Registry{configDir: configDir}
}

// Resolve returns the descriptor for name, or ErrConfigNotFound
func (r *Registry) Resolve(name string) (*Descriptor, error) {
	descs, err := r.All()
	if err != nil {
		return nil, err
	}
	for i := range descs {
		if descs[i].Name == name {
			d := descs[i]
			return &d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, name)
}

// All returns every descriptor in the registry
func (r *Registry) All() ([]Descriptor, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return LoadDescriptors(r.configDir)
}

// UpdateAutoShutdown rewrites one server's idle-shutdown settings on disk
func (r *Registry) UpdateAutoShutdown(name string, cfg AutoShutdown) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	descs, err := LoadDescriptors(r.configDir)
	if err != nil {
		return err
	}
	for i := range descs {
		if descs[i].Name == name {
			descs[i].AutoShutdown = cfg
			return SaveDescriptors(r.configDir, descs)
		}
	}
	return fmt.Errorf("%w: %s", ErrConfigNotFound, name)
}

// LoadDescriptors loads server descriptors from servers.yaml
func LoadDescriptors(configDir string) ([]Descriptor, error) {
	serversPath := filepath.Join(configDir, "servers.yaml")

	data, err := os.ReadFile(serversPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Descriptor{}, nil
		}
		return nil, fmt.Errorf("failed to read servers file: %w", err)
	}

	var serversFile struct {
		Servers []Descriptor `yaml:"servers"`
	}

	if err := yaml.Unmarshal(data, &serversFile); err != nil {
		return nil, fmt.Errorf("failed to parse servers file: %w", err)
	}

	for i := range serversFile.Servers {
		if err := ValidateDescriptor(&serversFile.Servers[i]); err != nil {
			return nil, fmt.Errorf("invalid server definition at index %d: %w", i, err)
		}
	}

	return serversFile.Servers, nil
}

// SaveDescriptors saves server descriptors to servers.yaml
func SaveDescriptors(configDir string, servers []Descriptor) error {
	serversFile := struct {
		Servers []Descriptor `yaml:"servers"`
	}{
		Servers: servers,
	}

	data, err := yaml.Marshal(serversFile)
	if err != nil {
		return fmt.Errorf("failed to marshal servers: %w", err)
	}

	serversPath := filepath.Join(configDir, "servers.yaml")
	if err := os.WriteFile(serversPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write servers file: %w", err)
	}

	return nil
}

// ValidateDescriptor checks a descriptor for required fields and unsafe
// values. Paths and extra arguments feed a process argv, so shell
// metacharacters are rejected outright.
func ValidateDescriptor(d *Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("server name is required")
	}
	if strings.ContainsAny(d.Name, " \t\n") {
		return fmt.Errorf("server name must not contain whitespace")
	}
	if d.Map == "" {
		return fmt.Errorf("server map is required")
	}
	if d.Ports.Game <= 0 || d.Ports.Game > 65535 {
		return fmt.Errorf("game port must be between 1 and 65535")
	}
	if d.Ports.Query <= 0 || d.Ports.Query > 65535 {
		return fmt.Errorf("query port must be between 1 and 65535")
	}
	if d.Ports.RCON <= 0 || d.Ports.RCON > 65535 {
		return fmt.Errorf("rcon port must be between 1 and 65535")
	}
	if d.Ports.External != 0 && (d.Ports.External <= 0 || d.Ports.External > 65535) {
		return fmt.Errorf("external port must be between 1 and 65535")
	}
	if d.Host == "" {
		if d.Paths.InstallDir == "" {
			return fmt.Errorf("install_dir is required")
		}
		if !isValidPath(d.Paths.InstallDir) {
			return fmt.Errorf("install_dir contains invalid characters")
		}
		if d.Paths.Executable == "" {
			return fmt.Errorf("executable is required")
		}
		if !isValidPath(d.Paths.Executable) {
			return fmt.Errorf("executable contains invalid characters")
		}
	} else {
		if d.Connection.Username == "" {
			return fmt.Errorf("connection username is required for host %s", d.Host)
		}
		if d.Connection.AuthMethod != "key" && d.Connection.AuthMethod != "password" {
			return fmt.Errorf("auth_method must be 'key' or 'password'")
		}
		if d.Connection.AuthMethod == "key" && d.Connection.KeyPath == "" {
			return fmt.Errorf("key_path is required when auth_method is 'key'")
		}
		if d.Connection.Port == 0 {
			d.Connection.Port = 22
		}
	}
	if d.Credentials.AdminPassword == "" {
		return fmt.Errorf("admin_password is required")
	}
	if d.ExtraArgs != "" && !isValidArgs(d.ExtraArgs) {
		return fmt.Errorf("extra_args contains invalid characters")
	}
	if d.AutoShutdown.Enabled {
		if d.AutoShutdown.TimeoutMinutes <= 0 {
			return fmt.Errorf("auto_shutdown timeout_minutes must be positive")
		}
		for _, m := range d.AutoShutdown.WarningIntervals {
			if m < 0 || m >= d.AutoShutdown.TimeoutMinutes {
				return fmt.Errorf("warning interval %d outside shutdown timeout", m)
			}
		}
	}
	for _, s := range d.Schedules {
		switch s.Action {
		case "save", "restart", "backup", "broadcast":
		default:
			return fmt.Errorf("schedule action must be save, restart, backup or broadcast")
		}
	}

	return nil
}

func isValidPath(s string) bool {
	// Block shell metacharacters that could allow command injection
	dangerous := ";|&$`()<>\"'\n"
	return !strings.ContainsAny(s, dangerous)
}

func isValidArgs(s string) bool {
	// Arguments might contain some punctuation but definitely not command separators
	dangerous := ";|&`$()<>\\\n"
	return !strings.ContainsAny(s, dangerous)
}
