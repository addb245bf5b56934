// Package dispatch presents one lifecycle interface over two backend
// variants: natively spawned processes and containers on remote hosts.
// Callers never know which variant served them.
package dispatch

import (
	"context"
	"time"

	"github.com/arkvisor/arkvisor/internal/config"
)

// Status is the observed lifecycle state of one server. Unknown means
// liveness could not be determined; it is never coerced to stopped.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusUnknown  Status = "unknown"
)

// StartResult reports a successful start
type StartResult struct {
	PID int `json:"pid,omitempty"`
}

// StopResult reports the outcome of a stop. Stopped false with a nil
// error means nothing was running; that is not a failure.
type StopResult struct {
	Stopped bool `json:"stopped"`
	Forced  bool `json:"forced,omitempty"`
	PID     int  `json:"pid,omitempty"`
}

// Stats is one server's observed state plus resource usage when it can
// be derived.
type Stats struct {
	Name          string    `json:"name"`
	Status        Status    `json:"status"`
	PID           int       `json:"pid,omitempty"`
	CPUPercent    float64   `json:"cpu_percent,omitempty"`
	MemoryBytes   int64     `json:"memory_bytes,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	UptimeSeconds int64     `json:"uptime_seconds,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}

// ServerState pairs a descriptor with its observed status for listings
type ServerState struct {
	Descriptor config.Descriptor `json:"descriptor"`
	Status     Status            `json:"status"`
	Running    bool              `json:"running"`
}

// Backend is the uniform lifecycle contract. A backend answers
// config.ErrConfigNotFound for servers it does not manage; the
// dispatcher uses that to fall through to the other variant.
type Backend interface {
	Name() string
	Start(ctx context.Context, name string) (*StartResult, error)
	Stop(ctx context.Context, name string) (*StopResult, error)
	Restart(ctx context.Context, name string) (*StartResult, error)
	Stats(ctx context.Context, name string) (*Stats, error)
	Logs(ctx context.Context, name string, lines int) (string, error)
	List(ctx context.Context) ([]ServerState, error)
	IsRunning(ctx context.Context, name string) (bool, error)
}
