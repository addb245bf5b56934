package oscmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNoProcess reports that the queried pid no longer exists. Callers
// treat it as "stopped"; any other error means the query itself failed
// and liveness is unknown.
var ErrNoProcess = errors.New("no such process")

// ProcessInfo is a point-in-time resource view of one process
type ProcessInfo struct {
	PID         int
	StartedAt   time.Time
	CPUPercent  float64
	MemoryBytes int64
	Responding  bool
}

// Querier reads per-process resource usage
type Querier interface {
	QueryByPID(ctx context.Context, pid int) (*ProcessInfo, error)
	QueryByExecutable(ctx context.Context, executable string) ([]ProcessInfo, error)
}

// PSQuerier queries process state with ps through a Runner
type PSQuerier struct {
	runner Runner
}

// NewPSQuerier creates a querier over the given runner
func NewPSQuerier(runner Runner) *PSQuerier {
	return &PSQuerier{runner: runner}
}

// QueryByPID returns resource usage for one pid, or ErrNoProcess if the
// pid is gone.
func (q *PSQuerier) QueryByPID(ctx context.Context, pid int) (*ProcessInfo, error) {
	res, err := q.runner.Run(ctx, "ps", "-o", "etimes=,pcpu=,rss=,stat=", "-p", strconv.Itoa(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to query process %d: %w", pid, err)
	}
	// ps exits 1 when the pid does not exist.
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) == "" {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrNoProcess)
	}

	info, err := parsePSUsage(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ps output for pid %d: %w", pid, err)
	}
	info.PID = pid
	return info, nil
}

// QueryByExecutable returns resource usage for every process matching
// the executable name.
func (q *PSQuerier) QueryByExecutable(ctx context.Context, executable string) ([]ProcessInfo, error) {
	res, err := q.runner.Run(ctx, "ps", "-eo", "pid=,etimes=,pcpu=,rss=,stat=,comm=")
	if err != nil {
		return nil, fmt.Errorf("failed to query processes: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("ps exited with status %d: %s", res.ExitCode, res.Stderr)
	}

	var infos []ProcessInfo
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		if !matchesExecutable(Process{Executable: fields[5]}, executable) {
			continue
		}

		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		info, err := parsePSUsage(strings.Join(fields[1:5], " "))
		if err != nil {
			continue
		}
		info.PID = pid
		infos = append(infos, *info)
	}

	return infos, nil
}

// parsePSUsage parses one "etimes pcpu rss stat" row
func parsePSUsage(row string) (*ProcessInfo, error) {
	fields := strings.Fields(strings.TrimSpace(row))
	if len(fields) < 3 {
		return nil, fmt.Errorf("unexpected ps row: %q", row)
	}

	elapsed, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse elapsed time: %w", err)
	}

	cpu, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cpu: %w", err)
	}

	rssKB, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rss: %w", err)
	}

	responding := true
	if len(fields) >= 4 {
		// Zombies and stopped processes hold a pid but serve nobody.
		state := fields[3]
		if strings.ContainsAny(state, "ZT") {
			responding = false
		}
	}

	return &ProcessInfo{
		StartedAt:   time.Now().Add(-time.Duration(elapsed) * time.Second),
		CPUPercent:  cpu,
		MemoryBytes: rssKB * 1024,
		Responding:  responding,
	}, nil
}
