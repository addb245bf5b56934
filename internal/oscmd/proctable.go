package oscmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Process is one row of a process-table snapshot
type Process struct {
	PID         int
	Executable  string
	CommandLine string
}

// TableReader takes process-table snapshots filtered by executable name
type TableReader interface {
	Snapshot(ctx context.Context, executable string) ([]Process, error)
}

// PSTableReader reads the process table with ps through a Runner, so the
// same code serves local and SSH-reached hosts.
type PSTableReader struct {
	runner Runner
}

// NewPSTableReader creates a table reader over the given runner
func NewPSTableReader(runner Runner) *PSTableReader {
	return &PSTableReader{runner: runner}
}

// Snapshot lists processes whose executable matches the given name. An
// empty name returns every process.
func (t *PSTableReader) Snapshot(ctx context.Context, executable string) ([]Process, error) {
	res, err := t.runner.Run(ctx, "ps", "-eo", "pid=,comm=,args=")
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("ps exited with status %d: %s", res.ExitCode, res.Stderr)
	}

	procs := parsePSTable(res.Stdout)
	if executable == "" {
		return procs, nil
	}

	matched := make([]Process, 0, len(procs))
	for _, p := range procs {
		if matchesExecutable(p, executable) {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

// parsePSTable parses "pid comm args" rows. comm never contains spaces;
// everything after it is the command line.
func parsePSTable(output string) []Process {
	var procs []Process

	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}

		cmdline := ""
		if len(fields) > 2 {
			cmdline = strings.Join(fields[2:], " ")
		}

		procs = append(procs, Process{
			PID:         pid,
			Executable:  fields[1],
			CommandLine: cmdline,
		})
	}

	return procs
}

// matchesExecutable compares a process against an executable name or
// path. The kernel truncates comm to 15 characters, so long names are
// compared by prefix and then double-checked against argv[0].
func matchesExecutable(p Process, executable string) bool {
	want := strings.ToLower(filepath.Base(executable))
	comm := strings.ToLower(p.Executable)

	if comm == want {
		return true
	}
	if len(want) > 15 && len(comm) == 15 && strings.HasPrefix(want, comm) {
		return true
	}

	head := p.CommandLine
	if i := strings.IndexAny(head, " \t"); i >= 0 {
		head = head[:i]
	}
	return strings.ToLower(filepath.Base(head)) == want
}
