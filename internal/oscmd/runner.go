// Package oscmd provides the OS-level collaborators used by the
// lifecycle backends: generic command execution plus process-table and
// process-resource queries built on top of it.
package oscmd

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// Result holds the outcome of one command execution. A non-zero exit
// code is data, not an error; the error return is reserved for commands
// that could not be executed at all.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner abstracts command execution (local or remote)
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

// LocalRunner executes commands on this host
type LocalRunner struct{}

// NewLocalRunner creates a runner for the local host
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{}
}

func (r *LocalRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, err
	}

	return res, nil
}

// MockRunner for testing. Handlers are matched against the joined
// command line by prefix; unmatched commands return Output/Err.
type MockRunner struct {
	Output   string
	Err      error
	ExitCode int
	Handlers map[string]func(cmdline string) (*Result, error)
	Calls    []string
}

func (m *MockRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	cmdline := strings.Join(append([]string{name}, args...), " ")
	m.Calls = append(m.Calls, cmdline)

	if m.Handlers != nil {
		for prefix, handler := range m.Handlers {
			if strings.HasPrefix(cmdline, prefix) {
				return handler(cmdline)
			}
		}
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return &Result{ExitCode: m.ExitCode, Stdout: m.Output}, nil
}
