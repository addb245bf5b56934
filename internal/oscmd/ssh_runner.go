package oscmd

import (
	"context"
	"fmt"

	"github.com/arkvisor/arkvisor/internal/ssh"
	"github.com/kballard/go-shellquote"
)

// SSHRunner executes commands on a remote container host through the
// shared connection pool. It satisfies Runner, so process probes and
// docker invocations work the same way on remote machines as locally.
type SSHRunner struct {
	pool   *ssh.Pool
	config *ssh.ClientConfig
}

// NewSSHRunner creates a runner for the host described by config
func NewSSHRunner(pool *ssh.Pool, config *ssh.ClientConfig) *SSHRunner {
	return &SSHRunner{pool: pool, config: config}
}

// Run executes the command remotely. Arguments are shell-quoted into a
// single command line; a non-zero remote exit status comes back in the
// Result, matching LocalRunner.
func (r *SSHRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	client, err := r.pool.Get(r.config)
	if err != nil {
		return nil, fmt.Errorf("ssh connection: %w", err)
	}

	cmdline := shellquote.Join(append([]string{name}, args...)...)
	stdout, stderr, exitCode, err := client.Run(ctx, cmdline)
	if err != nil {
		return nil, fmt.Errorf("remote %s: %w", name, err)
	}

	return &Result{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}, nil
}
