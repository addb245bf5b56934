package oscmd

import (
	"github.com/arkvisor/arkvisor/internal/config"
	"github.com/arkvisor/arkvisor/internal/ssh"
)

// HostProvider hands out a runner for a descriptor's host: the shared
// local runner for descriptors without a host, an SSH runner bound to
// the connection pool otherwise.
type HostProvider struct {
	pool  *ssh.Pool
	sec   config.SSHConfig
	local *LocalRunner
}

// NewHostProvider creates a provider over the given connection pool
func NewHostProvider(pool *ssh.Pool, sec config.SSHConfig) *HostProvider {
	return &HostProvider{
		pool:  pool,
		sec:   sec,
		local: NewLocalRunner(),
	}
}

// RunnerFor returns the runner for the descriptor's host
func (p *HostProvider) RunnerFor(desc *config.Descriptor) (Runner, error) {
	if desc.Host == "" {
		return p.local, nil
	}
	return NewSSHRunner(p.pool, ssh.ConfigForHost(desc.Host, desc.Connection, p.sec)), nil
}
