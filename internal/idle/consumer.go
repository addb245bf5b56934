package idle

import (
	"context"
	"log"
	"time"

	"github.com/arkvisor/arkvisor/internal/backup"
	"github.com/arkvisor/arkvisor/internal/config"
	"github.com/arkvisor/arkvisor/internal/dispatch"
	"github.com/arkvisor/arkvisor/internal/events"
)

// Stopper is the slice of the dispatcher the consumer needs
type Stopper interface {
	Stop(ctx context.Context, name string) (*dispatch.StopResult, error)
}

// BackupRunner archives a server's world after an idle shutdown
type BackupRunner interface {
	CreateBackup(name string) (*backup.Result, error)
}

// ShutdownConsumer executes shutdown.requested notifications. The
// controller never stops servers itself; this hand-off keeps one
// component owning process termination.
type ShutdownConsumer struct {
	registry *config.Registry
	stopper  Stopper
	backups  BackupRunner
}

// NewShutdownConsumer creates a consumer. backups may be nil when no
// post-shutdown archiving is wanted.
func NewShutdownConsumer(registry *config.Registry, stopper Stopper, backups BackupRunner) *ShutdownConsumer {
	return &ShutdownConsumer{registry: registry, stopper: stopper, backups: backups}
}

// Run consumes until ctx is cancelled or the subscription closes
func (c *ShutdownConsumer) Run(ctx context.Context, sub <-chan events.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub:
			if !ok {
				return
			}
			if n.Kind != events.KindShutdownRequested {
				continue
			}
			c.handle(ctx, n)
		}
	}
}

func (c *ShutdownConsumer) handle(ctx context.Context, n events.Notification) {
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	res, err := c.stopper.Stop(stopCtx, n.ServerName)
	cancel()
	switch {
	case err != nil:
		log.Printf("[Idle] Requested stop of %s failed: %v", n.ServerName, err)
		return
	case !res.Stopped:
		log.Printf("[Idle] Requested stop of %s: nothing was running", n.ServerName)
	default:
		log.Printf("[Idle] Stopped %s (%s)", n.ServerName, n.Reason)
	}

	if c.backups == nil || c.registry == nil {
		return
	}
	desc, err := c.registry.Resolve(n.ServerName)
	if err != nil || !desc.Backup.OnIdleShutdown {
		return
	}

	// The world was just saved and the process is down; this is the
	// cheapest consistent snapshot we will ever get.
	if _, err := c.backups.CreateBackup(n.ServerName); err != nil {
		log.Printf("[Idle] Post-shutdown backup of %s failed: %v", n.ServerName, err)
	}
}

// RunShutdownConsumer consumes shutdown.requested notifications without
// post-shutdown archiving.
func RunShutdownConsumer(ctx context.Context, sub <-chan events.Notification, stopper Stopper) {
	NewShutdownConsumer(nil, stopper, nil).Run(ctx, sub)
}
