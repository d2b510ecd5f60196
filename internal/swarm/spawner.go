package swarm

import (
	"context"

	"github.com/kwagner-io/waggle/pkg/models"
)

// Spawner is the consumed worker-spawn collaborator: opaque, slow, fallible.
// The implementation owns the per-attempt timeout; the orchestrator only
// observes the result and uses ToolCalls == -1 to distinguish "timed out
// while working" from silent failure.
type Spawner interface {
	Spawn(ctx context.Context, task *models.SwarmTask, guidance string) (*models.SwarmTaskResult, error)
}

// SpawnerFunc adapts a function to the Spawner interface, used heavily by
// tests.
type SpawnerFunc func(ctx context.Context, task *models.SwarmTask, guidance string) (*models.SwarmTaskResult, error)

// Spawn implements Spawner.
func (f SpawnerFunc) Spawn(ctx context.Context, task *models.SwarmTask, guidance string) (*models.SwarmTaskResult, error) {
	return f(ctx, task, guidance)
}
