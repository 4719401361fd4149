package interfaces

import (
	"context"

	"iccagent/internal/model"
)

// RuntimeAdapter is the agent's boundary to the application runtime.
// Health samples arrive on a single channel in arrival order; commands
// are synchronous from the caller's perspective and surface failures
// as typed pkg/agenterrors values.
type RuntimeAdapter interface {
	// Events returns the health-sample stream. The channel is closed
	// when the adapter is closed.
	Events() <-chan model.HealthSample

	// ListWorkers returns the current worker set keyed by id. The
	// result is fetched fresh on every call; callers must not cache it.
	ListWorkers(ctx context.Context) (map[model.WorkerId]model.WorkerInfo, error)

	// ListApplications returns the ids of all applications the runtime
	// is currently hosting.
	ListApplications(ctx context.Context) ([]string, error)

	StartProfiling(ctx context.Context, worker model.WorkerId, profileType model.ProfileType, durationMillis int, sourceMaps bool) error
	StopProfiling(ctx context.Context, worker model.WorkerId, profileType model.ProfileType) error
	GetLastProfile(ctx context.Context, worker model.WorkerId, profileType model.ProfileType) (*model.ProfileData, error)
	GetProfilingState(ctx context.Context, worker model.WorkerId, profileType model.ProfileType) (string, error)

	// UpdateApplicationsResources applies the batch of worker-count
	// changes the scaling controller decided on.
	UpdateApplicationsResources(ctx context.Context, updates []model.AppWorkerCount) error

	// SupportsHealthMetrics reports whether the runtime emits the
	// richer health-metrics event (heap data and extra health signals).
	SupportsHealthMetrics() bool

	Close() error
}
