package profiling

import (
	"context"
	"time"

	"iccagent/internal/model"
)

// Key identifies one profiler: at most one exists per (service,
// profile type).
type Key struct {
	ServiceID string
	Type      model.ProfileType
}

// Request is one queued profile request. AlertID is empty for
// requests triggered without an alert (e.g. the control channel).
type Request struct {
	AlertID   string
	Timestamp time.Time
}

// State is the profiler lifecycle: idle -> running -> idle, with
// stopping as a transient phase in between.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Config drives the profiling controller.
type Config struct {
	Disabled       bool
	DurationMillis int
	SourceMaps     bool
	PodID          string
	ApplicationID  string
}

// Runtime is the slice of the runtime adapter the profilers need.
type Runtime interface {
	ListWorkers(ctx context.Context) (map[model.WorkerId]model.WorkerInfo, error)
	StartProfiling(ctx context.Context, worker model.WorkerId, profileType model.ProfileType, durationMillis int, sourceMaps bool) error
	StopProfiling(ctx context.Context, worker model.WorkerId, profileType model.ProfileType) error
	GetLastProfile(ctx context.Context, worker model.WorkerId, profileType model.ProfileType) (*model.ProfileData, error)
}

// Uploader is the slice of the ICC client the sink needs.
type Uploader interface {
	UploadFlamegraph(ctx context.Context, podID, serviceID string, profileType model.ProfileType, alertID string, data []byte) (string, error)
	AttachAlerts(ctx context.Context, flamegraphID string, alertIDs []string) error
}

// Sink receives each produced profile together with the requests that
// matched it. Sinks are plain functions capturing only the ids they
// need; profilers hold no back-pointer to their owner.
type Sink func(ctx context.Context, key Key, data *model.ProfileData, matched []Request)

// StateItem is one profiler's state for the periodic report to ICC
// and the admin surface.
type StateItem struct {
	ServiceID   string            `json:"serviceId"`
	ProfileType model.ProfileType `json:"profileType"`
	State       State             `json:"state"`
}
