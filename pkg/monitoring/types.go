package monitoring

import "time"

// ComponentStatus is one control loop's state as shown on /status.
type ComponentStatus struct {
	Enabled bool `json:"enabled"`
	Running bool `json:"running"`
}

// Snapshot is the agent's observable state at one instant.
type Snapshot struct {
	StartedAt  time.Time                  `json:"started_at"`
	Standalone bool                       `json:"standalone"`
	Components map[string]ComponentStatus `json:"components"`

	// ProfileRequestsDroppedPaused counts, per service, the profile
	// requests dropped because the service was paused.
	ProfileRequestsDroppedPaused map[string]int64 `json:"profile_requests_dropped_paused"`
}
