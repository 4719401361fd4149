package main

import (
	"context"
	"time"

	"iccagent/internal/iccclient"
	"iccagent/internal/profiling"
)

// profilerStatesJob periodically reports every profiler's state to
// ICC. ExpiresIn is twice the refresh interval so a missed report
// expires the remote entries on its own.
type profilerStatesJob struct {
	interval      time.Duration
	client        *iccclient.Client
	profiling     *profiling.Controller
	applicationID string
	podID         string
}

func (j *profilerStatesJob) Name() string {
	return "profiler-states-report"
}

func (j *profilerStatesJob) Interval() time.Duration {
	return j.interval
}

func (j *profilerStatesJob) Run(ctx context.Context) error {
	states := j.profiling.States()
	items := make([]iccclient.ProfilerStateItem, len(states))
	for i, s := range states {
		items[i] = iccclient.ProfilerStateItem{
			ServiceID:   s.ServiceID,
			ProfileType: string(s.ProfileType),
			State:       string(s.State),
		}
	}
	return j.client.PostProfilerStates(ctx, &iccclient.StatesPayload{
		ApplicationID: j.applicationID,
		PodID:         j.podID,
		ExpiresIn:     (2 * j.interval).Milliseconds(),
		States:        items,
	})
}
