// Package monitoring keeps the agent's in-memory operational state:
// per-component status and the counters the admin surface exposes.
package monitoring

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Collector accumulates component statuses and counters. All state is
// in-memory and per-pod.
type Collector struct {
	mu         sync.Mutex
	startedAt  time.Time
	standalone bool
	components map[string]ComponentStatus
	dropped    map[string]int64
}

// NewCollector creates an empty collector.
func NewCollector(standalone bool) *Collector {
	return &Collector{
		startedAt:  time.Now(),
		standalone: standalone,
		components: make(map[string]ComponentStatus),
		dropped:    make(map[string]int64),
	}
}

// SetComponent records one control loop's enabled/running state.
func (c *Collector) SetComponent(name string, enabled, running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = ComponentStatus{Enabled: enabled, Running: running}
}

// ProfileRequestDroppedPaused counts one profile request dropped
// because its service was paused.
func (c *Collector) ProfileRequestDroppedPaused(serviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped[serviceID]++
}

// Snapshot copies the current state.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	components := make(map[string]ComponentStatus, len(c.components))
	for k, v := range c.components {
		components[k] = v
	}
	dropped := make(map[string]int64, len(c.dropped))
	for k, v := range c.dropped {
		dropped[k] = v
	}
	return Snapshot{
		StartedAt:                    c.startedAt,
		Standalone:                   c.standalone,
		Components:                   components,
		ProfileRequestsDroppedPaused: dropped,
	}
}

// WriteMetrics writes the text exposition served on /metrics.
func (c *Collector) WriteMetrics(w io.Writer) {
	snap := c.Snapshot()

	services := make([]string, 0, len(snap.ProfileRequestsDroppedPaused))
	for s := range snap.ProfileRequestsDroppedPaused {
		services = append(services, s)
	}
	sort.Strings(services)

	fmt.Fprintln(w, "# TYPE profiling_requests_dropped_paused_total counter")
	for _, s := range services {
		fmt.Fprintf(w, "profiling_requests_dropped_paused_total{service=%q} %d\n", s, snap.ProfileRequestsDroppedPaused[s])
	}

	fmt.Fprintln(w, "# TYPE agent_component_running gauge")
	names := make([]string, 0, len(snap.Components))
	for n := range snap.Components {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		running := 0
		if snap.Components[n].Running {
			running = 1
		}
		fmt.Fprintf(w, "agent_component_running{component=%q} %d\n", n, running)
	}
}
