package monitoring

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollector_DropCounterPerService(t *testing.T) {
	c := NewCollector(false)
	c.ProfileRequestDroppedPaused("main")
	c.ProfileRequestDroppedPaused("main")
	c.ProfileRequestDroppedPaused("worker")

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.ProfileRequestsDroppedPaused["main"])
	assert.Equal(t, int64(1), snap.ProfileRequestsDroppedPaused["worker"])
}

func TestCollector_WriteMetrics(t *testing.T) {
	c := NewCollector(true)
	c.ProfileRequestDroppedPaused("main")
	c.SetComponent("profiling", true, true)
	c.SetComponent("alerts", false, false)

	var sb strings.Builder
	c.WriteMetrics(&sb)
	out := sb.String()

	assert.Contains(t, out, `profiling_requests_dropped_paused_total{service="main"} 1`)
	assert.Contains(t, out, `agent_component_running{component="profiling"} 1`)
	assert.Contains(t, out, `agent_component_running{component="alerts"} 0`)
}

func TestCollector_SnapshotIsACopy(t *testing.T) {
	c := NewCollector(false)
	c.ProfileRequestDroppedPaused("main")
	snap := c.Snapshot()
	snap.ProfileRequestsDroppedPaused["main"] = 99

	assert.Equal(t, int64(1), c.Snapshot().ProfileRequestsDroppedPaused["main"])
}
