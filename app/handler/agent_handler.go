package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"iccagent/internal/profiling"
	"iccagent/internal/scaling"
	"iccagent/pkg/monitoring"
)

// AgentHandler serves the local admin/health surface: liveness, a
// status snapshot for operators, and the metrics exposition.
type AgentHandler struct {
	collector       *monitoring.Collector
	scalingSnapshot func() []scaling.AppInfo
	profilerStates  func() []profiling.StateItem
}

// NewAgentHandler creates the handler. The snapshot funcs may be nil
// when the corresponding loop is disabled.
func NewAgentHandler(collector *monitoring.Collector, scalingSnapshot func() []scaling.AppInfo, profilerStates func() []profiling.StateItem) *AgentHandler {
	return &AgentHandler{
		collector:       collector,
		scalingSnapshot: scalingSnapshot,
		profilerStates:  profilerStates,
	}
}

// Healthz reports process liveness.
func (h *AgentHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status returns a JSON snapshot of every component's state and the
// current scaling window per application.
func (h *AgentHandler) Status(c *gin.Context) {
	resp := gin.H{"agent": h.collector.Snapshot()}
	if h.scalingSnapshot != nil {
		resp["scaling"] = h.scalingSnapshot()
	}
	if h.profilerStates != nil {
		resp["profilers"] = h.profilerStates()
	}
	c.JSON(http.StatusOK, resp)
}

// Metrics serves the text exposition, including the paused-drop
// counter.
func (h *AgentHandler) Metrics(c *gin.Context) {
	var sb strings.Builder
	h.collector.WriteMetrics(&sb)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(sb.String()))
}
