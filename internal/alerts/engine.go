// Package alerts is the v1 alert engine: it watches health samples for
// unhealthy workers, rate-limits and posts alerts to ICC, and turns
// each returned alert id into a CPU flamegraph request.
package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"iccagent/internal/iccclient"
	"iccagent/internal/model"
	"iccagent/pkg/logger"
)

// syntheticUnhealthyELU is the ELU bound used when the engine has to
// synthesize the unhealthy verdict from the richer metrics event.
const syntheticUnhealthyELU = 0.85

// Config gates when alerts fire.
type Config struct {
	GracePeriod          time.Duration
	PodHealthWindow      time.Duration
	AlertRetentionWindow time.Duration
	MaxHeapUsedRatio     float64
	PauseELUThreshold    float64
	PauseTimeoutMillis   int
}

// Poster is the slice of the ICC client the engine needs.
type Poster interface {
	PostAlert(ctx context.Context, payload *iccclient.AlertPayload) (*iccclient.AlertResponse, error)
}

// Profiling is the slice of the profiling controller the engine needs.
type Profiling interface {
	RequestProfile(ctx context.Context, serviceID string, profileType model.ProfileType, alertID string) error
	PauseProfiling(ctx context.Context, serviceID string, timeoutMillis int)
}

// WorkerLister supplies worker start times for the grace period.
type WorkerLister interface {
	ListWorkers(ctx context.Context) (map[model.WorkerId]model.WorkerInfo, error)
}

type cacheEntry struct {
	point iccclient.HealthPoint
	at    time.Time
}

// Engine holds the in-memory health cache and the per-service alert
// rate limit. It has no goroutines of its own; it reacts to samples.
type Engine struct {
	cfg           Config
	applicationID string
	richMetrics   func() bool
	poster        Poster
	profiling     Profiling
	workers       WorkerLister

	mu          sync.Mutex
	healthCache map[string][]cacheEntry // applicationID -> history
	lastAlertAt map[string]time.Time    // serviceID -> last alert

	now func() time.Time
}

// NewEngine creates the engine. richMetrics selects the synthesized
// unhealthy verdict for runtimes with the richer health event; it is
// consulted per sample because the runtime announces the capability
// only after its event stream connects.
func NewEngine(cfg Config, applicationID string, richMetrics func() bool, poster Poster, profiling Profiling, workers WorkerLister) *Engine {
	return &Engine{
		cfg:           cfg,
		applicationID: applicationID,
		richMetrics:   richMetrics,
		poster:        poster,
		profiling:     profiling,
		workers:       workers,
		healthCache:   make(map[string][]cacheEntry),
		lastAlertAt:   make(map[string]time.Time),
		now:           time.Now,
	}
}

// OnHealthSample records the sample and, when it is unhealthy and
// outside every suppression window, posts an alert and requests a CPU
// flamegraph bound to it.
func (e *Engine) OnHealthSample(ctx context.Context, s model.HealthSample) {
	ctx = logger.WithService(logger.WithComponent(ctx, "alerts"), s.ServiceID)
	unhealthy := e.isUnhealthy(s)
	now := e.now()

	point := iccclient.HealthPoint{
		WorkerID:       s.WorkerID.String(),
		ELU:            s.ELU,
		HeapUsedBytes:  s.HeapUsedBytes,
		HeapTotalBytes: s.HeapTotalBytes,
		Unhealthy:      unhealthy,
		Timestamp:      s.Timestamp.UnixMilli(),
	}

	e.mu.Lock()
	history := append(e.healthCache[s.ApplicationID], cacheEntry{point: point, at: now})
	cutoff := now.Add(-e.cfg.PodHealthWindow)
	for len(history) > 0 && history[0].at.Before(cutoff) {
		history = history[1:]
	}
	e.healthCache[s.ApplicationID] = history
	e.mu.Unlock()

	if !unhealthy {
		return
	}

	// A worker running this hot should not also carry a profiler; the
	// pause lands before the alert's own profile request, which is
	// then dropped and counted.
	if e.cfg.PauseELUThreshold > 0 && s.ELU >= e.cfg.PauseELUThreshold {
		e.profiling.PauseProfiling(ctx, s.ServiceID, e.cfg.PauseTimeoutMillis)
	}

	if e.inGracePeriod(ctx, s.WorkerID, now) {
		logger.InfoCtx(ctx, "worker %s unhealthy but inside its grace period, no alert", s.WorkerID)
		return
	}

	e.mu.Lock()
	last, seen := e.lastAlertAt[s.ServiceID]
	if seen && now.Sub(last) < e.cfg.AlertRetentionWindow {
		e.mu.Unlock()
		return
	}
	e.lastAlertAt[s.ServiceID] = now
	e.mu.Unlock()

	e.postAlert(ctx, s, point)
}

// isUnhealthy synthesizes the verdict from ELU and heap usage for
// richer runtimes, otherwise trusts the runtime's flag.
func (e *Engine) isUnhealthy(s model.HealthSample) bool {
	if e.richMetrics == nil || !e.richMetrics() {
		return s.Unhealthy
	}
	if s.ELU > syntheticUnhealthyELU {
		return true
	}
	if s.HeapTotalBytes > 0 && float64(s.HeapUsedBytes)/float64(s.HeapTotalBytes) > e.cfg.MaxHeapUsedRatio {
		return true
	}
	return false
}

func (e *Engine) inGracePeriod(ctx context.Context, worker model.WorkerId, now time.Time) bool {
	if e.workers == nil || e.cfg.GracePeriod <= 0 {
		return false
	}
	list, err := e.workers.ListWorkers(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "failed to list workers for grace check: %v", err)
		return false
	}
	info, ok := list[worker]
	if !ok {
		return false
	}
	return now.Sub(info.StartedAt) < e.cfg.GracePeriod
}

func (e *Engine) postAlert(ctx context.Context, s model.HealthSample, current iccclient.HealthPoint) {
	e.mu.Lock()
	cached := e.healthCache[s.ApplicationID]
	history := make([]iccclient.HealthPoint, len(cached))
	for i, entry := range cached {
		history[i] = entry.point
	}
	// History is discarded after the post.
	delete(e.healthCache, s.ApplicationID)
	e.mu.Unlock()

	payload := &iccclient.AlertPayload{
		ApplicationID: e.applicationID,
		Alert: iccclient.AlertBody{
			ID:            uuid.NewString(),
			Application:   s.ApplicationID,
			Service:       s.ServiceID,
			CurrentHealth: current,
			Unhealthy:     true,
			Timestamp:     s.Timestamp.UnixMilli(),
		},
		HealthHistory: history,
	}

	resp, err := e.poster.PostAlert(ctx, payload)
	if err != nil {
		logger.WarnCtx(ctx, "failed to post alert for %s: %v", s.ServiceID, err)
		return
	}
	logger.InfoCtx(ctx, "alert %s posted for %s, requesting cpu flamegraph", resp.ID, s.ServiceID)

	if err := e.profiling.RequestProfile(ctx, s.ServiceID, model.ProfileCPU, resp.ID); err != nil {
		logger.WarnCtx(ctx, "failed to request flamegraph for alert %s: %v", resp.ID, err)
	}
}
