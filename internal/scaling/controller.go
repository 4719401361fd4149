package scaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"iccagent/internal/model"
	"iccagent/pkg/logger"
)

const checkInterval = 5 * time.Second

// Runtime is the slice of the runtime adapter the controller needs:
// the authoritative worker set and the worker-count apply path.
type Runtime interface {
	ListWorkers(ctx context.Context) (map[model.WorkerId]model.WorkerInfo, error)
	UpdateApplicationsResources(ctx context.Context, updates []model.AppWorkerCount) error
}

// Controller drives the scaling algorithm: it appends health samples
// to the rolling window, and on unhealthy events (or a periodic tick)
// runs one serialized, cooldown-gated scaling decision.
type Controller struct {
	cfg     Config
	window  *ScalingWindow
	runtime Runtime

	mu          sync.Mutex
	running     bool
	isScaling   bool
	lastScaling time.Time
	stopCh      chan struct{}
	triggerCh   chan struct{}
	wg          sync.WaitGroup

	now func() time.Time
}

// NewController creates a stopped controller.
func NewController(cfg Config, runtime Runtime) *Controller {
	return &Controller{
		cfg:     cfg,
		window:  NewScalingWindow(cfg.TimeWindowSec),
		runtime: runtime,
		now:     time.Now,
	}
}

// Start launches the periodic check loop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("scaling controller is already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.triggerCh = make(chan struct{}, 1)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.controlLoop(ctx)
	return nil
}

// Stop halts the check loop.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()
	c.wg.Wait()
	logger.Info("scaling controller stopped")
}

// IsRunning reports whether the control loop is active.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Snapshot returns the current per-application window view, for the
// admin surface.
func (c *Controller) Snapshot() []AppInfo {
	return c.window.Snapshot(c.now())
}

// OnHealthSample appends the sample to the rolling window and, when
// the worker is above the scale-up threshold, triggers a decision.
func (c *Controller) OnHealthSample(s model.HealthSample) {
	c.window.Record(s.ApplicationID, s.WorkerID, s.ELU, s.Timestamp)
	if s.ELU > c.cfg.ScaleUpELU {
		c.trigger()
	}
}

func (c *Controller) trigger() {
	c.mu.Lock()
	ch := c.triggerCh
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *Controller) controlLoop(ctx context.Context) {
	defer c.wg.Done()
	ctx = logger.WithComponent(ctx, "scaling")

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
		case <-c.triggerCh:
		}
		if err := c.CheckForScaling(ctx); err != nil {
			logger.ErrorCtx(ctx, "scaling check failed: %v", err)
		}
	}
}

// CheckForScaling runs one scaling decision. Decisions are serialized:
// while one is in flight further triggers are dropped, and a cooldown
// after each apply attempt suppresses tight oscillation. lastScaling
// is set once recommendations exist, even if the apply fails.
func (c *Controller) CheckForScaling(ctx context.Context) error {
	now := c.now()

	c.mu.Lock()
	if c.isScaling {
		c.mu.Unlock()
		return nil
	}
	if now.Before(c.lastScaling.Add(time.Duration(c.cfg.CooldownSec) * time.Second)) {
		c.mu.Unlock()
		return nil
	}
	c.isScaling = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.isScaling = false
		c.mu.Unlock()
	}()

	workers, err := c.runtime.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workers: %w", err)
	}
	counts := make(map[string]int)
	for id, info := range workers {
		if info.Alive {
			counts[id.ServiceID]++
		}
	}
	for appID, n := range counts {
		c.window.SetWorkerCount(appID, n)
	}

	apps := c.window.Snapshot(now)
	recs := Recommend(c.cfg, apps)
	if len(recs) == 0 {
		return nil
	}

	c.mu.Lock()
	c.lastScaling = now
	c.mu.Unlock()

	updates := make([]model.AppWorkerCount, len(recs))
	for i, r := range recs {
		updates[i] = model.AppWorkerCount{ApplicationID: r.ApplicationID, WorkerCount: r.TargetWorkerCount}
		logger.InfoCtx(ctx, "scaling decision: app=%s, target=%d, direction=%s", r.ApplicationID, r.TargetWorkerCount, r.Direction)
	}
	if err := c.runtime.UpdateApplicationsResources(ctx, updates); err != nil {
		logger.ErrorCtx(ctx, "failed to apply scaling decision: %v", err)
	}
	return nil
}
