// Package profiling owns every profiler in the agent: one per
// (service, profile type), created on first request, stopped when
// idle. Produced profiles are uploaded to ICC and bound to the alerts
// that requested them.
package profiling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"iccagent/internal/model"
	"iccagent/pkg/agenterrors"
	"iccagent/pkg/logger"
)

// Controller is the profiling control loop's composition point: the
// profilers map, the pause registry, and the upload sink.
type Controller struct {
	cfg      Config
	runtime  Runtime
	uploader Uploader

	// onDrop is invoked whenever a request is dropped because its
	// service is paused; it feeds the drop counter so the behavior is
	// observable.
	onDrop func(serviceID string)

	mu        sync.Mutex
	profilers map[Key]*Profiler
	pauseReqs map[string]time.Time // serviceID -> expiresAt

	now func() time.Time
}

// NewController creates the controller. onDrop may be nil.
func NewController(cfg Config, runtime Runtime, uploader Uploader, onDrop func(serviceID string)) *Controller {
	return &Controller{
		cfg:       cfg,
		runtime:   runtime,
		uploader:  uploader,
		onDrop:    onDrop,
		profilers: make(map[Key]*Profiler),
		pauseReqs: make(map[string]time.Time),
		now:       time.Now,
	}
}

// RequestProfile queues one profile request for a service. The request
// merges into the existing profiler for (service, type) when one
// exists and its worker is still alive; a dead worker fails the old
// profiler over to whichever worker now leads the service.
func (c *Controller) RequestProfile(ctx context.Context, serviceID string, profileType model.ProfileType, alertID string) error {
	if c.cfg.Disabled {
		return nil
	}
	ctx = logger.WithService(logger.WithComponent(ctx, "profiling"), serviceID)
	if c.isPaused(serviceID) {
		logger.InfoCtx(ctx, "profiling paused for %s, dropping %s request (alert %q)", serviceID, profileType, alertID)
		if c.onDrop != nil {
			c.onDrop(serviceID)
		}
		return nil
	}

	workers, err := c.runtime.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workers: %w", err)
	}
	target, ok := firstWorkerOf(workers, serviceID)
	if !ok {
		return fmt.Errorf("no live workers for service %s", serviceID)
	}

	key := Key{ServiceID: serviceID, Type: profileType}

	c.mu.Lock()
	profiler := c.profilers[key]
	if profiler != nil {
		if _, alive := aliveWorker(workers, profiler.Worker()); !alive {
			// The selected worker is gone; stop the old profiler
			// best-effort and target the service's new lead worker.
			delete(c.profilers, key)
			old := profiler
			profiler = nil
			c.mu.Unlock()
			logger.InfoCtx(ctx, "worker %s is gone, restarting %s profiler on %s", old.Worker(), profileType, target)
			old.Stop(ctx)
			c.mu.Lock()
		}
	}
	if profiler == nil {
		profiler = NewProfiler(key, target, c.cfg.DurationMillis, c.cfg.SourceMaps, c.runtime, c.uploadSink())
		c.profilers[key] = profiler
	}
	c.mu.Unlock()

	return profiler.Request(ctx, Request{AlertID: alertID, Timestamp: c.now()})
}

// RequestProfileForAll queues a profile request for every application
// the runtime hosts, used by the control channel's trigger commands.
func (c *Controller) RequestProfileForAll(ctx context.Context, profileType model.ProfileType) {
	if c.cfg.Disabled {
		return
	}
	workers, err := c.runtime.ListWorkers(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "failed to list workers for %s trigger: %v", profileType, err)
		return
	}
	seen := make(map[string]struct{})
	for id := range workers {
		if _, ok := seen[id.ServiceID]; ok {
			continue
		}
		seen[id.ServiceID] = struct{}{}
		if err := c.RequestProfile(ctx, id.ServiceID, profileType, ""); err != nil {
			logger.WarnCtx(ctx, "failed to request %s profile for %s: %v", profileType, id.ServiceID, err)
		}
	}
}

// PauseProfiling suppresses profile requests for a service until the
// timeout expires and stops its active profilers.
func (c *Controller) PauseProfiling(ctx context.Context, serviceID string, timeoutMillis int) {
	ctx = logger.WithService(logger.WithComponent(ctx, "profiling"), serviceID)
	expiresAt := c.now().Add(time.Duration(timeoutMillis) * time.Millisecond)

	c.mu.Lock()
	c.pauseReqs[serviceID] = expiresAt
	var stopping []*Profiler
	for key, p := range c.profilers {
		if key.ServiceID == serviceID {
			stopping = append(stopping, p)
			delete(c.profilers, key)
		}
	}
	c.mu.Unlock()

	logger.InfoCtx(ctx, "profiling paused for %s until %s", serviceID, expiresAt.Format(time.RFC3339))
	for _, p := range stopping {
		p.Stop(ctx)
	}
}

// isPaused reports whether a pause is in effect. A pause whose expiry
// equals now is already expired.
func (c *Controller) isPaused(serviceID string) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	expiresAt, ok := c.pauseReqs[serviceID]
	if !ok {
		return false
	}
	if !now.Before(expiresAt) {
		delete(c.pauseReqs, serviceID)
		return false
	}
	return true
}

// States snapshots every profiler's state for the periodic report.
func (c *Controller) States() []StateItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]StateItem, 0, len(c.profilers))
	for key, p := range c.profilers {
		items = append(items, StateItem{
			ServiceID:   key.ServiceID,
			ProfileType: key.Type,
			State:       p.State(),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ServiceID != items[j].ServiceID {
			return items[i].ServiceID < items[j].ServiceID
		}
		return items[i].ProfileType < items[j].ProfileType
	})
	return items
}

// StopAll stops every profiler, best-effort, for shutdown.
func (c *Controller) StopAll(ctx context.Context) {
	c.mu.Lock()
	profilers := make([]*Profiler, 0, len(c.profilers))
	for key, p := range c.profilers {
		profilers = append(profilers, p)
		delete(c.profilers, key)
	}
	c.mu.Unlock()

	for _, p := range profilers {
		p.Stop(ctx)
	}
}

// uploadSink returns the sink bound to this controller's uploader and
// ids. The sink uploads once with the first alert bound, attaches the
// rest, and falls back to per-alert re-upload on ICCs without the
// attach endpoint.
func (c *Controller) uploadSink() Sink {
	podID := c.cfg.PodID
	uploader := c.uploader
	return func(ctx context.Context, key Key, data *model.ProfileData, matched []Request) {
		// Order-preserving, deduplicated: two requests for the same
		// alert produce one binding.
		seen := make(map[string]struct{}, len(matched))
		alertIDs := make([]string, 0, len(matched))
		for _, req := range matched {
			if req.AlertID == "" {
				continue
			}
			if _, dup := seen[req.AlertID]; dup {
				continue
			}
			seen[req.AlertID] = struct{}{}
			alertIDs = append(alertIDs, req.AlertID)
		}

		first := ""
		if len(alertIDs) > 0 {
			first = alertIDs[0]
			alertIDs = alertIDs[1:]
		}

		flamegraphID, err := uploader.UploadFlamegraph(ctx, podID, key.ServiceID, key.Type, first, data.Bytes)
		if err != nil {
			logger.ErrorCtx(ctx, "failed to upload %s flamegraph for %s: %v", key.Type, key.ServiceID, err)
			return
		}
		logger.InfoCtx(ctx, "uploaded %s flamegraph %s for %s (%d matched requests)", key.Type, flamegraphID, key.ServiceID, len(matched))

		if len(alertIDs) == 0 {
			return
		}
		err = uploader.AttachAlerts(ctx, flamegraphID, alertIDs)
		if err == nil {
			return
		}
		if errors.Is(err, agenterrors.ErrMultipleAlertsNotSupported) {
			for _, alertID := range alertIDs {
				if _, upErr := uploader.UploadFlamegraph(ctx, podID, key.ServiceID, key.Type, alertID, data.Bytes); upErr != nil {
					logger.ErrorCtx(ctx, "fallback upload for alert %s failed: %v", alertID, upErr)
				}
			}
			return
		}
		logger.WarnCtx(ctx, "failed to attach alerts to flamegraph %s: %v", flamegraphID, err)
	}
}

// firstWorkerOf picks the lowest-index live worker of a service.
func firstWorkerOf(workers map[model.WorkerId]model.WorkerInfo, serviceID string) (model.WorkerId, bool) {
	best := model.WorkerId{}
	found := false
	for id, info := range workers {
		if id.ServiceID != serviceID || !info.Alive {
			continue
		}
		if !found || id.Index < best.Index {
			best = id
			found = true
		}
	}
	return best, found
}

func aliveWorker(workers map[model.WorkerId]model.WorkerInfo, id model.WorkerId) (model.WorkerInfo, bool) {
	info, ok := workers[id]
	if !ok || !info.Alive {
		return model.WorkerInfo{}, false
	}
	return info, true
}
