package profiling

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"iccagent/internal/model"
	"iccagent/pkg/agenterrors"
	"iccagent/pkg/logger"
)

const defaultAttemptTimeout = time.Second

// Profiler drives profile sessions on one worker for one profile
// type. Requests queue while a session runs and are matched to the
// next produced profile by enqueue order; once no requests remain the
// session is stopped after half a profile duration of idleness.
type Profiler struct {
	key            Key
	worker         model.WorkerId
	durationMillis int
	sourceMaps     bool
	runtime        Runtime
	sink           Sink

	// attemptTimeout paces the profile-fetch retries after a
	// production boundary.
	attemptTimeout time.Duration

	mu           sync.Mutex
	state        State
	requests     []Request
	lastProfile  *model.ProfileData
	produceTimer *time.Timer
	idleTimer    *time.Timer
	stopped      bool
}

// NewProfiler creates an idle profiler bound to one worker.
func NewProfiler(key Key, worker model.WorkerId, durationMillis int, sourceMaps bool, runtime Runtime, sink Sink) *Profiler {
	return &Profiler{
		key:            key,
		worker:         worker,
		durationMillis: durationMillis,
		sourceMaps:     sourceMaps,
		runtime:        runtime,
		sink:           sink,
		attemptTimeout: defaultAttemptTimeout,
		state:          StateIdle,
	}
}

// Worker returns the worker this profiler targets.
func (p *Profiler) Worker() model.WorkerId {
	return p.worker
}

// State returns the current lifecycle state.
func (p *Profiler) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Profiler) duration() time.Duration {
	return time.Duration(p.durationMillis) * time.Millisecond
}

// Request enqueues one profile request. An idle profiler starts a
// session and schedules production one duration out; a running one
// merely enqueues and cancels any pending idle-stop.
func (p *Profiler) Request(ctx context.Context, req Request) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("profiler %s/%s is stopped", p.key.ServiceID, p.key.Type)
	}
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	p.requests = append(p.requests, req)
	if p.state != StateIdle {
		// Running: the request merely joins the queue. Stopping: it
		// waits out the transient stop; the idle-stop path restarts
		// the session for it.
		p.mu.Unlock()
		return nil
	}
	p.state = StateRunning
	p.lastProfile = nil
	p.mu.Unlock()

	return p.startSession(ctx)
}

// startSession issues startProfiling and schedules the first
// production. The caller has already moved the state to running.
func (p *Profiler) startSession(ctx context.Context) error {
	if err := p.runtime.StartProfiling(ctx, p.worker, p.key.Type, p.durationMillis, p.sourceMaps); err != nil {
		p.mu.Lock()
		p.state = StateIdle
		p.mu.Unlock()
		return fmt.Errorf("failed to start %s profiling on %s: %w", p.key.Type, p.worker, err)
	}

	p.mu.Lock()
	if !p.stopped {
		p.produceTimer = time.AfterFunc(p.duration(), func() {
			p.produce(context.Background())
		})
	}
	p.mu.Unlock()
	return nil
}

// produce runs at each production boundary: fetch the profile, match
// the queued requests whose timestamps precede it, hand them to the
// sink, and schedule the next boundary (or the idle-stop).
func (p *Profiler) produce(ctx context.Context) {
	ctx = logger.WithWorker(logger.WithComponent(ctx, "profiling"), p.worker.String())

	p.mu.Lock()
	if p.stopped || p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	data := p.fetchProfile(ctx)

	p.mu.Lock()
	if p.stopped || p.state != StateRunning {
		p.mu.Unlock()
		return
	}

	var matched []Request
	if data != nil {
		p.lastProfile = data
		// Requests are matched in insertion order: the leading run
		// whose timestamps do not exceed the profile's source time.
		k := 0
		for k < len(p.requests) && !p.requests[k].Timestamp.After(data.SourceTimestamp) {
			k++
		}
		matched = p.requests[:k:k]
		p.requests = p.requests[k:]
	}

	if len(p.requests) == 0 {
		p.idleTimer = time.AfterFunc(p.duration()/2, p.stopIdle)
	}
	p.produceTimer = time.AfterFunc(p.duration(), func() {
		p.produce(context.Background())
	})
	p.mu.Unlock()

	if data != nil && len(matched) > 0 {
		p.sink(ctx, p.key, data, matched)
	}
}

// fetchProfile obtains the produced profile. NO_PROFILE_AVAILABLE is
// retried at the attempt cadence up to ceil(duration/attempt)+1 times;
// NOT_ENOUGH_ELU gives up immediately. Both are info-level conditions.
func (p *Profiler) fetchProfile(ctx context.Context) *model.ProfileData {
	maxAttempts := int(math.Ceil(float64(p.durationMillis)/float64(p.attemptTimeout.Milliseconds()))) + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		data, err := p.runtime.GetLastProfile(ctx, p.worker, p.key.Type)
		if err == nil {
			return data
		}
		switch {
		case errors.Is(err, agenterrors.ErrNoProfileAvailable):
			logger.InfoCtx(ctx, "no %s profile available yet for %s (attempt %d/%d)", p.key.Type, p.worker, attempt+1, maxAttempts)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.attemptTimeout):
			}
		case errors.Is(err, agenterrors.ErrNotEnoughELU):
			logger.InfoCtx(ctx, "not enough ELU for a %s profile on %s", p.key.Type, p.worker)
			return nil
		default:
			logger.WarnCtx(ctx, "failed to fetch %s profile from %s: %v", p.key.Type, p.worker, err)
			return nil
		}
	}
	logger.InfoCtx(ctx, "gave up fetching %s profile from %s after %d attempts", p.key.Type, p.worker, maxAttempts)
	return nil
}

// stopIdle ends the session after the idle grace elapsed with no new
// requests.
func (p *Profiler) stopIdle() {
	p.mu.Lock()
	if p.stopped || p.state != StateRunning || len(p.requests) > 0 {
		p.mu.Unlock()
		return
	}
	p.state = StateStopping
	if p.produceTimer != nil {
		p.produceTimer.Stop()
		p.produceTimer = nil
	}
	p.idleTimer = nil
	p.mu.Unlock()

	ctx := logger.WithWorker(logger.WithComponent(context.Background(), "profiling"), p.worker.String())
	if err := p.runtime.StopProfiling(ctx, p.worker, p.key.Type); err != nil && !errors.Is(err, agenterrors.ErrProfilingNotStarted) {
		logger.WarnCtx(ctx, "failed to stop idle %s profiler on %s: %v", p.key.Type, p.worker, err)
	}

	p.mu.Lock()
	p.state = StateIdle
	// Requests that arrived while the stop was in flight start a new
	// session; stopping always finishes before another running.
	restart := !p.stopped && len(p.requests) > 0
	if restart {
		p.state = StateRunning
		p.lastProfile = nil
	}
	p.mu.Unlock()

	if restart {
		if err := p.startSession(ctx); err != nil {
			logger.WarnCtx(ctx, "failed to restart %s profiler on %s: %v", p.key.Type, p.worker, err)
		}
	}
}

// Stop tears the profiler down: timers cleared, one best-effort
// stopProfiling, and pending requests settled with the cycle's last
// profile if one was produced, else dropped with an error log.
func (p *Profiler) Stop(ctx context.Context) {
	ctx = logger.WithWorker(logger.WithComponent(ctx, "profiling"), p.worker.String())

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	wasActive := p.state != StateIdle
	if p.produceTimer != nil {
		p.produceTimer.Stop()
		p.produceTimer = nil
	}
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	pending := p.requests
	p.requests = nil
	last := p.lastProfile
	p.state = StateStopping
	p.mu.Unlock()

	if len(pending) > 0 {
		if last != nil {
			p.sink(ctx, p.key, last, pending)
		} else {
			logger.ErrorCtx(ctx, "stopping %s profiler on %s with %d pending requests and no profile", p.key.Type, p.worker, len(pending))
		}
	}

	if wasActive {
		if err := p.runtime.StopProfiling(ctx, p.worker, p.key.Type); err != nil {
			if errors.Is(err, agenterrors.ErrProfilingNotStarted) {
				logger.InfoCtx(ctx, "%s profiler on %s was not started", p.key.Type, p.worker)
			} else {
				logger.WarnCtx(ctx, "failed to stop %s profiler on %s: %v", p.key.Type, p.worker, err)
			}
		}
	}

	p.mu.Lock()
	p.state = StateIdle
	p.mu.Unlock()
}
