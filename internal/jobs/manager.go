// Package jobs runs the agent's periodic background work, such as the
// profiler-state report to ICC.
package jobs

import (
	"context"
	"sync"
	"time"

	"iccagent/pkg/logger"
)

// Job represents one periodic background task.
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// Manager orchestrates the lifecycle of background jobs. Jobs run
// immediately on Start and then on their interval until Stop.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    []Job
	started bool

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewManager creates a job manager bound to the provided context.
func NewManager(parent context.Context) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make([]Job, 0),
	}
}

// Register adds a job to the manager. Registration after Start has no
// effect.
func (m *Manager) Register(job Job) {
	if job == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
}

// Start launches all registered jobs.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	jobs := append([]Job(nil), m.jobs...)
	m.mu.Unlock()

	for _, job := range jobs {
		m.wg.Add(1)
		go m.runJob(job)
	}
}

// Stop signals all jobs to stop.
func (m *Manager) Stop() {
	m.cancel()
}

// Wait blocks until all jobs exit.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) runJob(job Job) {
	defer m.wg.Done()

	interval := job.Interval()
	if interval <= 0 {
		interval = time.Minute
	}

	ctx := logger.WithComponent(m.ctx, job.Name())
	logger.InfoCtx(ctx, "background job started, interval %v", interval)

	// First run happens immediately; the ticker paces the rest.
	m.executeJob(ctx, job)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.executeJob(ctx, job)
		}
	}
}

// executeJob contains one run's failure: an error is logged and the
// ticker keeps going, and a panicking job must not take the agent's
// other loops down with it.
func (m *Manager) executeJob(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCtx(ctx, "background job %s panicked: %v", job.Name(), r)
		}
	}()

	if err := job.Run(ctx); err != nil {
		logger.WarnCtx(ctx, "background job %s failed: %v", job.Name(), err)
	}
}
