// Package healthsignals buffers per-worker ELU and heap samples and
// flushes them in batches to the remote scaler algorithm ("v2"). The
// response can carry alerts, which are forwarded to the profiling
// controller.
package healthsignals

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"iccagent/internal/iccclient"
	"iccagent/internal/model"
	"iccagent/pkg/logger"
)

// entryCap bounds every (service, signal, worker) buffer; on overflow
// the oldest entries are dropped.
const entryCap = 500

const tickInterval = time.Second

// Config carries the flush thresholds and cadences.
type Config struct {
	ELUThreshold     float64
	HeapThresholdMiB float64
	BatchShortMillis int
	BatchLongMillis  int
}

// Poster is the slice of the ICC client the batcher needs.
type Poster interface {
	PostSignals(ctx context.Context, payload *iccclient.SignalsPayload) (*iccclient.SignalsResponse, error)
}

// AlertSink receives each alert the remote algorithm raised for a
// flushed batch.
type AlertSink func(alert iccclient.SignalAlert)

type bufferKey struct {
	serviceID  string
	signalType string
	workerID   string
}

type entry struct {
	ts    int64 // unix millis
	value float64
}

// ring is a capped ordered buffer; push drops the oldest entry once
// the cap is reached.
type ring struct {
	entries []entry
}

func (r *ring) push(e entry) {
	if len(r.entries) >= entryCap {
		copy(r.entries, r.entries[1:])
		r.entries = r.entries[:len(r.entries)-1]
	}
	r.entries = append(r.entries, e)
}

// Batcher accumulates signal entries into one open batch and flushes
// it after the long timeout, or the short one once any value crossed
// its threshold.
type Batcher struct {
	cfg           Config
	applicationID string
	runtimeID     string
	poster        Poster
	sink          AlertSink

	mu             sync.Mutex
	buffers        map[bufferKey]*ring
	heapTotals     map[string]int64
	batchOpen      bool
	batchStartedAt time.Time
	hot            bool

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

// NewBatcher creates a stopped batcher.
func NewBatcher(cfg Config, applicationID, runtimeID string, poster Poster, sink AlertSink) *Batcher {
	return &Batcher{
		cfg:           cfg,
		applicationID: applicationID,
		runtimeID:     runtimeID,
		poster:        poster,
		sink:          sink,
		buffers:       make(map[bufferKey]*ring),
		heapTotals:    make(map[string]int64),
		now:           time.Now,
	}
}

// Start launches the once-a-second flush timer.
func (b *Batcher) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("health-signals batcher is already running")
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.mu.Unlock()

	ctx = logger.WithComponent(ctx, "healthsignals")

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopCh:
				return
			case <-ticker.C:
				b.tick(ctx)
			}
		}
	}()
	return nil
}

// Stop halts the flush timer. The open batch, if any, is dropped; the
// remote side tolerates gaps.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()
	b.wg.Wait()
	logger.Info("health-signals batcher stopped")
}

// IsRunning reports whether the flush timer is active.
func (b *Batcher) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// OnHealthSample records the sample's ELU and heap-used (MiB, rounded)
// entries, plus any extra health signals verbatim, opening a batch if
// none is open.
func (b *Batcher) OnHealthSample(s model.HealthSample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.batchOpen {
		b.batchOpen = true
		b.batchStartedAt = s.Timestamp
		b.hot = false
	}

	ts := s.Timestamp.UnixMilli()
	workerID := s.WorkerID.String()

	b.record(bufferKey{s.ServiceID, string(model.SignalELU), workerID}, entry{ts, s.ELU})

	heapMiB := math.Round(float64(s.HeapUsedBytes) / (1024 * 1024))
	b.record(bufferKey{s.ServiceID, string(model.SignalHeap), workerID}, entry{ts, heapMiB})
	b.heapTotals[s.ServiceID] = s.HeapTotalBytes

	for name, value := range s.HealthSignals {
		b.record(bufferKey{s.ServiceID, name, workerID}, entry{ts, value})
	}

	if s.ELU > b.cfg.ELUThreshold || heapMiB > b.cfg.HeapThresholdMiB {
		b.hot = true
	}
}

func (b *Batcher) record(key bufferKey, e entry) {
	r, ok := b.buffers[key]
	if !ok {
		r = &ring{}
		b.buffers[key] = r
	}
	r.push(e)
}

// tick flushes the open batch once it outlived its timeout: the short
// one if any value crossed a threshold, the long one otherwise.
func (b *Batcher) tick(ctx context.Context) {
	b.mu.Lock()
	if !b.batchOpen {
		b.mu.Unlock()
		return
	}

	now := b.now()
	timeout := time.Duration(b.cfg.BatchLongMillis) * time.Millisecond
	if b.hot {
		timeout = time.Duration(b.cfg.BatchShortMillis) * time.Millisecond
	}
	if now.Sub(b.batchStartedAt) < timeout {
		b.mu.Unlock()
		return
	}

	payload := b.buildPayloadLocked()

	// A new empty batch starts immediately.
	b.buffers = make(map[bufferKey]*ring)
	b.batchStartedAt = now
	b.hot = false
	b.mu.Unlock()

	b.flush(ctx, payload)
}

// buildPayloadLocked snapshots the buffers into the wire shape. Caller
// holds b.mu.
func (b *Batcher) buildPayloadLocked() *iccclient.SignalsPayload {
	signals := make(map[string]map[string]iccclient.SignalSeries)
	for key, r := range b.buffers {
		perService, ok := signals[key.serviceID]
		if !ok {
			perService = make(map[string]iccclient.SignalSeries)
			signals[key.serviceID] = perService
		}
		series, ok := perService[key.signalType]
		if !ok {
			series = iccclient.SignalSeries{
				Options: b.optionsFor(key.serviceID, key.signalType),
				Workers: make(map[string]iccclient.WorkerValues),
			}
		}
		values := make([][2]float64, len(r.entries))
		for i, e := range r.entries {
			values[i] = [2]float64{float64(e.ts), e.value}
		}
		series.Workers[key.workerID] = iccclient.WorkerValues{Values: values}
		perService[key.signalType] = series
	}
	return &iccclient.SignalsPayload{
		ApplicationID:  b.applicationID,
		RuntimeID:      b.runtimeID,
		BatchStartedAt: b.batchStartedAt.UnixMilli(),
		Signals:        signals,
	}
}

func (b *Batcher) optionsFor(serviceID, signalType string) iccclient.SignalOptions {
	switch signalType {
	case string(model.SignalELU):
		return iccclient.SignalOptions{Threshold: b.cfg.ELUThreshold}
	case string(model.SignalHeap):
		return iccclient.SignalOptions{Threshold: b.cfg.HeapThresholdMiB, HeapTotal: b.heapTotals[serviceID]}
	default:
		return iccclient.SignalOptions{}
	}
}

// flush posts one batch; on failure the samples are lost and the next
// batch retries the transport.
func (b *Batcher) flush(ctx context.Context, payload *iccclient.SignalsPayload) {
	resp, err := b.poster.PostSignals(ctx, payload)
	if err != nil {
		logger.WarnCtx(ctx, "failed to post health signals: %v", err)
		return
	}
	for _, alert := range resp.Alerts {
		logger.InfoCtx(ctx, "scaler raised alert %s for %s/%s", alert.AlertID, alert.ServiceID, alert.WorkerID)
		if b.sink != nil {
			b.sink(alert)
		}
	}
}
