// Package model holds the data types shared across the agent's control
// loops: workers, health samples, and the scale recommendations the
// loops exchange. Each owning component keeps its own richer internal
// state (ring buffers, profiler state machines, ...) alongside these.
package model

import (
	"strconv"
	"time"
)

// WorkerId identifies one execution unit of an application.
type WorkerId struct {
	ServiceID string
	Index     int
}

// String renders the wire form used by ICC payloads, "serviceId:index".
func (w WorkerId) String() string {
	return w.ServiceID + ":" + strconv.Itoa(w.Index)
}

// SignalType enumerates the kinds of per-worker samples the
// health-signals batcher aggregates.
type SignalType string

const (
	SignalELU    SignalType = "elu"
	SignalHeap   SignalType = "heap"
	SignalCustom SignalType = "custom"
)

// ProfileType enumerates the two profile kinds a profiler can drive.
type ProfileType string

const (
	ProfileCPU  ProfileType = "cpu"
	ProfileHeap ProfileType = "heap"
)

// WorkerInfo is what listWorkers() returns per worker. The set is
// refreshed on every call; no cached view is authoritative.
type WorkerInfo struct {
	ID         WorkerId
	StartedAt  time.Time
	Alive      bool
}

// HealthSample is one runtime tick's worth of health data for a
// worker. HealthSignals carries any extra verbatim signals the
// richer health-metrics event attaches.
type HealthSample struct {
	WorkerID       WorkerId
	ServiceID      string
	ApplicationID  string
	ELU            float64
	HeapUsedBytes  int64
	HeapTotalBytes int64
	Timestamp      time.Time
	HealthSignals  map[string]float64

	// Unhealthy is the runtime's own verdict. Runtimes with the richer
	// health-metrics event leave it false and the alert engine
	// synthesizes one from ELU and heap usage instead.
	Unhealthy bool
}

// ProfileData is one produced profile: the opaque bytes and the
// runtime's source-timestamp, used to match queued profile requests.
type ProfileData struct {
	Bytes           []byte
	SourceTimestamp time.Time
}

// AppWorkerCount is one entry of the batch worker-count update the
// scaling controller pushes through the runtime adapter.
type AppWorkerCount struct {
	ApplicationID string
	WorkerCount   int
}

// Direction is the sign of a ScaleRecommendation.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// ScaleRecommendation is the scaling algorithm's pure-function
// output, consumed by the scaling controller.
type ScaleRecommendation struct {
	ApplicationID     string
	TargetWorkerCount int
	Direction         Direction
}
