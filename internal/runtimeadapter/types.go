package runtimeadapter

import (
	"time"

	"iccagent/internal/model"
)

// commandRequest is the JSON body POSTed to the runtime's local
// control endpoint for every command.
type commandRequest struct {
	Command        string `json:"command"`
	ServiceID      string `json:"serviceId,omitempty"`
	WorkerIndex    int    `json:"workerIndex"`
	ProfileType    string `json:"profileType,omitempty"`
	DurationMillis int    `json:"durationMillis,omitempty"`
	SourceMaps     bool   `json:"sourceMaps,omitempty"`
}

// commandResponse is the runtime's reply. Code carries the runtime's
// error-code string on failure; Profile/SourceTimestamp are set for
// getLastProfile, Workers for listWorkers, State for getProfilingState.
type commandResponse struct {
	OK              bool         `json:"ok"`
	Code            string       `json:"code,omitempty"`
	Error           string       `json:"error,omitempty"`
	Profile         []byte       `json:"profile,omitempty"`
	SourceTimestamp int64        `json:"sourceTimestamp,omitempty"` // unix millis
	State           string       `json:"state,omitempty"`
	Workers         []workerJSON `json:"workers,omitempty"`
	Applications    []string     `json:"applications,omitempty"`
}

type workerJSON struct {
	ServiceID string `json:"serviceId"`
	Index     int    `json:"index"`
	StartedAt int64  `json:"startedAt"` // unix millis
	Alive     bool   `json:"alive"`
}

func (w workerJSON) toModel() model.WorkerInfo {
	return model.WorkerInfo{
		ID:        model.WorkerId{ServiceID: w.ServiceID, Index: w.Index},
		StartedAt: time.UnixMilli(w.StartedAt),
		Alive:     w.Alive,
	}
}

// eventFrame is one message on the runtime's health-event stream. The
// first frame after connect is a hello carrying the runtime's
// capabilities; every later frame is a health sample.
type eventFrame struct {
	Type string `json:"type"` // "hello" or "health"

	// hello fields
	HealthMetrics bool `json:"healthMetrics,omitempty"`

	// health fields
	ServiceID      string             `json:"serviceId,omitempty"`
	ApplicationID  string             `json:"applicationId,omitempty"`
	WorkerIndex    int                `json:"workerIndex"`
	ELU            float64            `json:"elu"`
	HeapUsedBytes  int64              `json:"heapUsedBytes,omitempty"`
	HeapTotalBytes int64              `json:"heapTotalBytes,omitempty"`
	Timestamp      int64              `json:"timestamp"` // unix millis
	HealthSignals  map[string]float64 `json:"healthSignals,omitempty"`
	Unhealthy      bool               `json:"unhealthy,omitempty"`
}

func (f eventFrame) toSample() model.HealthSample {
	appID := f.ApplicationID
	if appID == "" {
		appID = f.ServiceID
	}
	return model.HealthSample{
		WorkerID:       model.WorkerId{ServiceID: f.ServiceID, Index: f.WorkerIndex},
		ServiceID:      f.ServiceID,
		ApplicationID:  appID,
		ELU:            f.ELU,
		HeapUsedBytes:  f.HeapUsedBytes,
		HeapTotalBytes: f.HeapTotalBytes,
		Timestamp:      time.UnixMilli(f.Timestamp),
		HealthSignals:  f.HealthSignals,
		Unhealthy:      f.Unhealthy,
	}
}
