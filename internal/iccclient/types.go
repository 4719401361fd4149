package iccclient

// SignalsPayload is the body of POST {scaler}/signals: every buffered
// signal series for the current batch, keyed by service then signal
// type ("elu", "heap", or a custom signal name).
type SignalsPayload struct {
	ApplicationID  string                             `json:"applicationId"`
	RuntimeID      string                             `json:"runtimeId"`
	BatchStartedAt int64                              `json:"batchStartedAt"` // unix millis
	Signals        map[string]map[string]SignalSeries `json:"signals"`
}

// SignalSeries is one signal type's options plus per-worker tuples.
type SignalSeries struct {
	Options SignalOptions           `json:"options"`
	Workers map[string]WorkerValues `json:"workers"`
}

// SignalOptions carries the threshold the remote algorithm compares
// against; HeapTotal is only set for the heap series.
type SignalOptions struct {
	Threshold float64 `json:"threshold,omitempty"`
	HeapTotal int64   `json:"heapTotal,omitempty"`
}

// WorkerValues is an ordered list of [timestampMillis, value] tuples.
type WorkerValues struct {
	Values [][2]float64 `json:"values"`
}

// SignalsResponse carries the alerts the remote scaler algorithm
// raised for the batch just posted.
type SignalsResponse struct {
	Alerts []SignalAlert `json:"alerts"`
}

type SignalAlert struct {
	ServiceID string `json:"serviceId"`
	WorkerID  string `json:"workerId"`
	AlertID   string `json:"alertId"`
}

// AlertPayload is the body of POST {scaler}/alerts (v1 only).
type AlertPayload struct {
	ApplicationID string        `json:"applicationId"`
	Alert         AlertBody     `json:"alert"`
	HealthHistory []HealthPoint `json:"healthHistory"`
}

type AlertBody struct {
	ID            string      `json:"id"`
	Application   string      `json:"application"`
	Service       string      `json:"service"`
	CurrentHealth HealthPoint `json:"currentHealth"`
	Unhealthy     bool        `json:"unhealthy"`
	Timestamp     int64       `json:"timestamp"` // unix millis
}

// HealthPoint is one health snapshot inside an alert's history.
type HealthPoint struct {
	WorkerID       string  `json:"workerId"`
	ELU            float64 `json:"elu"`
	HeapUsedBytes  int64   `json:"heapUsedBytes"`
	HeapTotalBytes int64   `json:"heapTotalBytes"`
	Unhealthy      bool    `json:"unhealthy"`
	Timestamp      int64   `json:"timestamp"` // unix millis
}

// AlertResponse is the remote's reply to POST /alerts; ID is the alert
// identifier a flamegraph can later be bound to.
type AlertResponse struct {
	ID string `json:"id"`
}

// FlamegraphResponse is the remote's reply to a flamegraph upload.
type FlamegraphResponse struct {
	ID string `json:"id"`
}

// AttachAlertsPayload is the body of POST /flamegraphs/{id}/alerts.
type AttachAlertsPayload struct {
	AlertIDs []string `json:"alertIds"`
}

// StatesPayload is the body of the periodic profiler-state report,
// POST {scaler}/flamegraphs/states.
type StatesPayload struct {
	ApplicationID string              `json:"applicationId"`
	PodID         string              `json:"podId"`
	ExpiresIn     int64               `json:"expiresIn"` // millis
	States        []ProfilerStateItem `json:"states"`
}

type ProfilerStateItem struct {
	ServiceID   string `json:"serviceId"`
	ProfileType string `json:"profileType"`
	State       string `json:"state"`
}
