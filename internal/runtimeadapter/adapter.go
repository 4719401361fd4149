// Package runtimeadapter is the agent's boundary to the application
// runtime: a WebSocket stream of per-worker health samples plus a small
// set of synchronous command RPCs over the runtime's local control
// endpoint.
package runtimeadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"iccagent/internal/model"
	"iccagent/pkg/agenterrors"
	"iccagent/pkg/constants"
	"iccagent/pkg/interfaces"
	"iccagent/pkg/logger"
)

const (
	commandTimeout     = 10 * time.Second
	eventBufferSize    = 256
	streamRetryBackoff = 2 * time.Second
)

// Adapter implements interfaces.RuntimeAdapter against the runtime's
// loopback HTTP/WebSocket control endpoint.
type Adapter struct {
	baseURL string
	wsURL   string
	client  *http.Client
	dialer  *websocket.Dialer

	deploymentProvider interfaces.DeploymentProvider

	events        chan model.HealthSample
	healthMetrics atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

var _ interfaces.RuntimeAdapter = (*Adapter)(nil)

// New creates an adapter and starts draining the runtime's health-event
// stream. deploymentProvider backs UpdateApplicationsResources.
func New(baseURL, wsURL string, deploymentProvider interfaces.DeploymentProvider) *Adapter {
	a := &Adapter{
		baseURL:            baseURL,
		wsURL:              wsURL,
		client:             &http.Client{Timeout: commandTimeout},
		dialer:             websocket.DefaultDialer,
		deploymentProvider: deploymentProvider,
		events:             make(chan model.HealthSample, eventBufferSize),
		closed:             make(chan struct{}),
	}
	if wsURL != "" {
		a.wg.Add(1)
		go a.streamLoop()
	}
	return a
}

// Events returns the health-sample stream, closed on Close().
func (a *Adapter) Events() <-chan model.HealthSample {
	return a.events
}

// SupportsHealthMetrics reports whether the runtime announced the
// richer health-metrics event in its hello frame.
func (a *Adapter) SupportsHealthMetrics() bool {
	return a.healthMetrics.Load()
}

// streamLoop keeps one connection to the runtime's event stream open,
// reconnecting until the adapter is closed. Samples are forwarded in
// arrival order on a single channel so every subscriber observes the
// same order.
func (a *Adapter) streamLoop() {
	defer a.wg.Done()
	defer close(a.events)

	for {
		select {
		case <-a.closed:
			return
		default:
		}

		if err := a.streamOnce(); err != nil {
			logger.Warnf("runtime event stream disconnected: %v", err)
		}

		select {
		case <-a.closed:
			return
		case <-time.After(streamRetryBackoff):
		}
	}
}

func (a *Adapter) streamOnce() error {
	conn, _, err := a.dialer.Dial(a.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.wsURL, err)
	}
	defer conn.Close()

	// Unblock ReadMessage when Close() is called.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-a.closed:
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame eventFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Warnf("runtime event stream: bad frame: %v", err)
			continue
		}
		switch frame.Type {
		case "hello":
			a.healthMetrics.Store(frame.HealthMetrics)
		case "health":
			select {
			case a.events <- frame.toSample():
			case <-a.closed:
				return nil
			}
		default:
			logger.Debugf("runtime event stream: ignoring frame type %q", frame.Type)
		}
	}
}

// command POSTs one command to the runtime and decodes the reply,
// mapping the runtime's error-code strings to the shared sentinels.
func (a *Adapter) command(ctx context.Context, req commandRequest) (*commandResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s command: %w", req.Command, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/command", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", req.Command, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", req.Command, agenterrors.ErrTransientIO, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", req.Command, agenterrors.ErrTransientIO, err)
	}

	var decoded commandResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, fmt.Errorf("%s: bad response body: %w", req.Command, err)
		}
	}

	if resp.StatusCode != http.StatusOK || !decoded.OK {
		if err := codeToError(decoded.Code); err != nil {
			return nil, fmt.Errorf("%s: %w", req.Command, err)
		}
		return nil, fmt.Errorf("%s: %w: status %d: %s", req.Command, agenterrors.ErrTransientIO, resp.StatusCode, decoded.Error)
	}
	return &decoded, nil
}

// codeToError maps a runtime error-code string to its sentinel, or nil
// when the code is empty/unrecognized.
func codeToError(code string) error {
	switch code {
	case constants.CodeNoProfileAvailable:
		return agenterrors.ErrNoProfileAvailable
	case constants.CodeNotEnoughELU:
		return agenterrors.ErrNotEnoughELU
	case constants.CodeProfilingNotStarted:
		return agenterrors.ErrProfilingNotStarted
	default:
		return nil
	}
}

// ListWorkers returns the runtime's current worker set, fetched fresh
// on every call.
func (a *Adapter) ListWorkers(ctx context.Context) (map[model.WorkerId]model.WorkerInfo, error) {
	resp, err := a.command(ctx, commandRequest{Command: constants.CmdListWorkers})
	if err != nil {
		return nil, err
	}
	workers := make(map[model.WorkerId]model.WorkerInfo, len(resp.Workers))
	for _, w := range resp.Workers {
		info := w.toModel()
		workers[info.ID] = info
	}
	return workers, nil
}

// ListApplications returns the ids of all hosted applications.
func (a *Adapter) ListApplications(ctx context.Context) ([]string, error) {
	resp, err := a.command(ctx, commandRequest{Command: constants.CmdListWorkers})
	if err != nil {
		return nil, err
	}
	if len(resp.Applications) > 0 {
		return resp.Applications, nil
	}
	// Older runtimes only report workers; derive the application set.
	seen := make(map[string]struct{})
	apps := make([]string, 0, len(resp.Workers))
	for _, w := range resp.Workers {
		if _, ok := seen[w.ServiceID]; ok {
			continue
		}
		seen[w.ServiceID] = struct{}{}
		apps = append(apps, w.ServiceID)
	}
	return apps, nil
}

func (a *Adapter) StartProfiling(ctx context.Context, worker model.WorkerId, profileType model.ProfileType, durationMillis int, sourceMaps bool) error {
	_, err := a.command(ctx, commandRequest{
		Command:        constants.CmdStartProfiling,
		ServiceID:      worker.ServiceID,
		WorkerIndex:    worker.Index,
		ProfileType:    string(profileType),
		DurationMillis: durationMillis,
		SourceMaps:     sourceMaps,
	})
	return err
}

func (a *Adapter) StopProfiling(ctx context.Context, worker model.WorkerId, profileType model.ProfileType) error {
	_, err := a.command(ctx, commandRequest{
		Command:     constants.CmdStopProfiling,
		ServiceID:   worker.ServiceID,
		WorkerIndex: worker.Index,
		ProfileType: string(profileType),
	})
	return err
}

func (a *Adapter) GetLastProfile(ctx context.Context, worker model.WorkerId, profileType model.ProfileType) (*model.ProfileData, error) {
	resp, err := a.command(ctx, commandRequest{
		Command:     constants.CmdGetLastProfile,
		ServiceID:   worker.ServiceID,
		WorkerIndex: worker.Index,
		ProfileType: string(profileType),
	})
	if err != nil {
		return nil, err
	}
	return &model.ProfileData{
		Bytes:           resp.Profile,
		SourceTimestamp: time.UnixMilli(resp.SourceTimestamp),
	}, nil
}

func (a *Adapter) GetProfilingState(ctx context.Context, worker model.WorkerId, profileType model.ProfileType) (string, error) {
	resp, err := a.command(ctx, commandRequest{
		Command:     constants.CmdGetProfilingState,
		ServiceID:   worker.ServiceID,
		WorkerIndex: worker.Index,
		ProfileType: string(profileType),
	})
	if err != nil {
		return "", err
	}
	return resp.State, nil
}

// UpdateApplicationsResources applies each worker-count change through
// the deployment provider. The first failure aborts the batch.
func (a *Adapter) UpdateApplicationsResources(ctx context.Context, updates []model.AppWorkerCount) error {
	if a.deploymentProvider == nil {
		return fmt.Errorf("update applications resources: %w: no deployment provider", agenterrors.ErrConfigMissing)
	}
	for _, u := range updates {
		if err := a.deploymentProvider.ScaleApp(ctx, u.ApplicationID, u.WorkerCount); err != nil {
			return fmt.Errorf("failed to scale %s to %d workers: %w", u.ApplicationID, u.WorkerCount, err)
		}
		logger.Infof("scaled application %s to %d workers", u.ApplicationID, u.WorkerCount)
	}
	return nil
}

// Close stops the event stream and releases the adapter.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.closed)
		if a.wsURL == "" {
			// No stream loop owns the events channel; close it here.
			close(a.events)
		}
	})
	a.wg.Wait()
	return nil
}
