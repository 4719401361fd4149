package runtimeadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iccagent/internal/model"
	"iccagent/pkg/agenterrors"
)

// commandServer answers every /command POST with the supplied
// responder.
func commandServer(t *testing.T, respond func(req commandRequest) (int, commandResponse)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/command", r.URL.Path)
		var req commandRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		status, resp := respond(req)
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestAdapter_ListWorkers(t *testing.T) {
	srv := commandServer(t, func(req commandRequest) (int, commandResponse) {
		assert.Equal(t, "listWorkers", req.Command)
		return http.StatusOK, commandResponse{
			OK: true,
			Workers: []workerJSON{
				{ServiceID: "main", Index: 0, StartedAt: 1000, Alive: true},
				{ServiceID: "main", Index: 1, StartedAt: 2000, Alive: false},
			},
		}
	})
	defer srv.Close()

	a := New(srv.URL, "", nil)
	defer a.Close()

	workers, err := a.ListWorkers(context.Background())
	require.NoError(t, err)
	require.Len(t, workers, 2)

	w0 := workers[model.WorkerId{ServiceID: "main", Index: 0}]
	assert.True(t, w0.Alive)
	assert.Equal(t, time.UnixMilli(1000), w0.StartedAt)
	assert.False(t, workers[model.WorkerId{ServiceID: "main", Index: 1}].Alive)
}

func TestAdapter_ListApplicationsDerivedFromWorkers(t *testing.T) {
	srv := commandServer(t, func(req commandRequest) (int, commandResponse) {
		return http.StatusOK, commandResponse{
			OK: true,
			Workers: []workerJSON{
				{ServiceID: "main", Index: 0, Alive: true},
				{ServiceID: "main", Index: 1, Alive: true},
				{ServiceID: "worker", Index: 0, Alive: true},
			},
		}
	})
	defer srv.Close()

	a := New(srv.URL, "", nil)
	defer a.Close()

	apps, err := a.ListApplications(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main", "worker"}, apps)
}

func TestAdapter_ErrorCodesMapToSentinels(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"NO_PROFILE_AVAILABLE", agenterrors.ErrNoProfileAvailable},
		{"NOT_ENOUGH_ELU", agenterrors.ErrNotEnoughELU},
		{"PROFILING_NOT_STARTED", agenterrors.ErrProfilingNotStarted},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			srv := commandServer(t, func(req commandRequest) (int, commandResponse) {
				return http.StatusBadRequest, commandResponse{OK: false, Code: tc.code}
			})
			defer srv.Close()

			a := New(srv.URL, "", nil)
			defer a.Close()

			_, err := a.GetLastProfile(context.Background(), model.WorkerId{ServiceID: "main", Index: 0}, model.ProfileCPU)
			assert.True(t, errors.Is(err, tc.want))
		})
	}
}

func TestAdapter_UnknownFailureIsTransient(t *testing.T) {
	srv := commandServer(t, func(req commandRequest) (int, commandResponse) {
		return http.StatusInternalServerError, commandResponse{OK: false, Error: "boom"}
	})
	defer srv.Close()

	a := New(srv.URL, "", nil)
	defer a.Close()

	err := a.StartProfiling(context.Background(), model.WorkerId{ServiceID: "main", Index: 0}, model.ProfileCPU, 1000, false)
	assert.True(t, errors.Is(err, agenterrors.ErrTransientIO))
}

func TestAdapter_GetLastProfileDecodesBytesAndTimestamp(t *testing.T) {
	srv := commandServer(t, func(req commandRequest) (int, commandResponse) {
		assert.Equal(t, "getLastProfile", req.Command)
		assert.Equal(t, "cpu", req.ProfileType)
		return http.StatusOK, commandResponse{
			OK:              true,
			Profile:         []byte{0xde, 0xad},
			SourceTimestamp: 4242,
		}
	})
	defer srv.Close()

	a := New(srv.URL, "", nil)
	defer a.Close()

	data, err := a.GetLastProfile(context.Background(), model.WorkerId{ServiceID: "main", Index: 0}, model.ProfileCPU)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, data.Bytes)
	assert.Equal(t, time.UnixMilli(4242), data.SourceTimestamp)
}

func TestAdapter_EventStreamDeliversSamplesInOrder(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(eventFrame{Type: "hello", HealthMetrics: true})
		for i := 0; i < 3; i++ {
			conn.WriteJSON(eventFrame{
				Type:        "health",
				ServiceID:   "main",
				WorkerIndex: 0,
				ELU:         float64(i) / 10,
				Timestamp:   int64(i * 100),
			})
		}
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	a := New(srv.URL, wsURL, nil)
	defer a.Close()

	var samples []model.HealthSample
	deadline := time.After(2 * time.Second)
	for len(samples) < 3 {
		select {
		case s := <-a.Events():
			samples = append(samples, s)
		case <-deadline:
			t.Fatal("timed out waiting for health samples")
		}
	}

	for i, s := range samples {
		assert.Equal(t, float64(i)/10, s.ELU)
		assert.Equal(t, time.UnixMilli(int64(i*100)), s.Timestamp)
		assert.Equal(t, "main", s.ApplicationID, "application id falls back to the service id")
	}
	assert.True(t, a.SupportsHealthMetrics())
}

func TestAdapter_UpdateApplicationsResourcesNeedsProvider(t *testing.T) {
	a := New("http://127.0.0.1:0", "", nil)
	defer a.Close()

	err := a.UpdateApplicationsResources(context.Background(), []model.AppWorkerCount{{ApplicationID: "main", WorkerCount: 2}})
	assert.True(t, errors.Is(err, agenterrors.ErrConfigMissing))
}
