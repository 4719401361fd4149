package controlchannel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iccagent/internal/model"
)

var upgrader = websocket.Upgrader{}

// wsServer runs handler for every incoming control connection and
// counts dials.
func wsServer(t *testing.T, dials *atomic.Int64, handler func(conn *websocket.Conn, dial int64)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn, dials.Add(1))
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readSubscribe(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var sub map[string]interface{}
	require.NoError(t, conn.ReadJSON(&sub))
	require.Equal(t, "subscribe", sub["command"])
	require.Equal(t, "/config", sub["topic"])
}

func TestChannel_SubscribesAndDispatches(t *testing.T) {
	var dials atomic.Int64
	srv := wsServer(t, &dials, func(conn *websocket.Conn, dial int64) {
		defer conn.Close()
		readSubscribe(t, conn)
		conn.WriteJSON(map[string]string{"command": "ack"})
		conn.WriteJSON(map[string]string{"command": "trigger-flamegraph"})
		conn.WriteJSON(map[string]string{"command": "trigger-heapprofile"})
		conn.WriteJSON(map[string]interface{}{
			"type":  "config-updated",
			"topic": "/config",
			"data":  map[string]interface{}{"maxWorkers": 5},
		})
		// Unknown frames are ignored without killing the connection.
		conn.WriteJSON(map[string]string{"command": "mystery"})
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	var mu sync.Mutex
	var profiles []model.ProfileType
	var topics []string
	var configs []json.RawMessage

	ch := New(wsURL(srv), nil, 50*time.Millisecond, Callbacks{
		TriggerProfile: func(ctx context.Context, pt model.ProfileType) {
			mu.Lock()
			profiles = append(profiles, pt)
			mu.Unlock()
		},
		ConfigUpdated: func(ctx context.Context, topic string, data json.RawMessage) {
			mu.Lock()
			topics = append(topics, topic)
			configs = append(configs, data)
			mu.Unlock()
		},
	})
	ch.Start(context.Background())
	defer ch.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(profiles) == 2 && len(topics) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.ProfileType{model.ProfileCPU, model.ProfileHeap}, profiles)
	assert.Equal(t, []string{"/config"}, topics)
	assert.Contains(t, string(configs[0]), "maxWorkers")
}

func TestChannel_NonAckFirstMessageForcesReconnect(t *testing.T) {
	var dials atomic.Int64
	srv := wsServer(t, &dials, func(conn *websocket.Conn, dial int64) {
		defer conn.Close()
		readSubscribe(t, conn)
		if dial == 1 {
			// A first message that is not the ack is a fatal
			// subscribe failure.
			conn.WriteJSON(map[string]string{"command": "nope"})
			return
		}
		conn.WriteJSON(map[string]string{"command": "ack"})
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	ch := New(wsURL(srv), nil, 20*time.Millisecond, Callbacks{})
	ch.Start(context.Background())
	defer ch.Close()

	require.Eventually(t, func() bool { return dials.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestChannel_ReconnectsAfterServerClose(t *testing.T) {
	var dials atomic.Int64
	srv := wsServer(t, &dials, func(conn *websocket.Conn, dial int64) {
		readSubscribe(t, conn)
		conn.WriteJSON(map[string]string{"command": "ack"})
		// Drop the connection right after subscribing.
		conn.Close()
	})
	defer srv.Close()

	ch := New(wsURL(srv), nil, 20*time.Millisecond, Callbacks{})
	ch.Start(context.Background())
	defer ch.Close()

	require.Eventually(t, func() bool { return dials.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestChannel_CloseSuppressesReconnect(t *testing.T) {
	var dials atomic.Int64
	srv := wsServer(t, &dials, func(conn *websocket.Conn, dial int64) {
		readSubscribe(t, conn)
		conn.WriteJSON(map[string]string{"command": "ack"})
		conn.Close()
	})
	defer srv.Close()

	ch := New(wsURL(srv), nil, 20*time.Millisecond, Callbacks{})
	ch.Start(context.Background())

	require.Eventually(t, func() bool { return dials.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	ch.Close()

	// A reconnect timer armed just before Close may still fire once;
	// after it drains, no further dial may happen.
	time.Sleep(50 * time.Millisecond)
	settled := dials.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, dials.Load(), "no dial may happen after Close")
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "ws://icc.local/api/updates/applications/app-1", EndpointURL("http://icc.local", "app-1"))
	assert.Equal(t, "wss://icc.local/api/updates/applications/app-1", EndpointURL("https://icc.local/", "app-1"))
}
