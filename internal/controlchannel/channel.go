// Package controlchannel maintains the persistent WebSocket to ICC
// over which configuration updates and profiling trigger commands
// arrive. The connection subscribes to /config on connect and
// reconnects on any failure until the agent closes.
package controlchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"iccagent/internal/iccclient"
	"iccagent/internal/model"
	"iccagent/pkg/logger"
)

// Callbacks are the channel's effects; both may be nil.
type Callbacks struct {
	// TriggerProfile handles trigger-flamegraph / trigger-heapprofile
	// commands for all services.
	TriggerProfile func(ctx context.Context, profileType model.ProfileType)

	// ConfigUpdated applies an ICC configuration update.
	ConfigUpdated func(ctx context.Context, topic string, data json.RawMessage)
}

// frame is the union of every message shape the channel exchanges.
type frame struct {
	Command string          `json:"command,omitempty"`
	Type    string          `json:"type,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Channel is the reconnecting control connection for one application.
type Channel struct {
	url               string
	authHeader        iccclient.AuthHeaderFunc
	reconnectInterval time.Duration
	callbacks         Callbacks
	dialer            *websocket.Dialer

	mu             sync.Mutex
	conn           *websocket.Conn
	isClosing      bool
	isReconnecting bool
	wg             sync.WaitGroup
}

// EndpointURL derives the ws(s) endpoint from the ICC base URL.
func EndpointURL(iccURL, applicationID string) string {
	wsURL := iccURL
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	return strings.TrimRight(wsURL, "/") + "/api/updates/applications/" + applicationID
}

// New creates a stopped channel for the given ws endpoint.
func New(url string, authHeader iccclient.AuthHeaderFunc, reconnectInterval time.Duration, callbacks Callbacks) *Channel {
	return &Channel{
		url:               url,
		authHeader:        authHeader,
		reconnectInterval: reconnectInterval,
		callbacks:         callbacks,
		dialer:            websocket.DefaultDialer,
	}
}

// Start opens the connection in the background.
func (c *Channel) Start(ctx context.Context) {
	ctx = logger.WithComponent(ctx, "controlchannel")
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// run performs one connect/subscribe/read cycle and schedules a
// reconnect when it ends for any reason other than closing.
func (c *Channel) run(ctx context.Context) {
	if err := c.connectAndServe(ctx); err != nil {
		c.mu.Lock()
		closing := c.isClosing
		c.mu.Unlock()
		if closing {
			return
		}
		logger.WarnCtx(ctx, "control channel disconnected: %v", err)
	}
	c.scheduleReconnect(ctx)
}

func (c *Channel) connectAndServe(ctx context.Context) error {
	headers := make(map[string][]string)
	if c.authHeader != nil {
		h, err := c.authHeader(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain auth headers: %w", err)
		}
		headers = h
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.isClosing {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	if err := conn.WriteJSON(frame{Command: "subscribe", Topic: "/config"}); err != nil {
		return fmt.Errorf("failed to send subscribe: %w", err)
	}

	// The first message must be the ack; anything else is a failed
	// subscribe and forces a reconnect.
	var ack frame
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("failed to read subscribe ack: %w", err)
	}
	if ack.Command != "ack" {
		return fmt.Errorf("subscribe not acknowledged, got command %q", ack.Command)
	}
	logger.InfoCtx(ctx, "control channel subscribed to /config")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(ctx, data)
	}
}

func (c *Channel) dispatch(ctx context.Context, data []byte) {
	var msg frame
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.WarnCtx(ctx, "control channel: bad frame: %v", err)
		return
	}

	switch {
	case msg.Command == "trigger-flamegraph":
		logger.InfoCtx(ctx, "control channel: flamegraph triggered")
		if c.callbacks.TriggerProfile != nil {
			c.callbacks.TriggerProfile(ctx, model.ProfileCPU)
		}
	case msg.Command == "trigger-heapprofile":
		logger.InfoCtx(ctx, "control channel: heap profile triggered")
		if c.callbacks.TriggerProfile != nil {
			c.callbacks.TriggerProfile(ctx, model.ProfileHeap)
		}
	case msg.Type == "config-updated":
		logger.InfoCtx(ctx, "control channel: config updated on topic %s", msg.Topic)
		if c.callbacks.ConfigUpdated != nil {
			c.callbacks.ConfigUpdated(ctx, msg.Topic, msg.Data)
		}
	default:
		logger.InfoCtx(ctx, "control channel: ignoring message: %s", string(data))
	}
}

// scheduleReconnect arms one reconnect after the configured interval.
// Reconnection is idempotent: while one is pending, further failures
// do not schedule another.
func (c *Channel) scheduleReconnect(ctx context.Context) {
	c.mu.Lock()
	if c.isClosing || c.isReconnecting {
		c.mu.Unlock()
		return
	}
	c.isReconnecting = true
	c.mu.Unlock()

	time.AfterFunc(c.reconnectInterval, func() {
		c.mu.Lock()
		c.isReconnecting = false
		closing := c.isClosing
		c.mu.Unlock()
		if closing {
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.run(ctx)
		}()
	})
}

// Close stops the channel and suppresses any further reconnects.
func (c *Channel) Close() {
	c.mu.Lock()
	c.isClosing = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	logger.Info("control channel closed")
}
