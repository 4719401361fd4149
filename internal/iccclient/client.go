// Package iccclient is the authenticated HTTP client for the
// Infrastructure Control Center: signal batches, alerts, flamegraph
// uploads, alert attachment, and profiler-state reports.
package iccclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"iccagent/internal/model"
	"iccagent/pkg/agenterrors"
	"iccagent/pkg/logger"
)

const requestTimeout = 30 * time.Second

// AuthHeaderFunc supplies the authorization headers for one outbound
// request. It is invoked fresh on every call; callers must never cache
// the returned headers.
type AuthHeaderFunc func(ctx context.Context) (http.Header, error)

// Client is stateless except for the ICC base URL. One instance is
// shared by every control loop that talks to ICC.
type Client struct {
	baseURL    string
	client     *http.Client
	authHeader AuthHeaderFunc
}

// New creates a client for the given ICC base URL.
func New(baseURL string, authHeader AuthHeaderFunc) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: requestTimeout},
		authHeader: authHeader,
	}
}

// do sends one request with fresh auth headers and returns the
// response body for 200 responses. Non-200 bodies are logged and an
// error returned, per the transient-I/O taxonomy.
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", contentType)

	if c.authHeader != nil {
		headers, err := c.authHeader(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to obtain auth headers: %w", err)
		}
		for key, values := range headers {
			for _, v := range values {
				req.Header.Add(key, v)
			}
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w: %v", method, path, agenterrors.ErrTransientIO, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%s %s: %w: %v", method, path, agenterrors.ErrTransientIO, err)
	}

	if resp.StatusCode != http.StatusOK {
		logger.Warnf("ICC %s %s returned %d: %s", method, path, resp.StatusCode, string(respBody))
		return respBody, resp.StatusCode, fmt.Errorf("%s %s: %w: status %d", method, path, agenterrors.ErrTransientIO, resp.StatusCode)
	}
	return respBody, resp.StatusCode, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", path, err)
	}
	respBody, _, err := c.do(ctx, http.MethodPost, path, "application/json", body)
	if err != nil {
		return err
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return nil
}

// PostSignals flushes one health-signal batch to the remote scaler
// algorithm and returns the alerts it raised.
func (c *Client) PostSignals(ctx context.Context, payload *SignalsPayload) (*SignalsResponse, error) {
	var out SignalsResponse
	if err := c.postJSON(ctx, "/signals", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostAlert posts one v1 alert and returns the remote alert id.
func (c *Client) PostAlert(ctx context.Context, payload *AlertPayload) (*AlertResponse, error) {
	var out AlertResponse
	if err := c.postJSON(ctx, "/alerts", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadFlamegraph uploads raw profile bytes for one service, binding
// it to alertID when non-empty, and returns the remote flamegraph id.
func (c *Client) UploadFlamegraph(ctx context.Context, podID, serviceID string, profileType model.ProfileType, alertID string, data []byte) (string, error) {
	path := fmt.Sprintf("/pods/%s/services/%s/flamegraph?profileType=%s",
		url.PathEscape(podID), url.PathEscape(serviceID), url.QueryEscape(string(profileType)))
	if alertID != "" {
		path += "&alertId=" + url.QueryEscape(alertID)
	}

	respBody, _, err := c.do(ctx, http.MethodPost, path, "application/octet-stream", data)
	if err != nil {
		return "", err
	}

	var out FlamegraphResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("failed to decode flamegraph response: %w", err)
	}
	return out.ID, nil
}

// AttachAlerts binds additional alert ids to an already-uploaded
// flamegraph. A 404 whose body mentions the missing route signals an
// ICC without the attach endpoint; callers fall back to per-alert
// re-upload on ErrMultipleAlertsNotSupported.
func (c *Client) AttachAlerts(ctx context.Context, flamegraphID string, alertIDs []string) error {
	path := fmt.Sprintf("/flamegraphs/%s/alerts", url.PathEscape(flamegraphID))
	body, err := json.Marshal(AttachAlertsPayload{AlertIDs: alertIDs})
	if err != nil {
		return fmt.Errorf("failed to encode attach payload: %w", err)
	}

	respBody, status, err := c.do(ctx, http.MethodPost, path, "application/json", body)
	if err != nil {
		if status == http.StatusNotFound && strings.Contains(string(respBody), "Route POST") {
			return fmt.Errorf("attach alerts: %w", agenterrors.ErrMultipleAlertsNotSupported)
		}
		return err
	}
	return nil
}

// PostProfilerStates reports the current profiler states, refreshed
// periodically so ICC can expire stale entries via ExpiresIn.
func (c *Client) PostProfilerStates(ctx context.Context, payload *StatesPayload) error {
	return c.postJSON(ctx, "/flamegraphs/states", payload, nil)
}
