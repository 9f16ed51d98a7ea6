package deviceclient

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
)

// HTTP client tuning constants.
const (
	// transportRetries is how many times a transport failure is retried
	// within one call before giving up.
	transportRetries = 2

	// retryBackoff is the pause between transport retries.
	retryBackoff = 500 * time.Millisecond

	// defaultRequestTimeout bounds a single HTTP exchange when the
	// caller's context carries no earlier deadline.
	defaultRequestTimeout = 15 * time.Second

	// maxResponseBody caps how much of an error response is read for
	// the rejection reason.
	maxResponseBody = 4 << 10
)

// HTTPClient talks to one intercom or keypad over its HTTP API.
//
// Endpoints follow the fleet's device firmware convention:
//
//	GET  /api/status
//	PUT  /api/users
//	PUT  /api/groups
//	POST /api/users/{id}/face
//	POST /api/users/delete
//	POST /api/reboot
//	GET  /api/events?since=RFC3339
type HTTPClient struct {
	deviceID string
	baseURL  string
	client   *http.Client
}

// HTTPFactory creates HTTPClient instances sharing one underlying
// http.Client and connection pool.
type HTTPFactory struct {
	client *http.Client
}

// NewHTTPFactory creates a client factory with sane transport defaults.
func NewHTTPFactory() *HTTPFactory {
	return &HTTPFactory{
		client: &http.Client{
			Timeout: defaultRequestTimeout,
		},
	}
}

// ClientFor builds a client for the given device address.
func (f *HTTPFactory) ClientFor(deviceID, address string) Client {
	base := address
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &HTTPClient{
		deviceID: deviceID,
		baseURL:  strings.TrimRight(base, "/") + "/api",
		client:   f.client,
	}
}

// Probe checks reachability and returns basic device status.
func (c *HTTPClient) Probe(ctx context.Context) (*DeviceStatus, error) {
	var status DeviceStatus
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	status.Online = true
	return &status, nil
}

// PushUsers replaces the device's user table.
func (c *HTTPClient) PushUsers(ctx context.Context, users []UserRecord) error {
	return c.do(ctx, http.MethodPut, "/users", map[string]any{"users": users}, nil)
}

// PushGroups replaces the device's access group definitions.
func (c *HTTPClient) PushGroups(ctx context.Context, groups []GroupRecord) error {
	return c.do(ctx, http.MethodPut, "/groups", map[string]any{"groups": groups}, nil)
}

// PushFace uploads a face image for one user.
func (c *HTTPClient) PushFace(ctx context.Context, userID string, image []byte) error {
	path := "/users/" + url.PathEscape(userID) + "/face"
	return c.doRaw(ctx, http.MethodPost, path, image, "application/octet-stream", nil)
}

// DeleteUsers removes the given user IDs from the device.
func (c *HTTPClient) DeleteUsers(ctx context.Context, userIDs []string) error {
	return c.do(ctx, http.MethodPost, "/users/delete", map[string]any{"ids": userIDs}, nil)
}

// Reboot commands the device to restart. The device typically drops
// the connection while restarting, so a transport error after the
// request was sent is not retried.
func (c *HTTPClient) Reboot(ctx context.Context) error {
	err := c.doOnce(ctx, http.MethodPost, "/reboot", nil, "", nil)
	if IsRejection(err) {
		return err
	}
	// Connection loss here usually means the reboot took effect.
	return nil
}

// FetchEvents pulls the device's event log since the given time.
func (c *HTTPClient) FetchEvents(ctx context.Context, since time.Time) ([]RawEvent, error) {
	path := "/events?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))

	var resp struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	events := make([]RawEvent, 0, len(resp.Events))
	for _, raw := range resp.Events {
		events = append(events, RawEvent{Payload: raw, Timestamp: now})
	}
	return events, nil
}

// do sends a JSON request with transport retries.
func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("deviceclient: marshalling %s body: %w", path, err)
		}
	}
	return c.doRaw(ctx, method, path, payload, "application/json", out)
}

// doRaw sends a request, retrying transport failures. Rejections are
// returned immediately: the device will refuse the same payload again.
func (c *HTTPClient) doRaw(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= transportRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &TransportError{Op: method + " " + path, Err: ctx.Err()}
			case <-time.After(retryBackoff):
			}
		}

		lastErr = c.doOnce(ctx, method, path, body, contentType, out)
		if lastErr == nil || !IsTransport(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// doOnce performs a single HTTP exchange and classifies the outcome.
func (c *HTTPClient) doOnce(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("deviceclient: building request %s: %w", op, err)
	}
	if contentType != "" && body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck // Response cleanup

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return &TransportError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
			}
		}
		return nil

	case resp.StatusCode >= 500:
		// Device-side failures are treated as transient.
		return &TransportError{Op: op, Err: fmt.Errorf("device returned %d", resp.StatusCode)}

	default:
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return &RejectionError{
			Op:     op,
			Status: resp.StatusCode,
			Reason: strings.TrimSpace(string(reason)),
		}
	}
}
