// Package http provides an HTTP client for the rolloutz feature flag service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	rolloutz "github.com/matt-riley/rolloutz/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the rolloutz server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements rolloutz.FlagManager, rolloutz.Evaluator, and rolloutz.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var (
	_ rolloutz.FlagManager = (*Client)(nil)
	_ rolloutz.Evaluator   = (*Client)(nil)
	_ rolloutz.Streamer    = (*Client)(nil)
)

// NewHTTPClient returns a new HTTP client for the rolloutz service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

type evaluateRequest struct {
	Key     string                     `json:"key,omitempty"`
	Keys    []string                   `json:"keys,omitempty"`
	Context rolloutz.EvaluationContext `json:"context"`
}

type evaluateResponse struct {
	Results []rolloutz.Result `json:"results"`
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rolloutz: HTTP %d: %s", e.StatusCode, e.Message)
}

// newAPIError prefers the "error" field of a JSON error body and falls back
// to the raw body.
func newAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rolloutz: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("rolloutz: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rolloutz: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return newAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rolloutz: decode response: %w", err)
	}
	return nil
}

func flagPath(key string) string {
	return "/v1/flags/" + url.PathEscape(key)
}

// -- FlagManager -------------------------------------------------------------

func (c *Client) CreateFlag(ctx context.Context, flag rolloutz.Flag) (rolloutz.Flag, error) {
	var out rolloutz.Flag
	if err := c.do(ctx, http.MethodPost, "/v1/flags", flag, &out); err != nil {
		return rolloutz.Flag{}, err
	}
	return out, nil
}

func (c *Client) GetFlag(ctx context.Context, key string) (rolloutz.Flag, error) {
	var out rolloutz.Flag
	if err := c.do(ctx, http.MethodGet, flagPath(key), nil, &out); err != nil {
		return rolloutz.Flag{}, err
	}
	return out, nil
}

func (c *Client) ListFlags(ctx context.Context) ([]rolloutz.Flag, error) {
	var out []rolloutz.Flag
	if err := c.do(ctx, http.MethodGet, "/v1/flags", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateFlag(ctx context.Context, flag rolloutz.Flag) (rolloutz.Flag, error) {
	var out rolloutz.Flag
	if err := c.do(ctx, http.MethodPut, flagPath(flag.Key), flag, &out); err != nil {
		return rolloutz.Flag{}, err
	}
	return out, nil
}

func (c *Client) DeleteFlag(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, flagPath(key), nil, nil)
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, key string, evalCtx rolloutz.EvaluationContext) (rolloutz.Result, error) {
	var out evaluateResponse
	if err := c.do(ctx, http.MethodPost, "/v1/evaluate", evaluateRequest{Key: key, Context: evalCtx}, &out); err != nil {
		return rolloutz.Result{}, err
	}
	if len(out.Results) == 0 {
		return rolloutz.Result{}, fmt.Errorf("rolloutz: empty evaluation response for %q", key)
	}
	return out.Results[0], nil
}

// EvaluateAll evaluates keys, or every flag when keys is empty.
func (c *Client) EvaluateAll(ctx context.Context, evalCtx rolloutz.EvaluationContext, keys ...string) ([]rolloutz.Result, error) {
	var out evaluateResponse
	if err := c.do(ctx, http.MethodPost, "/v1/evaluate", evaluateRequest{Keys: keys, Context: evalCtx}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits events on the returned channel.
// The channel is closed when ctx is cancelled or the connection drops.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan rolloutz.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("rolloutz: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rolloutz: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, newAPIError(resp)
	}

	ch := make(chan rolloutz.Event, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// 1 MiB buffer for large data lines.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE frames from r and sends parsed events to ch. It handles
// the id, event and data fields, dispatching on a blank line. Event names
// have the form "<resource>.<event_type>"; the data line carries the full
// event as JSON. An "error" event is delivered with Type "error" and the
// server's message as payload.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- rolloutz.Event) {
	var (
		eventName string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				if ev, ok := decodeSSEEvent(eventID, eventName, strings.Join(dataLines, "\n")); ok {
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
			eventName = ""
			dataLines = nil
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "id:"):
			if id, parseErr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); parseErr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}

func decodeSSEEvent(eventID int64, eventName, data string) (rolloutz.Event, bool) {
	if eventName == "error" {
		return rolloutz.Event{EventID: eventID, Type: "error", Payload: json.RawMessage(data)}, json.Valid([]byte(data))
	}

	resource, eventType, ok := strings.Cut(eventName, ".")
	if !ok || resource == "" || eventType == "" {
		return rolloutz.Event{}, false
	}

	var ev rolloutz.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return rolloutz.Event{}, false
	}
	if ev.EventID == 0 {
		ev.EventID = eventID
	}
	ev.Resource = resource
	ev.Type = eventType
	return ev, true
}
