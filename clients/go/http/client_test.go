package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	rolloutz "github.com/matt-riley/rolloutz/clients/go"
	rolloutzhttp "github.com/matt-riley/rolloutz/clients/go/http"
)

func flagJSON(key string, enabled bool) string {
	return fmt.Sprintf(`{"key":%q,"description":"desc","enabled":%v,"percentage":25,"variants":[{"name":"blue","weight":100,"payload":{"color":"blue"}}],"segments":["beta-users"],"created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z"}`, key, enabled)
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *rolloutzhttp.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return rolloutzhttp.NewHTTPClient(rolloutzhttp.Config{
		BaseURL: srv.URL + "/",
		APIKey:  "test-key",
	})
}

func assertAuth(t *testing.T, r *http.Request) {
	t.Helper()
	got := r.Header.Get("Authorization")
	if got != "Bearer test-key" {
		t.Errorf("auth header: got %q, want %q", got, "Bearer test-key")
	}
}

func assertRoute(t *testing.T, r *http.Request, method, path string) {
	t.Helper()
	if r.Method != method || r.URL.Path != path {
		t.Errorf("request = %s %s, want %s %s", r.Method, r.URL.Path, method, path)
	}
}

// -- CRUD tests --------------------------------------------------------------

func TestCreateFlag(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		assertRoute(t, r, http.MethodPost, "/v1/flags")

		var body rolloutz.Flag
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Key != "my-flag" || body.Percentage == nil || *body.Percentage != 25 {
			t.Errorf("body = %+v", body)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, flagJSON("my-flag", true))
	})

	pct := 25.0
	f, err := c.CreateFlag(context.Background(), rolloutz.Flag{Key: "my-flag", Enabled: true, Percentage: &pct})
	if err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}
	if f.Key != "my-flag" || !f.Enabled {
		t.Fatalf("CreateFlag() = %+v", f)
	}
	if f.CreatedAt.IsZero() {
		t.Fatal("CreateFlag() CreatedAt is zero")
	}
	if len(f.Variants) != 1 || f.Variants[0].Name != "blue" {
		t.Fatalf("CreateFlag() variants = %+v", f.Variants)
	}
	if len(f.Segments) != 1 || f.Segments[0] != "beta-users" {
		t.Fatalf("CreateFlag() segments = %+v", f.Segments)
	}
}

func TestGetFlag(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		assertRoute(t, r, http.MethodGet, "/v1/flags/my-flag")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, flagJSON("my-flag", true))
	})

	f, err := c.GetFlag(context.Background(), "my-flag")
	if err != nil {
		t.Fatalf("GetFlag() error = %v", err)
	}
	if f.Key != "my-flag" {
		t.Fatalf("GetFlag() key = %q, want my-flag", f.Key)
	}
}

func TestGetFlagErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{name: "json not found", status: http.StatusNotFound, body: `{"error":"flag not found"}`, wantMessage: "flag not found"},
		{name: "plain unauthorized", status: http.StatusUnauthorized, body: "unauthorized\n", wantMessage: "unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			_, err := c.GetFlag(context.Background(), "missing")
			var apiErr *rolloutzhttp.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("GetFlag() error = %v, want *APIError", err)
			}
			if apiErr.StatusCode != tt.status || apiErr.Message != tt.wantMessage {
				t.Fatalf("APIError = %+v, want status %d message %q", apiErr, tt.status, tt.wantMessage)
			}
		})
	}
}

func TestListFlags(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertRoute(t, r, http.MethodGet, "/v1/flags")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"key":"a","enabled":true},{"key":"b","enabled":false}]`)
	})

	flags, err := c.ListFlags(context.Background())
	if err != nil {
		t.Fatalf("ListFlags() error = %v", err)
	}
	if len(flags) != 2 || flags[0].Key != "a" || flags[1].Enabled {
		t.Fatalf("ListFlags() = %+v", flags)
	}
}

func TestUpdateFlag(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		assertRoute(t, r, http.MethodPut, "/v1/flags/my-flag")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, flagJSON("my-flag", false))
	})

	f, err := c.UpdateFlag(context.Background(), rolloutz.Flag{Key: "my-flag", Enabled: false})
	if err != nil {
		t.Fatalf("UpdateFlag() error = %v", err)
	}
	if f.Enabled {
		t.Fatal("UpdateFlag() Enabled = true, want false")
	}
}

func TestDeleteFlag(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		assertRoute(t, r, http.MethodDelete, "/v1/flags/my-flag")
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.DeleteFlag(context.Background(), "my-flag"); err != nil {
		t.Fatalf("DeleteFlag() error = %v", err)
	}
}

func TestDeleteFlagInUse(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"flag is referenced by another flag"}`)
	})

	err := c.DeleteFlag(context.Background(), "my-flag")
	var apiErr *rolloutzhttp.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("DeleteFlag() error = %v, want 409 APIError", err)
	}
}

// -- Evaluate tests ----------------------------------------------------------

func TestEvaluate(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		assertRoute(t, r, http.MethodPost, "/v1/evaluate")

		var body struct {
			Key     string                     `json:"key"`
			Keys    []string                   `json:"keys"`
			Context rolloutz.EvaluationContext `json:"context"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Key != "my-flag" || body.Keys != nil {
			t.Errorf("body key = %q keys = %v", body.Key, body.Keys)
		}
		if body.Context.SubjectID != "user-42" || body.Context.Attributes["plan"] != "pro" {
			t.Errorf("body context = %+v", body.Context)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"results":[{"flag_key":"my-flag","enabled":true,"variant":"blue","payload":{"color":"blue"},"reason":"variant-assigned"}]}`)
	})

	got, err := c.Evaluate(context.Background(), "my-flag", rolloutz.EvaluationContext{
		SubjectID:  "user-42",
		Attributes: map[string]any{"plan": "pro"},
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got.FlagKey != "my-flag" || !got.Enabled || got.Variant != "blue" || got.Reason != rolloutz.ReasonVariantAssigned {
		t.Fatalf("Evaluate() = %+v", got)
	}
	payload, ok := got.Payload.(map[string]any)
	if !ok || payload["color"] != "blue" {
		t.Fatalf("Evaluate() payload = %#v", got.Payload)
	}
}

func TestEvaluateEmptyResponse(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[]}`)
	})

	if _, err := c.Evaluate(context.Background(), "my-flag", rolloutz.EvaluationContext{}); err == nil {
		t.Fatal("Evaluate() error = nil, want error for empty results")
	}
}

func TestEvaluateAll(t *testing.T) {
	tests := []struct {
		name     string
		keys     []string
		wantKeys int
	}{
		{name: "selected keys", keys: []string{"a", "b"}, wantKeys: 2},
		{name: "every flag", keys: nil, wantKeys: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				assertAuth(t, r)
				var body map[string]any
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					t.Errorf("decode body: %v", err)
				}
				keys, _ := body["keys"].([]any)
				if len(keys) != tt.wantKeys {
					t.Errorf("body keys = %v, want %d keys", body["keys"], tt.wantKeys)
				}
				if _, ok := body["key"]; ok {
					t.Errorf("body has key field: %v", body)
				}
				fmt.Fprint(w, `{"results":[{"flag_key":"a","enabled":true,"reason":"bucketed-in"},{"flag_key":"b","enabled":false,"reason":"mutex-lost"}]}`)
			})

			results, err := c.EvaluateAll(context.Background(), rolloutz.EvaluationContext{SubjectID: "user-42"}, tt.keys...)
			if err != nil {
				t.Fatalf("EvaluateAll() error = %v", err)
			}
			if len(results) != 2 || !results[0].Enabled || results[1].Reason != rolloutz.ReasonMutexLost {
				t.Fatalf("EvaluateAll() = %+v", results)
			}
		})
	}
}

// -- SSE streaming tests -----------------------------------------------------

func TestStream(t *testing.T) {
	frames := []string{
		": keepalive\n\n",
		"id: 1\nevent: flag.updated\ndata: {\"event_id\":1,\"resource\":\"flag\",\"key\":\"flag-a\",\"event_type\":\"updated\",\"payload\":{\"key\":\"flag-a\",\"enabled\":true}}\n\n",
		"id: 2\nevent: segment.deleted\ndata: {\"event_id\":2,\"resource\":\"segment\",\"key\":\"beta-users\",\"event_type\":\"deleted\"}\n\n",
		"event: error\ndata: {\"error\":\"internal server error\"}\n\n",
	}

	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		assertRoute(t, r, http.MethodGet, "/v1/stream")
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := c.Stream(ctx, 0)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var received []rolloutz.Event
	for ev := range ch {
		received = append(received, ev)
	}

	if len(received) != 3 {
		t.Fatalf("Stream() delivered %d events, want 3: %+v", len(received), received)
	}
	if received[0].EventID != 1 || received[0].Resource != "flag" || received[0].Type != "updated" {
		t.Fatalf("event 0 = %+v", received[0])
	}
	if flag, ok := received[0].Flag(); !ok || flag.Key != "flag-a" || !flag.Enabled {
		t.Fatalf("event 0 Flag() = %+v, %v", flag, ok)
	}
	if received[1].Resource != "segment" || received[1].Type != "deleted" || received[1].Key != "beta-users" {
		t.Fatalf("event 1 = %+v", received[1])
	}
	if received[2].Type != "error" {
		t.Fatalf("event 2 = %+v, want error event", received[2])
	}
}

func TestStreamLastEventIDHeader(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Last-Event-ID"); got != "42" {
			t.Errorf("Last-Event-ID = %q, want 42", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := c.Stream(ctx, 42)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	for range ch {
	}
}

func TestStreamRejected(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid Last-Event-ID"}`)
	})

	_, err := c.Stream(context.Background(), 0)
	var apiErr *rolloutzhttp.APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "invalid Last-Event-ID" {
		t.Fatalf("Stream() error = %v, want 400 APIError", err)
	}
}

func TestStreamContextCancellation(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Stream(ctx, 0)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	time.AfterFunc(100*time.Millisecond, cancel)

	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for stream channel to close")
		}
	}
}
