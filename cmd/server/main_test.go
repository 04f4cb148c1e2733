package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matt-riley/rolloutz/internal/config"
	"github.com/matt-riley/rolloutz/internal/core"
	"github.com/matt-riley/rolloutz/internal/exposure"
	"github.com/matt-riley/rolloutz/internal/logging"
	"github.com/matt-riley/rolloutz/internal/metrics"
)

func TestNewHTTPHandlerRouting(t *testing.T) {
	apiHandler := http.NewServeMux()
	for _, pattern := range []string{"GET /v1/flags", "POST /v1/evaluate", "GET /healthz", "GET /metrics", "GET /debug"} {
		apiHandler.HandleFunc(pattern, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		wantStatus int
		wantCalls  int
	}{
		{name: "v1 without token", method: http.MethodGet, path: "/v1/flags", wantStatus: http.StatusUnauthorized},
		{name: "escaped v1 without token", method: http.MethodGet, path: "/%76%31/flags", wantStatus: http.StatusUnauthorized},
		{name: "v1 with rejected token", method: http.MethodPost, path: "/v1/evaluate", token: "key.bad", wantStatus: http.StatusUnauthorized, wantCalls: 1},
		{name: "v1 with accepted token", method: http.MethodPost, path: "/v1/evaluate", token: "key.good", wantStatus: http.StatusOK, wantCalls: 1},
		{name: "healthz is public", method: http.MethodGet, path: "/healthz", token: "key.bad", wantStatus: http.StatusOK},
		{name: "metrics is public", method: http.MethodGet, path: "/metrics", wantStatus: http.StatusOK},
		{name: "other routes are hidden", method: http.MethodGet, path: "/debug", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator := &fakeHTTPTokenValidator{accept: "key.good", keyID: "key"}
			handler := newHTTPHandler(apiHandler, validator)

			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if validator.calls != tt.wantCalls {
				t.Fatalf("ValidateToken calls = %d, want %d", validator.calls, tt.wantCalls)
			}
			if rec.Code == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") != "Bearer" {
				t.Fatalf("WWW-Authenticate = %q, want Bearer", rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

type fakeHTTPTokenValidator struct {
	accept string
	keyID  string
	calls  int
}

func (f *fakeHTTPTokenValidator) ValidateToken(_ context.Context, token string) (string, error) {
	f.calls++
	if token != f.accept {
		return "", errors.New("invalid token")
	}
	return f.keyID, nil
}

func TestNewExposureTrackerSinks(t *testing.T) {
	result := core.Result{FlagKey: "new-checkout", Enabled: true, Reason: core.ReasonBucketedIn}
	evalCtx := core.EvaluationContext{SubjectID: "user-42"}

	tests := []struct {
		name        string
		sink        string
		wantWritten int
		wantLogged  bool
	}{
		{name: "postgres", sink: config.ExposureSinkPostgres, wantWritten: 1},
		{name: "log", sink: config.ExposureSinkLog, wantLogged: true},
		{name: "none", sink: config.ExposureSinkNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			writer := &fakeExposureWriter{}
			cfg := config.Config{
				ExposureSink:          tt.sink,
				ExposureWindow:        time.Minute,
				ExposureQueueSize:     8,
				ExposureDedupCapacity: 8,
			}

			tracker, err := newExposureTracker(context.Background(), cfg, writer, metrics.New(), logging.NewWithWriter("info", &buf))
			if err != nil {
				t.Fatalf("newExposureTracker() error = %v", err)
			}

			for range 3 {
				if err := tracker.Record(context.Background(), "new-checkout", result, evalCtx); err != nil {
					t.Fatalf("Record() error = %v", err)
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := tracker.Close(ctx); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			if got := writer.count(); got != tt.wantWritten {
				t.Fatalf("written exposures = %d, want %d", got, tt.wantWritten)
			}
			if got := strings.Contains(buf.String(), `"msg":"exposure"`); got != tt.wantLogged {
				t.Fatalf("exposure logged = %v, want %v; output: %s", got, tt.wantLogged, buf.String())
			}
		})
	}
}

func TestNewDedupStoreRejectsBadRedisURL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := newDedupStore(ctx, config.Config{RedisURL: "not-a-redis-url", ExposureDedupCapacity: 8})
	if !errors.Is(err, exposure.ErrFailedToParseRedisURL) {
		t.Fatalf("newDedupStore() error = %v, want %v", err, exposure.ErrFailedToParseRedisURL)
	}
}

type fakeExposureWriter struct {
	mu        sync.Mutex
	exposures []exposure.Exposure
}

func (f *fakeExposureWriter) InsertExposures(_ context.Context, exposures []exposure.Exposure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exposures = append(f.exposures, exposures...)
	return nil
}

func (f *fakeExposureWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.exposures)
}
