package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type authCase struct {
	name          string
	header        string
	validator     *testTokenValidator
	wantOK        bool
	wantValidated bool
}

func authCases() []authCase {
	return []authCase{
		{name: "missing header", validator: &testTokenValidator{}},
		{name: "wrong scheme", header: "Basic a2V5LTE6czNjcmV0", validator: &testTokenValidator{}},
		{name: "extra fields", header: "Bearer key-1.s3cret trailing", validator: &testTokenValidator{}},
		{name: "rejected token", header: "Bearer key-1.wrong", validator: &testTokenValidator{expectedToken: "key-1.s3cret", keyID: "key-1"}, wantValidated: true},
		{name: "validator error", header: "Bearer key-1.s3cret", validator: &testTokenValidator{err: errors.New("db down")}, wantValidated: true},
		{name: "accepted token", header: "bearer key-1.s3cret", validator: &testTokenValidator{expectedToken: "key-1.s3cret", keyID: "key-1"}, wantOK: true, wantValidated: true},
	}
}

func TestHTTPBearerAuthMiddleware(t *testing.T) {
	for _, tt := range authCases() {
		t.Run(tt.name, func(t *testing.T) {
			var gotKeyID string
			handler := HTTPBearerAuthMiddleware(tt.validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotKeyID, _ = APIKeyIDFromContext(r.Context())
				w.WriteHeader(http.StatusNoContent)
			}))

			req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if tt.validator.called != tt.wantValidated {
				t.Fatalf("validator called = %v, want %v", tt.validator.called, tt.wantValidated)
			}
			if !tt.wantOK {
				if rec.Code != http.StatusUnauthorized {
					t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
				}
				if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
					t.Fatalf("WWW-Authenticate = %q, want Bearer", got)
				}
				return
			}
			if rec.Code != http.StatusNoContent || gotKeyID != "key-1" {
				t.Fatalf("status = %d, key id = %q; want %d, key-1", rec.Code, gotKeyID, http.StatusNoContent)
			}
			if tt.validator.gotToken != "key-1.s3cret" {
				t.Fatalf("validated token = %q, want key-1.s3cret", tt.validator.gotToken)
			}
		})
	}
}

func TestUnaryBearerAuthInterceptor(t *testing.T) {
	for _, tt := range authCases() {
		t.Run(tt.name, func(t *testing.T) {
			interceptor := UnaryBearerAuthInterceptor(tt.validator)
			res, err := interceptor(incomingCall(tt.header, ""), nil, &grpc.UnaryServerInfo{}, func(ctx context.Context, _ any) (any, error) {
				id, _ := APIKeyIDFromContext(ctx)
				return id, nil
			})

			if tt.validator.called != tt.wantValidated {
				t.Fatalf("validator called = %v, want %v", tt.validator.called, tt.wantValidated)
			}
			if !tt.wantOK {
				if status.Code(err) != codes.Unauthenticated {
					t.Fatalf("code = %v, want %v", status.Code(err), codes.Unauthenticated)
				}
				return
			}
			if err != nil || res != "key-1" {
				t.Fatalf("interceptor() = (%v, %v), want (key-1, nil)", res, err)
			}
		})
	}
}

func TestStreamBearerAuthInterceptor(t *testing.T) {
	for _, tt := range authCases() {
		t.Run(tt.name, func(t *testing.T) {
			interceptor := StreamBearerAuthInterceptor(tt.validator)
			var gotKeyID string
			err := interceptor(nil, &testServerStream{ctx: incomingCall(tt.header, "")}, &grpc.StreamServerInfo{}, func(_ any, ss grpc.ServerStream) error {
				gotKeyID, _ = APIKeyIDFromContext(ss.Context())
				return nil
			})

			if tt.validator.called != tt.wantValidated {
				t.Fatalf("validator called = %v, want %v", tt.validator.called, tt.wantValidated)
			}
			if !tt.wantOK {
				if status.Code(err) != codes.Unauthenticated {
					t.Fatalf("code = %v, want %v", status.Code(err), codes.Unauthenticated)
				}
				return
			}
			if err != nil || gotKeyID != "key-1" {
				t.Fatalf("interceptor() = %v with key id %q, want nil and key-1", err, gotKeyID)
			}
		})
	}
}

func TestRateLimitedAuthFailures(t *testing.T) {
	limiter := NewRateLimiter(context.Background(), 2)
	defer limiter.Stop()

	failures := 0
	validator := &testTokenValidator{expectedToken: "good"}
	handler := HTTPBearerAuthMiddleware(validator,
		WithRateLimiter(limiter),
		WithOnAuthFailure(func() { failures++ }),
	)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("expected next handler not to be called")
	}))

	var statuses []int
	for range 4 {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:4711"
		req.Header.Set("Authorization", "Bearer bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	if failures != 4 {
		t.Fatalf("failures = %d, want 4", failures)
	}
	if statuses[0] != http.StatusUnauthorized {
		t.Fatalf("first response = %d, want %d", statuses[0], http.StatusUnauthorized)
	}
	if statuses[3] != http.StatusTooManyRequests {
		t.Fatalf("last response = %d, want %d", statuses[3], http.StatusTooManyRequests)
	}
}

func TestThrottledClientSkipsValidation(t *testing.T) {
	limiter := NewRateLimiter(context.Background(), 1)
	defer limiter.Stop()
	limiter.RecordFailureAndAllow("203.0.113.7")

	validator := &testTokenValidator{expectedToken: "good"}
	handler := HTTPBearerAuthMiddleware(validator, WithRateLimiter(limiter))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("expected next handler not to be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:4711"
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if validator.called {
		t.Fatal("expected validator not to be called")
	}
}

func TestGRPCAuthThrottlesByPeer(t *testing.T) {
	limiter := NewRateLimiter(context.Background(), 1)
	defer limiter.Stop()

	validator := &testTokenValidator{expectedToken: "good", keyID: "key-1"}
	unary := UnaryBearerAuthInterceptor(validator, WithRateLimiter(limiter))
	stream := StreamBearerAuthInterceptor(validator, WithRateLimiter(limiter))
	noop := func(context.Context, any) (any, error) { return "ok", nil }

	_, err := unary(incomingCall("Bearer bad", "198.51.100.4:5000"), nil, &grpc.UnaryServerInfo{}, noop)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("first failure code = %v, want %v", status.Code(err), codes.Unauthenticated)
	}

	_, err = unary(incomingCall("Bearer good", "198.51.100.4:5001"), nil, &grpc.UnaryServerInfo{}, noop)
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("throttled unary code = %v, want %v", status.Code(err), codes.ResourceExhausted)
	}

	err = stream(nil, &testServerStream{ctx: incomingCall("Bearer good", "198.51.100.4:5002")}, &grpc.StreamServerInfo{}, func(any, grpc.ServerStream) error {
		t.Fatal("expected stream handler not to be called")
		return nil
	})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("throttled stream code = %v, want %v", status.Code(err), codes.ResourceExhausted)
	}

	got, err := unary(incomingCall("Bearer good", "198.51.100.5:5000"), nil, &grpc.UnaryServerInfo{}, noop)
	if err != nil || got != "ok" {
		t.Fatalf("other peer = (%v, %v), want (ok, nil)", got, err)
	}
}

func TestValidatorReturningEmptyKeyIDIsRejected(t *testing.T) {
	validator := TokenValidatorFunc(func(context.Context, string) (string, error) {
		return " ", nil
	})
	if _, err := authorizeHTTP(context.Background(), "Bearer anything", validator); err == nil {
		t.Fatal("authorizeHTTP() error = nil, want error")
	}
}

func TestSplitAPIKey(t *testing.T) {
	tests := []struct {
		token      string
		wantID     string
		wantSecret string
		wantOK     bool
	}{
		{token: "abc.def", wantID: "abc", wantSecret: "def", wantOK: true},
		{token: "abc.def.ghi", wantID: "abc", wantSecret: "def.ghi", wantOK: true},
		{token: "abc", wantOK: false},
		{token: ".def", wantOK: false},
		{token: "abc.", wantOK: false},
	}

	for _, test := range tests {
		id, secret, ok := SplitAPIKey(test.token)
		if id != test.wantID || secret != test.wantSecret || ok != test.wantOK {
			t.Fatalf("SplitAPIKey(%q) = %q, %q, %v; want %q, %q, %v", test.token, id, secret, ok, test.wantID, test.wantSecret, test.wantOK)
		}
	}
}

func TestAPIKeyMatchesHash(t *testing.T) {
	hash, err := HashAPIKey("secret")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v, want nil", err)
	}
	if hash == "" {
		t.Fatal("expected non-empty hash")
	}
	if !APIKeyMatchesHash(hash, "secret") {
		t.Fatal("expected API key to match hash")
	}
	if APIKeyMatchesHash(hash, "wrong") {
		t.Fatal("expected API key mismatch")
	}
	if APIKeyMatchesHash("not-a-bcrypt-hash", "secret") {
		t.Fatal("expected invalid hash to fail")
	}
}

type testTokenValidator struct {
	expectedToken string
	err           error
	called        bool
	gotToken      string
	keyID         string
}

func (v *testTokenValidator) ValidateToken(_ context.Context, token string) (string, error) {
	v.called = true
	v.gotToken = token
	if v.err != nil {
		return "", v.err
	}
	if v.expectedToken != "" && token != v.expectedToken {
		return "", errors.New("invalid token")
	}
	return v.keyID, nil
}
