package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/rolloutz/internal/core"
	"github.com/matt-riley/rolloutz/internal/repository"
	"github.com/matt-riley/rolloutz/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service            Service
	observer           Observer
	metricsHandler     http.Handler
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
}

// HTTPOption configures optional HTTP server parameters.
type HTTPOption func(*HTTPServer)

// WithMaxJSONBodySize caps request bodies. Non-positive values keep the
// default of 1 MiB.
func WithMaxJSONBodySize(size int64) HTTPOption {
	return func(s *HTTPServer) {
		if size > 0 {
			s.maxJSONBodyBytes = size
		}
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.metricsHandler = h }
}

type evaluateJSONRequest struct {
	Key     string                 `json:"key,omitempty"`
	Keys    []string               `json:"keys,omitempty"`
	Context core.EvaluationContext `json:"context"`
}

type evaluateJSONResponse struct {
	Results []core.Result `json:"results"`
}

func NewHTTPHandler(svc Service) http.Handler {
	return NewHTTPHandlerWithOptions(svc, defaultStreamPollInterval, nil)
}

// NewHTTPHandlerWithOptions builds the HTTP API. observer may be nil.
func NewHTTPHandlerWithOptions(svc Service, streamPollInterval time.Duration, observer Observer, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	if streamPollInterval <= 0 {
		streamPollInterval = defaultStreamPollInterval
	}

	server := &HTTPServer{
		service:            svc,
		observer:           observer,
		streamPollInterval: streamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, server.withMetrics(pattern, h))
	}
	handle("POST /v1/flags", server.handleCreateFlag)
	handle("GET /v1/flags", server.handleListFlags)
	handle("GET /v1/flags/{key}", server.handleGetFlag)
	handle("PUT /v1/flags/{key}", server.handleUpdateFlag)
	handle("DELETE /v1/flags/{key}", server.handleDeleteFlag)
	handle("POST /v1/segments", server.handleCreateSegment)
	handle("GET /v1/segments", server.handleListSegments)
	handle("GET /v1/segments/{name}", server.handleGetSegment)
	handle("PUT /v1/segments/{name}", server.handleUpdateSegment)
	handle("DELETE /v1/segments/{name}", server.handleDeleteSegment)
	handle("POST /v1/evaluate", server.handleEvaluate)
	handle("GET /v1/stream", server.handleStream)
	handle("GET /healthz", server.handleHealthz)
	if server.metricsHandler != nil {
		mux.Handle("GET /metrics", server.metricsHandler)
	}

	return mux
}

// withMetrics labels requests by route pattern rather than path to keep
// label cardinality bounded.
func (s *HTTPServer) withMetrics(route string, next http.Handler) http.Handler {
	if s.observer == nil {
		return next
	}
	_, path, _ := strings.Cut(route, " ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)
		s.observer.ObserveHTTP(r.Method, path, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var flag service.Flag
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	created, err := s.service.CreateFlag(r.Context(), flag)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	flag, err := s.service.GetFlag(r.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.service.ListFlags(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flags)
}

func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	var flag service.Flag
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Key) != "" && flag.Key != key {
		writeJSONError(w, http.StatusBadRequest, "path key and body key must match")
		return
	}
	flag.Key = key

	updated, err := s.service.UpdateFlag(r.Context(), flag)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := s.service.DeleteFlag(r.Context(), key); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleCreateSegment(w http.ResponseWriter, r *http.Request) {
	var segment service.Segment
	if err := s.decodeJSONBody(w, r, &segment); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(segment.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	created, err := s.service.CreateSegment(r.Context(), segment)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	segment, err := s.service.GetSegment(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, segment)
}

func (s *HTTPServer) handleListSegments(w http.ResponseWriter, r *http.Request) {
	segments, err := s.service.ListSegments(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, segments)
}

func (s *HTTPServer) handleUpdateSegment(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	var segment service.Segment
	if err := s.decodeJSONBody(w, r, &segment); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(segment.Name) != "" && segment.Name != name {
		writeJSONError(w, http.StatusBadRequest, "path name and body name must match")
		return
	}
	segment.Name = name

	updated, err := s.service.UpdateSegment(r.Context(), segment)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := s.service.DeleteSegment(r.Context(), name); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleEvaluate evaluates a single key, a list of keys, or every flag when
// neither is given.
func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	var results []core.Result
	switch {
	case len(request.Keys) > 0 && strings.TrimSpace(request.Key) != "":
		writeJSONError(w, http.StatusBadRequest, "use either key or keys")
		return
	case len(request.Keys) > 0:
		for idx, key := range request.Keys {
			if strings.TrimSpace(key) == "" {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("keys[%d] is required", idx))
				return
			}
		}
		results = s.service.EvaluateBatch(r.Context(), request.Keys, request.Context)
	case strings.TrimSpace(request.Key) != "":
		results = []core.Result{s.service.Evaluate(r.Context(), request.Key, request.Context)}
	default:
		results = s.service.EvaluateAll(r.Context(), request.Context)
	}

	if results == nil {
		results = []core.Result{}
	}
	writeJSON(w, http.StatusOK, evaluateJSONResponse{Results: results})
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.Event) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event)
			if eventName == "" {
				continue
			}

			payload, err := json.Marshal(event)
			if err != nil {
				return err
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			flusher.Flush()
		}

		return nil
	}

	initialEvents, err := s.service.ListEventsSince(r.Context(), currentEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.observer != nil {
		s.observer.StreamOpened("sse")
		defer s.observer.StreamClosed("sse")
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := s.service.ListEventsSince(r.Context(), currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

// toSSEEventName returns "<resource>.<event type>", or "" for events the
// stream does not forward.
func toSSEEventName(event repository.Event) string {
	switch event.Resource {
	case repository.ResourceFlag, repository.ResourceSegment:
	default:
		return ""
	}
	switch event.EventType {
	case service.EventTypeCreated, service.EventTypeUpdated, service.EventTypeDeleted:
		return event.Resource + "." + event.EventType
	default:
		return ""
	}
}

func serviceErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidFlag), errors.Is(err, service.ErrInvalidSegment):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrFlagNotFound), errors.Is(err, service.ErrSegmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrFlagExists), errors.Is(err, service.ErrSegmentExists),
		errors.Is(err, service.ErrFlagInUse), errors.Is(err, service.ErrSegmentInUse):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeJSONError(w, serviceErrorStatus(err), serviceErrorMessage(err))
}

// serviceErrorMessage exposes domain error text. Anything else is reported
// generically so storage details do not leak.
func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidFlag), errors.Is(err, service.ErrInvalidSegment),
		errors.Is(err, service.ErrFlagInUse), errors.Is(err, service.ErrSegmentInUse):
		return err.Error()
	case errors.Is(err, service.ErrFlagNotFound):
		return "flag not found"
	case errors.Is(err, service.ErrSegmentNotFound):
		return "segment not found"
	case errors.Is(err, service.ErrFlagExists):
		return "flag already exists"
	case errors.Is(err, service.ErrSegmentExists):
		return "segment already exists"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

// compactSSEPayload returns the data lines for payload: a single line for
// valid JSON, otherwise one line per CR, LF or CRLF separated segment.
func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	return strings.Split(sseLineBreaks.Replace(string(payload)), "\n")
}

var sseLineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
