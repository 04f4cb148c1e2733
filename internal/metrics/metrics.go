// Package metrics provides Prometheus instrumentation for the rolloutz server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only rolloutz metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/rolloutz/internal/core"
)

// Exposure outcomes used as the "outcome" label of ExposuresTotal.
const (
	ExposureRecorded     = "recorded"
	ExposureDeduplicated = "deduplicated"
	ExposureDropped      = "dropped"
	ExposureSinkFailed   = "sink_failed"
)

// Metrics holds all Prometheus collectors used by the rolloutz server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
	SnapshotFlags       prometheus.Gauge
	SnapshotSegments    prometheus.Gauge
	SnapshotSwapsTotal  prometheus.Counter
	CacheLoadsTotal     prometheus.Counter
	CacheInvalidations  prometheus.Counter
	EvaluationsTotal    *prometheus.CounterVec
	ExposuresTotal      *prometheus.CounterVec
	AuthFailuresTotal   prometheus.Counter
	ActiveStreams       *prometheus.GaugeVec
}

// New creates and registers all rolloutz metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rolloutz_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rolloutz_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rolloutz_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rolloutz_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		SnapshotFlags: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rolloutz_snapshot_flags",
			Help: "Number of flags in the current snapshot.",
		}),

		SnapshotSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rolloutz_snapshot_segments",
			Help: "Number of segments in the current snapshot.",
		}),

		SnapshotSwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rolloutz_snapshot_swaps_total",
			Help: "Total number of snapshots published.",
		}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rolloutz_cache_loads_total",
			Help: "Total number of full snapshot reloads from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rolloutz_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered snapshot invalidations.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rolloutz_flag_evaluations_total",
			Help: "Total number of flag evaluations by reason.",
		}, []string{"reason", "enabled"}),

		ExposuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rolloutz_exposures_total",
			Help: "Total number of exposures by tracker outcome.",
		}, []string{"outcome"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rolloutz_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rolloutz_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.SnapshotFlags,
		m.SnapshotSegments,
		m.SnapshotSwapsTotal,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.EvaluationsTotal,
		m.ExposuresTotal,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observeGRPC(info.FullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count, latency, and active stream gauge.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.StreamOpened("grpc")
		defer m.StreamClosed("grpc")
		start := time.Now()
		err := handler(srv, ss)
		m.observeGRPC(info.FullMethod, err, start)
		return err
	}
}

func (m *Metrics) observeGRPC(fullMethod string, err error, start time.Time) {
	method := path.Base(fullMethod)
	st, _ := status.FromError(err)
	code := st.Code().String()
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
}

// ObserveHTTP records one HTTP request against its route pattern.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

// StreamOpened and StreamClosed track long-lived watch streams per
// transport ("grpc" or "sse").
func (m *Metrics) StreamOpened(transport string) {
	m.ActiveStreams.WithLabelValues(transport).Inc()
}

func (m *Metrics) StreamClosed(transport string) {
	m.ActiveStreams.WithLabelValues(transport).Dec()
}

// RecordEvaluation increments the evaluation counter for result's reason.
func (m *Metrics) RecordEvaluation(result core.Result) {
	m.EvaluationsTotal.WithLabelValues(string(result.Reason), strconv.FormatBool(result.Enabled)).Inc()
}

// ObserveSnapshot updates the snapshot gauges. It is registered as a swap
// hook so it runs once per published snapshot.
func (m *Metrics) ObserveSnapshot(snapshot *core.Snapshot) {
	m.SnapshotSwapsTotal.Inc()
	m.SnapshotFlags.Set(float64(snapshot.Len()))
	m.SnapshotSegments.Set(float64(len(snapshot.Segments())))
}

// IncCacheLoads increments the cache load counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}

// The Exposure* methods implement exposure.Observer. Flag keys are not used
// as labels to keep cardinality bounded.

func (m *Metrics) ExposureRecorded(string) {
	m.ExposuresTotal.WithLabelValues(ExposureRecorded).Inc()
}

func (m *Metrics) ExposureDeduplicated(string) {
	m.ExposuresTotal.WithLabelValues(ExposureDeduplicated).Inc()
}

func (m *Metrics) ExposureDropped(string) {
	m.ExposuresTotal.WithLabelValues(ExposureDropped).Inc()
}

func (m *Metrics) ExposureSinkFailed(string) {
	m.ExposuresTotal.WithLabelValues(ExposureSinkFailed).Inc()
}
