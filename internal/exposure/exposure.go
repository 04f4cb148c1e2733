// Package exposure records which subjects were exposed to which flag
// variants and fans the records out to sinks off the evaluation path.
package exposure

import (
	"context"
	"strings"
	"time"

	"github.com/matt-riley/rolloutz/internal/core"
)

// Exposure is a single subject seeing a flag outcome.
type Exposure struct {
	ID        string      `json:"id"`
	FlagKey   string      `json:"flag_key"`
	Variant   string      `json:"variant,omitempty"`
	SubjectID string      `json:"subject_id"`
	Enabled   bool        `json:"enabled"`
	Reason    core.Reason `json:"reason"`
	Timestamp time.Time   `json:"timestamp"`
}

// DedupKey identifies an exposure for deduplication within a window.
func (e Exposure) DedupKey() string {
	return strings.Join([]string{e.SubjectID, e.FlagKey, e.Variant}, "\x1f")
}

type Sink interface {
	Handle(ctx context.Context, exposure Exposure) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, exposure Exposure) error

func (f SinkFunc) Handle(ctx context.Context, exposure Exposure) error {
	return f(ctx, exposure)
}

// Flusher is implemented by sinks that buffer exposures. The tracker flushes
// them when it closes.
type Flusher interface {
	Flush(ctx context.Context) error
}

// DedupStore remembers exposure keys for a window.
type DedupStore interface {
	// FirstSeen records key and reports whether it had not been seen within
	// window.
	FirstSeen(ctx context.Context, key string, window time.Duration) (bool, error)
}

// Observer receives tracker counters. metrics.Metrics implements it.
type Observer interface {
	ExposureRecorded(flagKey string)
	ExposureDeduplicated(flagKey string)
	ExposureDropped(flagKey string)
	ExposureSinkFailed(flagKey string)
}

type noopObserver struct{}

func (noopObserver) ExposureRecorded(string)     {}
func (noopObserver) ExposureDeduplicated(string) {}
func (noopObserver) ExposureDropped(string)      {}
func (noopObserver) ExposureSinkFailed(string)   {}
