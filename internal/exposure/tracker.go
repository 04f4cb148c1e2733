package exposure

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matt-riley/rolloutz/internal/core"
)

const (
	defaultWindow      = 30 * time.Minute
	defaultQueueSize   = 1024
	defaultSinkTimeout = 5 * time.Second
)

var (
	ErrTrackerClosed = errors.New("exposure tracker closed")
	ErrQueueFull     = errors.New("exposure queue full")
)

// Tracker deduplicates exposures and delivers them to registered sinks from
// a single background worker. Record never blocks on sinks or the dedup
// store.
type Tracker struct {
	logger      *slog.Logger
	observer    Observer
	dedup       DedupStore
	window      time.Duration
	sinkTimeout time.Duration
	now         func() time.Time

	queue chan Exposure
	done  chan struct{}

	// closeMu guards closed and the queue close. Record holds the read lock
	// while enqueueing.
	closeMu sync.RWMutex
	closed  bool

	sinksMu sync.RWMutex
	sinks   []Sink
}

type Option func(*Tracker)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(t *Tracker) {
		if observer != nil {
			t.observer = observer
		}
	}
}

func WithDedupStore(store DedupStore) Option {
	return func(t *Tracker) {
		if store != nil {
			t.dedup = store
		}
	}
}

// WithWindow sets how long an exposure key suppresses repeats.
func WithWindow(window time.Duration) Option {
	return func(t *Tracker) {
		if window > 0 {
			t.window = window
		}
	}
}

func WithQueueSize(size int) Option {
	return func(t *Tracker) {
		if size > 0 {
			t.queue = make(chan Exposure, size)
		}
	}
}

func WithSinkTimeout(timeout time.Duration) Option {
	return func(t *Tracker) {
		if timeout > 0 {
			t.sinkTimeout = timeout
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker starts the delivery worker. Without WithDedupStore a memory
// store with capacity 100000 is used.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		logger:      slog.Default(),
		observer:    noopObserver{},
		window:      defaultWindow,
		sinkTimeout: defaultSinkTimeout,
		now:         time.Now,
		queue:       make(chan Exposure, defaultQueueSize),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.dedup == nil {
		t.dedup = NewMemoryDedupStore(100000, withMemoryClock(t.now))
	}

	go t.run()
	return t
}

// OnExposure registers sink for every exposure delivered after the call.
func (t *Tracker) OnExposure(sink Sink) {
	t.sinksMu.Lock()
	defer t.sinksMu.Unlock()
	t.sinks = append(t.sinks, sink)
}

// Record enqueues the exposure described by result. When the queue is full
// the exposure is dropped and ErrQueueFull is returned.
func (t *Tracker) Record(_ context.Context, flagKey string, result core.Result, evalCtx core.EvaluationContext) error {
	exposure := Exposure{
		ID:        uuid.NewString(),
		FlagKey:   flagKey,
		Variant:   result.Variant,
		SubjectID: evalCtx.SubjectID,
		Enabled:   result.Enabled,
		Reason:    result.Reason,
		Timestamp: t.now().UTC(),
	}

	t.closeMu.RLock()
	defer t.closeMu.RUnlock()

	if t.closed {
		return ErrTrackerClosed
	}

	select {
	case t.queue <- exposure:
		return nil
	default:
		t.observer.ExposureDropped(flagKey)
		return ErrQueueFull
	}
}

// Close stops accepting exposures, waits for queued ones to reach the sinks
// and flushes buffering sinks. It returns ctx.Err() if ctx ends first.
func (t *Tracker) Close(ctx context.Context) error {
	t.closeMu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.closeMu.Unlock()

	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	for _, sink := range t.snapshotSinks() {
		if flusher, ok := sink.(Flusher); ok {
			errs = append(errs, flusher.Flush(ctx))
		}
	}
	return errors.Join(errs...)
}

func (t *Tracker) run() {
	defer close(t.done)
	for exposure := range t.queue {
		t.deliver(exposure)
	}
}

func (t *Tracker) deliver(exposure Exposure) {
	ctx, cancel := context.WithTimeout(context.Background(), t.sinkTimeout)
	defer cancel()

	first, err := t.dedup.FirstSeen(ctx, exposure.DedupKey(), t.window)
	if err != nil {
		// Fail open: deliver without dedup.
		t.logger.Warn("exposure dedup failed", slog.String("flag", exposure.FlagKey), slog.Any("error", err))
	} else if !first {
		t.observer.ExposureDeduplicated(exposure.FlagKey)
		return
	}

	t.observer.ExposureRecorded(exposure.FlagKey)
	for _, sink := range t.snapshotSinks() {
		if err := sink.Handle(ctx, exposure); err != nil {
			t.observer.ExposureSinkFailed(exposure.FlagKey)
			t.logger.Error("exposure sink failed",
				slog.String("flag", exposure.FlagKey),
				slog.String("subject_id", exposure.SubjectID),
				slog.Any("error", err),
			)
		}
	}
}

func (t *Tracker) snapshotSinks() []Sink {
	t.sinksMu.RLock()
	defer t.sinksMu.RUnlock()
	sinks := make([]Sink, len(t.sinks))
	copy(sinks, t.sinks)
	return sinks
}
