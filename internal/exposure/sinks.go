package exposure

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogSink writes every exposure as a structured log line.
func LogSink(logger *slog.Logger) Sink {
	return SinkFunc(func(ctx context.Context, exposure Exposure) error {
		logger.LogAttrs(ctx, slog.LevelInfo, "exposure",
			slog.String("id", exposure.ID),
			slog.String("flag", exposure.FlagKey),
			slog.String("variant", exposure.Variant),
			slog.String("subject_id", exposure.SubjectID),
			slog.Bool("enabled", exposure.Enabled),
			slog.String("reason", string(exposure.Reason)),
			slog.Time("timestamp", exposure.Timestamp),
		)
		return nil
	})
}

// BatchWriter persists exposures in bulk. repository.PostgresRepository and
// sqlite.Store implement it.
type BatchWriter interface {
	InsertExposures(ctx context.Context, exposures []Exposure) error
}

// BatchSink buffers exposures and writes them when the batch fills or the
// flush interval passes. A batch whose write fails is put back at the front
// of the buffer and retried; the buffer is bounded and the oldest exposures
// past the bound are dropped and reported to the observer.
type BatchSink struct {
	writer     BatchWriter
	size       int
	maxPending int
	retryDelay time.Duration
	logger     *slog.Logger
	observer   Observer
	now        func() time.Time

	mu         sync.Mutex
	pending    []Exposure
	retryAfter time.Time

	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

type BatchOption func(*BatchSink)

// WithMaxPending bounds the exposures held while the writer is failing.
// It defaults to ten batches.
func WithMaxPending(n int) BatchOption {
	return func(s *BatchSink) {
		if n > 0 {
			s.maxPending = n
		}
	}
}

// WithBatchObserver reports exposures dropped past the pending bound.
func WithBatchObserver(observer Observer) BatchOption {
	return func(s *BatchSink) {
		if observer != nil {
			s.observer = observer
		}
	}
}

func withBatchClock(now func() time.Time) BatchOption {
	return func(s *BatchSink) {
		s.now = now
	}
}

// NewBatchSink flushes every interval in the background when interval is
// positive. Call Flush or Tracker.Close to write the remainder.
func NewBatchSink(writer BatchWriter, size int, interval time.Duration, logger *slog.Logger, opts ...BatchOption) *BatchSink {
	if size <= 0 {
		size = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &BatchSink{
		writer:     writer,
		size:       size,
		maxPending: 10 * size,
		retryDelay: interval,
		logger:     logger,
		observer:   noopObserver{},
		now:        time.Now,
		pending:    make([]Exposure, 0, size),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	if s.retryDelay <= 0 {
		s.retryDelay = time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxPending < size {
		s.maxPending = size
	}
	if interval > 0 {
		go s.loop(interval)
	} else {
		close(s.stopped)
	}
	return s
}

// Handle buffers exposure and writes the buffer once it holds a full batch.
// After a failed write, size-triggered writes wait for the retry delay.
func (s *BatchSink) Handle(ctx context.Context, exposure Exposure) error {
	s.mu.Lock()
	s.pending = append(s.pending, exposure)
	dropped := s.trimLocked()
	full := len(s.pending) >= s.size && !s.now().Before(s.retryAfter)
	s.mu.Unlock()

	s.reportDropped(dropped)
	if full {
		return s.flush(ctx)
	}
	return nil
}

// Flush stops the background loop and writes anything still buffered.
func (s *BatchSink) Flush(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.stopped
	return s.flush(ctx)
}

// Pending reports how many exposures are buffered.
func (s *BatchSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *BatchSink) loop(interval time.Duration) {
	defer close(s.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := s.flush(ctx); err != nil {
				s.logger.Error("flush exposures", slog.Any("error", err))
			}
			cancel()
		}
	}
}

func (s *BatchSink) flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	s.pending = make([]Exposure, 0, s.size)
	s.mu.Unlock()

	err := s.writer.InsertExposures(ctx, batch)
	if err == nil {
		return nil
	}

	s.mu.Lock()
	s.pending = append(batch, s.pending...)
	dropped := s.trimLocked()
	s.retryAfter = s.now().Add(s.retryDelay)
	retained := len(s.pending)
	s.mu.Unlock()

	s.reportDropped(dropped)
	s.logger.Warn("exposure batch write failed, retrying",
		slog.Int("batch", len(batch)),
		slog.Int("pending", retained),
		slog.Int("dropped", len(dropped)),
		slog.Any("error", err),
	)
	return err
}

// trimLocked drops the oldest exposures past maxPending and returns them.
func (s *BatchSink) trimLocked() []Exposure {
	over := len(s.pending) - s.maxPending
	if over <= 0 {
		return nil
	}
	dropped := make([]Exposure, over)
	copy(dropped, s.pending[:over])
	s.pending = append(s.pending[:0:0], s.pending[over:]...)
	return dropped
}

func (s *BatchSink) reportDropped(dropped []Exposure) {
	for _, exposure := range dropped {
		s.observer.ExposureDropped(exposure.FlagKey)
	}
}
