package service

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/rolloutz/internal/core"
	"github.com/matt-riley/rolloutz/internal/repository"
)

var fakeNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeServiceRepository struct {
	mu          sync.RWMutex
	flags       map[string]repository.Flag
	segments    map[string]repository.Segment
	events      []repository.Event
	nextEventID int64
	publishErr  error
	createErr   error
	writes      int

	requirePublishActiveContext bool
	publishCtxErr               error
	publishCtxHasDeadline       bool
}

func newFakeServiceRepository() *fakeServiceRepository {
	return &fakeServiceRepository{
		flags:    make(map[string]repository.Flag),
		segments: make(map[string]repository.Segment),
	}
}

func (f *fakeServiceRepository) CreateFlag(_ context.Context, flag repository.Flag) (repository.Flag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes++
	if f.createErr != nil {
		return repository.Flag{}, f.createErr
	}
	flag.CreatedAt, flag.UpdatedAt = fakeNow, fakeNow
	f.flags[flag.Key] = flag
	return flag, nil
}

func (f *fakeServiceRepository) UpdateFlag(_ context.Context, flag repository.Flag) (repository.Flag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes++
	existing, ok := f.flags[flag.Key]
	if !ok {
		return repository.Flag{}, pgx.ErrNoRows
	}
	flag.CreatedAt, flag.UpdatedAt = existing.CreatedAt, fakeNow.Add(time.Minute)
	f.flags[flag.Key] = flag
	return flag, nil
}

func (f *fakeServiceRepository) ListFlags(_ context.Context) ([]repository.Flag, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	flags := make([]repository.Flag, 0, len(f.flags))
	for _, flag := range f.flags {
		flags = append(flags, flag)
	}
	return flags, nil
}

func (f *fakeServiceRepository) DeleteFlag(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes++
	if _, ok := f.flags[key]; !ok {
		return pgx.ErrNoRows
	}
	delete(f.flags, key)
	return nil
}

func (f *fakeServiceRepository) CreateSegment(_ context.Context, segment repository.Segment) (repository.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes++
	if f.createErr != nil {
		return repository.Segment{}, f.createErr
	}
	segment.CreatedAt, segment.UpdatedAt = fakeNow, fakeNow
	f.segments[segment.Name] = segment
	return segment, nil
}

func (f *fakeServiceRepository) UpdateSegment(_ context.Context, segment repository.Segment) (repository.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes++
	existing, ok := f.segments[segment.Name]
	if !ok {
		return repository.Segment{}, pgx.ErrNoRows
	}
	segment.CreatedAt, segment.UpdatedAt = existing.CreatedAt, fakeNow.Add(time.Minute)
	f.segments[segment.Name] = segment
	return segment, nil
}

func (f *fakeServiceRepository) ListSegments(_ context.Context) ([]repository.Segment, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	segments := make([]repository.Segment, 0, len(f.segments))
	for _, segment := range f.segments {
		segments = append(segments, segment)
	}
	return segments, nil
}

func (f *fakeServiceRepository) DeleteSegment(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes++
	if _, ok := f.segments[name]; !ok {
		return pgx.ErrNoRows
	}
	delete(f.segments, name)
	return nil
}

func (f *fakeServiceRepository) ListEventsSince(_ context.Context, eventID int64) ([]repository.Event, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	events := make([]repository.Event, 0, len(f.events))
	for _, event := range f.events {
		if event.EventID > eventID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (f *fakeServiceRepository) PublishEvent(ctx context.Context, event repository.Event) (repository.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.publishCtxErr = ctx.Err()
	_, f.publishCtxHasDeadline = ctx.Deadline()

	if f.requirePublishActiveContext && f.publishCtxErr != nil {
		return repository.Event{}, f.publishCtxErr
	}

	if f.publishErr != nil {
		return repository.Event{}, f.publishErr
	}

	f.nextEventID++
	event.EventID = f.nextEventID
	f.events = append(f.events, event)
	return event, nil
}

func (f *fakeServiceRepository) setFlag(flag repository.Flag) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[flag.Key] = flag
}

func (f *fakeServiceRepository) removeFlag(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.flags, key)
}

func (f *fakeServiceRepository) writeCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.writes
}

func (f *fakeServiceRepository) eventTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.events))
	for _, event := range f.events {
		types = append(types, event.Resource+":"+event.EventType)
	}
	return types
}

type notifyingFakeServiceRepository struct {
	*fakeServiceRepository
	invalidations chan struct{}
}

func newNotifyingFakeServiceRepository() *notifyingFakeServiceRepository {
	return &notifyingFakeServiceRepository{
		fakeServiceRepository: newFakeServiceRepository(),
		invalidations:         make(chan struct{}, 1),
	}
}

func (f *notifyingFakeServiceRepository) SubscribeInvalidation(_ context.Context) (<-chan struct{}, error) {
	return f.invalidations, nil
}

func (f *notifyingFakeServiceRepository) notifyInvalidation() {
	select {
	case f.invalidations <- struct{}{}:
	default:
	}
}

type resubscribingFakeServiceRepository struct {
	*fakeServiceRepository
	invalidationMu sync.Mutex
	invalidations  chan struct{}
	subscriptions  int
}

func newResubscribingFakeServiceRepository() *resubscribingFakeServiceRepository {
	return &resubscribingFakeServiceRepository{
		fakeServiceRepository: newFakeServiceRepository(),
		invalidations:         make(chan struct{}, 1),
	}
}

func (f *resubscribingFakeServiceRepository) SubscribeInvalidation(_ context.Context) (<-chan struct{}, error) {
	f.invalidationMu.Lock()
	defer f.invalidationMu.Unlock()

	if f.invalidations == nil {
		f.invalidations = make(chan struct{}, 1)
	}
	f.subscriptions++
	return f.invalidations, nil
}

func (f *resubscribingFakeServiceRepository) closeInvalidationChannel() {
	f.invalidationMu.Lock()
	ch := f.invalidations
	f.invalidations = nil
	f.invalidationMu.Unlock()

	if ch != nil {
		close(ch)
	}
}

func (f *resubscribingFakeServiceRepository) notifyInvalidation() {
	f.invalidationMu.Lock()
	ch := f.invalidations
	f.invalidationMu.Unlock()
	if ch == nil {
		return
	}

	select {
	case ch <- struct{}{}:
	default:
	}
}

func (f *resubscribingFakeServiceRepository) subscriptionCalls() int {
	f.invalidationMu.Lock()
	defer f.invalidationMu.Unlock()
	return f.subscriptions
}

type recordedExposure struct {
	key     string
	variant string
	reason  core.Reason
}

type fakeExposureRecorder struct {
	mu       sync.Mutex
	recorded []recordedExposure
}

func (r *fakeExposureRecorder) Record(_ context.Context, flagKey string, result core.Result, _ core.EvaluationContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, recordedExposure{key: flagKey, variant: result.Variant, reason: result.Reason})
	return nil
}

func (r *fakeExposureRecorder) all() []recordedExposure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedExposure(nil), r.recorded...)
}
