// Package service owns the live flag configuration. It validates and persists
// writes, publishes each accepted change as an immutable snapshot, and
// evaluates flags against the current snapshot.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/rolloutz/internal/core"
	"github.com/matt-riley/rolloutz/internal/repository"
	"github.com/matt-riley/rolloutz/internal/snapshot"
)

const (
	EventTypeCreated      = "created"
	EventTypeUpdated      = "updated"
	EventTypeDeleted      = "deleted"
	bestEffortTimeout     = 2 * time.Second
	defaultResyncInterval = time.Minute
	cacheReloadTimeout    = 5 * time.Second

	uniqueViolation = "23505"
	tracerName      = "github.com/matt-riley/rolloutz/internal/service"
)

var (
	ErrFlagNotFound    = errors.New("flag not found")
	ErrFlagExists      = errors.New("flag already exists")
	ErrFlagInUse       = errors.New("flag is a prerequisite of other flags")
	ErrInvalidFlag     = errors.New("invalid flag")
	ErrSegmentNotFound = errors.New("segment not found")
	ErrSegmentExists   = errors.New("segment already exists")
	ErrSegmentInUse    = errors.New("segment is referenced by flags")
	ErrInvalidSegment  = errors.New("invalid segment")
)

type Repository interface {
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	ListFlags(ctx context.Context) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, key string) error
	CreateSegment(ctx context.Context, segment repository.Segment) (repository.Segment, error)
	UpdateSegment(ctx context.Context, segment repository.Segment) (repository.Segment, error)
	ListSegments(ctx context.Context) ([]repository.Segment, error)
	DeleteSegment(ctx context.Context, name string) error
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.Event, error)
	PublishEvent(ctx context.Context, event repository.Event) (repository.Event, error)
}

type invalidationSubscriber interface {
	SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// ExposureRecorder receives every evaluation result of a known flag.
// exposure.Tracker implements it.
type ExposureRecorder interface {
	Record(ctx context.Context, flagKey string, result core.Result, evalCtx core.EvaluationContext) error
}

// Metadata is the bookkeeping stored next to a flag or segment definition.
type Metadata struct {
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Flag struct {
	core.Flag
	Metadata
}

type Segment struct {
	core.Segment
	Metadata
}

type Service struct {
	repo     Repository
	store    *snapshot.Store
	engine   *core.Engine
	tracker  ExposureRecorder
	logger   *slog.Logger
	tracer   trace.Tracer
	resync   time.Duration
	swapHook []snapshot.Option

	onLoad         func()
	onInvalidation func()
	onEvaluation   func(core.Result)

	mu          sync.RWMutex
	flagMeta    map[string]Metadata
	segmentMeta map[string]Metadata
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEngine replaces the default engine, for example to configure fallback
// flags.
func WithEngine(engine *core.Engine) Option {
	return func(s *Service) {
		if engine != nil {
			s.engine = engine
		}
	}
}

// WithExposureRecorder records an exposure for every evaluation of a flag
// present in the current snapshot.
func WithExposureRecorder(recorder ExposureRecorder) Option {
	return func(s *Service) {
		s.tracker = recorder
	}
}

func WithResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resync = interval
		}
	}
}

// WithCacheMetrics registers callbacks for full reloads and NOTIFY-triggered
// invalidations. Nil callbacks are ignored.
func WithCacheMetrics(onLoad, onInvalidation func()) Option {
	return func(s *Service) {
		s.onLoad = onLoad
		s.onInvalidation = onInvalidation
	}
}

// WithSnapshotHook runs fn with every snapshot the service publishes.
func WithSnapshotHook(fn func(*core.Snapshot)) Option {
	return func(s *Service) {
		s.swapHook = append(s.swapHook, snapshot.WithSwapHook(fn))
	}
}

// WithEvaluationHook runs fn with every evaluation result.
func WithEvaluationHook(fn func(core.Result)) Option {
	return func(s *Service) {
		s.onEvaluation = fn
	}
}

// New loads the initial snapshot from repo and, when repo supports it,
// starts the invalidation listener. The listener stops when ctx ends.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:        repo,
		engine:      core.NewEngine(),
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		resync:      defaultResyncInterval,
		flagMeta:    make(map[string]Metadata),
		segmentMeta: make(map[string]Metadata),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.store = snapshot.NewStore(nil, svc.swapHook...)

	if err := svc.LoadSnapshot(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(invalidationSubscriber); ok {
		if err := svc.startInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// Snapshot returns the snapshot currently used for evaluation.
func (s *Service) Snapshot() *core.Snapshot {
	return s.store.Load()
}

// LoadSnapshot replaces the current snapshot with the repository contents.
func (s *Service) LoadSnapshot(ctx context.Context) error {
	records, err := s.repo.ListFlags(ctx)
	if err != nil {
		return fmt.Errorf("load flags: %w", err)
	}
	segmentRecords, err := s.repo.ListSegments(ctx)
	if err != nil {
		return fmt.Errorf("load segments: %w", err)
	}

	flags := make([]core.Flag, 0, len(records))
	flagMeta := make(map[string]Metadata, len(records))
	for _, record := range records {
		flag, err := flagFromRecord(record)
		if err != nil {
			return fmt.Errorf("load flag %q: %w", record.Key, err)
		}
		flags = append(flags, flag.Flag)
		flagMeta[flag.Key] = flag.Metadata
	}

	segments := make([]core.Segment, 0, len(segmentRecords))
	segmentMeta := make(map[string]Metadata, len(segmentRecords))
	for _, record := range segmentRecords {
		segment, err := segmentFromRecord(record)
		if err != nil {
			return fmt.Errorf("load segment %q: %w", record.Name, err)
		}
		segments = append(segments, segment.Segment)
		segmentMeta[segment.Name] = segment.Metadata
	}

	next := core.NewSnapshot(flags, segments)
	if err := core.Validate(next); err != nil {
		s.logger.Warn("loaded snapshot has configuration problems", "error", err)
	}

	_, err = s.store.Update(func(*core.Snapshot) (*core.Snapshot, error) {
		s.mu.Lock()
		s.flagMeta = flagMeta
		s.segmentMeta = segmentMeta
		s.mu.Unlock()
		return next, nil
	})
	if err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}

	if s.onLoad != nil {
		s.onLoad()
	}

	return nil
}

func (s *Service) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	if err := requireKey(flag.Key, ErrInvalidFlag, "flag key"); err != nil {
		return Flag{}, err
	}

	var created Flag
	_, err := s.store.Update(func(current *core.Snapshot) (*core.Snapshot, error) {
		if current.HasFlag(flag.Key) {
			return nil, ErrFlagExists
		}
		next := current.WithFlag(flag.Flag)
		if err := core.ValidateFlag(flag.Flag, next); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFlag, err)
		}

		record, err := recordFromFlag(flag)
		if err != nil {
			return nil, err
		}
		stored, err := s.repo.CreateFlag(ctx, record)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, ErrFlagExists
			}
			return nil, fmt.Errorf("create flag: %w", err)
		}

		created = Flag{Flag: flag.Flag, Metadata: metadataOf(stored.Description, stored.CreatedAt, stored.UpdatedAt)}
		s.setFlagMeta(created.Key, created.Metadata)
		return next, nil
	})
	if err != nil {
		return Flag{}, err
	}

	s.publishEventBestEffort(ctx, repository.ResourceFlag, created.Key, EventTypeCreated, created)
	return created, nil
}

func (s *Service) UpdateFlag(ctx context.Context, flag Flag) (Flag, error) {
	if err := requireKey(flag.Key, ErrInvalidFlag, "flag key"); err != nil {
		return Flag{}, err
	}

	var updated Flag
	_, err := s.store.Update(func(current *core.Snapshot) (*core.Snapshot, error) {
		next := current.WithFlag(flag.Flag)
		if err := core.ValidateFlag(flag.Flag, next); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFlag, err)
		}

		record, err := recordFromFlag(flag)
		if err != nil {
			return nil, err
		}
		stored, err := s.repo.UpdateFlag(ctx, record)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrFlagNotFound
			}
			return nil, fmt.Errorf("update flag: %w", err)
		}

		updated = Flag{Flag: flag.Flag, Metadata: metadataOf(stored.Description, stored.CreatedAt, stored.UpdatedAt)}
		s.setFlagMeta(updated.Key, updated.Metadata)
		return next, nil
	})
	if err != nil {
		return Flag{}, err
	}

	s.publishEventBestEffort(ctx, repository.ResourceFlag, updated.Key, EventTypeUpdated, updated)
	return updated, nil
}

func (s *Service) GetFlag(_ context.Context, key string) (Flag, error) {
	if err := requireKey(key, ErrInvalidFlag, "flag key"); err != nil {
		return Flag{}, err
	}

	flag, ok := s.store.Load().Flag(key)
	if !ok {
		return Flag{}, ErrFlagNotFound
	}

	s.mu.RLock()
	meta := s.flagMeta[key]
	s.mu.RUnlock()

	return Flag{Flag: flag, Metadata: meta}, nil
}

// ListFlags returns all flags ordered by key.
func (s *Service) ListFlags(_ context.Context) ([]Flag, error) {
	flags := s.store.Load().Flags()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Flag, 0, len(flags))
	for _, flag := range flags {
		out = append(out, Flag{Flag: flag, Metadata: s.flagMeta[flag.Key]})
	}
	return out, nil
}

// DeleteFlag removes a flag. Flags still listed as a prerequisite of another
// flag cannot be deleted.
func (s *Service) DeleteFlag(ctx context.Context, key string) error {
	if err := requireKey(key, ErrInvalidFlag, "flag key"); err != nil {
		return err
	}

	var deleted Flag
	_, err := s.store.Update(func(current *core.Snapshot) (*core.Snapshot, error) {
		flag, ok := current.Flag(key)
		if !ok {
			return nil, ErrFlagNotFound
		}
		if dependents := prerequisiteDependents(current, key); len(dependents) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrFlagInUse, strings.Join(dependents, ", "))
		}

		if err := s.repo.DeleteFlag(ctx, key); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrFlagNotFound
			}
			return nil, fmt.Errorf("delete flag: %w", err)
		}

		s.mu.Lock()
		deleted = Flag{Flag: flag, Metadata: s.flagMeta[key]}
		delete(s.flagMeta, key)
		s.mu.Unlock()
		return current.WithoutFlag(key), nil
	})
	if err != nil {
		return err
	}

	s.publishEventBestEffort(ctx, repository.ResourceFlag, key, EventTypeDeleted, deleted)
	return nil
}

func (s *Service) CreateSegment(ctx context.Context, segment Segment) (Segment, error) {
	if err := requireKey(segment.Name, ErrInvalidSegment, "segment name"); err != nil {
		return Segment{}, err
	}

	var created Segment
	_, err := s.store.Update(func(current *core.Snapshot) (*core.Snapshot, error) {
		if _, exists := current.Segment(segment.Name); exists {
			return nil, ErrSegmentExists
		}
		if err := core.ValidateSegment(segment.Segment); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSegment, err)
		}

		record, err := recordFromSegment(segment)
		if err != nil {
			return nil, err
		}
		stored, err := s.repo.CreateSegment(ctx, record)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, ErrSegmentExists
			}
			return nil, fmt.Errorf("create segment: %w", err)
		}

		created = Segment{Segment: segment.Segment, Metadata: metadataOf(stored.Description, stored.CreatedAt, stored.UpdatedAt)}
		s.setSegmentMeta(created.Name, created.Metadata)
		return current.WithSegment(segment.Segment), nil
	})
	if err != nil {
		return Segment{}, err
	}

	s.publishEventBestEffort(ctx, repository.ResourceSegment, created.Name, EventTypeCreated, created)
	return created, nil
}

func (s *Service) UpdateSegment(ctx context.Context, segment Segment) (Segment, error) {
	if err := requireKey(segment.Name, ErrInvalidSegment, "segment name"); err != nil {
		return Segment{}, err
	}

	var updated Segment
	_, err := s.store.Update(func(current *core.Snapshot) (*core.Snapshot, error) {
		if err := core.ValidateSegment(segment.Segment); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSegment, err)
		}

		record, err := recordFromSegment(segment)
		if err != nil {
			return nil, err
		}
		stored, err := s.repo.UpdateSegment(ctx, record)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrSegmentNotFound
			}
			return nil, fmt.Errorf("update segment: %w", err)
		}

		updated = Segment{Segment: segment.Segment, Metadata: metadataOf(stored.Description, stored.CreatedAt, stored.UpdatedAt)}
		s.setSegmentMeta(updated.Name, updated.Metadata)
		return current.WithSegment(segment.Segment), nil
	})
	if err != nil {
		return Segment{}, err
	}

	s.publishEventBestEffort(ctx, repository.ResourceSegment, updated.Name, EventTypeUpdated, updated)
	return updated, nil
}

func (s *Service) GetSegment(_ context.Context, name string) (Segment, error) {
	if err := requireKey(name, ErrInvalidSegment, "segment name"); err != nil {
		return Segment{}, err
	}

	segment, ok := s.store.Load().Segment(name)
	if !ok {
		return Segment{}, ErrSegmentNotFound
	}

	s.mu.RLock()
	meta := s.segmentMeta[name]
	s.mu.RUnlock()

	return Segment{Segment: segment, Metadata: meta}, nil
}

func (s *Service) ListSegments(_ context.Context) ([]Segment, error) {
	segments := s.store.Load().Segments()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Segment, 0, len(segments))
	for _, segment := range segments {
		out = append(out, Segment{Segment: segment, Metadata: s.segmentMeta[segment.Name]})
	}
	return out, nil
}

// DeleteSegment removes a segment that no flag references.
func (s *Service) DeleteSegment(ctx context.Context, name string) error {
	if err := requireKey(name, ErrInvalidSegment, "segment name"); err != nil {
		return err
	}

	var deleted Segment
	_, err := s.store.Update(func(current *core.Snapshot) (*core.Snapshot, error) {
		segment, ok := current.Segment(name)
		if !ok {
			return nil, ErrSegmentNotFound
		}
		if users := segmentUsers(current, name); len(users) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrSegmentInUse, strings.Join(users, ", "))
		}

		if err := s.repo.DeleteSegment(ctx, name); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrSegmentNotFound
			}
			return nil, fmt.Errorf("delete segment: %w", err)
		}

		s.mu.Lock()
		deleted = Segment{Segment: segment, Metadata: s.segmentMeta[name]}
		delete(s.segmentMeta, name)
		s.mu.Unlock()
		return current.WithoutSegment(name), nil
	})
	if err != nil {
		return err
	}

	s.publishEventBestEffort(ctx, repository.ResourceSegment, name, EventTypeDeleted, deleted)
	return nil
}

// Evaluate evaluates key against the current snapshot.
func (s *Service) Evaluate(ctx context.Context, key string, evalCtx core.EvaluationContext) core.Result {
	ctx, span := s.tracer.Start(ctx, "service.Evaluate", trace.WithAttributes(attribute.String("flag.key", key)))
	defer span.End()

	snap := s.store.Load()
	result := s.engine.Evaluate(key, evalCtx, snap)
	s.observe(ctx, snap, result, evalCtx)
	span.SetAttributes(attribute.String("flag.reason", string(result.Reason)), attribute.Bool("flag.enabled", result.Enabled))

	return result
}

// EvaluateBatch evaluates keys against one snapshot, preserving their order.
func (s *Service) EvaluateBatch(ctx context.Context, keys []string, evalCtx core.EvaluationContext) []core.Result {
	ctx, span := s.tracer.Start(ctx, "service.EvaluateBatch", trace.WithAttributes(attribute.Int("flag.count", len(keys))))
	defer span.End()

	snap := s.store.Load()
	results := make([]core.Result, 0, len(keys))
	for _, key := range keys {
		result := s.engine.Evaluate(key, evalCtx, snap)
		s.observe(ctx, snap, result, evalCtx)
		results = append(results, result)
	}

	return results
}

// EvaluateAll evaluates every flag in the current snapshot and returns the
// results ordered by flag key.
func (s *Service) EvaluateAll(ctx context.Context, evalCtx core.EvaluationContext) []core.Result {
	ctx, span := s.tracer.Start(ctx, "service.EvaluateAll")
	defer span.End()

	snap := s.store.Load()
	byKey := s.engine.EvaluateAll(evalCtx, snap)

	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	results := make([]core.Result, 0, len(keys))
	for _, key := range keys {
		result := byKey[key]
		s.observe(ctx, snap, result, evalCtx)
		results = append(results, result)
	}
	span.SetAttributes(attribute.Int("flag.count", len(results)))

	return results
}

func (s *Service) ListEventsSince(ctx context.Context, eventID int64) ([]repository.Event, error) {
	events, err := s.repo.ListEventsSince(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

func (s *Service) observe(ctx context.Context, snap *core.Snapshot, result core.Result, evalCtx core.EvaluationContext) {
	if s.onEvaluation != nil {
		s.onEvaluation(result)
	}
	if s.tracker == nil {
		return
	}
	if !snap.HasFlag(result.FlagKey) {
		return
	}
	if err := s.tracker.Record(ctx, result.FlagKey, result, evalCtx); err != nil {
		s.logger.Debug("exposure not recorded", "flag_key", result.FlagKey, "error", err)
	}
}

func (s *Service) setFlagMeta(key string, meta Metadata) {
	s.mu.Lock()
	s.flagMeta[key] = meta
	s.mu.Unlock()
}

func (s *Service) setSegmentMeta(name string, meta Metadata) {
	s.mu.Lock()
	s.segmentMeta[name] = meta
	s.mu.Unlock()
}

func (s *Service) startInvalidationListener(ctx context.Context, subscriber invalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resync)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadSnapshot(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onInvalidation != nil {
					s.onInvalidation()
				}
				s.reloadSnapshot(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadSnapshot(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadSnapshot(reloadCtx); err != nil && ctx.Err() == nil {
		s.logger.Error("reload snapshot failed", "error", err)
	}
}

func (s *Service) publishEventBestEffort(ctx context.Context, resource, key, eventType string, body any) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if err := s.publishEvent(publishCtx, resource, key, eventType, body); err != nil {
		s.logger.Warn("publish event failed", "resource", resource, "key", key, "event_type", eventType, "error", err)
	}
}

func (s *Service) publishEvent(ctx context.Context, resource, key, eventType string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	_, err = s.repo.PublishEvent(ctx, repository.Event{
		Resource:  resource,
		Key:       key,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	return nil
}

func requireKey(key string, sentinel error, what string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: %s is required", sentinel, what)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// prerequisiteDependents lists the flags that name key as a prerequisite.
func prerequisiteDependents(snap *core.Snapshot, key string) []string {
	var dependents []string
	for _, flag := range snap.Flags() {
		if flag.Key != key && slices.Contains(flag.Prerequisites, key) {
			dependents = append(dependents, flag.Key)
		}
	}
	return dependents
}

func segmentUsers(snap *core.Snapshot, name string) []string {
	var users []string
	for _, flag := range snap.Flags() {
		if slices.Contains(flag.Segments, name) {
			users = append(users, flag.Key)
		}
	}
	return users
}
