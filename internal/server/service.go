package server

import (
	"context"
	"time"

	"github.com/matt-riley/rolloutz/internal/core"
	"github.com/matt-riley/rolloutz/internal/repository"
	"github.com/matt-riley/rolloutz/internal/service"
)

// Service is the subset of *service.Service the transports depend on.
type Service interface {
	CreateFlag(ctx context.Context, flag service.Flag) (service.Flag, error)
	UpdateFlag(ctx context.Context, flag service.Flag) (service.Flag, error)
	GetFlag(ctx context.Context, key string) (service.Flag, error)
	ListFlags(ctx context.Context) ([]service.Flag, error)
	DeleteFlag(ctx context.Context, key string) error

	CreateSegment(ctx context.Context, segment service.Segment) (service.Segment, error)
	UpdateSegment(ctx context.Context, segment service.Segment) (service.Segment, error)
	GetSegment(ctx context.Context, name string) (service.Segment, error)
	ListSegments(ctx context.Context) ([]service.Segment, error)
	DeleteSegment(ctx context.Context, name string) error

	Evaluate(ctx context.Context, key string, evalCtx core.EvaluationContext) core.Result
	EvaluateBatch(ctx context.Context, keys []string, evalCtx core.EvaluationContext) []core.Result
	EvaluateAll(ctx context.Context, evalCtx core.EvaluationContext) []core.Result

	ListEventsSince(ctx context.Context, eventID int64) ([]repository.Event, error)
}

var _ Service = (*service.Service)(nil)

// Observer receives transport-level measurements. *metrics.Metrics
// satisfies it.
type Observer interface {
	ObserveHTTP(method, route string, status int, elapsed time.Duration)
	StreamOpened(transport string)
	StreamClosed(transport string)
}
