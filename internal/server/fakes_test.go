package server

import (
	"context"
	"errors"
	"time"

	"github.com/matt-riley/rolloutz/internal/core"
	"github.com/matt-riley/rolloutz/internal/repository"
	"github.com/matt-riley/rolloutz/internal/service"
)

var errNotConfigured = errors.New("fake not configured")

type fakeService struct {
	createFlagFunc      func(context.Context, service.Flag) (service.Flag, error)
	updateFlagFunc      func(context.Context, service.Flag) (service.Flag, error)
	getFlagFunc         func(context.Context, string) (service.Flag, error)
	listFlagsFunc       func(context.Context) ([]service.Flag, error)
	deleteFlagFunc      func(context.Context, string) error
	createSegmentFunc   func(context.Context, service.Segment) (service.Segment, error)
	updateSegmentFunc   func(context.Context, service.Segment) (service.Segment, error)
	getSegmentFunc      func(context.Context, string) (service.Segment, error)
	listSegmentsFunc    func(context.Context) ([]service.Segment, error)
	deleteSegmentFunc   func(context.Context, string) error
	evaluateFunc        func(context.Context, string, core.EvaluationContext) core.Result
	evaluateBatchFunc   func(context.Context, []string, core.EvaluationContext) []core.Result
	evaluateAllFunc     func(context.Context, core.EvaluationContext) []core.Result
	listEventsSinceFunc func(context.Context, int64) ([]repository.Event, error)
}

func (f *fakeService) CreateFlag(ctx context.Context, flag service.Flag) (service.Flag, error) {
	if f.createFlagFunc == nil {
		return service.Flag{}, errNotConfigured
	}
	return f.createFlagFunc(ctx, flag)
}

func (f *fakeService) UpdateFlag(ctx context.Context, flag service.Flag) (service.Flag, error) {
	if f.updateFlagFunc == nil {
		return service.Flag{}, errNotConfigured
	}
	return f.updateFlagFunc(ctx, flag)
}

func (f *fakeService) GetFlag(ctx context.Context, key string) (service.Flag, error) {
	if f.getFlagFunc == nil {
		return service.Flag{}, errNotConfigured
	}
	return f.getFlagFunc(ctx, key)
}

func (f *fakeService) ListFlags(ctx context.Context) ([]service.Flag, error) {
	if f.listFlagsFunc == nil {
		return nil, errNotConfigured
	}
	return f.listFlagsFunc(ctx)
}

func (f *fakeService) DeleteFlag(ctx context.Context, key string) error {
	if f.deleteFlagFunc == nil {
		return errNotConfigured
	}
	return f.deleteFlagFunc(ctx, key)
}

func (f *fakeService) CreateSegment(ctx context.Context, segment service.Segment) (service.Segment, error) {
	if f.createSegmentFunc == nil {
		return service.Segment{}, errNotConfigured
	}
	return f.createSegmentFunc(ctx, segment)
}

func (f *fakeService) UpdateSegment(ctx context.Context, segment service.Segment) (service.Segment, error) {
	if f.updateSegmentFunc == nil {
		return service.Segment{}, errNotConfigured
	}
	return f.updateSegmentFunc(ctx, segment)
}

func (f *fakeService) GetSegment(ctx context.Context, name string) (service.Segment, error) {
	if f.getSegmentFunc == nil {
		return service.Segment{}, errNotConfigured
	}
	return f.getSegmentFunc(ctx, name)
}

func (f *fakeService) ListSegments(ctx context.Context) ([]service.Segment, error) {
	if f.listSegmentsFunc == nil {
		return nil, errNotConfigured
	}
	return f.listSegmentsFunc(ctx)
}

func (f *fakeService) DeleteSegment(ctx context.Context, name string) error {
	if f.deleteSegmentFunc == nil {
		return errNotConfigured
	}
	return f.deleteSegmentFunc(ctx, name)
}

func (f *fakeService) Evaluate(ctx context.Context, key string, evalCtx core.EvaluationContext) core.Result {
	if f.evaluateFunc == nil {
		return core.Result{FlagKey: key, Reason: core.ReasonDefault}
	}
	return f.evaluateFunc(ctx, key, evalCtx)
}

func (f *fakeService) EvaluateBatch(ctx context.Context, keys []string, evalCtx core.EvaluationContext) []core.Result {
	if f.evaluateBatchFunc == nil {
		return nil
	}
	return f.evaluateBatchFunc(ctx, keys, evalCtx)
}

func (f *fakeService) EvaluateAll(ctx context.Context, evalCtx core.EvaluationContext) []core.Result {
	if f.evaluateAllFunc == nil {
		return nil
	}
	return f.evaluateAllFunc(ctx, evalCtx)
}

func (f *fakeService) ListEventsSince(ctx context.Context, eventID int64) ([]repository.Event, error) {
	if f.listEventsSinceFunc == nil {
		return nil, nil
	}
	return f.listEventsSinceFunc(ctx, eventID)
}

type observedRequest struct {
	method string
	route  string
	status int
}

type fakeObserver struct {
	requests []observedRequest
	streams  map[string]int
	opened   int
}

func (o *fakeObserver) ObserveHTTP(method, route string, status int, _ time.Duration) {
	o.requests = append(o.requests, observedRequest{method: method, route: route, status: status})
}

func (o *fakeObserver) StreamOpened(transport string) {
	if o.streams == nil {
		o.streams = make(map[string]int)
	}
	o.streams[transport]++
	o.opened++
}

func (o *fakeObserver) StreamClosed(transport string) {
	o.streams[transport]--
}
