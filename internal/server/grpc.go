package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/rolloutz/api/rolloutzv1"
	"github.com/matt-riley/rolloutz/internal/core"
	"github.com/matt-riley/rolloutz/internal/repository"
	"github.com/matt-riley/rolloutz/internal/service"
)

const defaultGRPCStreamPollInterval = time.Second

// GRPCServer implements rolloutz.v1.Evaluator: single and bulk evaluation
// plus a server-streaming watch of change events.
type GRPCServer struct {
	service            Service
	streamPollInterval time.Duration
}

var _ rolloutzv1.EvaluatorServer = (*GRPCServer)(nil)

type evaluateMessage struct {
	Key     string                 `json:"key"`
	Keys    []string               `json:"keys,omitempty"`
	Context core.EvaluationContext `json:"context"`
}

type watchMessage struct {
	LastEventID int64 `json:"last_event_id"`
}

type resultsMessage struct {
	Results []core.Result `json:"results"`
}

// NewGRPCServer creates a [GRPCServer] with a default stream poll interval of
// 1 second.
func NewGRPCServer(svc Service) *GRPCServer {
	return NewGRPCServerWithOptions(svc, defaultGRPCStreamPollInterval)
}

// NewGRPCServerWithOptions creates a [GRPCServer] that polls for change
// events every streamPollInterval while a Watch stream is open.
func NewGRPCServerWithOptions(svc Service, streamPollInterval time.Duration) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}

	if streamPollInterval <= 0 {
		streamPollInterval = defaultGRPCStreamPollInterval
	}

	return &GRPCServer{
		service:            svc,
		streamPollInterval: streamPollInterval,
	}
}

func (s *GRPCServer) Register(registrar grpc.ServiceRegistrar) {
	rolloutzv1.RegisterEvaluatorServer(registrar, s)
}

func (s *GRPCServer) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request evaluateMessage
	if err := rolloutzv1.Decode(req, &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	if strings.TrimSpace(request.Key) == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}

	result := s.service.Evaluate(ctx, request.Key, request.Context)
	return encodeResponse(result)
}

// EvaluateAll evaluates the requested keys, or every flag when keys is empty.
func (s *GRPCServer) EvaluateAll(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request evaluateMessage
	if err := rolloutzv1.Decode(req, &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}

	var results []core.Result
	if len(request.Keys) > 0 {
		for idx, key := range request.Keys {
			if strings.TrimSpace(key) == "" {
				return nil, status.Errorf(codes.InvalidArgument, "keys[%d] is required", idx)
			}
		}
		results = s.service.EvaluateBatch(ctx, request.Keys, request.Context)
	} else {
		results = s.service.EvaluateAll(ctx, request.Context)
	}
	if results == nil {
		results = []core.Result{}
	}

	return encodeResponse(resultsMessage{Results: results})
}

func (s *GRPCServer) Watch(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	var request watchMessage
	if err := rolloutzv1.Decode(req, &request); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request")
	}
	lastEventID := request.LastEventID
	if lastEventID < 0 {
		return status.Error(codes.InvalidArgument, "last_event_id must be non-negative")
	}

	sendEvents := func(ctx context.Context) error {
		events, err := s.service.ListEventsSince(ctx, lastEventID)
		if err != nil {
			return toGRPCError(err)
		}

		for _, event := range events {
			lastEventID = event.EventID
			if toSSEEventName(event) == "" {
				continue
			}

			msg, err := eventToStruct(event)
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}

		return nil
	}

	if err := sendEvents(stream.Context()); err != nil {
		return err
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-ticker.C:
			if err := sendEvents(stream.Context()); err != nil {
				return err
			}
		}
	}
}

func encodeResponse(v any) (*structpb.Struct, error) {
	msg, err := rolloutzv1.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return msg, nil
}

func eventToStruct(event repository.Event) (*structpb.Struct, error) {
	// created_at is not forwarded.
	return encodeResponse(struct {
		EventID   int64           `json:"event_id"`
		Resource  string          `json:"resource"`
		Key       string          `json:"key"`
		EventType string          `json:"event_type"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}{
		EventID:   event.EventID,
		Resource:  event.Resource,
		Key:       event.Key,
		EventType: event.EventType,
		Payload:   event.Payload,
	})
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, service.ErrInvalidFlag), errors.Is(err, service.ErrInvalidSegment):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrFlagNotFound), errors.Is(err, service.ErrSegmentNotFound):
		return status.Error(codes.NotFound, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFlagExists), errors.Is(err, service.ErrSegmentExists):
		return status.Error(codes.AlreadyExists, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFlagInUse), errors.Is(err, service.ErrSegmentInUse):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}
