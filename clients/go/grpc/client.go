// Package grpc provides a gRPC client for the rolloutz evaluator service.
package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/rolloutz/api/rolloutzv1"
	rolloutz "github.com/matt-riley/rolloutz/clients/go"
)

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the rolloutz gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements rolloutz.Evaluator and rolloutz.Streamer over gRPC.
type Client struct {
	cfg  Config
	stub rolloutzv1.EvaluatorClient
	conn *grpc.ClientConn
}

var (
	_ rolloutz.Evaluator = (*Client)(nil)
	_ rolloutz.Streamer  = (*Client)(nil)
)

// NewGRPCClient creates a client for the rolloutz gRPC server. The
// connection is established lazily. Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("rolloutz: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, stub: rolloutzv1.NewEvaluatorClient(conn), conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// authCtx injects the bearer token into outgoing gRPC metadata.
func (c *Client) authCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
}

type evaluateRequest struct {
	Key     string                     `json:"key,omitempty"`
	Keys    []string                   `json:"keys,omitempty"`
	Context rolloutz.EvaluationContext `json:"context"`
}

func (c *Client) Evaluate(ctx context.Context, key string, evalCtx rolloutz.EvaluationContext) (rolloutz.Result, error) {
	req, err := rolloutzv1.Encode(evaluateRequest{Key: key, Context: evalCtx})
	if err != nil {
		return rolloutz.Result{}, fmt.Errorf("rolloutz: encode request: %w", err)
	}
	resp, err := c.stub.Evaluate(c.authCtx(ctx), req)
	if err != nil {
		return rolloutz.Result{}, fmt.Errorf("rolloutz: Evaluate: %w", err)
	}

	var result rolloutz.Result
	if err := rolloutzv1.Decode(resp, &result); err != nil {
		return rolloutz.Result{}, fmt.Errorf("rolloutz: decode response: %w", err)
	}
	return result, nil
}

// EvaluateAll evaluates keys, or every flag when keys is empty.
func (c *Client) EvaluateAll(ctx context.Context, evalCtx rolloutz.EvaluationContext, keys ...string) ([]rolloutz.Result, error) {
	req, err := rolloutzv1.Encode(evaluateRequest{Keys: keys, Context: evalCtx})
	if err != nil {
		return nil, fmt.Errorf("rolloutz: encode request: %w", err)
	}
	resp, err := c.stub.EvaluateAll(c.authCtx(ctx), req)
	if err != nil {
		return nil, fmt.Errorf("rolloutz: EvaluateAll: %w", err)
	}

	var out struct {
		Results []rolloutz.Result `json:"results"`
	}
	if err := rolloutzv1.Decode(resp, &out); err != nil {
		return nil, fmt.Errorf("rolloutz: decode response: %w", err)
	}
	return out.Results, nil
}

// Stream opens a Watch stream and emits events on the returned channel.
// The channel is closed when ctx is cancelled or the stream ends.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan rolloutz.Event, error) {
	req, err := rolloutzv1.Encode(struct {
		LastEventID int64 `json:"last_event_id"`
	}{LastEventID: lastEventID})
	if err != nil {
		return nil, fmt.Errorf("rolloutz: encode request: %w", err)
	}

	stream, err := c.stub.Watch(c.authCtx(ctx), req)
	if err != nil {
		return nil, fmt.Errorf("rolloutz: Watch: %w", err)
	}

	ch := make(chan rolloutz.Event, 16)
	go func() {
		defer close(ch)
		for {
			msg, err := stream.Recv()
			if err != nil {
				return
			}
			ev, err := decodeEvent(msg)
			if err != nil {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// decodeEvent maps a Watch message to an Event. Messages without a key or
// event type are rejected.
func decodeEvent(msg *structpb.Struct) (rolloutz.Event, error) {
	var ev rolloutz.Event
	if err := rolloutzv1.Decode(msg, &ev); err != nil {
		return rolloutz.Event{}, err
	}
	if ev.Key == "" || ev.Type == "" {
		return rolloutz.Event{}, fmt.Errorf("rolloutz: incomplete event %d", ev.EventID)
	}
	return ev, nil
}
