// Package rolloutz provides client interfaces and domain types for the rolloutz
// feature flag service.
//
// Use the sub-packages to create transport-specific clients:
//
//	import rolloutzhttp "github.com/matt-riley/rolloutz/clients/go/http"
//	import rolloutzgrpc "github.com/matt-riley/rolloutz/clients/go/grpc"
package rolloutz

import (
	"context"
	"encoding/json"
	"time"
)

// Reason values reported in [Result.Reason].
const (
	ReasonDisabled           = "disabled"
	ReasonPrerequisiteFailed = "prerequisite-failed"
	ReasonMutexLost          = "mutex-lost"
	ReasonTargetingMismatch  = "targeting-mismatch"
	ReasonBucketedIn         = "bucketed-in"
	ReasonBucketedOut        = "bucketed-out"
	ReasonVariantAssigned    = "variant-assigned"
	ReasonDefault            = "default"
)

// FlagManager covers CRUD operations on feature flags.
type FlagManager interface {
	CreateFlag(ctx context.Context, flag Flag) (Flag, error)
	GetFlag(ctx context.Context, key string) (Flag, error)
	ListFlags(ctx context.Context) ([]Flag, error)
	UpdateFlag(ctx context.Context, flag Flag) (Flag, error)
	DeleteFlag(ctx context.Context, key string) error
}

// Evaluator covers flag resolution for a given evaluation context.
type Evaluator interface {
	Evaluate(ctx context.Context, key string, evalCtx EvaluationContext) (Result, error)
	// EvaluateAll evaluates keys, or every flag when keys is empty.
	EvaluateAll(ctx context.Context, evalCtx EvaluationContext, keys ...string) ([]Result, error)
}

// Streamer delivers flag and segment change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64) (<-chan Event, error)
}

// Flag is the domain representation of a feature flag.
type Flag struct {
	Key           string     `json:"key"`
	Description   string     `json:"description,omitempty"`
	Enabled       bool       `json:"enabled"`
	Percentage    *float64   `json:"percentage,omitempty"`
	Variants      []Variant  `json:"variants,omitempty"`
	Targeting     *Targeting `json:"targeting,omitempty"`
	Segments      []string   `json:"segments,omitempty"`
	Prerequisites []string   `json:"prerequisites,omitempty"`
	Mutex         []string   `json:"mutex,omitempty"`
	CreatedAt     time.Time  `json:"created_at,omitzero"`
	UpdatedAt     time.Time  `json:"updated_at,omitzero"`
}

// Variant is a weighted arm of a multivariate flag.
type Variant struct {
	Name    string  `json:"name"`
	Weight  float64 `json:"weight"`
	Payload any     `json:"payload,omitempty"`
}

// Targeting holds inline rules combined by MatchMode ("all" or "any").
type Targeting struct {
	Rules     []Rule `json:"rules,omitempty"`
	MatchMode string `json:"match_mode,omitempty"`
}

// Rule is a targeting rule that determines flag evaluation.
type Rule struct {
	Attribute string `json:"attribute"`
	Operator  string `json:"operator"`
	Value     any    `json:"value"`
}

// EvaluationContext identifies the subject and carries attributes used by
// targeting rules.
type EvaluationContext struct {
	SubjectID  string         `json:"subject_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Result is the outcome of a single flag evaluation.
type Result struct {
	FlagKey string `json:"flag_key"`
	Enabled bool   `json:"enabled"`
	Variant string `json:"variant,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Reason  string `json:"reason"`
}

// Event is a change notification for a flag or segment.
type Event struct {
	EventID  int64  `json:"event_id"`
	Resource string `json:"resource"` // "flag" | "segment"
	Key      string `json:"key"`
	// Type is "created", "updated" or "deleted", or "error" when the server
	// ends the stream with an error.
	Type    string          `json:"event_type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Flag decodes the payload of a flag event. It returns false for deletions,
// errors and segment events.
func (e Event) Flag() (Flag, bool) {
	if e.Resource != "flag" || e.Type == "deleted" || len(e.Payload) == 0 {
		return Flag{}, false
	}
	var flag Flag
	if err := json.Unmarshal(e.Payload, &flag); err != nil {
		return Flag{}, false
	}
	return flag, true
}
