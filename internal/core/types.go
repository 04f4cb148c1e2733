package core

type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "notEquals"
	OperatorIn          Operator = "in"
	OperatorNotIn       Operator = "notIn"
	OperatorGreaterThan Operator = "greaterThan"
	OperatorLessThan    Operator = "lessThan"
	OperatorEndsWith    Operator = "endsWith"
	OperatorStartsWith  Operator = "startsWith"
	OperatorContains    Operator = "contains"
)

// MatchMode combines the outcome of a list of rules. The zero value behaves
// like MatchAll.
type MatchMode string

const (
	MatchAll MatchMode = "all"
	MatchAny MatchMode = "any"
)

// Reason explains why an evaluation produced its result.
type Reason string

const (
	ReasonDisabled           Reason = "disabled"
	ReasonPrerequisiteFailed Reason = "prerequisite-failed"
	ReasonMutexLost          Reason = "mutex-lost"
	ReasonTargetingMismatch  Reason = "targeting-mismatch"
	ReasonBucketedIn         Reason = "bucketed-in"
	ReasonBucketedOut        Reason = "bucketed-out"
	ReasonVariantAssigned    Reason = "variant-assigned"
	ReasonDefault            Reason = "default"
)

// ControlVariant is reported when a variant flag cannot bucket the subject.
const ControlVariant = "control"

type Rule struct {
	Attribute string   `json:"attribute" yaml:"attribute"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Value     any      `json:"value" yaml:"value"`
}

type Targeting struct {
	Rules     []Rule    `json:"rules,omitempty" yaml:"rules,omitempty"`
	MatchMode MatchMode `json:"match_mode,omitempty" yaml:"match_mode,omitempty"`
}

// Segment is a named, reusable rule set referenced by flags.
type Segment struct {
	Name      string    `json:"name" yaml:"name"`
	Rules     []Rule    `json:"rules,omitempty" yaml:"rules,omitempty"`
	MatchMode MatchMode `json:"match_mode,omitempty" yaml:"match_mode,omitempty"`
}

type Variant struct {
	Name    string  `json:"name" yaml:"name"`
	Weight  float64 `json:"weight" yaml:"weight"`
	Payload any     `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Flag is the definition of a single feature flag. Payloads and rule values
// are treated as read-only once a flag is placed in a Snapshot.
type Flag struct {
	Key           string     `json:"key" yaml:"key"`
	Enabled       bool       `json:"enabled" yaml:"enabled"`
	Percentage    *float64   `json:"percentage,omitempty" yaml:"percentage,omitempty"`
	Variants      []Variant  `json:"variants,omitempty" yaml:"variants,omitempty"`
	Targeting     *Targeting `json:"targeting,omitempty" yaml:"targeting,omitempty"`
	Segments      []string   `json:"segments,omitempty" yaml:"segments,omitempty"`
	Prerequisites []string   `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
	Mutex         []string   `json:"mutex,omitempty" yaml:"mutex,omitempty"`
}

type EvaluationContext struct {
	SubjectID  string         `json:"subject_id,omitempty" yaml:"subject_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

type Result struct {
	FlagKey string `json:"flag_key"`
	Enabled bool   `json:"enabled"`
	Variant string `json:"variant,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Reason  Reason `json:"reason"`

	// ConfigError is set when the flag was degraded to disabled because its
	// configuration could not be evaluated. It is not part of the wire format.
	ConfigError bool `json:"-"`
}

func (f Flag) hasTargeting() bool {
	return (f.Targeting != nil && len(f.Targeting.Rules) > 0) || len(f.Segments) > 0
}

func (f Flag) clone() Flag {
	out := f
	if f.Percentage != nil {
		p := *f.Percentage
		out.Percentage = &p
	}
	out.Variants = cloneSlice(f.Variants)
	if f.Targeting != nil {
		t := Targeting{MatchMode: f.Targeting.MatchMode, Rules: cloneSlice(f.Targeting.Rules)}
		out.Targeting = &t
	}
	out.Segments = cloneSlice(f.Segments)
	out.Prerequisites = cloneSlice(f.Prerequisites)
	out.Mutex = cloneSlice(f.Mutex)
	return out
}

func (s Segment) clone() Segment {
	out := s
	out.Rules = cloneSlice(s.Rules)
	return out
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
