// Package provider adapts the rolloutz engine to the OpenFeature Go SDK.
//
// The targeting key of the OpenFeature evaluation context becomes the
// subject id; every other attribute is passed to targeting rules. Boolean
// evaluations report whether the flag is enabled, string evaluations report
// the assigned variant name, and numeric and object evaluations decode the
// assigned variant's payload.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"

	of "github.com/open-feature/go-sdk/openfeature"

	"github.com/matt-riley/rolloutz/internal/core"
)

const providerName = "rolloutz"

const (
	// MetadataReason is the flag metadata key carrying the engine's reason.
	MetadataReason = "rolloutz.reason"
	// MetadataConfigError is set to true when the flag's configuration could
	// not be evaluated and the engine degraded it to disabled.
	MetadataConfigError = "rolloutz.config_error"
)

var (
	errProviderShutdown = errors.New("provider has been shut down")
	errNoSource         = errors.New("snapshot source is nil")
)

// SnapshotSource supplies the snapshot used for each evaluation.
// snapshot.Store implements it; wrap service.Service.Snapshot with
// [SnapshotFunc].
type SnapshotSource interface {
	Load() *core.Snapshot
}

// SnapshotFunc adapts a function to [SnapshotSource].
type SnapshotFunc func() *core.Snapshot

func (f SnapshotFunc) Load() *core.Snapshot { return f() }

// ExposureRecorder receives the result of every evaluation of a known flag.
// exposure.Tracker implements it.
type ExposureRecorder interface {
	Record(ctx context.Context, flagKey string, result core.Result, evalCtx core.EvaluationContext) error
}

// Provider implements [of.FeatureProvider] and [of.StateHandler].
type Provider struct {
	source   SnapshotSource
	engine   *core.Engine
	recorder ExposureRecorder
	logger   *slog.Logger
	shutdown atomic.Bool
}

var (
	_ of.FeatureProvider = (*Provider)(nil)
	_ of.StateHandler    = (*Provider)(nil)
)

type Option func(*Provider)

func WithEngine(engine *core.Engine) Option {
	return func(p *Provider) {
		if engine != nil {
			p.engine = engine
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithExposureRecorder records an exposure for every evaluation of a flag
// present in the current snapshot.
func WithExposureRecorder(recorder ExposureRecorder) Option {
	return func(p *Provider) {
		p.recorder = recorder
	}
}

// New creates a provider that evaluates against source.
func New(source SnapshotSource, opts ...Option) *Provider {
	p := &Provider{
		source: source,
		engine: core.NewEngine(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Metadata() of.Metadata {
	return of.Metadata{Name: providerName}
}

func (p *Provider) Hooks() []of.Hook {
	return nil
}

// Init fails only after Shutdown. A source without a snapshot is accepted;
// evaluations then use the engine's fallback flags.
func (p *Provider) Init(of.EvaluationContext) error {
	if p.shutdown.Load() {
		return errProviderShutdown
	}
	if p.source == nil {
		return errNoSource
	}
	return nil
}

func (p *Provider) Shutdown() {
	p.shutdown.Store(true)
}

func (p *Provider) BooleanEvaluation(ctx context.Context, flag string, def bool, ec of.FlattenedContext) of.BoolResolutionDetail {
	result, detail := p.evaluate(ctx, flag, ec)
	if detail.Error() != nil {
		return of.BoolResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}
	return of.BoolResolutionDetail{Value: result.Enabled, ProviderResolutionDetail: detail}
}

func (p *Provider) StringEvaluation(ctx context.Context, flag, def string, ec of.FlattenedContext) of.StringResolutionDetail {
	result, detail := p.evaluate(ctx, flag, ec)
	if detail.Error() != nil || !result.Enabled || result.Variant == "" {
		return of.StringResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}
	return of.StringResolutionDetail{Value: result.Variant, ProviderResolutionDetail: detail}
}

func (p *Provider) FloatEvaluation(ctx context.Context, flag string, def float64, ec of.FlattenedContext) of.FloatResolutionDetail {
	result, detail := p.evaluate(ctx, flag, ec)
	if detail.Error() != nil || !result.Enabled || result.Payload == nil {
		return of.FloatResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}

	value, ok := toFloat64(result.Payload)
	if !ok {
		p.logger.Warn("variant payload is not a number", "flag", flag, "variant", result.Variant)
		return of.FloatResolutionDetail{Value: def, ProviderResolutionDetail: typeMismatch(detail, "payload is not a number")}
	}
	return of.FloatResolutionDetail{Value: value, ProviderResolutionDetail: detail}
}

func (p *Provider) IntEvaluation(ctx context.Context, flag string, def int64, ec of.FlattenedContext) of.IntResolutionDetail {
	result, detail := p.evaluate(ctx, flag, ec)
	if detail.Error() != nil || !result.Enabled || result.Payload == nil {
		return of.IntResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}

	value, ok := toInt64(result.Payload)
	if !ok {
		p.logger.Warn("variant payload is not an integer", "flag", flag, "variant", result.Variant)
		return of.IntResolutionDetail{Value: def, ProviderResolutionDetail: typeMismatch(detail, "payload is not an integer")}
	}
	return of.IntResolutionDetail{Value: value, ProviderResolutionDetail: detail}
}

func (p *Provider) ObjectEvaluation(ctx context.Context, flag string, def any, ec of.FlattenedContext) of.InterfaceResolutionDetail {
	result, detail := p.evaluate(ctx, flag, ec)
	if detail.Error() != nil || !result.Enabled || result.Payload == nil {
		return of.InterfaceResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}
	return of.InterfaceResolutionDetail{Value: result.Payload, ProviderResolutionDetail: detail}
}

// evaluate runs the engine and builds the resolution detail shared by every
// typed evaluation. A non-nil detail.Error() means the default value applies.
func (p *Provider) evaluate(ctx context.Context, flag string, ec of.FlattenedContext) (core.Result, of.ProviderResolutionDetail) {
	if p.shutdown.Load() || p.source == nil {
		return core.Result{}, errorDetail(of.NewProviderNotReadyResolutionError("provider is not ready"))
	}
	if err := ctx.Err(); err != nil {
		return core.Result{}, errorDetail(of.NewGeneralResolutionError(err.Error()))
	}

	evalCtx := toEvaluationContext(ec)
	snapshot := p.source.Load()

	if snapshot == nil {
		result := p.engine.Evaluate(flag, evalCtx, nil)
		p.logger.Debug("evaluated without snapshot", "flag", flag, "enabled", result.Enabled)
		return result, of.ProviderResolutionDetail{
			Reason:       of.DefaultReason,
			FlagMetadata: of.FlagMetadata{MetadataReason: string(result.Reason)},
		}
	}

	if !snapshot.HasFlag(flag) {
		return core.Result{}, errorDetail(of.NewFlagNotFoundResolutionError("flag not found"))
	}

	result := p.engine.Evaluate(flag, evalCtx, snapshot)
	if p.recorder != nil {
		if err := p.recorder.Record(ctx, flag, result, evalCtx); err != nil {
			p.logger.Warn("record exposure", "flag", flag, "error", err)
		}
	}

	p.logger.Debug("evaluated flag",
		"flag", flag,
		"subject_id", evalCtx.SubjectID,
		"enabled", result.Enabled,
		"variant", result.Variant,
		"reason", result.Reason,
	)

	if result.ConfigError {
		detail := errorDetail(of.NewGeneralResolutionError("flag configuration could not be evaluated"))
		detail.FlagMetadata = of.FlagMetadata{
			MetadataReason:      string(result.Reason),
			MetadataConfigError: true,
		}
		return result, detail
	}

	return result, of.ProviderResolutionDetail{
		Reason:       openFeatureReason(result.Reason),
		Variant:      result.Variant,
		FlagMetadata: of.FlagMetadata{MetadataReason: string(result.Reason)},
	}
}

// toEvaluationContext maps the targeting key to the subject id and keeps
// every other attribute for rule matching.
func toEvaluationContext(ec of.FlattenedContext) core.EvaluationContext {
	var evalCtx core.EvaluationContext
	for key, value := range ec {
		if key == of.TargetingKey {
			if subject, ok := value.(string); ok {
				evalCtx.SubjectID = subject
			}
			continue
		}
		if evalCtx.Attributes == nil {
			evalCtx.Attributes = make(map[string]any, len(ec))
		}
		evalCtx.Attributes[key] = value
	}
	return evalCtx
}

func openFeatureReason(reason core.Reason) of.Reason {
	switch reason {
	case core.ReasonVariantAssigned, core.ReasonBucketedIn, core.ReasonBucketedOut:
		return of.SplitReason
	case core.ReasonDefault:
		return of.StaticReason
	case core.ReasonDisabled:
		return of.DisabledReason
	default:
		return of.TargetingMatchReason
	}
}

func errorDetail(resErr of.ResolutionError) of.ProviderResolutionDetail {
	return of.ProviderResolutionDetail{
		ResolutionError: resErr,
		Reason:          of.ErrorReason,
	}
}

func typeMismatch(detail of.ProviderResolutionDetail, msg string) of.ProviderResolutionDetail {
	detail.ResolutionError = of.NewTypeMismatchResolutionError(msg)
	detail.Reason = of.ErrorReason
	return detail
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// toInt64 accepts whole numbers that fit in an int64. float64(math.MaxInt64)
// rounds up to 2^63, so the upper float bound is exclusive.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || n >= math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
