package core

import (
	"errors"
	"log/slog"
	"maps"
)

// Engine evaluates flags against a Snapshot. It holds no mutable state and is
// safe for concurrent use.
type Engine struct {
	logger   *slog.Logger
	fallback map[string]bool
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithFallbackFlags sets the values reported when Evaluate or EvaluateAll is
// called without a snapshot, for example before the first load completes.
func WithFallbackFlags(fallback map[string]bool) Option {
	return func(e *Engine) {
		e.fallback = maps.Clone(fallback)
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultEngine = NewEngine()

// Evaluate evaluates flagKey with an engine that logs to slog.Default and
// has no fallback values.
func Evaluate(flagKey string, evalCtx EvaluationContext, snapshot *Snapshot) Result {
	return defaultEngine.Evaluate(flagKey, evalCtx, snapshot)
}

func EvaluateAll(evalCtx EvaluationContext, snapshot *Snapshot) map[string]Result {
	return defaultEngine.EvaluateAll(evalCtx, snapshot)
}

func (e *Engine) Evaluate(flagKey string, evalCtx EvaluationContext, snapshot *Snapshot) Result {
	if snapshot == nil {
		return e.fallbackResult(flagKey)
	}
	return e.newEvaluation(snapshot, evalCtx).safeEvaluate(flagKey)
}

// EvaluateAll evaluates every flag in snapshot. Prerequisite and mutex
// decisions are shared across the call, so the results are consistent with
// each other.
func (e *Engine) EvaluateAll(evalCtx EvaluationContext, snapshot *Snapshot) map[string]Result {
	if snapshot == nil {
		results := make(map[string]Result, len(e.fallback))
		for key := range e.fallback {
			results[key] = e.fallbackResult(key)
		}
		return results
	}

	ev := e.newEvaluation(snapshot, evalCtx)
	results := make(map[string]Result, snapshot.Len())
	for _, key := range snapshot.keys {
		results[key] = ev.safeEvaluate(key)
	}
	return results
}

func (e *Engine) fallbackResult(flagKey string) Result {
	return Result{FlagKey: flagKey, Enabled: e.fallback[flagKey], Reason: ReasonDefault}
}

func (e *Engine) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

func (e *Engine) logConfigurationError(err error) {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		e.log().Warn("flag configuration error",
			slog.String("flag", cfgErr.FlagKey),
			slog.String("segment", cfgErr.Segment),
			slog.Any("error", err),
		)
		return
	}
	e.log().Warn("flag configuration error", slog.Any("error", err))
}

func (ev *evaluation) safeEvaluate(key string) (result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			ev.engine.log().Error("flag evaluation panicked",
				slog.String("flag", key),
				slog.Any("panic", recovered),
			)
			ev.reset()
			result = Result{FlagKey: key, Reason: ReasonDisabled, ConfigError: true}
			ev.results[key] = result
		}
	}()

	return ev.evaluate(key)
}

func (ev *evaluation) evaluate(key string) Result {
	if result, ok := ev.results[key]; ok {
		return result
	}

	flag, ok := ev.snapshot.flag(key)
	if !ok {
		return Result{FlagKey: key, Reason: ReasonDefault}
	}

	ev.enter(key)
	result := ev.evaluateFlag(flag)
	ev.leave(key)

	ev.results[key] = result
	return result
}

func (ev *evaluation) evaluateFlag(flag Flag) Result {
	result := Result{FlagKey: flag.Key}

	if !flag.Enabled {
		result.Reason = ReasonDisabled
		return result
	}

	if eligibility := ev.eligibility(flag); !eligibility.Eligible {
		result.Reason = eligibility.Reason
		return result
	}

	if flag.hasTargeting() {
		matched, err := evaluateTargeting(flag, ev.snapshot, ev.context.Attributes)
		if err != nil {
			ev.engine.logConfigurationError(err)
		}
		if !matched {
			result.Reason = ReasonTargetingMismatch
			return result
		}
	}

	if len(flag.Variants) > 0 {
		return ev.assignVariant(flag)
	}

	if flag.Percentage != nil {
		result.Reason = ReasonBucketedOut
		if ev.context.SubjectID == "" {
			return result
		}
		if Bucket(ev.context.SubjectID, flag.Key) < percentageThreshold(*flag.Percentage) {
			result.Enabled = true
			result.Reason = ReasonBucketedIn
		}
		return result
	}

	result.Enabled = true
	result.Reason = ReasonDefault
	return result
}

func (ev *evaluation) assignVariant(flag Flag) Result {
	result := Result{FlagKey: flag.Key}

	total, err := variantTotal(flag.Variants)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			cfgErr.FlagKey = flag.Key
		}
		ev.engine.logConfigurationError(err)
		result.Reason = ReasonDisabled
		result.ConfigError = true
		return result
	}

	if ev.context.SubjectID == "" {
		result.Variant = ControlVariant
		result.Reason = ReasonBucketedOut
		return result
	}

	if weightsNormalized(total) {
		ev.engine.log().Warn("variant weights do not sum to 100, normalizing",
			slog.String("flag", flag.Key),
			slog.Float64("total", total),
		)
	}

	variant, err := SelectVariant(flag.Variants, Bucket(ev.context.SubjectID, flag.Key))
	if err != nil {
		ev.engine.logConfigurationError(err)
		result.Reason = ReasonDisabled
		result.ConfigError = true
		return result
	}

	result.Enabled = true
	result.Variant = variant.Name
	result.Payload = variant.Payload
	result.Reason = ReasonVariantAssigned
	return result
}
