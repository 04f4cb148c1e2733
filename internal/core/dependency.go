package core

import (
	"log/slog"
	"slices"
)

// Eligibility is the outcome of dependency resolution for one flag.
type Eligibility struct {
	Eligible bool
	Reason   Reason
}

// evaluation carries the memo and walk state of a single Evaluate,
// EvaluateAll or Resolve call. It is never shared between goroutines.
type evaluation struct {
	engine   *Engine
	snapshot *Snapshot
	context  EvaluationContext
	results  map[string]Result
	winners  map[string]string
	visiting map[string]bool
	path     []string
}

func (e *Engine) newEvaluation(snapshot *Snapshot, evalCtx EvaluationContext) *evaluation {
	return &evaluation{
		engine:   e,
		snapshot: snapshot,
		context:  evalCtx,
		results:  make(map[string]Result),
		winners:  make(map[string]string),
		visiting: make(map[string]bool),
	}
}

func (ev *evaluation) enter(key string) {
	ev.visiting[key] = true
	ev.path = append(ev.path, key)
}

func (ev *evaluation) leave(key string) {
	delete(ev.visiting, key)
	ev.path = ev.path[:len(ev.path)-1]
}

func (ev *evaluation) reset() {
	clear(ev.visiting)
	ev.path = ev.path[:0]
}

// eligibility checks prerequisites and then mutual exclusion for flag, which
// the caller must have entered.
func (ev *evaluation) eligibility(flag Flag) Eligibility {
	for _, prerequisite := range flag.Prerequisites {
		if ev.visiting[prerequisite] {
			ev.engine.log().Warn("prerequisite cycle, failing closed",
				slog.String("flag", flag.Key),
				slog.Any("error", &CycleDetectedError{Path: ev.cyclePath(prerequisite)}),
			)
			return Eligibility{Reason: ReasonPrerequisiteFailed}
		}

		if _, ok := ev.snapshot.flag(prerequisite); !ok {
			ev.engine.logConfigurationError(&ConfigurationError{FlagKey: flag.Key, Msg: "unknown prerequisite " + prerequisite})
			return Eligibility{Reason: ReasonPrerequisiteFailed}
		}

		if !ev.evaluate(prerequisite).Enabled {
			return Eligibility{Reason: ReasonPrerequisiteFailed}
		}
	}

	if !ev.winsMutex(flag.Key) {
		return Eligibility{Reason: ReasonMutexLost}
	}

	return Eligibility{Eligible: true}
}

func (ev *evaluation) cyclePath(repeated string) []string {
	start := slices.Index(ev.path, repeated)
	if start < 0 {
		start = 0
	}
	path := slices.Clone(ev.path[start:])
	return append(path, repeated)
}

func (ev *evaluation) winsMutex(key string) bool {
	group := ev.snapshot.mutexGroups[key]
	if len(group) < 2 {
		return true
	}
	if ev.context.SubjectID == "" {
		return false
	}

	// Groups are sorted, so the first member identifies the group.
	winner, ok := ev.winners[group[0]]
	if !ok {
		winner = mutexWinner(group, ev.snapshot, ev.context.SubjectID)
		ev.winners[group[0]] = winner
	}
	return winner == key
}

// mutexWinner picks the enabled member with the lowest bucket for subjectID.
// Members are visited in lexical order, so ties go to the smaller key.
func mutexWinner(group []string, snapshot *Snapshot, subjectID string) string {
	winner := ""
	winningBucket := BucketCount
	for _, member := range group {
		flag, ok := snapshot.flag(member)
		if !ok || !flag.Enabled {
			continue
		}
		if bucket := Bucket(subjectID, member); bucket < winningBucket {
			winner = member
			winningBucket = bucket
		}
	}
	return winner
}

// Resolve reports whether the prerequisites and mutual-exclusion group of
// flagKey allow it to be evaluated further for evalCtx. The flag's own
// enabled state and targeting are not considered.
func (e *Engine) Resolve(flagKey string, evalCtx EvaluationContext, snapshot *Snapshot) Eligibility {
	flag, ok := snapshot.flag(flagKey)
	if !ok {
		return Eligibility{Reason: ReasonDefault}
	}

	ev := e.newEvaluation(snapshot, evalCtx)
	ev.enter(flagKey)
	defer ev.leave(flagKey)
	return ev.eligibility(flag)
}
