package core

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
)

func (o Operator) valid() bool {
	switch o {
	case OperatorEquals, OperatorNotEquals, OperatorIn, OperatorNotIn,
		OperatorGreaterThan, OperatorLessThan,
		OperatorEndsWith, OperatorStartsWith, OperatorContains:
		return true
	default:
		return false
	}
}

func (m MatchMode) valid() bool {
	return m == "" || m == MatchAll || m == MatchAny
}

// EvaluateRule reports whether rule matches the context attributes. A
// missing attribute never matches, including for notEquals and notIn.
func EvaluateRule(rule Rule, evalCtx EvaluationContext) bool {
	matched, _ := evaluateRule(rule, evalCtx.Attributes)
	return matched
}

// EvaluateRuleSet combines rules with mode. An empty set matches under
// MatchAll and does not match under MatchAny.
func EvaluateRuleSet(rules []Rule, mode MatchMode, evalCtx EvaluationContext) bool {
	matched, _ := evaluateRules(rules, mode, evalCtx.Attributes, ConfigurationError{})
	return matched
}

// evaluateTargeting evaluates the flag's own rules and its segments as one
// group under the flag's match mode. Every segment is a nested group
// evaluated with its own match mode.
func evaluateTargeting(flag Flag, snapshot *Snapshot, attributes map[string]any) (bool, error) {
	segments := make([]Segment, 0, len(flag.Segments))
	for _, name := range flag.Segments {
		segment, ok := snapshot.segment(name)
		if !ok {
			return false, &ConfigurationError{FlagKey: flag.Key, Segment: name, Msg: "unknown segment"}
		}
		segments = append(segments, segment)
	}

	mode := MatchAll
	var rules []Rule
	if flag.Targeting != nil {
		rules = flag.Targeting.Rules
		if flag.Targeting.MatchMode == MatchAny {
			mode = MatchAny
		}
	}
	stopOn := mode == MatchAny

	var errs []error
	for _, rule := range rules {
		matched, problem := evaluateRule(rule, attributes)
		if problem != "" {
			errs = append(errs, &ConfigurationError{FlagKey: flag.Key, Msg: problem})
		}
		if matched == stopOn {
			return stopOn, errors.Join(errs...)
		}
	}

	for _, segment := range segments {
		matched, err := evaluateRules(segment.Rules, segment.MatchMode, attributes, ConfigurationError{FlagKey: flag.Key, Segment: segment.Name})
		if err != nil {
			errs = append(errs, err)
		}
		if matched == stopOn {
			return stopOn, errors.Join(errs...)
		}
	}

	return !stopOn, errors.Join(errs...)
}

func evaluateRules(rules []Rule, mode MatchMode, attributes map[string]any, scope ConfigurationError) (bool, error) {
	stopOn := mode == MatchAny

	var errs []error
	for _, rule := range rules {
		matched, problem := evaluateRule(rule, attributes)
		if problem != "" {
			errs = append(errs, &ConfigurationError{FlagKey: scope.FlagKey, Segment: scope.Segment, Msg: problem})
		}
		if matched == stopOn {
			return stopOn, errors.Join(errs...)
		}
	}

	return !stopOn, errors.Join(errs...)
}

// evaluateRule returns the match outcome and, when the rule itself is
// malformed, a description of the problem.
func evaluateRule(rule Rule, attributes map[string]any) (bool, string) {
	if !rule.Operator.valid() {
		return false, fmt.Sprintf("unknown operator %q", rule.Operator)
	}

	attributeValue, ok := attributes[rule.Attribute]
	if !ok {
		return false, ""
	}

	switch rule.Operator {
	case OperatorEquals:
		return valuesEqual(attributeValue, rule.Value), ""
	case OperatorNotEquals:
		return !valuesEqual(attributeValue, rule.Value), ""
	case OperatorIn, OperatorNotIn:
		found, isList := valueIn(attributeValue, rule.Value)
		if !isList {
			return false, fmt.Sprintf("operator %q on attribute %q requires a list value", rule.Operator, rule.Attribute)
		}
		if rule.Operator == OperatorNotIn {
			return !found, ""
		}
		return found, ""
	case OperatorGreaterThan, OperatorLessThan:
		order, comparable := compareValues(attributeValue, rule.Value)
		if !comparable {
			return false, ""
		}
		if rule.Operator == OperatorGreaterThan {
			return order > 0, ""
		}
		return order < 0, ""
	default:
		attribute, ok := attributeValue.(string)
		if !ok {
			return false, ""
		}
		value, ok := rule.Value.(string)
		if !ok {
			return false, ""
		}
		switch rule.Operator {
		case OperatorStartsWith:
			return strings.HasPrefix(attribute, value), ""
		case OperatorEndsWith:
			return strings.HasSuffix(attribute, value), ""
		default:
			return strings.Contains(attribute, value), ""
		}
	}
}

// valueIn reports whether value is an element of ruleValue and whether
// ruleValue is a list at all.
func valueIn(value any, ruleValue any) (bool, bool) {
	values := reflect.ValueOf(ruleValue)
	if !values.IsValid() {
		return false, false
	}

	if values.Kind() != reflect.Slice && values.Kind() != reflect.Array {
		return false, false
	}

	for i := 0; i < values.Len(); i++ {
		if valuesEqual(value, values.Index(i).Interface()) {
			return true, true
		}
	}

	return false, true
}

func compareValues(left any, right any) (int, bool) {
	if leftString, ok := left.(string); ok {
		rightString, ok := right.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(leftString, rightString), true
	}

	if leftInt, ok := asInt64(left); ok {
		if rightInt, ok := asInt64(right); ok {
			return cmp.Compare(leftInt, rightInt), true
		}
		if rightUint, ok := asUint64(right); ok {
			if leftInt < 0 {
				return -1, true
			}
			return cmp.Compare(uint64(leftInt), rightUint), true
		}
	}

	if leftUint, ok := asUint64(left); ok {
		if rightUint, ok := asUint64(right); ok {
			return cmp.Compare(leftUint, rightUint), true
		}
		if rightInt, ok := asInt64(right); ok {
			if rightInt < 0 {
				return 1, true
			}
			return cmp.Compare(leftUint, uint64(rightInt)), true
		}
	}

	leftNumber, ok := asNumber(left)
	if !ok {
		return 0, false
	}
	rightNumber, ok := asNumber(right)
	if !ok {
		return 0, false
	}
	if math.IsNaN(leftNumber) || math.IsNaN(rightNumber) {
		return 0, false
	}
	return cmp.Compare(leftNumber, rightNumber), true
}

func valuesEqual(left any, right any) bool {
	if leftInt, ok := asInt64(left); ok {
		if rightInt, ok := asInt64(right); ok {
			return leftInt == rightInt
		}

		if rightUint, ok := asUint64(right); ok {
			if leftInt < 0 {
				return false
			}
			return uint64(leftInt) == rightUint
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsInt64(rightFloat, leftInt)
		}
	}

	if leftUint, ok := asUint64(left); ok {
		if rightUint, ok := asUint64(right); ok {
			return leftUint == rightUint
		}

		if rightInt, ok := asInt64(right); ok {
			if rightInt < 0 {
				return false
			}
			return leftUint == uint64(rightInt)
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsUint64(rightFloat, leftUint)
		}
	}

	if leftFloat, ok := asFloat64(left); ok {
		if rightFloat, ok := asFloat64(right); ok {
			return leftFloat == rightFloat
		}

		if rightInt, ok := asInt64(right); ok {
			return floatEqualsInt64(leftFloat, rightInt)
		}

		if rightUint, ok := asUint64(right); ok {
			return floatEqualsUint64(leftFloat, rightUint)
		}
	}

	return reflect.DeepEqual(left, right)
}

func asNumber(value any) (float64, bool) {
	if number, ok := asFloat64(value); ok {
		return number, true
	}
	if number, ok := asInt64(value); ok {
		return float64(number), true
	}
	if number, ok := asUint64(value); ok {
		return float64(number), true
	}
	return 0, false
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func floatEqualsInt64(left float64, right int64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < float64(math.MinInt64) || left > float64(math.MaxInt64) {
		return false
	}

	converted := int64(left)
	return float64(converted) == left && converted == right
}

func floatEqualsUint64(left float64, right uint64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < 0 || left > float64(math.MaxUint64) {
		return false
	}

	converted := uint64(left)
	return float64(converted) == left && converted == right
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}
