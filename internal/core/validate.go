package core

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"
)

// Validate reports every configuration problem in snapshot, joined with
// errors.Join. Problems are *ConfigurationError or *CycleDetectedError
// values.
func Validate(snapshot *Snapshot) error {
	var errs []error
	for _, segment := range snapshot.Segments() {
		errs = append(errs, ValidateSegment(segment))
	}
	for _, key := range snapshot.Keys() {
		flag, _ := snapshot.flag(key)
		errs = append(errs, validateFlag(flag, snapshot))
	}
	errs = append(errs, findCycles(snapshot, snapshot.Keys())...)
	return errors.Join(errs...)
}

// ValidateFlag checks flag against snapshot, which is expected to already
// contain it (see Snapshot.WithFlag). Only cycles reachable from flag are
// reported.
func ValidateFlag(flag Flag, snapshot *Snapshot) error {
	errs := []error{validateFlag(flag, snapshot)}
	errs = append(errs, findCycles(snapshot, []string{flag.Key})...)
	return errors.Join(errs...)
}

func ValidateSegment(segment Segment) error {
	var errs []error
	if segment.Name == "" {
		errs = append(errs, &ConfigurationError{Msg: "segment name is required"})
	}
	if !segment.MatchMode.valid() {
		errs = append(errs, &ConfigurationError{Segment: segment.Name, Msg: fmt.Sprintf("unknown match mode %q", segment.MatchMode)})
	}
	for _, rule := range segment.Rules {
		if problem := validateRule(rule); problem != "" {
			errs = append(errs, &ConfigurationError{Segment: segment.Name, Msg: problem})
		}
	}
	return errors.Join(errs...)
}

func validateFlag(flag Flag, snapshot *Snapshot) error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, &ConfigurationError{FlagKey: flag.Key, Msg: fmt.Sprintf(format, args...)})
	}

	if flag.Key == "" {
		invalid("flag key is required")
	}

	if flag.Percentage != nil {
		p := *flag.Percentage
		if math.IsNaN(p) || p < 0 || p > 100 {
			invalid("percentage %v outside [0, 100]", p)
		}
	}

	if len(flag.Variants) > 0 {
		if _, err := variantTotal(flag.Variants); err != nil {
			var cfgErr *ConfigurationError
			if errors.As(err, &cfgErr) {
				invalid("%s", cfgErr.Msg)
			}
		}
		seen := make(map[string]bool, len(flag.Variants))
		for _, variant := range flag.Variants {
			if variant.Name == "" {
				invalid("variant name is required")
				continue
			}
			if seen[variant.Name] {
				invalid("duplicate variant %q", variant.Name)
			}
			seen[variant.Name] = true
		}
	}

	if flag.Targeting != nil {
		if !flag.Targeting.MatchMode.valid() {
			invalid("unknown match mode %q", flag.Targeting.MatchMode)
		}
		for _, rule := range flag.Targeting.Rules {
			if problem := validateRule(rule); problem != "" {
				invalid("%s", problem)
			}
		}
	}

	for _, name := range flag.Segments {
		if _, ok := snapshot.segment(name); !ok {
			errs = append(errs, &ConfigurationError{FlagKey: flag.Key, Segment: name, Msg: "unknown segment"})
		}
	}

	for _, prerequisite := range flag.Prerequisites {
		if prerequisite == flag.Key {
			continue
		}
		if _, ok := snapshot.flag(prerequisite); !ok {
			invalid("unknown prerequisite %q", prerequisite)
		}
	}

	return errors.Join(errs...)
}

func validateRule(rule Rule) string {
	if rule.Attribute == "" {
		return "rule attribute is required"
	}

	switch rule.Operator {
	case OperatorEquals, OperatorNotEquals:
		return ""
	case OperatorIn, OperatorNotIn:
		kind := reflect.ValueOf(rule.Value).Kind()
		if kind != reflect.Slice && kind != reflect.Array {
			return fmt.Sprintf("operator %q on attribute %q requires a list value", rule.Operator, rule.Attribute)
		}
	case OperatorGreaterThan, OperatorLessThan:
		if _, isString := rule.Value.(string); isString {
			return ""
		}
		if _, isNumber := asNumber(rule.Value); !isNumber {
			return fmt.Sprintf("operator %q on attribute %q requires a number or string value", rule.Operator, rule.Attribute)
		}
	case OperatorEndsWith, OperatorStartsWith, OperatorContains:
		if _, isString := rule.Value.(string); !isString {
			return fmt.Sprintf("operator %q on attribute %q requires a string value", rule.Operator, rule.Attribute)
		}
	default:
		return fmt.Sprintf("unknown operator %q", rule.Operator)
	}

	return ""
}

// findCycles walks the prerequisite graph from roots and reports each cycle
// once.
func findCycles(snapshot *Snapshot, roots []string) []error {
	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int)
	var path []string
	var errs []error

	var visit func(key string)
	visit = func(key string) {
		state[key] = visiting
		path = append(path, key)

		flag, _ := snapshot.flag(key)
		for _, prerequisite := range flag.Prerequisites {
			switch state[prerequisite] {
			case visiting:
				start := slices.Index(path, prerequisite)
				cycle := append(slices.Clone(path[start:]), prerequisite)
				errs = append(errs, &CycleDetectedError{Path: cycle})
			case unvisited:
				if _, ok := snapshot.flag(prerequisite); ok {
					visit(prerequisite)
				}
			}
		}

		path = path[:len(path)-1]
		state[key] = done
	}

	for _, root := range roots {
		if state[root] == unvisited {
			visit(root)
		}
	}

	return errs
}
