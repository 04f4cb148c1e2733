package core

import (
	"fmt"
	"strings"
)

// ConfigurationError describes a flag or segment definition the engine cannot
// evaluate as written.
type ConfigurationError struct {
	FlagKey string
	Segment string
	Msg     string
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.FlagKey != "" {
		fmt.Fprintf(&b, " in flag %q", e.FlagKey)
	}
	if e.Segment != "" {
		fmt.Fprintf(&b, " in segment %q", e.Segment)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	return b.String()
}

type CycleDetectedError struct {
	Path []string
}

func (e *CycleDetectedError) Error() string {
	return "prerequisite cycle detected: " + strings.Join(e.Path, " -> ")
}
