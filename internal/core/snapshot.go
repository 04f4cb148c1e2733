package core

import (
	"maps"
	"slices"
)

// Snapshot is an immutable view of every flag and segment. All methods are
// safe on a nil *Snapshot, which behaves as an empty configuration.
type Snapshot struct {
	flags    map[string]Flag
	segments map[string]Segment
	keys     []string
	// mutexGroups holds the undirected closure of every flag's Mutex list,
	// keyed by member, with members sorted.
	mutexGroups map[string][]string
}

// NewSnapshot copies flags and segments into a new snapshot. When keys
// repeat, the last definition wins.
func NewSnapshot(flags []Flag, segments []Segment) *Snapshot {
	flagMap := make(map[string]Flag, len(flags))
	for _, flag := range flags {
		flagMap[flag.Key] = flag.clone()
	}

	segmentMap := make(map[string]Segment, len(segments))
	for _, segment := range segments {
		segmentMap[segment.Name] = segment.clone()
	}

	return newSnapshot(flagMap, segmentMap)
}

func newSnapshot(flags map[string]Flag, segments map[string]Segment) *Snapshot {
	s := &Snapshot{
		flags:    flags,
		segments: segments,
		keys:     slices.Sorted(maps.Keys(flags)),
	}
	s.mutexGroups = buildMutexGroups(flags)
	return s
}

func buildMutexGroups(flags map[string]Flag) map[string][]string {
	adjacency := make(map[string][]string)
	for _, flag := range flags {
		for _, other := range flag.Mutex {
			if other == flag.Key {
				continue
			}
			adjacency[flag.Key] = append(adjacency[flag.Key], other)
			adjacency[other] = append(adjacency[other], flag.Key)
		}
	}

	groups := make(map[string][]string, len(adjacency))
	for start := range adjacency {
		if _, done := groups[start]; done {
			continue
		}

		seen := map[string]bool{start: true}
		queue := []string{start}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			for _, next := range adjacency[current] {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}

		members := slices.Sorted(maps.Keys(seen))
		for _, member := range members {
			groups[member] = members
		}
	}

	return groups
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.flags)
}

// Keys returns the flag keys in lexical order.
func (s *Snapshot) Keys() []string {
	if s == nil {
		return nil
	}
	return slices.Clone(s.keys)
}

func (s *Snapshot) Flag(key string) (Flag, bool) {
	flag, ok := s.flag(key)
	if !ok {
		return Flag{}, false
	}
	return flag.clone(), true
}

// HasFlag reports whether key is defined without copying the flag.
func (s *Snapshot) HasFlag(key string) bool {
	_, ok := s.flag(key)
	return ok
}

func (s *Snapshot) Segment(name string) (Segment, bool) {
	segment, ok := s.segment(name)
	if !ok {
		return Segment{}, false
	}
	return segment.clone(), true
}

// Flags returns copies of every flag ordered by key.
func (s *Snapshot) Flags() []Flag {
	if s == nil {
		return nil
	}
	out := make([]Flag, 0, len(s.keys))
	for _, key := range s.keys {
		out = append(out, s.flags[key].clone())
	}
	return out
}

// Segments returns copies of every segment ordered by name.
func (s *Snapshot) Segments() []Segment {
	if s == nil {
		return nil
	}
	out := make([]Segment, 0, len(s.segments))
	for _, name := range slices.Sorted(maps.Keys(s.segments)) {
		out = append(out, s.segments[name].clone())
	}
	return out
}

// MutexGroup returns the sorted members of the mutual-exclusion group key
// belongs to, or nil when key excludes no other flag.
func (s *Snapshot) MutexGroup(key string) []string {
	if s == nil {
		return nil
	}
	return slices.Clone(s.mutexGroups[key])
}

// WithFlag returns a new snapshot with flag added or replaced.
func (s *Snapshot) WithFlag(flag Flag) *Snapshot {
	flags, segments := s.maps()
	flags[flag.Key] = flag.clone()
	return newSnapshot(flags, segments)
}

func (s *Snapshot) WithoutFlag(key string) *Snapshot {
	flags, segments := s.maps()
	delete(flags, key)
	return newSnapshot(flags, segments)
}

// WithSegment returns a new snapshot with segment added or replaced.
func (s *Snapshot) WithSegment(segment Segment) *Snapshot {
	flags, segments := s.maps()
	segments[segment.Name] = segment.clone()
	return newSnapshot(flags, segments)
}

func (s *Snapshot) WithoutSegment(name string) *Snapshot {
	flags, segments := s.maps()
	delete(segments, name)
	return newSnapshot(flags, segments)
}

// maps returns shallow copies of the snapshot maps. Stored values are never
// mutated in place, so sharing them between snapshots is safe.
func (s *Snapshot) maps() (map[string]Flag, map[string]Segment) {
	flags := map[string]Flag{}
	segments := map[string]Segment{}
	if s != nil {
		maps.Copy(flags, s.flags)
		maps.Copy(segments, s.segments)
	}
	return flags, segments
}

func (s *Snapshot) flag(key string) (Flag, bool) {
	if s == nil {
		return Flag{}, false
	}
	flag, ok := s.flags[key]
	return flag, ok
}

func (s *Snapshot) segment(name string) (Segment, bool) {
	if s == nil {
		return Segment{}, false
	}
	segment, ok := s.segments[name]
	return segment, ok
}
