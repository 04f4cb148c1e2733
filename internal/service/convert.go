package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matt-riley/rolloutz/internal/core"
	"github.com/matt-riley/rolloutz/internal/repository"
)

func metadataOf(description string, createdAt, updatedAt time.Time) Metadata {
	return Metadata{Description: description, CreatedAt: createdAt, UpdatedAt: updatedAt}
}

func flagFromRecord(record repository.Flag) (Flag, error) {
	variants, err := parseVariantsJSON(record.Variants)
	if err != nil {
		return Flag{}, err
	}
	targeting, err := parseTargetingJSON(record.Targeting)
	if err != nil {
		return Flag{}, err
	}

	return Flag{
		Flag: core.Flag{
			Key:           record.Key,
			Enabled:       record.Enabled,
			Percentage:    record.Percentage,
			Variants:      variants,
			Targeting:     targeting,
			Segments:      record.Segments,
			Prerequisites: record.Prerequisites,
			Mutex:         record.Mutex,
		},
		Metadata: metadataOf(record.Description, record.CreatedAt, record.UpdatedAt),
	}, nil
}

func recordFromFlag(flag Flag) (repository.Flag, error) {
	variants, err := json.Marshal(nonNil(flag.Variants))
	if err != nil {
		return repository.Flag{}, fmt.Errorf("%w: encode variants: %v", ErrInvalidFlag, err)
	}
	targeting, err := json.Marshal(flag.Targeting)
	if err != nil {
		return repository.Flag{}, fmt.Errorf("%w: encode targeting: %v", ErrInvalidFlag, err)
	}

	return repository.Flag{
		Key:           flag.Key,
		Description:   flag.Description,
		Enabled:       flag.Enabled,
		Percentage:    flag.Percentage,
		Variants:      variants,
		Targeting:     targeting,
		Segments:      flag.Segments,
		Prerequisites: flag.Prerequisites,
		Mutex:         flag.Mutex,
	}, nil
}

func segmentFromRecord(record repository.Segment) (Segment, error) {
	rules, err := parseRulesJSON(record.Rules)
	if err != nil {
		return Segment{}, err
	}

	return Segment{
		Segment: core.Segment{
			Name:      record.Name,
			Rules:     rules,
			MatchMode: core.MatchMode(record.MatchMode),
		},
		Metadata: metadataOf(record.Description, record.CreatedAt, record.UpdatedAt),
	}, nil
}

func recordFromSegment(segment Segment) (repository.Segment, error) {
	rules, err := json.Marshal(nonNil(segment.Rules))
	if err != nil {
		return repository.Segment{}, fmt.Errorf("%w: encode rules: %v", ErrInvalidSegment, err)
	}

	mode := segment.MatchMode
	if mode == "" {
		mode = core.MatchAll
	}

	return repository.Segment{
		Name:        segment.Name,
		Description: segment.Description,
		MatchMode:   string(mode),
		Rules:       rules,
	}, nil
}

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}

func parseRulesJSON(payload json.RawMessage) ([]core.Rule, error) {
	if isNullJSON(payload) {
		return nil, nil
	}

	var rules []core.Rule
	if err := json.Unmarshal(payload, &rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	return rules, nil
}

func parseVariantsJSON(payload json.RawMessage) ([]core.Variant, error) {
	if isNullJSON(payload) {
		return nil, nil
	}

	var variants []core.Variant
	if err := json.Unmarshal(payload, &variants); err != nil {
		return nil, fmt.Errorf("decode variants: %w", err)
	}

	return variants, nil
}

func parseTargetingJSON(payload json.RawMessage) (*core.Targeting, error) {
	if isNullJSON(payload) {
		return nil, nil
	}

	var targeting core.Targeting
	if err := json.Unmarshal(payload, &targeting); err != nil {
		return nil, fmt.Errorf("decode targeting: %w", err)
	}

	return &targeting, nil
}

func isNullJSON(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
