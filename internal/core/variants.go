package core

import (
	"fmt"
	"math"
)

// VariantRange is the half-open bucket interval [Start, End) assigned to a
// variant.
type VariantRange struct {
	Name  string
	Start int
	End   int
}

// VariantRanges lays the variants out over the bucket space in declaration
// order. Weights that do not sum to 100 are scaled proportionally; the last
// range always ends at BucketCount.
func VariantRanges(variants []Variant) ([]VariantRange, error) {
	total, err := variantTotal(variants)
	if err != nil {
		return nil, err
	}

	ranges := make([]VariantRange, len(variants))
	cumulative := 0.0
	start := 0
	for i, variant := range variants {
		cumulative += variant.Weight
		end := int(math.Round(cumulative / total * BucketCount))
		if i == len(variants)-1 {
			end = BucketCount
		}
		if end < start {
			end = start
		}
		ranges[i] = VariantRange{Name: variant.Name, Start: start, End: end}
		start = end
	}

	return ranges, nil
}

// SelectVariant returns the variant whose range contains bucket.
func SelectVariant(variants []Variant, bucket int) (Variant, error) {
	if bucket < 0 || bucket >= BucketCount {
		return Variant{}, fmt.Errorf("bucket %d out of range [0, %d)", bucket, BucketCount)
	}

	ranges, err := VariantRanges(variants)
	if err != nil {
		return Variant{}, err
	}

	for i, r := range ranges {
		if bucket >= r.Start && bucket < r.End {
			return variants[i], nil
		}
	}

	// Unreachable while the last range ends at BucketCount.
	return variants[len(variants)-1], nil
}

func variantTotal(variants []Variant) (float64, error) {
	if len(variants) == 0 {
		return 0, &ConfigurationError{Msg: "no variants"}
	}

	total := 0.0
	for _, variant := range variants {
		if math.IsNaN(variant.Weight) || math.IsInf(variant.Weight, 0) {
			return 0, &ConfigurationError{Msg: fmt.Sprintf("variant %q has a non-finite weight", variant.Name)}
		}
		if variant.Weight < 0 {
			return 0, &ConfigurationError{Msg: fmt.Sprintf("variant %q has a negative weight", variant.Name)}
		}
		total += variant.Weight
	}

	if total <= 0 {
		return 0, &ConfigurationError{Msg: "variant weights must sum to a positive total"}
	}

	return total, nil
}

func weightsNormalized(total float64) bool {
	return math.Abs(total-100) > 1e-9
}
