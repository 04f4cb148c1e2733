package core

import (
	"hash/fnv"
	"math"
)

// BucketCount is the size of the bucket space. Percentages are expressed in
// hundredths of a percent against it.
const BucketCount = 10000

// Bucket maps a subject onto [0, BucketCount) for a flag. The hash is 32-bit
// FNV-1a over "subjectID:flagKey", so assignments are stable across
// processes and implementations.
func Bucket(subjectID, flagKey string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subjectID))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(flagKey))
	return int(h.Sum32() % BucketCount)
}

func percentageThreshold(percentage float64) int {
	switch {
	case math.IsNaN(percentage), percentage <= 0:
		return 0
	case percentage >= 100:
		return BucketCount
	default:
		return int(percentage*100 + 0.5)
	}
}
