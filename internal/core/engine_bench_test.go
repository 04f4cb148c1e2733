package core

import (
	"fmt"
	"testing"
)

func BenchmarkBucket(b *testing.B) {
	for b.Loop() {
		Bucket("user-42", "checkout-experiment")
	}
}

func BenchmarkEvaluate_Percentage(b *testing.B) {
	snapshot := NewSnapshot([]Flag{{Key: "rollout-30", Enabled: true, Percentage: float64Ptr(30)}}, nil)
	ctx := EvaluationContext{SubjectID: "user-42"}

	b.ResetTimer()
	for b.Loop() {
		Evaluate("rollout-30", ctx, snapshot)
	}
}

func BenchmarkEvaluate_Variants(b *testing.B) {
	snapshot := NewSnapshot([]Flag{{
		Key:     "checkout-experiment",
		Enabled: true,
		Variants: []Variant{
			{Name: "control", Weight: 34},
			{Name: "single-page", Weight: 33},
			{Name: "wizard", Weight: 33},
		},
	}}, nil)
	ctx := EvaluationContext{SubjectID: "user-42"}

	b.ResetTimer()
	for b.Loop() {
		Evaluate("checkout-experiment", ctx, snapshot)
	}
}

func BenchmarkEvaluate_ManyRules(b *testing.B) {
	rules := make([]Rule, 15)
	for i := range rules {
		rules[i] = Rule{
			Attribute: fmt.Sprintf("attr-%d", i),
			Operator:  OperatorEquals,
			Value:     fmt.Sprintf("val-%d", i),
		}
	}
	snapshot := NewSnapshot([]Flag{{Key: "feature-many-rules", Enabled: true, Targeting: &Targeting{MatchMode: MatchAny, Rules: rules}}}, nil)

	b.Run("MatchFirst", func(b *testing.B) {
		ctx := EvaluationContext{Attributes: map[string]any{"attr-0": "val-0"}}
		b.ResetTimer()
		for b.Loop() {
			Evaluate("feature-many-rules", ctx, snapshot)
		}
	})

	b.Run("MatchLast", func(b *testing.B) {
		ctx := EvaluationContext{Attributes: map[string]any{"attr-14": "val-14"}}
		b.ResetTimer()
		for b.Loop() {
			Evaluate("feature-many-rules", ctx, snapshot)
		}
	})

	b.Run("NoMatch", func(b *testing.B) {
		ctx := EvaluationContext{Attributes: map[string]any{"country": "XX"}}
		b.ResetTimer()
		for b.Loop() {
			Evaluate("feature-many-rules", ctx, snapshot)
		}
	})
}

func BenchmarkEvaluateAll_Batch(b *testing.B) {
	flags := make([]Flag, 100)
	for i := range flags {
		flag := Flag{Key: fmt.Sprintf("flag-%03d", i), Enabled: i%10 != 0}
		if i%2 == 0 {
			flag.Targeting = &Targeting{Rules: []Rule{{Attribute: "plan", Operator: OperatorIn, Value: []string{"pro", "enterprise"}}}}
		}
		if i%3 == 0 && i > 0 {
			flag.Prerequisites = []string{fmt.Sprintf("flag-%03d", i-1)}
		}
		if i%7 == 0 && i+1 < len(flags) {
			flag.Mutex = []string{fmt.Sprintf("flag-%03d", i+1)}
		}
		flags[i] = flag
	}
	snapshot := NewSnapshot(flags, nil)
	ctx := EvaluationContext{SubjectID: "user-42", Attributes: map[string]any{"plan": "pro"}}

	b.ResetTimer()
	for b.Loop() {
		EvaluateAll(ctx, snapshot)
	}
}
