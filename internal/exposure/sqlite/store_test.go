package sqlite_test

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/matt-riley/rolloutz/internal/core"
	"github.com/matt-riley/rolloutz/internal/exposure"
	"github.com/matt-riley/rolloutz/internal/exposure/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "exposures.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreInsertAndList(t *testing.T) {
	store := openStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exposures := []exposure.Exposure{
		{ID: "1", FlagKey: "checkout-experiment", Variant: "wizard", SubjectID: "user-42", Enabled: true, Reason: core.ReasonVariantAssigned, Timestamp: base},
		{ID: "2", FlagKey: "beta-features", SubjectID: "user-42", Enabled: false, Reason: core.ReasonBucketedOut, Timestamp: base.Add(time.Second)},
		{ID: "3", FlagKey: "checkout-experiment", Variant: "control", SubjectID: "user-7", Enabled: true, Reason: core.ReasonVariantAssigned, Timestamp: base.Add(2 * time.Second)},
	}

	ctx := context.Background()
	if err := store.InsertExposures(ctx, exposures); err != nil {
		t.Fatalf("InsertExposures() error = %v", err)
	}
	// Re-inserting the same ids is a no-op.
	if err := store.InsertExposures(ctx, exposures[:1]); err != nil {
		t.Fatalf("InsertExposures(duplicate) error = %v", err)
	}

	all, err := store.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != "3" {
		t.Fatalf("List() = %+v, want 3 exposures newest first", all)
	}

	checkout, err := store.List(ctx, "checkout-experiment", 10)
	if err != nil {
		t.Fatalf("List(checkout-experiment) error = %v", err)
	}
	want := []exposure.Exposure{exposures[2], exposures[0]}
	if !reflect.DeepEqual(checkout, want) {
		t.Fatalf("List(checkout-experiment) = %+v, want %+v", checkout, want)
	}
}

func TestStoreAsBatchSinkWriter(t *testing.T) {
	store := openStore(t)

	tracker := exposure.NewTracker()
	tracker.OnExposure(exposure.NewBatchSink(store, 10, 0, nil))

	ctx := context.Background()
	result := core.Result{FlagKey: "beta-features", Enabled: true, Reason: core.ReasonBucketedIn}
	for _, subject := range []string{"user-1", "user-1", "user-2"} {
		if err := tracker.Record(ctx, "beta-features", result, core.EvaluationContext{SubjectID: subject}); err != nil {
			t.Fatalf("Record(%s) error = %v", subject, err)
		}
	}
	if err := tracker.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	stored, err := store.List(ctx, "beta-features", 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("List() returned %d exposures, want 2", len(stored))
	}
}
