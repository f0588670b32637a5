package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/parcelsat/parcelsat/pkg/pipeline"
	"github.com/parcelsat/parcelsat/pkg/storage"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return store
}

func sampleRun(id string) *pipeline.ProcessingRun {
	return &pipeline.ProcessingRun{
		ID: id,
		Trigger: pipeline.TriggerEvent{
			RoutingKey: "tenant-1",
			SourceRef:  "uploads/orchard.kml",
			Project:    "North Farm",
			OccurredAt: time.Date(2026, time.March, 7, 10, 0, 0, 0, time.UTC),
		},
		Status:    pipeline.RunStatusRunning,
		StartedAt: time.Date(2026, time.March, 7, 10, 0, 1, 0, time.UTC),
	}
}

func TestSaveAndGetRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := sampleRun("run-1")
	run.BoundaryRef = &storage.ArtifactRef{Path: "boundaries/2026/03/north-farm/orchard.kml", SizeBytes: 512}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetRun returned nil for saved run")
	}
	if got.Trigger.RoutingKey != "tenant-1" || got.Trigger.Project != "North Farm" {
		t.Errorf("trigger round trip: %+v", got.Trigger)
	}
	if got.Status != pipeline.RunStatusRunning {
		t.Errorf("status %s", got.Status)
	}
	if got.BoundaryRef == nil || got.BoundaryRef.Path != run.BoundaryRef.Path {
		t.Errorf("boundary ref round trip: %+v", got.BoundaryRef)
	}
	if got.CompletedAt != nil {
		t.Error("incomplete run has completed_at")
	}
}

func TestGetMissingRunReturnsNil(t *testing.T) {
	store := newTestStore(t)
	got, err := store.GetRun(context.Background(), "absent")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing run, got %+v", got)
	}
}

func TestSaveRunUpsertsTerminalState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := sampleRun("run-1")
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("initial SaveRun failed: %v", err)
	}

	run.Status = pipeline.RunStatusPartialSuccess
	run.FeatureCount = 3
	run.SucceededCount = 2
	run.FailedCount = 1
	now := time.Now().UTC().Truncate(time.Second)
	run.CompletedAt = &now
	run.Error = nil
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("upsert SaveRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != pipeline.RunStatusPartialSuccess {
		t.Errorf("status %s", got.Status)
	}
	if got.SucceededCount != 2 || got.FailedCount != 1 {
		t.Errorf("counts: %d/%d", got.SucceededCount, got.FailedCount)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at lost on upsert")
	}
}

func TestOutcomeRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveRun(ctx, sampleRun("run-1")); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	outcomes := []pipeline.FeatureOutcome{
		{
			RunID: "run-1", FeatureName: "Block A", Ordinal: 0,
			Status: pipeline.FeatureStatusSucceeded, SceneID: "scene-1",
			ImageryRef:  &storage.ArtifactRef{Path: "imagery/clipped/a.tif", SizeBytes: 2048},
			CompletedAt: time.Now().UTC().Truncate(time.Second),
		},
		{
			RunID: "run-1", FeatureName: "Block B", Ordinal: 1,
			Status: pipeline.FeatureStatusFailed,
			Error: pipeline.NewPermanentError("scene withdrawn", nil).
				WithStage("order").WithCode(pipeline.CodeOrderFailed),
			CompletedAt: time.Now().UTC().Truncate(time.Second),
		},
	}
	for _, o := range outcomes {
		if err := store.SaveOutcome(ctx, o); err != nil {
			t.Fatalf("SaveOutcome failed: %v", err)
		}
	}

	got, err := store.ListOutcomes(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListOutcomes failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(got))
	}
	if got[0].FeatureName != "Block A" || got[1].FeatureName != "Block B" {
		t.Errorf("ordinal order broken: %s, %s", got[0].FeatureName, got[1].FeatureName)
	}
	if got[0].ImageryRef == nil || got[0].ImageryRef.SizeBytes != 2048 {
		t.Errorf("imagery ref round trip: %+v", got[0].ImageryRef)
	}
	if got[1].Error == nil || got[1].Error.Class != pipeline.ErrorClassPermanent || got[1].Error.Code != pipeline.CodeOrderFailed {
		t.Errorf("error round trip: %+v", got[1].Error)
	}

	// Re-saving the same ordinal replaces rather than duplicates.
	outcomes[1].Status = pipeline.FeatureStatusSucceeded
	outcomes[1].Error = nil
	if err := store.SaveOutcome(ctx, outcomes[1]); err != nil {
		t.Fatalf("upsert SaveOutcome failed: %v", err)
	}
	got, _ = store.ListOutcomes(ctx, "run-1")
	if len(got) != 2 {
		t.Errorf("upsert duplicated outcome: %d rows", len(got))
	}
	if got[1].Status != pipeline.FeatureStatusSucceeded {
		t.Errorf("upsert did not replace status: %s", got[1].Status)
	}
}

func TestPollStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveRun(ctx, sampleRun("run-1")); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	state := pipeline.PollState{
		RunID:    "run-1",
		OrderID:  "order-9",
		Phase:    pipeline.PollPhasePolling,
		Attempts: 2,
		Deadline: time.Now().Add(30 * time.Minute).UTC().Truncate(time.Second),
	}
	if err := store.SavePollState(ctx, state); err != nil {
		t.Fatalf("SavePollState failed: %v", err)
	}

	state.Phase = pipeline.PollPhaseReady
	state.Attempts = 3
	state.LastCheckedAt = time.Now().UTC().Truncate(time.Second)
	if err := store.SavePollState(ctx, state); err != nil {
		t.Fatalf("upsert SavePollState failed: %v", err)
	}

	got, err := store.GetPollState(ctx, "run-1", "order-9")
	if err != nil {
		t.Fatalf("GetPollState failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetPollState returned nil")
	}
	if got.Phase != pipeline.PollPhaseReady || got.Attempts != 3 {
		t.Errorf("cursor round trip: %+v", got)
	}

	missing, err := store.GetPollState(ctx, "run-1", "other")
	if err != nil || missing != nil {
		t.Errorf("missing cursor: %+v, %v", missing, err)
	}
}

func TestDeadLetterRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveRun(ctx, sampleRun("run-1")); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	letter := pipeline.DeadLetter{
		RunID:       "run-1",
		FeatureName: "Block B",
		Stage:       "order",
		Error:       pipeline.NewPermanentError("scene withdrawn", nil),
		Payload:     []byte(`{"feature":"Block B"}`),
		RecordedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := store.SaveDeadLetter(ctx, letter); err != nil {
		t.Fatalf("SaveDeadLetter failed: %v", err)
	}

	got, err := store.ListDeadLetters(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListDeadLetters failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(got))
	}
	if got[0].FeatureName != "Block B" || got[0].Stage != "order" {
		t.Errorf("dead letter round trip: %+v", got[0])
	}
	if string(got[0].Payload) != `{"feature":"Block B"}` {
		t.Errorf("payload %q", got[0].Payload)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := sampleRun("run-old")
	older.StartedAt = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	newer := sampleRun("run-new")
	newer.StartedAt = time.Date(2026, time.March, 7, 0, 0, 0, 0, time.UTC)

	for _, run := range []*pipeline.ProcessingRun{older, newer} {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-new" || runs[1].ID != "run-old" {
		t.Errorf("order: %s, %s", runs[0].ID, runs[1].ID)
	}
}
