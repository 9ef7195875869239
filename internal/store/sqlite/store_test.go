package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"bloodgrid/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}

func seedHospital(t *testing.T, store *Store, id string) {
	t.Helper()
	if err := store.CreateHospital(context.Background(), domain.Hospital{
		ID:        id,
		Name:      "Hospital " + id,
		Latitude:  52.52,
		Longitude: 13.40,
	}); err != nil {
		t.Fatalf("create hospital: %v", err)
	}
}

func seedAlert(t *testing.T, store *Store, hospitalID string) domain.Alert {
	t.Helper()
	alert := domain.Alert{
		ID:             uuid.NewString(),
		HospitalID:     hospitalID,
		BloodType:      domain.BloodONeg,
		Urgency:        domain.UrgencyCritical,
		UnitsNeeded:    2,
		SearchRadiusKm: 25,
		Status:         domain.AlertStatusActive,
	}
	if err := store.CreateAlert(context.Background(), alert); err != nil {
		t.Fatalf("create alert: %v", err)
	}
	return alert
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedHospital(t, store, "h1")
	if err := store.UpsertInventoryLevel(ctx, domain.InventoryLevel{
		HospitalID:     "h1",
		BloodType:      domain.BloodONeg,
		UnitsAvailable: 10,
		ThresholdUnits: 3,
	}); err != nil {
		t.Fatalf("upsert inventory: %v", err)
	}

	ok, err := store.ReserveInventory(ctx, "h1", domain.BloodONeg, 4)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !ok {
		t.Fatalf("expected reservation to succeed")
	}
	level, err := store.GetInventoryLevel(ctx, "h1", domain.BloodONeg)
	if err != nil {
		t.Fatalf("get level: %v", err)
	}
	if level.UnitsAvailable != 6 || level.UnitsReserved != 4 {
		t.Fatalf("unexpected level after reserve: avail=%d reserved=%d", level.UnitsAvailable, level.UnitsReserved)
	}

	// Reserving more than available must find zero rows.
	ok, err = store.ReserveInventory(ctx, "h1", domain.BloodONeg, 7)
	if err != nil {
		t.Fatalf("oversized reserve: %v", err)
	}
	if ok {
		t.Fatalf("expected oversized reservation to be rejected")
	}

	ok, err = store.ReleaseInventory(ctx, "h1", domain.BloodONeg, 4)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !ok {
		t.Fatalf("expected release to succeed")
	}
	level, err = store.GetInventoryLevel(ctx, "h1", domain.BloodONeg)
	if err != nil {
		t.Fatalf("get level: %v", err)
	}
	if level.UnitsAvailable != 10 || level.UnitsReserved != 0 {
		t.Fatalf("round trip did not restore stock: avail=%d reserved=%d", level.UnitsAvailable, level.UnitsReserved)
	}

	// Double release is a no-op, not stock inflation.
	ok, err = store.ReleaseInventory(ctx, "h1", domain.BloodONeg, 4)
	if err != nil {
		t.Fatalf("double release: %v", err)
	}
	if ok {
		t.Fatalf("expected double release to find zero rows")
	}
}

func TestDonorResponseUniquePerAlert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedHospital(t, store, "h1")
	alert := seedAlert(t, store, "h1")

	created, err := store.CreateDonorResponse(ctx, domain.DonorResponse{
		ID:      uuid.NewString(),
		AlertID: alert.ID,
		DonorID: "d1",
		Status:  domain.ResponseStatusNotified,
	})
	if err != nil {
		t.Fatalf("create response: %v", err)
	}
	if !created {
		t.Fatalf("expected first response row to be created")
	}

	created, err = store.CreateDonorResponse(ctx, domain.DonorResponse{
		ID:      uuid.NewString(),
		AlertID: alert.ID,
		DonorID: "d1",
		Status:  domain.ResponseStatusNotified,
	})
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if created {
		t.Fatalf("expected duplicate (alert, donor) row to be ignored")
	}
}

func TestResponseStatusTransitionIsConditional(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedHospital(t, store, "h1")
	alert := seedAlert(t, store, "h1")
	if _, err := store.CreateDonorResponse(ctx, domain.DonorResponse{
		ID:      uuid.NewString(),
		AlertID: alert.ID,
		DonorID: "d1",
		Status:  domain.ResponseStatusNotified,
	}); err != nil {
		t.Fatalf("create response: %v", err)
	}

	ok, err := store.UpdateResponseStatusIf(ctx, alert.ID, "d1", domain.ResponseStatusNotified, domain.ResponseStatusAccepted, 12, 90)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !ok {
		t.Fatalf("expected accept to win")
	}

	// A second answer races against the first and loses.
	ok, err = store.UpdateResponseStatusIf(ctx, alert.ID, "d1", domain.ResponseStatusNotified, domain.ResponseStatusDeclined, 0, 100)
	if err != nil {
		t.Fatalf("second answer: %v", err)
	}
	if ok {
		t.Fatalf("expected second answer to find zero rows")
	}

	r, err := store.GetDonorResponse(ctx, alert.ID, "d1")
	if err != nil {
		t.Fatalf("get response: %v", err)
	}
	if r.Status != domain.ResponseStatusAccepted || r.ETAMinutes != 12 {
		t.Fatalf("unexpected response state: %+v", r)
	}
}

func TestMarkResponseSelectedOnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedHospital(t, store, "h1")
	alert := seedAlert(t, store, "h1")
	for _, donor := range []string{"d1", "d2"} {
		if _, err := store.CreateDonorResponse(ctx, domain.DonorResponse{
			ID:      uuid.NewString(),
			AlertID: alert.ID,
			DonorID: donor,
			Status:  domain.ResponseStatusNotified,
		}); err != nil {
			t.Fatalf("create response: %v", err)
		}
		if _, err := store.UpdateResponseStatusIf(ctx, alert.ID, donor, domain.ResponseStatusNotified, domain.ResponseStatusAccepted, 10, 60); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}

	ok, err := store.MarkResponseSelectedIf(ctx, alert.ID, "d1")
	if err != nil {
		t.Fatalf("select d1: %v", err)
	}
	if !ok {
		t.Fatalf("expected first selection to win")
	}
	ok, err = store.MarkResponseSelectedIf(ctx, alert.ID, "d2")
	if err != nil {
		t.Fatalf("select d2: %v", err)
	}
	if ok {
		t.Fatalf("expected second selection to be rejected")
	}
}

func TestAdvanceWorkflowConditionalWithMetadataMerge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedHospital(t, store, "h1")
	alert := seedAlert(t, store, "h1")
	if err := store.CreateWorkflowState(ctx, domain.WorkflowState{
		RequestID:   alert.ID,
		Status:      domain.PhaseAwaitingResponse,
		CurrentStep: "awaiting_donor_responses",
		Metadata:    map[string]string{"donors_notified": "3"},
	}); err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	ok, err := store.AdvanceWorkflow(ctx, alert.ID, domain.PhaseAwaitingResponse, domain.PhaseInventorySearch, "no_response_timeout", nil, map[string]string{"timeout_at": "x"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !ok {
		t.Fatalf("expected advance to win")
	}

	// Same transition again loses the precondition.
	ok, err = store.AdvanceWorkflow(ctx, alert.ID, domain.PhaseAwaitingResponse, domain.PhaseInventorySearch, "no_response_timeout", nil, nil)
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if ok {
		t.Fatalf("expected second advance to be a no-op")
	}

	w, err := store.GetWorkflowState(ctx, alert.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if w.Status != domain.PhaseInventorySearch {
		t.Fatalf("unexpected phase %s", w.Status)
	}
	if w.Metadata["donors_notified"] != "3" || w.Metadata["timeout_at"] != "x" {
		t.Fatalf("metadata merge lost keys: %v", w.Metadata)
	}

	// Backward moves and moves out of a terminal phase are rejected before
	// the row is even looked at.
	if _, err := store.AdvanceWorkflow(ctx, alert.ID, domain.PhaseInventorySearch, domain.PhaseMatching, "backward", nil, nil); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for backward move, got %v", err)
	}
	if _, err := store.AdvanceWorkflow(ctx, alert.ID, domain.PhaseFulfilled, domain.PhaseExpired, "late_expiry", nil, nil); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for terminal move, got %v", err)
	}
}

func TestAppendEventDedupe(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	ev := domain.AgentEvent{
		ID:        uuid.NewString(),
		Type:      domain.EventShortageDetected,
		AgentType: domain.AgentDonor,
		RequestID: "a1",
	}
	created, err := store.AppendEvent(ctx, ev, "shortage-a1")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !created {
		t.Fatalf("expected first append to create")
	}
	ev.ID = uuid.NewString()
	created, err = store.AppendEvent(ctx, ev, "shortage-a1")
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if created {
		t.Fatalf("expected deduped append to be a no-op")
	}

	events, err := store.ListEventsByRequest(ctx, "a1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
}

func TestEventDispatchLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	ev := domain.AgentEvent{
		ID:        uuid.NewString(),
		Type:      domain.EventInventorySearch,
		AgentType: domain.AgentInventory,
		RequestID: "a1",
	}
	if _, err := store.AppendEvent(ctx, ev, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	now := time.Now().UTC()
	dispatchable, err := store.ListDispatchableEvents(ctx, now, 10)
	if err != nil {
		t.Fatalf("list dispatchable: %v", err)
	}
	if len(dispatchable) != 1 {
		t.Fatalf("expected one dispatchable event, got %d", len(dispatchable))
	}

	claimed, err := store.ClaimEventForDispatch(ctx, ev.ID, now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed {
		t.Fatalf("expected first claim to win")
	}
	claimed, err = store.ClaimEventForDispatch(ctx, ev.ID, now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatalf("expected second claim to lose")
	}

	if _, err := store.MarkEventDelivered(ctx, ev.ID); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	// The processed bit flips exactly once.
	first, err := store.MarkEventProcessed(ctx, ev.ID)
	if err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	second, err := store.MarkEventProcessed(ctx, ev.ID)
	if err != nil {
		t.Fatalf("mark processed again: %v", err)
	}
	if !first || second {
		t.Fatalf("processed flag not exactly-once: first=%t second=%t", first, second)
	}
}

func TestEventRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	ev := domain.AgentEvent{
		ID:        uuid.NewString(),
		Type:      domain.EventInventorySearch,
		AgentType: domain.AgentInventory,
	}
	if _, err := store.AppendEvent(ctx, ev, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	now := time.Now().UTC()
	for attempt := 0; attempt < 3; attempt++ {
		claimed, err := store.ClaimEventForDispatch(ctx, ev.ID, now.Add(time.Second))
		if err != nil || !claimed {
			t.Fatalf("claim attempt %d: claimed=%t err=%v", attempt, claimed, err)
		}
		if _, err := store.MarkEventForRetry(ctx, ev.ID, now, "queue full", 3); err != nil {
			t.Fatalf("retry attempt %d: %v", attempt, err)
		}
	}

	got, err := store.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if got.Status != domain.EventStatusFailed {
		t.Fatalf("expected failed after exhausting retries, got %s", got.Status)
	}
	if got.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", got.Attempts)
	}
}

func TestDonorVerificationConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if err := store.CreateDonor(ctx, domain.Donor{
		ID:                 "d1",
		Name:               "Donor One",
		BloodGroup:         domain.BloodAPos,
		VerificationStatus: domain.VerificationApproved,
		StrikeCount:        2,
	}); err != nil {
		t.Fatalf("create donor: %v", err)
	}

	until := time.Now().UTC().Add(7 * 24 * time.Hour)
	ok, err := store.UpdateDonorVerificationIf(ctx, "d1", 2, domain.VerificationSuspended, 3, &until)
	if err != nil {
		t.Fatalf("update verification: %v", err)
	}
	if !ok {
		t.Fatalf("expected conditional update to win")
	}

	// Stale expectation loses.
	ok, err = store.UpdateDonorVerificationIf(ctx, "d1", 2, domain.VerificationApproved, 0, nil)
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if ok {
		t.Fatalf("expected stale strike expectation to be rejected")
	}

	d, err := store.GetDonor(ctx, "d1")
	if err != nil {
		t.Fatalf("get donor: %v", err)
	}
	if d.VerificationStatus != domain.VerificationSuspended || d.StrikeCount != 3 || d.SuspendedUntil == nil {
		t.Fatalf("unexpected donor state: %+v", d)
	}
}

func TestClosedStoreSurfacesStorageErrors(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := store.GetHospital(ctx, "h1"); !domain.IsStorage(err) {
		t.Fatalf("expected storage error from closed store, got %v", err)
	}
	if err := store.CreateHospital(ctx, domain.Hospital{ID: "h1", Name: "x"}); !domain.IsStorage(err) {
		t.Fatalf("expected storage error from closed store, got %v", err)
	}
}
