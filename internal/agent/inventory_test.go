package agent

import (
	"context"
	"testing"
	"time"

	"bloodgrid/internal/domain"
)

func newTestScout(store Store, events Publisher) *InventoryScout {
	return NewInventoryScout(nil, events, store, []float64{25, 50, 100, 200}, 2*time.Hour, discardLogger())
}

func TestProcessInventorySearchReservesNearestStock(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	addHospital(t, store, "h1", 52.52, 13.405)
	// ~25 km north and ~90 km south; both stocked.
	addHospital(t, store, "h2", 52.74, 13.405)
	addHospital(t, store, "h3", 51.71, 13.405)
	addLevel(t, store, "h2", domain.BloodONeg, 8, 3)
	addLevel(t, store, "h3", domain.BloodONeg, 8, 3)

	alert := addAlertWithWorkflow(t, store, domain.Alert{
		HospitalID:  "h1",
		BloodType:   domain.BloodONeg,
		Urgency:     domain.UrgencyCritical,
		UnitsNeeded: 2,
		Status:      domain.AlertStatusActive,
	}, domain.PhaseInventorySearch)

	s := newTestScout(store, &storePublisher{store: store})
	result, err := s.ProcessInventorySearch(ctx, alert.ID, "ev1")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !result.Reserved || result.SourceHospital != "h2" || result.UnitsFound != 2 {
		t.Fatalf("expected reservation at the nearest hospital, got %+v", result)
	}

	level, err := store.GetInventoryLevel(ctx, "h2", domain.BloodONeg)
	if err != nil {
		t.Fatalf("get level: %v", err)
	}
	if level.UnitsAvailable != 6 || level.UnitsReserved != 2 {
		t.Fatalf("source stock not held: avail=%d reserved=%d", level.UnitsAvailable, level.UnitsReserved)
	}

	transport, err := store.GetTransportRequest(ctx, result.TransportID)
	if err != nil {
		t.Fatalf("get transport: %v", err)
	}
	if transport.Status != domain.TransportStatusPlanned || transport.FromHospitalID != "h2" || transport.ToHospitalID != "h1" {
		t.Fatalf("unexpected transport: %+v", transport)
	}
	if transport.ReserveExpiresAt == nil {
		t.Fatalf("expected a reservation expiry on the transport")
	}

	w, err := store.GetWorkflowState(ctx, alert.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if w.Status != domain.PhaseTransportPlanning {
		t.Fatalf("expected transport_planning phase, got %s", w.Status)
	}
	if w.Metadata[domain.MetaInventorySource] != "h2" || w.Metadata[domain.MetaTransportID] != transport.ID {
		t.Fatalf("expected reservation metadata, got %v", w.Metadata)
	}

	if _, found := findEvent(t, store, alert.ID, domain.EventInventoryReserved); !found {
		t.Fatalf("expected inventory_reserved event for the logistics agent")
	}
}

func TestProcessInventorySearchExpandsRadius(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	addHospital(t, store, "h1", 52.52, 13.405)
	// Only stock is ~90 km away, past the first two radius steps.
	addHospital(t, store, "h3", 51.71, 13.405)
	addLevel(t, store, "h3", domain.BloodABNeg, 5, 2)

	alert := addAlertWithWorkflow(t, store, domain.Alert{
		HospitalID:  "h1",
		BloodType:   domain.BloodABNeg,
		Urgency:     domain.UrgencyHigh,
		UnitsNeeded: 3,
		Status:      domain.AlertStatusActive,
	}, domain.PhaseInventorySearch)

	s := newTestScout(store, &storePublisher{store: store})
	result, err := s.ProcessInventorySearch(ctx, alert.ID, "ev1")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !result.Reserved || result.SourceHospital != "h3" {
		t.Fatalf("expected the wider radius step to find h3, got %+v", result)
	}
	if result.RadiusKm < 50 {
		t.Fatalf("expected distance beyond the first steps, got %.1f km", result.RadiusKm)
	}
}

func TestProcessInventorySearchNoStock(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	addHospital(t, store, "h1", 52.52, 13.405)
	addHospital(t, store, "h2", 52.74, 13.405)
	// h2 has stock of the wrong type, and h1's own stock never counts.
	addLevel(t, store, "h1", domain.BloodONeg, 9, 2)
	addLevel(t, store, "h2", domain.BloodAPos, 9, 2)

	alert := addAlertWithWorkflow(t, store, domain.Alert{
		HospitalID:  "h1",
		BloodType:   domain.BloodONeg,
		Urgency:     domain.UrgencyHigh,
		UnitsNeeded: 2,
		Status:      domain.AlertStatusActive,
	}, domain.PhaseInventorySearch)

	s := newTestScout(store, &storePublisher{store: store})
	result, err := s.ProcessInventorySearch(ctx, alert.ID, "ev1")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.Reserved || result.UnitsFound != 0 {
		t.Fatalf("expected an empty search, got %+v", result)
	}
}

func TestReleaseReservedUnitsRestoresStock(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	addHospital(t, store, "h1", 52.52, 13.405)
	addHospital(t, store, "h2", 52.74, 13.405)
	addLevel(t, store, "h2", domain.BloodONeg, 8, 3)

	alert := addAlertWithWorkflow(t, store, domain.Alert{
		HospitalID:  "h1",
		BloodType:   domain.BloodONeg,
		Urgency:     domain.UrgencyCritical,
		UnitsNeeded: 2,
		Status:      domain.AlertStatusActive,
	}, domain.PhaseInventorySearch)

	s := newTestScout(store, &storePublisher{store: store})
	result, err := s.ProcessInventorySearch(ctx, alert.ID, "ev1")
	if err != nil || !result.Reserved {
		t.Fatalf("search: reserved=%t err=%v", result.Reserved, err)
	}

	if err := s.ReleaseReservedUnits(ctx, alert.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	level, err := store.GetInventoryLevel(ctx, "h2", domain.BloodONeg)
	if err != nil {
		t.Fatalf("get level: %v", err)
	}
	if level.UnitsAvailable != 8 || level.UnitsReserved != 0 {
		t.Fatalf("release did not restore stock: avail=%d reserved=%d", level.UnitsAvailable, level.UnitsReserved)
	}
	transport, err := store.GetTransportRequest(ctx, result.TransportID)
	if err != nil {
		t.Fatalf("get transport: %v", err)
	}
	if transport.Status != domain.TransportStatusCancelled {
		t.Fatalf("expected cancelled transport, got %s", transport.Status)
	}

	// Releasing again is a no-op.
	if err := s.ReleaseReservedUnits(ctx, alert.ID); err != nil {
		t.Fatalf("second release: %v", err)
	}
	level, err = store.GetInventoryLevel(ctx, "h2", domain.BloodONeg)
	if err != nil {
		t.Fatalf("get level: %v", err)
	}
	if level.UnitsAvailable != 8 || level.UnitsReserved != 0 {
		t.Fatalf("double release inflated stock: avail=%d reserved=%d", level.UnitsAvailable, level.UnitsReserved)
	}
}
