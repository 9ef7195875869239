package agent

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"bloodgrid/internal/domain"
)

func newTestPlanner(store Store, events Publisher) *Planner {
	return NewPlanner(nil, events, store, 2, 30, 50, 15, discardLogger())
}

func addPlannedTransport(t *testing.T, store Store, requestID, from, to string, units int) domain.TransportRequest {
	t.Helper()
	transport := domain.TransportRequest{
		ID:             uuid.NewString(),
		RequestID:      requestID,
		FromHospitalID: from,
		ToHospitalID:   to,
		BloodType:      domain.BloodONeg,
		Units:          units,
		Status:         domain.TransportStatusPlanned,
	}
	if err := store.CreateTransportRequest(context.Background(), transport); err != nil {
		t.Fatalf("create transport: %v", err)
	}
	return transport
}

func TestPlanTransportCourierForShortNonCriticalRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	addHospital(t, store, "h1", 52.52, 13.405)
	addHospital(t, store, "h2", 52.74, 13.405) // ~24 km

	alert := addAlertWithWorkflow(t, store, domain.Alert{
		HospitalID:  "h1",
		BloodType:   domain.BloodONeg,
		Urgency:     domain.UrgencyHigh,
		UnitsNeeded: 2,
		Status:      domain.AlertStatusActive,
	}, domain.PhaseTransportPlanning)
	transport := addPlannedTransport(t, store, alert.ID, "h2", "h1", 2)

	p := newTestPlanner(store, &storePublisher{store: store})
	plan, err := p.PlanTransport(ctx, transport.ID, "ev1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Method != domain.TransportCourier {
		t.Fatalf("expected courier for a short high-urgency run, got %s", plan.Method)
	}
	// ~24 km at 40 km/h plus 15 min handling.
	if plan.ETAMinutes < 45 || plan.ETAMinutes > 60 {
		t.Fatalf("implausible ETA %d min for %.1f km", plan.ETAMinutes, plan.DistanceKm)
	}

	got, err := store.GetTransportRequest(ctx, transport.ID)
	if err != nil {
		t.Fatalf("get transport: %v", err)
	}
	if got.Method != domain.TransportCourier || got.ETAMinutes != plan.ETAMinutes {
		t.Fatalf("plan not persisted: %+v", got)
	}
	if _, found := findEvent(t, store, alert.ID, domain.EventTransportPlanned); !found {
		t.Fatalf("expected transport_planned event for the coordinator")
	}
}

func TestPlanTransportMedicalForCriticalUrgency(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	addHospital(t, store, "h1", 52.52, 13.405)
	addHospital(t, store, "h2", 52.74, 13.405)

	alert := addAlertWithWorkflow(t, store, domain.Alert{
		HospitalID:  "h1",
		BloodType:   domain.BloodONeg,
		Urgency:     domain.UrgencyCritical,
		UnitsNeeded: 2,
		Status:      domain.AlertStatusActive,
	}, domain.PhaseTransportPlanning)
	transport := addPlannedTransport(t, store, alert.ID, "h2", "h1", 2)

	p := newTestPlanner(store, &storePublisher{store: store})
	plan, err := p.PlanTransport(ctx, transport.ID, "ev1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Method != domain.TransportMedical {
		t.Fatalf("critical urgency must use medical transport, got %s", plan.Method)
	}
}

func TestPlanTransportMedicalForLongDistance(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	addHospital(t, store, "h1", 52.52, 13.405)
	addHospital(t, store, "h3", 51.71, 13.405) // ~90 km

	alert := addAlertWithWorkflow(t, store, domain.Alert{
		HospitalID:  "h1",
		BloodType:   domain.BloodONeg,
		Urgency:     domain.UrgencyMedium,
		UnitsNeeded: 2,
		Status:      domain.AlertStatusActive,
	}, domain.PhaseTransportPlanning)
	transport := addPlannedTransport(t, store, alert.ID, "h3", "h1", 2)

	p := newTestPlanner(store, &storePublisher{store: store})
	plan, err := p.PlanTransport(ctx, transport.ID, "ev1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Method != domain.TransportMedical {
		t.Fatalf("runs past the courier cutoff must use medical transport, got %s", plan.Method)
	}
}

func TestPlanTransportRejectsNonPlanned(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	addHospital(t, store, "h1", 52.52, 13.405)
	addHospital(t, store, "h2", 52.74, 13.405)

	alert := addAlertWithWorkflow(t, store, domain.Alert{
		HospitalID:  "h1",
		BloodType:   domain.BloodONeg,
		Urgency:     domain.UrgencyHigh,
		UnitsNeeded: 2,
		Status:      domain.AlertStatusActive,
	}, domain.PhaseTransportPlanning)
	transport := addPlannedTransport(t, store, alert.ID, "h2", "h1", 2)
	if _, err := store.UpdateTransportStatusIf(ctx, transport.ID, domain.TransportStatusPlanned, domain.TransportStatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	p := newTestPlanner(store, &storePublisher{store: store})
	if _, err := p.PlanTransport(ctx, transport.ID, "ev1"); !domain.IsConflict(err) {
		t.Fatalf("expected conflict for cancelled transport, got %v", err)
	}
}

func TestCalculateDonorETAModes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	addHospital(t, store, "h1", 52.52, 13.405)
	// ~1 km away: walk, drive, and transit all apply.
	addDonor(t, store, domain.Donor{ID: "d-near", BloodGroup: domain.BloodONeg, Latitude: 52.529, Longitude: 13.405})
	// ~24 km away: walking is out.
	addDonor(t, store, domain.Donor{ID: "d-mid", BloodGroup: domain.BloodONeg, Latitude: 52.74, Longitude: 13.405})

	p := newTestPlanner(store, &storePublisher{store: store})

	near, err := p.CalculateDonorETA(ctx, "d-near", "h1", "")
	if err != nil {
		t.Fatalf("near eta: %v", err)
	}
	if len(near) != 3 {
		t.Fatalf("expected walk, drive, and transit for a close donor, got %d options", len(near))
	}
	recommended := 0
	var best domain.ETAOption
	for _, opt := range near {
		if opt.Recommended {
			recommended++
			best = opt
		}
	}
	if recommended != 1 {
		t.Fatalf("expected exactly one recommended option, got %d", recommended)
	}
	for _, opt := range near {
		if opt.ETAMinutes < best.ETAMinutes {
			t.Fatalf("recommended option is not the fastest: %+v vs %+v", best, opt)
		}
	}

	mid, err := p.CalculateDonorETA(ctx, "d-mid", "h1", "")
	if err != nil {
		t.Fatalf("mid eta: %v", err)
	}
	for _, opt := range mid {
		if opt.Mode == domain.TravelWalk {
			t.Fatalf("walking should not be offered at %.1f km", opt.DistanceKm)
		}
	}
	if len(mid) != 2 {
		t.Fatalf("expected drive and transit options, got %d", len(mid))
	}
}

func TestUpdateTransportStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	addHospital(t, store, "h1", 52.52, 13.405)
	addHospital(t, store, "h2", 52.74, 13.405)
	addLevel(t, store, "h2", domain.BloodONeg, 8, 3)
	if ok, err := store.ReserveInventory(ctx, "h2", domain.BloodONeg, 2); err != nil || !ok {
		t.Fatalf("reserve: ok=%t err=%v", ok, err)
	}

	alert := addAlertWithWorkflow(t, store, domain.Alert{
		HospitalID:  "h1",
		BloodType:   domain.BloodONeg,
		Urgency:     domain.UrgencyHigh,
		UnitsNeeded: 2,
		Status:      domain.AlertStatusActive,
	}, domain.PhaseTransportPlanning)
	transport := addPlannedTransport(t, store, alert.ID, "h2", "h1", 2)

	p := newTestPlanner(store, &storePublisher{store: store})

	// Skipping straight to delivered is rejected.
	if _, err := p.UpdateTransportStatus(ctx, transport.ID, domain.TransportStatusDelivered); !domain.IsConflict(err) {
		t.Fatalf("expected conflict for PLANNED -> DELIVERED, got %v", err)
	}

	got, err := p.UpdateTransportStatus(ctx, transport.ID, domain.TransportStatusInTransit)
	if err != nil {
		t.Fatalf("in transit: %v", err)
	}
	if got.Status != domain.TransportStatusInTransit || got.PickupTime == nil {
		t.Fatalf("unexpected state after pickup: %+v", got)
	}

	got, err = p.UpdateTransportStatus(ctx, transport.ID, domain.TransportStatusDelivered)
	if err != nil {
		t.Fatalf("delivered: %v", err)
	}
	if got.Status != domain.TransportStatusDelivered || got.DeliveryTime == nil {
		t.Fatalf("unexpected state after delivery: %+v", got)
	}

	// Delivery settles stock on both sides.
	src, err := store.GetInventoryLevel(ctx, "h2", domain.BloodONeg)
	if err != nil {
		t.Fatalf("source level: %v", err)
	}
	if src.UnitsAvailable != 6 || src.UnitsReserved != 0 {
		t.Fatalf("source not settled: avail=%d reserved=%d", src.UnitsAvailable, src.UnitsReserved)
	}
	dst, err := store.GetInventoryLevel(ctx, "h1", domain.BloodONeg)
	if err != nil {
		t.Fatalf("destination level: %v", err)
	}
	if dst.UnitsAvailable != 2 {
		t.Fatalf("destination not credited: avail=%d", dst.UnitsAvailable)
	}

	// Terminal transports stay put.
	if _, err := p.UpdateTransportStatus(ctx, transport.ID, domain.TransportStatusInTransit); !domain.IsConflict(err) {
		t.Fatalf("expected conflict moving backward from DELIVERED, got %v", err)
	}
}
