package coordinator

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"bloodgrid/internal/agent"
	"bloodgrid/internal/domain"
	"bloodgrid/internal/messaging/inproc"
	"bloodgrid/internal/store/sqlite"
)

type recordingSender struct {
	notified chan string
}

func (s *recordingSender) Notify(_ context.Context, donor domain.Donor, _ domain.Alert) error {
	select {
	case s.notified <- donor.ID:
	default:
	}
	return nil
}

type mesh struct {
	store    *sqlite.Store
	svc      *Service
	hospital *agent.Hospital
	planner  *agent.Planner
	sender   *recordingSender
}

// startMesh wires the real store, bus, coordinator, and all event-driven
// agents the way the daemon does.
func startMesh(t *testing.T, responseTimeout time.Duration) *mesh {
	t.Helper()
	store := newTestStore(t)
	bus := inproc.New(64)
	logger := log.New(io.Discard, "", 0)

	svc := New(store, bus, Config{
		DispatchInterval: 10 * time.Millisecond,
		WatchdogInterval: 100 * time.Millisecond,
		SweepInterval:    20 * time.Millisecond,
		RetryDelay:       10 * time.Millisecond,
		MaxRetries:       5,
		DispatchLease:    2 * time.Second,
		ResponseTimeout:  responseTimeout,
	}, logger)

	sender := &recordingSender{notified: make(chan string, 32)}
	hospital := agent.NewHospital(bus, svc, store, logger)
	matcher := agent.NewDonorMatcher(bus, svc, store, sender, 10, 56, responseTimeout, logger)
	scout := agent.NewInventoryScout(bus, svc, store, []float64{25, 50, 100, 200}, 2*time.Hour, logger)
	planner := agent.NewPlanner(bus, svc, store, 2, 30, 50, 15, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc.Start(ctx)
	hospital.Start(ctx)
	matcher.Start(ctx)
	scout.Start(ctx)
	planner.Start(ctx)

	return &mesh{store: store, svc: svc, hospital: hospital, planner: planner, sender: sender}
}

func waitForCondition(t *testing.T, timeout, poll time.Duration, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(poll)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (m *mesh) waitForPhase(t *testing.T, requestID string, phase domain.WorkflowPhase) {
	t.Helper()
	waitForCondition(t, 5*time.Second, 10*time.Millisecond, string(phase)+" phase", func() bool {
		w, err := m.store.GetWorkflowState(context.Background(), requestID)
		return err == nil && w.Status == phase
	})
}

// A shortage is detected, a registered donor accepts, is selected, arrives,
// and the alert closes through the donor path.
func TestShortageFulfilledByRegisteredDonor(t *testing.T) {
	ctx := context.Background()
	m := startMesh(t, 30*time.Minute)
	addHospital(t, m.store, "h1", 52.52, 13.405)
	addDonor(t, m.store, "d-quick", 0.95)
	addDonor(t, m.store, "d-slow", 0.60)
	if err := m.store.UpsertInventoryLevel(ctx, domain.InventoryLevel{
		HospitalID: "h1", BloodType: domain.BloodONeg, UnitsAvailable: 1, ThresholdUnits: 5,
	}); err != nil {
		t.Fatalf("upsert level: %v", err)
	}

	result, err := m.hospital.EvaluateInventory(ctx, "h1", domain.BloodONeg)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.AlertCreated {
		t.Fatalf("expected an alert, got %+v", result)
	}
	alertID := result.AlertID

	m.waitForPhase(t, alertID, domain.PhaseAwaitingResponse)
	waitForCondition(t, 5*time.Second, 10*time.Millisecond, "both donors notified", func() bool {
		responses, err := m.store.ListResponses(ctx, alertID)
		return err == nil && len(responses) == 2
	})

	for donor, eta := range map[string]int{"d-quick": 12, "d-slow": 25} {
		if _, err := m.svc.ProcessDonorResponse(ctx, DonorResponseInput{
			RequestID: alertID, DonorID: donor, Status: domain.ResponseStatusAccepted, ETAMinutes: eta,
		}); err != nil {
			t.Fatalf("accept %s: %v", donor, err)
		}
	}

	chosen, err := m.svc.SelectOptimalMatch(ctx, alertID)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if chosen.DonorID != "d-quick" {
		t.Fatalf("expected the faster donor selected, got %s", chosen.DonorID)
	}

	if _, err := m.svc.ConfirmDonorArrival(ctx, alertID, "d-quick"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	w, err := m.svc.CloseAlert(ctx, alertID, domain.FulfillmentDetails{
		Source:   domain.SourceRegisteredDonors,
		DonorIDs: []string{"d-quick"},
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if w.Status != domain.PhaseFulfilled {
		t.Fatalf("expected fulfilled, got %s", w.Status)
	}

	alert, err := m.svc.GetAlert(ctx, alertID)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if alert.Status != domain.AlertStatusFulfilled {
		t.Fatalf("expected FULFILLED, got %s", alert.Status)
	}

	decisions, err := m.svc.ListDecisionsByRequest(ctx, alertID)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) == 0 {
		t.Fatalf("expected an audit trail for the alert")
	}
}

// Nobody answers the notifications, the response window lapses, the sweep
// fires the timeout, and the alert resolves through a partner hospital's
// stock and a delivered transport.
func TestShortageFulfilledByInventoryTransferAfterTimeout(t *testing.T) {
	ctx := context.Background()
	m := startMesh(t, 80*time.Millisecond)
	addHospital(t, m.store, "h1", 52.52, 13.405)
	addHospital(t, m.store, "h2", 52.74, 13.405)
	addDonor(t, m.store, "d-silent", 0.5)
	if err := m.store.UpsertInventoryLevel(ctx, domain.InventoryLevel{
		HospitalID: "h1", BloodType: domain.BloodONeg, UnitsAvailable: 0, ThresholdUnits: 4,
	}); err != nil {
		t.Fatalf("upsert h1 level: %v", err)
	}
	if err := m.store.UpsertInventoryLevel(ctx, domain.InventoryLevel{
		HospitalID: "h2", BloodType: domain.BloodONeg, UnitsAvailable: 9, ThresholdUnits: 3,
	}); err != nil {
		t.Fatalf("upsert h2 level: %v", err)
	}

	result, err := m.hospital.EvaluateInventory(ctx, "h1", domain.BloodONeg)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	alertID := result.AlertID

	// The donor is notified, stays silent, and the sweep times the wait out
	// into the inventory search; the scout then reserves at h2 and the
	// planner writes a transport plan.
	m.waitForPhase(t, alertID, domain.PhaseTransportPlanning)

	var transport domain.TransportRequest
	waitForCondition(t, 5*time.Second, 10*time.Millisecond, "planned transport", func() bool {
		transports, err := m.store.ListTransportsByRequest(ctx, alertID)
		if err != nil || len(transports) == 0 {
			return false
		}
		transport = transports[0]
		return transport.Method != "" && transport.ETAMinutes > 0
	})
	if transport.FromHospitalID != "h2" || transport.ToHospitalID != "h1" || transport.Units != 4 {
		t.Fatalf("unexpected transport: %+v", transport)
	}

	responses, err := m.svc.ListResponses(ctx, alertID)
	if err != nil {
		t.Fatalf("list responses: %v", err)
	}
	if len(responses) != 1 || responses[0].Status != domain.ResponseStatusNoResponse {
		t.Fatalf("expected the silent donor marked NO_RESPONSE, got %+v", responses)
	}

	if _, err := m.planner.UpdateTransportStatus(ctx, transport.ID, domain.TransportStatusInTransit); err != nil {
		t.Fatalf("in transit: %v", err)
	}
	if _, err := m.planner.UpdateTransportStatus(ctx, transport.ID, domain.TransportStatusDelivered); err != nil {
		t.Fatalf("delivered: %v", err)
	}

	dst, err := m.store.GetInventoryLevel(ctx, "h1", domain.BloodONeg)
	if err != nil {
		t.Fatalf("destination level: %v", err)
	}
	if dst.UnitsAvailable != 4 {
		t.Fatalf("destination not credited: avail=%d", dst.UnitsAvailable)
	}
	src, err := m.store.GetInventoryLevel(ctx, "h2", domain.BloodONeg)
	if err != nil {
		t.Fatalf("source level: %v", err)
	}
	if src.UnitsAvailable != 5 || src.UnitsReserved != 0 {
		t.Fatalf("source not settled: avail=%d reserved=%d", src.UnitsAvailable, src.UnitsReserved)
	}

	w, err := m.svc.CloseAlert(ctx, alertID, domain.FulfillmentDetails{
		Source:           domain.SourceHospitalBank,
		SourceHospitalID: "h2",
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if w.Status != domain.PhaseFulfilled {
		t.Fatalf("expected fulfilled, got %s", w.Status)
	}
	if w.Metadata[domain.MetaInventorySource] != "h2" {
		t.Fatalf("missing inventory source metadata: %v", w.Metadata)
	}
}
