package agent

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"bloodgrid/internal/domain"
	"bloodgrid/internal/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// storePublisher appends straight to the durable queue, standing in for the
// coordinator's enqueue path.
type storePublisher struct {
	store *sqlite.Store
}

func (p *storePublisher) EnqueueEvent(ctx context.Context, ev domain.AgentEvent, dedupeKey string) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := p.store.AppendEvent(ctx, ev, dedupeKey)
	return err
}

func addHospital(t *testing.T, store *sqlite.Store, id string, lat, lon float64) {
	t.Helper()
	if err := store.CreateHospital(context.Background(), domain.Hospital{
		ID:        id,
		Name:      "Hospital " + id,
		Latitude:  lat,
		Longitude: lon,
	}); err != nil {
		t.Fatalf("create hospital %s: %v", id, err)
	}
}

func addDonor(t *testing.T, store *sqlite.Store, d domain.Donor) {
	t.Helper()
	if d.VerificationStatus == "" {
		d.VerificationStatus = domain.VerificationApproved
	}
	if d.Name == "" {
		d.Name = "Donor " + d.ID
	}
	if err := store.CreateDonor(context.Background(), d); err != nil {
		t.Fatalf("create donor %s: %v", d.ID, err)
	}
}

func addLevel(t *testing.T, store *sqlite.Store, hospitalID string, bt domain.BloodType, available, threshold int) {
	t.Helper()
	if err := store.UpsertInventoryLevel(context.Background(), domain.InventoryLevel{
		HospitalID:     hospitalID,
		BloodType:      bt,
		UnitsAvailable: available,
		ThresholdUnits: threshold,
	}); err != nil {
		t.Fatalf("upsert level %s/%s: %v", hospitalID, bt, err)
	}
}

func addAlertWithWorkflow(t *testing.T, store *sqlite.Store, alert domain.Alert, phase domain.WorkflowPhase) domain.Alert {
	t.Helper()
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Status == "" {
		alert.Status = domain.AlertStatusPending
	}
	if err := store.CreateAlert(context.Background(), alert); err != nil {
		t.Fatalf("create alert: %v", err)
	}
	if err := store.CreateWorkflowState(context.Background(), domain.WorkflowState{
		RequestID: alert.ID,
		Status:    phase,
	}); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return alert
}

func findEvent(t *testing.T, store *sqlite.Store, requestID string, typ domain.EventType) (domain.AgentEvent, bool) {
	t.Helper()
	events, err := store.ListEventsByRequest(context.Background(), requestID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	for _, ev := range events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return domain.AgentEvent{}, false
}

func timePtr(ts time.Time) *time.Time {
	return &ts
}
