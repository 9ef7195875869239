package agent

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"bloodgrid/internal/domain"
)

// Hospital watches stock levels and raises shortage alerts. Detection is
// idempotent per (hospital, blood type): while a non-terminal alert exists for
// the pair, re-evaluation reports it instead of raising a duplicate.
type Hospital struct {
	queue  EventQueue
	events Publisher
	store  Store
	logger *log.Logger
}

func NewHospital(queue EventQueue, events Publisher, store Store, logger *log.Logger) *Hospital {
	if logger == nil {
		logger = log.Default()
	}
	return &Hospital{queue: queue, events: events, store: store, logger: logger}
}

func (h *Hospital) Start(ctx context.Context) {
	runLoop(ctx, h.queue, domain.AgentHospital, h.handleEvent)
}

func (h *Hospital) handleEvent(ctx context.Context, ev domain.AgentEvent) {
	claimed, err := h.store.MarkEventProcessed(ctx, ev.ID)
	if err != nil {
		h.logger.Printf("hospital agent mark processed failed: %v", err)
		return
	}
	if !claimed {
		return
	}
	if ev.Type != domain.EventInventoryCheck {
		h.logger.Printf("hospital agent ignored event type %s", ev.Type)
		logDecision(ctx, h.store, domain.AgentHospital, "event_ignored", ev.RequestID, ev.ID, map[string]any{"type": ev.Type}, 1.0)
		return
	}

	var payload domain.InventoryCheckPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		h.logger.Printf("hospital agent parse inventory check failed: %v", err)
		return
	}
	summary, err := h.MonitorInventory(ctx, payload.HospitalID)
	if err != nil {
		h.logger.Printf("hospital agent inventory sweep failed: %v", err)
		return
	}
	logDecision(ctx, h.store, domain.AgentHospital, "inventory_sweep", "", ev.ID, summary, 1.0)
}

type EvaluationResult struct {
	AlertCreated bool           `json:"alert_created"`
	AlertID      string         `json:"alert_id,omitempty"`
	Reason       string         `json:"reason"`
	Urgency      domain.Urgency `json:"urgency,omitempty"`
	Priority     float64        `json:"priority,omitempty"`
}

type SweepSummary struct {
	Evaluated     int `json:"evaluated"`
	AlertsCreated int `json:"alerts_created"`
	Failures      int `json:"failures"`
}

// EvaluateInventory checks one hospital/blood-type pair against its threshold
// and raises an alert when stock has fallen below it.
func (h *Hospital) EvaluateInventory(ctx context.Context, hospitalID string, bloodType domain.BloodType) (EvaluationResult, error) {
	if hospitalID == "" {
		return EvaluationResult{}, domain.Validationf("hospital id is required")
	}
	if !domain.ValidBloodType(bloodType) {
		return EvaluationResult{}, domain.Validationf("unknown blood type %q", bloodType)
	}
	if _, err := h.store.GetHospital(ctx, hospitalID); err != nil {
		return EvaluationResult{}, err
	}
	level, err := h.store.GetInventoryLevel(ctx, hospitalID, bloodType)
	if err != nil {
		return EvaluationResult{}, err
	}

	if level.ThresholdUnits <= 0 || level.UnitsAvailable >= level.ThresholdUnits {
		return EvaluationResult{AlertCreated: false, Reason: "stock at or above threshold"}, nil
	}
	if existing, found, err := h.store.FindOpenAlert(ctx, hospitalID, bloodType); err != nil {
		return EvaluationResult{}, err
	} else if found {
		return EvaluationResult{AlertCreated: false, AlertID: existing.ID, Reason: "active alert exists"}, nil
	}

	now := time.Now().UTC()
	urgency := shortageUrgency(level)
	score := priorityScore(level, urgency, now)
	alert := domain.Alert{
		ID:             uuid.NewString(),
		HospitalID:     hospitalID,
		BloodType:      bloodType,
		Urgency:        urgency,
		UnitsNeeded:    max(level.ThresholdUnits-level.UnitsAvailable, 1),
		SearchRadiusKm: urgencyRadiusKm(urgency),
		Status:         domain.AlertStatusPending,
		AutoDetected:   true,
		PriorityScore:  score,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.store.CreateAlert(ctx, alert); err != nil {
		return EvaluationResult{}, err
	}
	if err := h.store.CreateWorkflowState(ctx, domain.WorkflowState{
		RequestID:   alert.ID,
		Status:      domain.PhaseDetected,
		CurrentStep: "shortage_detected",
	}); err != nil {
		return EvaluationResult{}, err
	}

	if err := h.events.EnqueueEvent(ctx, domain.AgentEvent{
		ID:        uuid.NewString(),
		Type:      domain.EventShortageDetected,
		AgentType: domain.AgentDonor,
		RequestID: alert.ID,
		Payload: mustJSON(domain.ShortagePayload{
			AlertID:        alert.ID,
			HospitalID:     hospitalID,
			BloodType:      bloodType,
			Urgency:        urgency,
			UnitsNeeded:    alert.UnitsNeeded,
			SearchRadiusKm: alert.SearchRadiusKm,
			PriorityScore:  score,
		}),
	}, "shortage-"+alert.ID); err != nil {
		return EvaluationResult{}, err
	}

	logDecision(ctx, h.store, domain.AgentHospital, "shortage_detected", alert.ID, "", map[string]any{
		"hospital_id":     hospitalID,
		"blood_type":      bloodType,
		"units_available": level.UnitsAvailable,
		"threshold":       level.ThresholdUnits,
		"urgency":         urgency,
		"priority":        score,
	}, score)

	h.logger.Printf("shortage detected hospital=%s type=%s urgency=%s alert=%s", hospitalID, bloodType, urgency, alert.ID)
	return EvaluationResult{AlertCreated: true, AlertID: alert.ID, Reason: "below threshold", Urgency: urgency, Priority: score}, nil
}

// MonitorInventory sweeps every stocked hospital/blood-type pair, or a single
// hospital's pairs when hospitalID is set. A failed pair is counted and
// skipped so one broken record cannot abort the sweep.
func (h *Hospital) MonitorInventory(ctx context.Context, hospitalID string) (SweepSummary, error) {
	levels, err := h.store.ListInventoryLevels(ctx)
	if err != nil {
		return SweepSummary{}, err
	}

	var summary SweepSummary
	for _, level := range levels {
		if hospitalID != "" && level.HospitalID != hospitalID {
			continue
		}
		summary.Evaluated++
		result, err := h.EvaluateInventory(ctx, level.HospitalID, level.BloodType)
		if err != nil {
			summary.Failures++
			h.logger.Printf("evaluate hospital=%s type=%s failed: %v", level.HospitalID, level.BloodType, err)
			continue
		}
		if result.AlertCreated {
			summary.AlertsCreated++
		}
	}
	return summary, nil
}

func shortageUrgency(level domain.InventoryLevel) domain.Urgency {
	if level.UnitsAvailable == 0 {
		return domain.UrgencyCritical
	}
	ratio := float64(level.UnitsAvailable) / float64(level.ThresholdUnits)
	switch {
	case ratio < 0.25:
		return domain.UrgencyCritical
	case ratio < 0.5:
		return domain.UrgencyHigh
	case ratio < 0.75:
		return domain.UrgencyMedium
	default:
		return domain.UrgencyLow
	}
}

// priorityScore weighs stock deficit, urgency, and restock staleness into a
// single 0..1 ranking used to order concurrent alerts.
func priorityScore(level domain.InventoryLevel, urgency domain.Urgency, now time.Time) float64 {
	deficit := 1.0
	if level.ThresholdUnits > 0 {
		deficit = float64(level.ThresholdUnits-level.UnitsAvailable) / float64(level.ThresholdUnits)
	}
	deficit = clamp01(deficit)

	staleness := 1.0
	if level.LastRestockAt != nil {
		days := now.Sub(*level.LastRestockAt).Hours() / 24
		staleness = clamp01(days / 14)
	}

	score := 0.5*deficit + 0.3*urgencyWeight(urgency) + 0.2*staleness
	return math.Round(score*1000) / 1000
}

func urgencyWeight(u domain.Urgency) float64 {
	switch u {
	case domain.UrgencyCritical:
		return 1.0
	case domain.UrgencyHigh:
		return 0.75
	case domain.UrgencyMedium:
		return 0.5
	default:
		return 0.25
	}
}

func urgencyRadiusKm(u domain.Urgency) float64 {
	switch u {
	case domain.UrgencyCritical:
		return 50
	case domain.UrgencyHigh:
		return 35
	case domain.UrgencyMedium:
		return 25
	default:
		return 15
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
