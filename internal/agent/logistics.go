package agent

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"strconv"

	"github.com/google/uuid"

	"bloodgrid/internal/domain"
)

// Planner turns a reserved transfer into a concrete transport plan (method +
// ETA) and walks transports through their forward-only lifecycle.
type Planner struct {
	queue  EventQueue
	events Publisher
	store  Store
	logger *log.Logger

	walkCutoffKm    float64
	transitCutoffKm float64
	courierCutoffKm float64
	handlingMinutes int
}

func NewPlanner(
	queue EventQueue,
	events Publisher,
	store Store,
	walkCutoffKm, transitCutoffKm, courierCutoffKm float64,
	handlingMinutes int,
	logger *log.Logger,
) *Planner {
	if logger == nil {
		logger = log.Default()
	}
	if walkCutoffKm <= 0 {
		walkCutoffKm = 2
	}
	if transitCutoffKm <= 0 {
		transitCutoffKm = 30
	}
	if courierCutoffKm <= 0 {
		courierCutoffKm = 50
	}
	if handlingMinutes <= 0 {
		handlingMinutes = 15
	}
	return &Planner{
		queue:           queue,
		events:          events,
		store:           store,
		logger:          logger,
		walkCutoffKm:    walkCutoffKm,
		transitCutoffKm: transitCutoffKm,
		courierCutoffKm: courierCutoffKm,
		handlingMinutes: handlingMinutes,
	}
}

func (p *Planner) Start(ctx context.Context) {
	runLoop(ctx, p.queue, domain.AgentLogistics, p.handleEvent)
}

func (p *Planner) handleEvent(ctx context.Context, ev domain.AgentEvent) {
	claimed, err := p.store.MarkEventProcessed(ctx, ev.ID)
	if err != nil {
		p.logger.Printf("logistics agent mark processed failed: %v", err)
		return
	}
	if !claimed {
		return
	}
	if ev.Type != domain.EventInventoryReserved {
		p.logger.Printf("logistics agent ignored event type %s", ev.Type)
		logDecision(ctx, p.store, domain.AgentLogistics, "event_ignored", ev.RequestID, ev.ID, map[string]any{"type": ev.Type}, 1.0)
		return
	}

	var payload domain.InventoryReservedPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		p.logger.Printf("logistics agent parse payload failed: %v", err)
		return
	}
	if _, err := p.PlanTransport(ctx, payload.TransportID, ev.ID); err != nil {
		p.logger.Printf("plan transport %s failed: %v", payload.TransportID, err)
	}
}

type TransportPlan struct {
	TransportID string                 `json:"transport_id"`
	Method      domain.TransportMethod `json:"method"`
	ETAMinutes  int                    `json:"eta_minutes"`
	DistanceKm  float64                `json:"distance_km"`
}

// PlanTransport picks courier versus dedicated medical transport by distance
// and urgency and writes the adjusted ETA onto the transport.
func (p *Planner) PlanTransport(ctx context.Context, transportID, eventID string) (TransportPlan, error) {
	transport, err := p.store.GetTransportRequest(ctx, transportID)
	if err != nil {
		return TransportPlan{}, err
	}
	if transport.Status != domain.TransportStatusPlanned {
		return TransportPlan{}, domain.Conflictf("transport %s is %s, not plannable", transportID, transport.Status)
	}
	from, err := p.store.GetHospital(ctx, transport.FromHospitalID)
	if err != nil {
		return TransportPlan{}, err
	}
	to, err := p.store.GetHospital(ctx, transport.ToHospitalID)
	if err != nil {
		return TransportPlan{}, err
	}
	alert, err := p.store.GetAlert(ctx, transport.RequestID)
	if err != nil {
		return TransportPlan{}, err
	}

	dist := domain.HaversineKm(from.Latitude, from.Longitude, to.Latitude, to.Longitude)
	method := domain.TransportCourier
	speedKmh := 40.0
	if alert.Urgency == domain.UrgencyCritical || dist >= p.courierCutoffKm {
		method = domain.TransportMedical
		speedKmh = 80.0
	}
	eta := travelMinutes(dist, speedKmh) + p.handlingMinutes

	if _, err := p.store.UpdateTransportPlanIf(ctx, transportID, method, eta); err != nil {
		return TransportPlan{}, err
	}
	if err := p.store.MergeWorkflowMetadata(ctx, transport.RequestID, map[string]string{
		domain.MetaTransportID: transportID,
		"transport_eta_min":    strconv.Itoa(eta),
	}); err != nil {
		return TransportPlan{}, err
	}

	if err := p.events.EnqueueEvent(ctx, domain.AgentEvent{
		ID:        uuid.NewString(),
		Type:      domain.EventTransportPlanned,
		AgentType: domain.AgentCoordinator,
		RequestID: transport.RequestID,
		Payload: mustJSON(domain.TransportPlannedPayload{
			AlertID:     transport.RequestID,
			TransportID: transportID,
			Method:      method,
			ETAMinutes:  eta,
		}),
	}, "planned-"+transportID); err != nil {
		return TransportPlan{}, err
	}

	plan := TransportPlan{TransportID: transportID, Method: method, ETAMinutes: eta, DistanceKm: dist}
	logDecision(ctx, p.store, domain.AgentLogistics, "transport_planned", transport.RequestID, eventID, plan, 1.0)
	p.logger.Printf("transport %s planned method=%s eta=%dm dist=%.1fkm", transportID, method, eta, dist)
	return plan, nil
}

// CalculateDonorETA returns per-mode travel estimates for a donor heading to
// the hospital, with the fastest eligible mode recommended.
func (p *Planner) CalculateDonorETA(ctx context.Context, donorID, hospitalID, requestID string) ([]domain.ETAOption, error) {
	donor, err := p.store.GetDonor(ctx, donorID)
	if err != nil {
		return nil, err
	}
	hospital, err := p.store.GetHospital(ctx, hospitalID)
	if err != nil {
		return nil, err
	}

	dist := domain.HaversineKm(donor.Latitude, donor.Longitude, hospital.Latitude, hospital.Longitude)
	options := make([]domain.ETAOption, 0, 3)
	if dist <= p.walkCutoffKm {
		options = append(options, domain.ETAOption{Mode: domain.TravelWalk, ETAMinutes: travelMinutes(dist, 5), DistanceKm: dist})
	}
	options = append(options, domain.ETAOption{Mode: domain.TravelDrive, ETAMinutes: travelMinutes(dist, 40), DistanceKm: dist})
	if dist <= p.transitCutoffKm {
		// Flat boarding wait on top of the in-vehicle time.
		options = append(options, domain.ETAOption{Mode: domain.TravelTransit, ETAMinutes: travelMinutes(dist, 25) + 10, DistanceKm: dist})
	}

	best := 0
	for i, opt := range options {
		if opt.ETAMinutes < options[best].ETAMinutes {
			best = i
		}
	}
	options[best].Recommended = true

	logDecision(ctx, p.store, domain.AgentLogistics, "donor_eta", requestID, "", map[string]any{
		"donor_id":    donorID,
		"hospital_id": hospitalID,
		"distance_km": dist,
		"options":     options,
	}, 1.0)
	return options, nil
}

// UpdateTransportStatus advances a transport along PLANNED -> IN_TRANSIT ->
// DELIVERED. Backward moves and repeats are rejected as conflicts. Delivery
// settles the stock transfer: reserved units leave the source and land as
// available units at the destination.
func (p *Planner) UpdateTransportStatus(ctx context.Context, transportID string, next domain.TransportStatus) (domain.TransportRequest, error) {
	transport, err := p.store.GetTransportRequest(ctx, transportID)
	if err != nil {
		return domain.TransportRequest{}, err
	}
	if !transportAdvances(transport.Status, next) {
		return domain.TransportRequest{}, domain.Conflictf("transport %s cannot move %s -> %s", transportID, transport.Status, next)
	}
	moved, err := p.store.UpdateTransportStatusIf(ctx, transportID, transport.Status, next)
	if err != nil {
		return domain.TransportRequest{}, err
	}
	if !moved {
		return domain.TransportRequest{}, domain.Conflictf("transport %s changed state concurrently", transportID)
	}

	if next == domain.TransportStatusDelivered {
		if _, err := p.store.ConsumeReservedInventory(ctx, transport.FromHospitalID, transport.BloodType, transport.Units); err != nil {
			return domain.TransportRequest{}, err
		}
		if err := p.store.AddInventory(ctx, transport.ToHospitalID, transport.BloodType, transport.Units); err != nil {
			return domain.TransportRequest{}, err
		}
	}

	logDecision(ctx, p.store, domain.AgentLogistics, "transport_status", transport.RequestID, "", map[string]any{
		"transport_id": transportID,
		"from":         transport.Status,
		"to":           next,
	}, 1.0)
	return p.store.GetTransportRequest(ctx, transportID)
}

func transportAdvances(from, to domain.TransportStatus) bool {
	switch from {
	case domain.TransportStatusPlanned:
		return to == domain.TransportStatusInTransit || to == domain.TransportStatusCancelled
	case domain.TransportStatusInTransit:
		return to == domain.TransportStatusDelivered
	default:
		return false
	}
}

func travelMinutes(distKm, speedKmh float64) int {
	if speedKmh <= 0 {
		return 0
	}
	return int(math.Ceil(distKm / speedKmh * 60))
}
