package agent

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"bloodgrid/internal/domain"
)

// InventoryScout searches partner hospitals for transferable stock when the
// donor path comes up empty, and owns the reserve/release pair over it.
type InventoryScout struct {
	queue  EventQueue
	events Publisher
	store  Store
	logger *log.Logger

	radiusStepsKm []float64
	reserveExpiry time.Duration
}

func NewInventoryScout(
	queue EventQueue,
	events Publisher,
	store Store,
	radiusStepsKm []float64,
	reserveExpiry time.Duration,
	logger *log.Logger,
) *InventoryScout {
	if logger == nil {
		logger = log.Default()
	}
	if len(radiusStepsKm) == 0 {
		radiusStepsKm = []float64{25, 50, 100, 200}
	}
	if reserveExpiry <= 0 {
		reserveExpiry = 2 * time.Hour
	}
	return &InventoryScout{
		queue:         queue,
		events:        events,
		store:         store,
		logger:        logger,
		radiusStepsKm: radiusStepsKm,
		reserveExpiry: reserveExpiry,
	}
}

func (s *InventoryScout) Start(ctx context.Context) {
	runLoop(ctx, s.queue, domain.AgentInventory, s.handleEvent)
}

func (s *InventoryScout) handleEvent(ctx context.Context, ev domain.AgentEvent) {
	claimed, err := s.store.MarkEventProcessed(ctx, ev.ID)
	if err != nil {
		s.logger.Printf("inventory agent mark processed failed: %v", err)
		return
	}
	if !claimed {
		return
	}
	if ev.Type != domain.EventInventorySearch {
		s.logger.Printf("inventory agent ignored event type %s", ev.Type)
		logDecision(ctx, s.store, domain.AgentInventory, "event_ignored", ev.RequestID, ev.ID, map[string]any{"type": ev.Type}, 1.0)
		return
	}

	var payload domain.InventorySearchPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		s.logger.Printf("inventory agent parse payload failed: %v", err)
		return
	}
	if _, err := s.ProcessInventorySearch(ctx, payload.AlertID, ev.ID); err != nil {
		s.logger.Printf("inventory search for alert=%s failed: %v", payload.AlertID, err)
	}
}

type SearchResult struct {
	UnitsFound     int     `json:"units_found"`
	Reserved       bool    `json:"reserved"`
	SourceHospital string  `json:"source_hospital,omitempty"`
	TransportID    string  `json:"transport_id,omitempty"`
	RadiusKm       float64 `json:"radius_km,omitempty"`
}

type stockCandidate struct {
	level domain.InventoryLevel
	dist  float64
}

// ProcessInventorySearch walks the radius ladder outward, reserving units at
// the nearest partner hospital with enough stock. A reservation creates a
// PLANNED transport with an expiry so abandoned holds flow back.
func (s *InventoryScout) ProcessInventorySearch(ctx context.Context, alertID, eventID string) (SearchResult, error) {
	alert, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return SearchResult{}, err
	}
	if alert.Status.Terminal() {
		return SearchResult{}, nil
	}
	hospital, err := s.store.GetHospital(ctx, alert.HospitalID)
	if err != nil {
		return SearchResult{}, err
	}
	levels, err := s.store.ListInventoryByBloodType(ctx, alert.BloodType)
	if err != nil {
		return SearchResult{}, err
	}

	hospitals, err := s.store.ListHospitals(ctx)
	if err != nil {
		return SearchResult{}, err
	}
	coords := make(map[string]domain.Hospital, len(hospitals))
	for _, h := range hospitals {
		coords[h.ID] = h
	}

	for _, radius := range s.radiusStepsKm {
		candidates := make([]stockCandidate, 0)
		for _, level := range levels {
			if level.HospitalID == alert.HospitalID || level.UnitsAvailable < alert.UnitsNeeded {
				continue
			}
			src, ok := coords[level.HospitalID]
			if !ok {
				continue
			}
			dist := domain.HaversineKm(src.Latitude, src.Longitude, hospital.Latitude, hospital.Longitude)
			if dist > radius {
				continue
			}
			candidates = append(candidates, stockCandidate{level: level, dist: dist})
		}
		if len(candidates) == 0 {
			continue
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].dist != candidates[j].dist {
				return candidates[i].dist < candidates[j].dist
			}
			return candidates[i].level.HospitalID < candidates[j].level.HospitalID
		})

		for _, cand := range candidates {
			reserved, err := s.store.ReserveInventory(ctx, cand.level.HospitalID, alert.BloodType, alert.UnitsNeeded)
			if err != nil {
				return SearchResult{}, err
			}
			if !reserved {
				// Stock moved under us; try the next-nearest hospital.
				continue
			}
			result, err := s.finishReservation(ctx, alert, cand, eventID)
			if err != nil {
				return SearchResult{}, err
			}
			return result, nil
		}
	}

	logDecision(ctx, s.store, domain.AgentInventory, "inventory_search_empty", alertID, eventID, map[string]any{
		"blood_type":   alert.BloodType,
		"units_needed": alert.UnitsNeeded,
		"max_radius":   s.radiusStepsKm[len(s.radiusStepsKm)-1],
	}, 1.0)
	return SearchResult{UnitsFound: 0, Reserved: false}, nil
}

func (s *InventoryScout) finishReservation(ctx context.Context, alert domain.Alert, cand stockCandidate, eventID string) (SearchResult, error) {
	expires := time.Now().UTC().Add(s.reserveExpiry)
	transport := domain.TransportRequest{
		ID:               uuid.NewString(),
		RequestID:        alert.ID,
		FromHospitalID:   cand.level.HospitalID,
		ToHospitalID:     alert.HospitalID,
		BloodType:        alert.BloodType,
		Units:            alert.UnitsNeeded,
		Status:           domain.TransportStatusPlanned,
		ReserveExpiresAt: &expires,
	}
	if err := s.store.CreateTransportRequest(ctx, transport); err != nil {
		// Unwind the hold rather than leaking reserved units.
		if _, relErr := s.store.ReleaseInventory(ctx, cand.level.HospitalID, alert.BloodType, alert.UnitsNeeded); relErr != nil {
			s.logger.Printf("release after transport create failure: %v", relErr)
		}
		return SearchResult{}, err
	}

	advanced, err := s.store.AdvanceWorkflow(ctx, alert.ID, domain.PhaseInventorySearch, domain.PhaseTransportPlanning, "inventory_reserved", nil, map[string]string{
		domain.MetaInventorySource: cand.level.HospitalID,
		domain.MetaTransportID:     transport.ID,
	})
	if err != nil {
		return SearchResult{}, err
	}
	if !advanced {
		// The donor path closed the alert first; undo and stand down.
		if err := s.ReleaseReservedUnits(ctx, alert.ID); err != nil {
			s.logger.Printf("release after lost workflow race: %v", err)
		}
		return SearchResult{}, nil
	}

	if err := s.events.EnqueueEvent(ctx, domain.AgentEvent{
		ID:        uuid.NewString(),
		Type:      domain.EventInventoryReserved,
		AgentType: domain.AgentLogistics,
		RequestID: alert.ID,
		Payload: mustJSON(domain.InventoryReservedPayload{
			AlertID:        alert.ID,
			TransportID:    transport.ID,
			FromHospitalID: cand.level.HospitalID,
			Units:          alert.UnitsNeeded,
		}),
	}, "reserved-"+transport.ID); err != nil {
		return SearchResult{}, err
	}

	logDecision(ctx, s.store, domain.AgentInventory, "inventory_reserved", alert.ID, eventID, map[string]any{
		"source_hospital": cand.level.HospitalID,
		"units":           alert.UnitsNeeded,
		"distance_km":     cand.dist,
		"transport_id":    transport.ID,
	}, 1.0)
	s.logger.Printf("reserved %d units of %s at %s for alert=%s", alert.UnitsNeeded, alert.BloodType, cand.level.HospitalID, alert.ID)
	return SearchResult{
		UnitsFound:     alert.UnitsNeeded,
		Reserved:       true,
		SourceHospital: cand.level.HospitalID,
		TransportID:    transport.ID,
		RadiusKm:       cand.dist,
	}, nil
}

// ReleaseReservedUnits cancels every still-PLANNED transport for the request
// and returns its units to the source hospital. Releasing an already-released
// or never-reserved request is a no-op.
func (s *InventoryScout) ReleaseReservedUnits(ctx context.Context, requestID string) error {
	transports, err := s.store.ListTransportsByRequest(ctx, requestID)
	if err != nil {
		return err
	}
	for _, t := range transports {
		if t.Status != domain.TransportStatusPlanned {
			continue
		}
		cancelled, err := s.store.UpdateTransportStatusIf(ctx, t.ID, domain.TransportStatusPlanned, domain.TransportStatusCancelled)
		if err != nil {
			return err
		}
		if !cancelled {
			continue
		}
		if _, err := s.store.ReleaseInventory(ctx, t.FromHospitalID, t.BloodType, t.Units); err != nil {
			return err
		}
		logDecision(ctx, s.store, domain.AgentInventory, "reservation_released", requestID, "", map[string]any{
			"transport_id":    t.ID,
			"source_hospital": t.FromHospitalID,
			"units":           t.Units,
		}, 1.0)
	}
	return nil
}
