package agent

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"bloodgrid/internal/domain"
	"bloodgrid/internal/notify"
)

const (
	weightCompatibility  = 0.30
	weightDistance       = 0.25
	weightReliability    = 0.20
	weightRecency        = 0.15
	weightResponsiveness = 0.10
)

// DonorMatcher builds the candidate pool for a shortage, ranks it, and fans
// notifications out in rank order.
type DonorMatcher struct {
	queue  EventQueue
	events Publisher
	store  Store
	sender notify.Sender
	logger *log.Logger

	maxNotifications int
	minIntervalDays  int
	responseTimeout  time.Duration
}

func NewDonorMatcher(
	queue EventQueue,
	events Publisher,
	store Store,
	sender notify.Sender,
	maxNotifications int,
	minIntervalDays int,
	responseTimeout time.Duration,
	logger *log.Logger,
) *DonorMatcher {
	if logger == nil {
		logger = log.Default()
	}
	if sender == nil {
		sender = &notify.LogSender{Logger: logger}
	}
	if maxNotifications <= 0 {
		maxNotifications = 10
	}
	if minIntervalDays <= 0 {
		minIntervalDays = 56
	}
	if responseTimeout <= 0 {
		responseTimeout = 30 * time.Minute
	}
	return &DonorMatcher{
		queue:            queue,
		events:           events,
		store:            store,
		sender:           sender,
		logger:           logger,
		maxNotifications: maxNotifications,
		minIntervalDays:  minIntervalDays,
		responseTimeout:  responseTimeout,
	}
}

func (m *DonorMatcher) Start(ctx context.Context) {
	runLoop(ctx, m.queue, domain.AgentDonor, m.handleEvent)
}

func (m *DonorMatcher) handleEvent(ctx context.Context, ev domain.AgentEvent) {
	claimed, err := m.store.MarkEventProcessed(ctx, ev.ID)
	if err != nil {
		m.logger.Printf("donor agent mark processed failed: %v", err)
		return
	}
	if !claimed {
		return
	}
	if ev.Type != domain.EventShortageDetected {
		m.logger.Printf("donor agent ignored event type %s", ev.Type)
		logDecision(ctx, m.store, domain.AgentDonor, "event_ignored", ev.RequestID, ev.ID, map[string]any{"type": ev.Type}, 1.0)
		return
	}
	if _, err := m.ProcessShortageEvent(ctx, ev); err != nil {
		m.logger.Printf("donor agent shortage handling failed: %v", err)
	}
}

type NotifyResult struct {
	DonorsNotified int `json:"donors_notified"`
	Candidates     int `json:"candidates"`
}

type rankedDonor struct {
	donor domain.Donor
	score float64
	dist  float64
}

// ProcessShortageEvent ranks eligible compatible donors for the shortage and
// notifies the top of the ranking. Per-donor send failures are isolated: the
// batch continues and the returned count covers confirmed dispatches only.
func (m *DonorMatcher) ProcessShortageEvent(ctx context.Context, ev domain.AgentEvent) (NotifyResult, error) {
	var shortage domain.ShortagePayload
	if err := json.Unmarshal(ev.Payload, &shortage); err != nil {
		return NotifyResult{}, domain.Validationf("malformed shortage payload: %v", err)
	}
	alert, err := m.store.GetAlert(ctx, shortage.AlertID)
	if err != nil {
		return NotifyResult{}, err
	}
	if alert.Status.Terminal() {
		return NotifyResult{}, nil
	}
	hospital, err := m.store.GetHospital(ctx, alert.HospitalID)
	if err != nil {
		return NotifyResult{}, err
	}

	// detected -> matching; a redelivered event finds the workflow already
	// advanced, which is fine.
	if _, err := m.store.AdvanceWorkflow(ctx, alert.ID, domain.PhaseDetected, domain.PhaseMatching, "ranking_donors", nil, nil); err != nil {
		return NotifyResult{}, err
	}

	ranked, err := m.rankCandidates(ctx, alert, hospital)
	if err != nil {
		return NotifyResult{}, err
	}

	if len(ranked) == 0 {
		// Nobody to notify: skip the response wait and hand straight over
		// to the inventory search.
		if _, err := m.store.AdvanceWorkflow(ctx, alert.ID, domain.PhaseMatching, domain.PhaseInventorySearch, "no_candidates", nil, nil); err != nil {
			return NotifyResult{}, err
		}
		if err := m.events.EnqueueEvent(ctx, domain.AgentEvent{
			ID:        uuid.NewString(),
			Type:      domain.EventInventorySearch,
			AgentType: domain.AgentInventory,
			RequestID: alert.ID,
			Payload:   mustJSON(domain.InventorySearchPayload{AlertID: alert.ID}),
		}, "invsearch-"+alert.ID); err != nil {
			return NotifyResult{}, err
		}
		logDecision(ctx, m.store, domain.AgentDonor, "no_candidates", alert.ID, ev.ID, map[string]any{
			"blood_type": alert.BloodType,
			"radius_km":  alert.SearchRadiusKm,
		}, 1.0)
		return NotifyResult{}, nil
	}

	notified := 0
	for _, cand := range ranked {
		if notified >= m.maxNotifications {
			break
		}
		created, err := m.store.CreateDonorResponse(ctx, domain.DonorResponse{
			ID:         uuid.NewString(),
			AlertID:    alert.ID,
			DonorID:    cand.donor.ID,
			Status:     domain.ResponseStatusNotified,
			MatchScore: cand.score,
		})
		if err != nil {
			m.logger.Printf("create response donor=%s alert=%s failed: %v", cand.donor.ID, alert.ID, err)
			continue
		}
		if !created {
			continue
		}
		if err := m.sender.Notify(ctx, cand.donor, alert); err != nil {
			m.logger.Printf("notify donor=%s alert=%s failed: %v", cand.donor.ID, alert.ID, err)
			continue
		}
		notified++
	}

	deadline := time.Now().UTC().Add(m.responseTimeout)
	if _, err := m.store.AdvanceWorkflow(ctx, alert.ID, domain.PhaseMatching, domain.PhaseAwaitingResponse, "awaiting_donor_responses", &deadline, map[string]string{
		domain.MetaDonorsNotified: strconv.Itoa(notified),
	}); err != nil {
		return NotifyResult{}, err
	}
	if _, err := m.store.UpdateAlertStatusIf(ctx, alert.ID, domain.AlertStatusPending, domain.AlertStatusActive); err != nil {
		return NotifyResult{}, err
	}

	if err := m.events.EnqueueEvent(ctx, domain.AgentEvent{
		ID:        uuid.NewString(),
		Type:      domain.EventDonorsNotified,
		AgentType: domain.AgentCoordinator,
		RequestID: alert.ID,
		Payload:   mustJSON(domain.DonorsNotifiedPayload{AlertID: alert.ID, DonorsNotified: notified}),
	}, "notified-"+alert.ID); err != nil {
		return NotifyResult{}, err
	}

	logDecision(ctx, m.store, domain.AgentDonor, "donors_notified", alert.ID, ev.ID, map[string]any{
		"candidates": len(ranked),
		"notified":   notified,
		"cap":        m.maxNotifications,
	}, 1.0)
	m.logger.Printf("notified %d/%d donors for alert=%s", notified, len(ranked), alert.ID)
	return NotifyResult{DonorsNotified: notified, Candidates: len(ranked)}, nil
}

func (m *DonorMatcher) rankCandidates(ctx context.Context, alert domain.Alert, hospital domain.Hospital) ([]rankedDonor, error) {
	types := domain.CompatibleDonorTypes(alert.BloodType)
	if types == nil {
		return nil, domain.Validationf("unknown blood type %q", alert.BloodType)
	}
	donors, err := m.store.ListDonorsByBloodTypes(ctx, types)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ranked := make([]rankedDonor, 0, len(donors))
	for _, d := range donors {
		if !d.Eligible(now) {
			continue
		}
		if d.LastDonationAt != nil {
			sinceDays := now.Sub(*d.LastDonationAt).Hours() / 24
			if sinceDays < float64(m.minIntervalDays) {
				continue
			}
		}
		dist := domain.HaversineKm(d.Latitude, d.Longitude, hospital.Latitude, hospital.Longitude)
		if alert.SearchRadiusKm > 0 && dist > alert.SearchRadiusKm {
			continue
		}
		ranked = append(ranked, rankedDonor{
			donor: d,
			score: m.scoreDonor(d, alert, dist, now),
			dist:  dist,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].donor.ID < ranked[j].donor.ID
	})
	return ranked, nil
}

// scoreDonor combines compatibility closeness, distance decay, historical
// reliability, donation recency, and response latency into one weighted sum.
func (m *DonorMatcher) scoreDonor(d domain.Donor, alert domain.Alert, distKm float64, now time.Time) float64 {
	compat := 0.8
	if d.BloodGroup == alert.BloodType {
		compat = 1.0
	}

	distance := 1.0
	if alert.SearchRadiusKm > 0 {
		distance = clamp01(1 - distKm/alert.SearchRadiusKm)
	}

	reliability := clamp01(d.ResponseRate) * math.Pow(0.8, float64(d.NoShowCount))

	recency := 1.0
	if d.LastDonationAt != nil {
		sinceDays := now.Sub(*d.LastDonationAt).Hours() / 24
		recency = clamp01((sinceDays - float64(m.minIntervalDays)) / float64(m.minIntervalDays))
	}

	responsiveness := 1.0
	if d.MedianResponseSec > 0 {
		responsiveness = clamp01(1 / (1 + float64(d.MedianResponseSec)/600))
	}

	score := weightCompatibility*compat +
		weightDistance*distance +
		weightReliability*reliability +
		weightRecency*recency +
		weightResponsiveness*responsiveness
	return math.Round(score*10000) / 10000
}
