package coordinator

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bloodgrid/internal/domain"
)

// Store is everything the coordinator needs from the durable layer. The
// sqlite store satisfies it.
type Store interface {
	GetHospital(ctx context.Context, hospitalID string) (domain.Hospital, error)
	GetDonor(ctx context.Context, donorID string) (domain.Donor, error)

	CreateAlert(ctx context.Context, a domain.Alert) error
	GetAlert(ctx context.Context, alertID string) (domain.Alert, error)
	FindOpenAlert(ctx context.Context, hospitalID string, bloodType domain.BloodType) (domain.Alert, bool, error)
	ListAlerts(ctx context.Context, status domain.AlertStatus, limit int) ([]domain.Alert, error)
	UpdateAlertStatusIf(ctx context.Context, alertID string, from, to domain.AlertStatus) (bool, error)

	GetDonorResponse(ctx context.Context, alertID, donorID string) (domain.DonorResponse, error)
	ListResponses(ctx context.Context, alertID string) ([]domain.DonorResponse, error)
	UpdateResponseStatusIf(ctx context.Context, alertID, donorID string, from, to domain.ResponseStatus, etaMinutes, responseTimeSec int) (bool, error)
	MarkResponseSelectedIf(ctx context.Context, alertID, donorID string) (bool, error)
	MarkResponseConfirmed(ctx context.Context, alertID, donorID string) (bool, error)
	MarkNotifiedAsNoResponse(ctx context.Context, alertID string) (int64, error)

	CreateWorkflowState(ctx context.Context, w domain.WorkflowState) error
	GetWorkflowState(ctx context.Context, requestID string) (domain.WorkflowState, error)
	AdvanceWorkflow(ctx context.Context, requestID string, from, to domain.WorkflowPhase, step string, deadline *time.Time, meta map[string]string) (bool, error)
	MergeWorkflowMetadata(ctx context.Context, requestID string, meta map[string]string) error
	ListOverdueAwaiting(ctx context.Context, now time.Time) ([]domain.WorkflowState, error)

	ListTransportsByRequest(ctx context.Context, requestID string) ([]domain.TransportRequest, error)
	UpdateTransportStatusIf(ctx context.Context, transportID string, from, to domain.TransportStatus) (bool, error)
	ReleaseInventory(ctx context.Context, hospitalID string, bloodType domain.BloodType, units int) (bool, error)
	ListExpiredReservations(ctx context.Context, now time.Time) ([]domain.TransportRequest, error)

	AppendEvent(ctx context.Context, ev domain.AgentEvent, dedupeKey string) (bool, error)
	ListDispatchableEvents(ctx context.Context, now time.Time, limit int) ([]domain.AgentEvent, error)
	ClaimEventForDispatch(ctx context.Context, eventID string, leaseUntil time.Time) (bool, error)
	MarkEventDelivered(ctx context.Context, eventID string) (bool, error)
	ListExpiredInFlightEvents(ctx context.Context, now time.Time) ([]domain.AgentEvent, error)
	MarkEventForRetry(ctx context.Context, eventID string, nextAttempt time.Time, lastErr string, maxAttempts int) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
	ListEventsByRequest(ctx context.Context, requestID string) ([]domain.AgentEvent, error)
	ListEvents(ctx context.Context, limit int) ([]domain.AgentEvent, error)

	LogDecision(ctx context.Context, d domain.AgentDecision) error
	ListDecisionsByRequest(ctx context.Context, requestID string) ([]domain.AgentDecision, error)
	ListDecisionsByAgent(ctx context.Context, agent domain.AgentType, limit int) ([]domain.AgentDecision, error)
	ListRecentDecisions(ctx context.Context, limit int) ([]domain.AgentDecision, error)
}

type Bus interface {
	Register(agent domain.AgentType) <-chan domain.AgentEvent
	Unregister(agent domain.AgentType)
	Publish(ev domain.AgentEvent) error
}

type Config struct {
	DispatchInterval time.Duration
	WatchdogInterval time.Duration
	SweepInterval    time.Duration
	RetryDelay       time.Duration
	MaxRetries       int
	DispatchLease    time.Duration
	ResponseTimeout  time.Duration

	// InventoryCheckInterval drives the periodic inventory_check events to
	// the hospital agent; zero disables the emitter.
	InventoryCheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 100 * time.Millisecond
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 1 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.DispatchLease <= 0 {
		c.DispatchLease = 30 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 30 * time.Minute
	}
	return c
}

// Service owns the per-alert workflow state machine and the plumbing that
// moves durable events from the store onto the in-process bus.
type Service struct {
	store  Store
	bus    Bus
	cfg    Config
	logger *log.Logger

	wg sync.WaitGroup
}

func New(store Store, bus Bus, cfg Config, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: store, bus: bus, cfg: cfg.withDefaults(), logger: logger}
}

func (s *Service) Start(ctx context.Context) {
	s.wg.Add(4)
	go func() {
		defer s.wg.Done()
		s.dispatchLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.watchdogLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.inboxLoop(ctx)
	}()
	if s.cfg.InventoryCheckInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.inventoryCheckLoop(ctx)
		}()
	}
}

func (s *Service) Wait() {
	s.wg.Wait()
}

// EnqueueEvent appends a durable event for the dispatch loop to deliver.
// Satisfies the agents' Publisher interface.
func (s *Service) EnqueueEvent(ctx context.Context, ev domain.AgentEvent, dedupeKey string) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := s.store.AppendEvent(ctx, ev, dedupeKey)
	return err
}

func (s *Service) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.dispatchOnce(ctx); err != nil {
				s.logger.Printf("dispatch loop error: %v", err)
			}
		}
	}
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

// withBusyRetry re-runs a store write that lost the SQLite write lock.
func withBusyRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < 6; attempt++ {
		err = fn()
		if !isSQLiteBusy(err) {
			return err
		}
		time.Sleep(time.Duration(30*(attempt+1)) * time.Millisecond)
	}
	return err
}

func (s *Service) dispatchOnce(ctx context.Context) error {
	now := time.Now().UTC()
	events, err := s.store.ListDispatchableEvents(ctx, now, 128)
	if err != nil {
		return err
	}
	for _, ev := range events {
		var claimed bool
		err := withBusyRetry(func() error {
			var claimErr error
			claimed, claimErr = s.store.ClaimEventForDispatch(ctx, ev.ID, now.Add(s.cfg.DispatchLease))
			return claimErr
		})
		if err != nil {
			s.logger.Printf("claim event failed event=%s: %v", ev.ID, err)
			continue
		}
		if !claimed {
			continue
		}

		if err := s.bus.Publish(ev); err != nil {
			retrying, retryErr := s.store.MarkEventForRetry(ctx, ev.ID, time.Now().UTC().Add(s.cfg.RetryDelay), err.Error(), s.cfg.MaxRetries)
			if retryErr != nil {
				s.logger.Printf("retry update failed event=%s: %v", ev.ID, retryErr)
				continue
			}
			if !retrying {
				s.logger.Printf("event %s exhausted retries: %v", ev.ID, err)
				s.logDecision(ctx, "event_failed", ev.RequestID, ev.ID, map[string]any{
					"type":       ev.Type,
					"agent_type": ev.AgentType,
					"last_error": err.Error(),
				})
			}
			continue
		}
		if _, err := s.store.MarkEventDelivered(ctx, ev.ID); err != nil {
			s.logger.Printf("mark delivered failed event=%s: %v", ev.ID, err)
		}
	}
	return nil
}

// watchdogLoop re-queues events whose dispatch lease expired without a
// delivery mark.
func (s *Service) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.watchdogOnce(ctx)
		}
	}
}

func (s *Service) watchdogOnce(ctx context.Context) {
	now := time.Now().UTC()
	stuck, err := s.store.ListExpiredInFlightEvents(ctx, now)
	if err != nil {
		s.logger.Printf("watchdog list in-flight error: %v", err)
		return
	}
	for _, ev := range stuck {
		if _, err := s.store.MarkEventForRetry(ctx, ev.ID, now.Add(s.cfg.RetryDelay), "dispatch lease expired", s.cfg.MaxRetries); err != nil {
			s.logger.Printf("requeue event %s error: %v", ev.ID, err)
		}
	}
}

// sweepLoop fires the no-response timeout on overdue workflows and lapses
// expired inventory reservations.
func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	overdue, err := s.store.ListOverdueAwaiting(ctx, now)
	if err != nil {
		s.logger.Printf("sweep list overdue error: %v", err)
	} else {
		for _, w := range overdue {
			if _, err := s.HandleNoResponseTimeout(ctx, w.RequestID); err != nil {
				s.logger.Printf("timeout sweep request=%s error: %v", w.RequestID, err)
			}
		}
	}

	expired, err := s.store.ListExpiredReservations(ctx, now)
	if err != nil {
		s.logger.Printf("sweep list reservations error: %v", err)
		return
	}
	for _, t := range expired {
		cancelled, err := s.store.UpdateTransportStatusIf(ctx, t.ID, domain.TransportStatusPlanned, domain.TransportStatusCancelled)
		if err != nil {
			s.logger.Printf("cancel expired transport %s error: %v", t.ID, err)
			continue
		}
		if !cancelled {
			continue
		}
		if _, err := s.store.ReleaseInventory(ctx, t.FromHospitalID, t.BloodType, t.Units); err != nil {
			s.logger.Printf("release expired reservation %s error: %v", t.ID, err)
			continue
		}
		s.logDecision(ctx, "reservation_expired", t.RequestID, "", map[string]any{
			"transport_id":    t.ID,
			"source_hospital": t.FromHospitalID,
			"units":           t.Units,
		})
	}
}

// inboxLoop consumes the coordinator's own bus subscription: notification
// fan-out completions and finished transport plans.
// inventoryCheckLoop prompts the hospital agent to sweep its stock levels.
// The dedupe key is bucketed on the interval so overlapping coordinators
// emit one check per window.
func (s *Service) inventoryCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.InventoryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			bucket := now.UTC().Truncate(s.cfg.InventoryCheckInterval).Unix()
			err := s.EnqueueEvent(ctx, domain.AgentEvent{
				Type:      domain.EventInventoryCheck,
				AgentType: domain.AgentHospital,
				Payload:   mustJSON(domain.InventoryCheckPayload{}),
			}, "invcheck-"+strconv.FormatInt(bucket, 10))
			if err != nil {
				s.logger.Printf("enqueue inventory check failed: %v", err)
			}
		}
	}
}

func (s *Service) inboxLoop(ctx context.Context) {
	ch := s.bus.Register(domain.AgentCoordinator)
	defer s.bus.Unregister(domain.AgentCoordinator)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, ev domain.AgentEvent) {
	var claimed bool
	err := withBusyRetry(func() error {
		var markErr error
		claimed, markErr = s.store.MarkEventProcessed(ctx, ev.ID)
		return markErr
	})
	if err != nil {
		s.logger.Printf("coordinator mark processed failed: %v", err)
		return
	}
	if !claimed {
		return
	}

	switch ev.Type {
	case domain.EventDonorsNotified:
		var payload domain.DonorsNotifiedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			s.logger.Printf("coordinator parse donors_notified failed: %v", err)
			return
		}
		s.logDecision(ctx, "donors_notified_observed", ev.RequestID, ev.ID, payload)
		if payload.DonorsNotified == 0 {
			// Fan-out reached nobody; fall back without waiting out the window.
			if _, err := s.HandleNoResponseTimeout(ctx, ev.RequestID); err != nil {
				s.logger.Printf("immediate fallback request=%s error: %v", ev.RequestID, err)
			}
		}
	case domain.EventTransportPlanned:
		var payload domain.TransportPlannedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			s.logger.Printf("coordinator parse transport_planned failed: %v", err)
			return
		}
		s.logDecision(ctx, "transport_planned_observed", ev.RequestID, ev.ID, payload)
	default:
		s.logger.Printf("coordinator ignored event type %s", ev.Type)
	}
}

type CreateAlertInput struct {
	HospitalID     string           `json:"hospital_id"`
	BloodType      domain.BloodType `json:"blood_type"`
	Urgency        domain.Urgency   `json:"urgency"`
	UnitsNeeded    int              `json:"units_needed"`
	SearchRadiusKm float64          `json:"search_radius_km"`
	Description    string           `json:"description"`
}

// CreateAlert is the manual ingress path: an operator raises a shortage
// directly instead of waiting for the inventory sweep.
func (s *Service) CreateAlert(ctx context.Context, in CreateAlertInput) (domain.Alert, error) {
	if in.HospitalID == "" {
		return domain.Alert{}, domain.Validationf("hospital id is required")
	}
	if !domain.ValidBloodType(in.BloodType) {
		return domain.Alert{}, domain.Validationf("unknown blood type %q", in.BloodType)
	}
	switch in.Urgency {
	case domain.UrgencyLow, domain.UrgencyMedium, domain.UrgencyHigh, domain.UrgencyCritical:
	default:
		return domain.Alert{}, domain.Validationf("unknown urgency %q", in.Urgency)
	}
	if in.UnitsNeeded <= 0 {
		in.UnitsNeeded = 1
	}
	if in.SearchRadiusKm <= 0 {
		in.SearchRadiusKm = 25
	}
	if _, err := s.store.GetHospital(ctx, in.HospitalID); err != nil {
		return domain.Alert{}, err
	}
	if existing, found, err := s.store.FindOpenAlert(ctx, in.HospitalID, in.BloodType); err != nil {
		return domain.Alert{}, err
	} else if found {
		return domain.Alert{}, domain.Conflictf("open alert %s already exists for %s/%s", existing.ID, in.HospitalID, in.BloodType)
	}

	now := time.Now().UTC()
	alert := domain.Alert{
		ID:             uuid.NewString(),
		HospitalID:     in.HospitalID,
		BloodType:      in.BloodType,
		Urgency:        in.Urgency,
		UnitsNeeded:    in.UnitsNeeded,
		SearchRadiusKm: in.SearchRadiusKm,
		Status:         domain.AlertStatusPending,
		AutoDetected:   false,
		Description:    in.Description,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateAlert(ctx, alert); err != nil {
		return domain.Alert{}, err
	}
	if err := s.store.CreateWorkflowState(ctx, domain.WorkflowState{
		RequestID:   alert.ID,
		Status:      domain.PhaseDetected,
		CurrentStep: "shortage_reported",
	}); err != nil {
		return domain.Alert{}, err
	}
	if err := s.EnqueueEvent(ctx, domain.AgentEvent{
		Type:      domain.EventShortageDetected,
		AgentType: domain.AgentDonor,
		RequestID: alert.ID,
		Payload: mustJSON(domain.ShortagePayload{
			AlertID:        alert.ID,
			HospitalID:     alert.HospitalID,
			BloodType:      alert.BloodType,
			Urgency:        alert.Urgency,
			UnitsNeeded:    alert.UnitsNeeded,
			SearchRadiusKm: alert.SearchRadiusKm,
		}),
	}, "shortage-"+alert.ID); err != nil {
		return domain.Alert{}, err
	}
	s.logDecision(ctx, "alert_created", alert.ID, "", map[string]any{
		"hospital_id": alert.HospitalID,
		"blood_type":  alert.BloodType,
		"urgency":     alert.Urgency,
		"manual":      true,
	})
	return alert, nil
}

type DonorResponseInput struct {
	RequestID       string                `json:"request_id"`
	DonorID         string                `json:"donor_id"`
	Status          domain.ResponseStatus `json:"status"`
	ETAMinutes      int                   `json:"eta_minutes"`
	ResponseTimeSec int                   `json:"response_time_sec"`
}

// ProcessDonorResponse records a donor's ACCEPTED or DECLINED answer. Only a
// donor holding a NOTIFIED response slot for the alert may answer, and only
// once.
func (s *Service) ProcessDonorResponse(ctx context.Context, in DonorResponseInput) (domain.DonorResponse, error) {
	if in.RequestID == "" || in.DonorID == "" {
		return domain.DonorResponse{}, domain.Validationf("request id and donor id are required")
	}
	if in.Status != domain.ResponseStatusAccepted && in.Status != domain.ResponseStatusDeclined {
		return domain.DonorResponse{}, domain.Validationf("response status must be ACCEPTED or DECLINED, got %q", in.Status)
	}
	alert, err := s.store.GetAlert(ctx, in.RequestID)
	if err != nil {
		return domain.DonorResponse{}, err
	}
	if alert.Status.Terminal() {
		return domain.DonorResponse{}, domain.Conflictf("alert %s is already %s", alert.ID, alert.Status)
	}

	updated, err := s.store.UpdateResponseStatusIf(ctx, in.RequestID, in.DonorID, domain.ResponseStatusNotified, in.Status, in.ETAMinutes, in.ResponseTimeSec)
	if err != nil {
		return domain.DonorResponse{}, err
	}
	if !updated {
		return domain.DonorResponse{}, domain.Validationf("no notified response for donor %s on alert %s", in.DonorID, in.RequestID)
	}

	s.logDecision(ctx, "donor_response", in.RequestID, "", map[string]any{
		"donor_id":          in.DonorID,
		"status":            in.Status,
		"eta_minutes":       in.ETAMinutes,
		"response_time_sec": in.ResponseTimeSec,
	})
	return s.store.GetDonorResponse(ctx, in.RequestID, in.DonorID)
}

// SelectOptimalMatch picks the single best ACCEPTED response: lowest ETA,
// reliability breaking ETA ties, earliest reply breaking both. Unselected
// accepted responses stay ACCEPTED for manual override.
func (s *Service) SelectOptimalMatch(ctx context.Context, requestID string) (domain.DonorResponse, error) {
	responses, err := s.store.ListResponses(ctx, requestID)
	if err != nil {
		return domain.DonorResponse{}, err
	}
	accepted := make([]domain.DonorResponse, 0, len(responses))
	for _, r := range responses {
		if r.Status == domain.ResponseStatusAccepted {
			accepted = append(accepted, r)
		}
	}
	if len(accepted) == 0 {
		return domain.DonorResponse{}, domain.NotFoundf("no accepted responses for alert %s", requestID)
	}

	reliability := make(map[string]float64, len(accepted))
	for _, r := range accepted {
		donor, err := s.store.GetDonor(ctx, r.DonorID)
		if err != nil {
			s.logger.Printf("reliability lookup donor=%s failed: %v", r.DonorID, err)
			reliability[r.DonorID] = 0
			continue
		}
		reliability[r.DonorID] = donor.ResponseRate
	}

	sort.SliceStable(accepted, func(i, j int) bool {
		if accepted[i].ETAMinutes != accepted[j].ETAMinutes {
			return accepted[i].ETAMinutes < accepted[j].ETAMinutes
		}
		ri, rj := reliability[accepted[i].DonorID], reliability[accepted[j].DonorID]
		if ri != rj {
			return ri > rj
		}
		ti, tj := respondedAt(accepted[i]), respondedAt(accepted[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return accepted[i].DonorID < accepted[j].DonorID
	})
	chosen := accepted[0]

	selected, err := s.store.MarkResponseSelectedIf(ctx, requestID, chosen.DonorID)
	if err != nil {
		return domain.DonorResponse{}, err
	}
	if !selected {
		return domain.DonorResponse{}, domain.Conflictf("a match is already selected for alert %s", requestID)
	}
	advanced, err := s.store.AdvanceWorkflow(ctx, requestID, domain.PhaseAwaitingResponse, domain.PhaseTransportPlanning, "donor_selected", nil, map[string]string{
		domain.MetaSelectedDonor: chosen.DonorID,
	})
	if err != nil {
		return domain.DonorResponse{}, err
	}
	if !advanced {
		return domain.DonorResponse{}, domain.Conflictf("workflow %s left awaiting_response before selection landed", requestID)
	}

	s.logDecision(ctx, "match_selected", requestID, "", map[string]any{
		"donor_id":    chosen.DonorID,
		"eta_minutes": chosen.ETAMinutes,
		"reliability": reliability[chosen.DonorID],
		"accepted":    len(accepted),
	})
	return s.store.GetDonorResponse(ctx, requestID, chosen.DonorID)
}

type TimeoutResult struct {
	Advanced  bool   `json:"advanced"`
	MarkedOut int64  `json:"marked_no_response"`
	Reason    string `json:"reason"`
}

// HandleNoResponseTimeout closes the donor wait window. Timeout firing is
// racy against late acceptances, so every path through here is a no-op when
// the workflow has already moved on.
func (s *Service) HandleNoResponseTimeout(ctx context.Context, requestID string) (TimeoutResult, error) {
	w, err := s.store.GetWorkflowState(ctx, requestID)
	if err != nil {
		return TimeoutResult{}, err
	}
	if w.Status != domain.PhaseAwaitingResponse {
		return TimeoutResult{Advanced: false, Reason: "workflow already past awaiting_response"}, nil
	}

	responses, err := s.store.ListResponses(ctx, requestID)
	if err != nil {
		return TimeoutResult{}, err
	}
	for _, r := range responses {
		if r.Status == domain.ResponseStatusAccepted {
			return TimeoutResult{Advanced: false, Reason: "accepted response present"}, nil
		}
	}

	advanced, err := s.store.AdvanceWorkflow(ctx, requestID, domain.PhaseAwaitingResponse, domain.PhaseInventorySearch, "no_response_timeout", nil, map[string]string{
		domain.MetaTimeoutAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return TimeoutResult{}, err
	}
	if !advanced {
		// Lost the race to a concurrent invocation; same outcome.
		return TimeoutResult{Advanced: false, Reason: "workflow already past awaiting_response"}, nil
	}

	marked, err := s.store.MarkNotifiedAsNoResponse(ctx, requestID)
	if err != nil {
		return TimeoutResult{}, err
	}
	if err := s.EnqueueEvent(ctx, domain.AgentEvent{
		Type:      domain.EventInventorySearch,
		AgentType: domain.AgentInventory,
		RequestID: requestID,
		Payload:   mustJSON(domain.InventorySearchPayload{AlertID: requestID}),
	}, "invsearch-"+requestID); err != nil {
		return TimeoutResult{}, err
	}

	s.logDecision(ctx, "no_response_timeout", requestID, "", map[string]any{
		"marked_no_response": marked,
	})
	return TimeoutResult{Advanced: true, MarkedOut: marked, Reason: "timeout fired"}, nil
}

// ConfirmDonorArrival marks the selected donor's response CONFIRMED. This is
// the only path permitted to close an alert through the registered-donor
// fulfillment source. Any standing inventory reservation for the alert is
// released; the donor showing up supersedes the transfer.
func (s *Service) ConfirmDonorArrival(ctx context.Context, requestID, donorID string) (domain.DonorResponse, error) {
	if requestID == "" || donorID == "" {
		return domain.DonorResponse{}, domain.Validationf("request id and donor id are required")
	}
	r, err := s.store.GetDonorResponse(ctx, requestID, donorID)
	if err != nil {
		return domain.DonorResponse{}, err
	}
	if !r.Selected {
		return domain.DonorResponse{}, domain.Conflictf("donor %s is not the selected match for alert %s", donorID, requestID)
	}
	confirmed, err := s.store.MarkResponseConfirmed(ctx, requestID, donorID)
	if err != nil {
		return domain.DonorResponse{}, err
	}
	if !confirmed {
		return domain.DonorResponse{}, domain.Conflictf("donor %s arrival already confirmed for alert %s", donorID, requestID)
	}

	if err := s.releaseReservations(ctx, requestID); err != nil {
		s.logger.Printf("release reservations on arrival request=%s error: %v", requestID, err)
	}

	s.logDecision(ctx, "donor_arrived", requestID, "", map[string]any{"donor_id": donorID})
	return s.store.GetDonorResponse(ctx, requestID, donorID)
}

// CloseAlert resolves an alert through one of the fulfillment sources and
// moves both the alert and its workflow to their terminal fulfilled states.
func (s *Service) CloseAlert(ctx context.Context, alertID string, details domain.FulfillmentDetails) (domain.WorkflowState, error) {
	if !domain.ValidFulfillmentSource(details.Source) {
		return domain.WorkflowState{}, domain.Validationf("unknown fulfillment source %q", details.Source)
	}
	alert, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	if alert.Status.Terminal() {
		return domain.WorkflowState{}, domain.Conflictf("alert %s is already %s", alertID, alert.Status)
	}
	w, err := s.store.GetWorkflowState(ctx, alertID)
	if err != nil {
		return domain.WorkflowState{}, err
	}

	if details.Source == domain.SourceRegisteredDonors {
		responses, err := s.store.ListResponses(ctx, alertID)
		if err != nil {
			return domain.WorkflowState{}, err
		}
		anyConfirmed := false
		for _, r := range responses {
			if r.Confirmed {
				anyConfirmed = true
				break
			}
		}
		if !anyConfirmed {
			return domain.WorkflowState{}, domain.Conflictf("alert %s has no confirmed donor arrival", alertID)
		}
	}

	meta := map[string]string{
		domain.MetaFulfilledAt:       time.Now().UTC().Format(time.RFC3339),
		domain.MetaFulfillmentSource: string(details.Source),
	}
	if details.ExternalEmail != "" {
		meta[domain.MetaExternalEmail] = details.ExternalEmail
	}
	if details.Details != "" {
		meta[domain.MetaDetails] = details.Details
	}
	if details.SourceHospitalID != "" {
		meta[domain.MetaInventorySource] = details.SourceHospitalID
	}
	if len(details.DonorIDs) > 0 {
		meta["fulfillment_donor_count"] = strconv.Itoa(len(details.DonorIDs))
	}

	advanced, err := s.store.AdvanceWorkflow(ctx, alertID, w.Status, domain.PhaseFulfilled, "closed", nil, meta)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	if !advanced {
		return domain.WorkflowState{}, domain.Conflictf("workflow %s changed phase during close", alertID)
	}
	if _, err := s.store.UpdateAlertStatusIf(ctx, alertID, alert.Status, domain.AlertStatusFulfilled); err != nil {
		return domain.WorkflowState{}, err
	}

	// A pending transfer is only kept when the closure came through it.
	if details.Source != domain.SourceHospitalBank {
		if err := s.releaseReservations(ctx, alertID); err != nil {
			s.logger.Printf("release reservations on close request=%s error: %v", alertID, err)
		}
	}

	s.logDecision(ctx, "alert_closed", alertID, "", map[string]any{
		"source":  details.Source,
		"details": details.Details,
	})
	return s.store.GetWorkflowState(ctx, alertID)
}

// ExpireAlert moves a stalled alert into the absorbing expired state from any
// non-terminal phase.
func (s *Service) ExpireAlert(ctx context.Context, alertID string) (domain.WorkflowState, error) {
	alert, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	if alert.Status.Terminal() {
		return domain.WorkflowState{}, domain.Conflictf("alert %s is already %s", alertID, alert.Status)
	}
	w, err := s.store.GetWorkflowState(ctx, alertID)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	if domain.IsTerminalPhase(w.Status) {
		return domain.WorkflowState{}, domain.Conflictf("workflow %s is already terminal", alertID)
	}

	advanced, err := s.store.AdvanceWorkflow(ctx, alertID, w.Status, domain.PhaseExpired, "expired", nil, nil)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	if !advanced {
		return domain.WorkflowState{}, domain.Conflictf("workflow %s changed phase during expiry", alertID)
	}
	if _, err := s.store.UpdateAlertStatusIf(ctx, alertID, alert.Status, domain.AlertStatusExpired); err != nil {
		return domain.WorkflowState{}, err
	}
	if err := s.releaseReservations(ctx, alertID); err != nil {
		s.logger.Printf("release reservations on expiry request=%s error: %v", alertID, err)
	}
	s.logDecision(ctx, "alert_expired", alertID, "", nil)
	return s.store.GetWorkflowState(ctx, alertID)
}

func (s *Service) releaseReservations(ctx context.Context, requestID string) error {
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
	}
	return nil
}

func (s *Service) GetAlert(ctx context.Context, alertID string) (domain.Alert, error) {
	return s.store.GetAlert(ctx, alertID)
}

func (s *Service) ListAlerts(ctx context.Context, status domain.AlertStatus, limit int) ([]domain.Alert, error) {
	return s.store.ListAlerts(ctx, status, limit)
}

func (s *Service) GetWorkflowState(ctx context.Context, requestID string) (domain.WorkflowState, error) {
	return s.store.GetWorkflowState(ctx, requestID)
}

func (s *Service) ListResponses(ctx context.Context, requestID string) ([]domain.DonorResponse, error) {
	return s.store.ListResponses(ctx, requestID)
}

func (s *Service) ListEventsByRequest(ctx context.Context, requestID string) ([]domain.AgentEvent, error) {
	return s.store.ListEventsByRequest(ctx, requestID)
}

func (s *Service) ListDecisionsByRequest(ctx context.Context, requestID string) ([]domain.AgentDecision, error) {
	return s.store.ListDecisionsByRequest(ctx, requestID)
}

func (s *Service) ListDecisionsByAgent(ctx context.Context, agent domain.AgentType, limit int) ([]domain.AgentDecision, error) {
	return s.store.ListDecisionsByAgent(ctx, agent, limit)
}

func (s *Service) ListRecentDecisions(ctx context.Context, limit int) ([]domain.AgentDecision, error) {
	return s.store.ListRecentDecisions(ctx, limit)
}

func (s *Service) logDecision(ctx context.Context, eventType, requestID, eventID string, payload any) {
	raw := json.RawMessage(`{}`)
	if payload != nil {
		raw = mustJSON(payload)
	}
	_ = s.store.LogDecision(ctx, domain.AgentDecision{
		AgentType:  domain.AgentCoordinator,
		EventType:  eventType,
		RequestID:  requestID,
		EventID:    eventID,
		Decision:   raw,
		Confidence: 1.0,
	})
}

func respondedAt(r domain.DonorResponse) time.Time {
	if r.RespondedAt != nil {
		return *r.RespondedAt
	}
	return r.NotifiedAt
}

func mustJSON(v any) json.RawMessage {
	payload, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return payload
}
