package agent

import (
	"context"
	"encoding/json"
	"time"

	"bloodgrid/internal/domain"
)

// EventQueue is the in-process fan-out the dispatcher pushes durable events
// into, one subscriber channel per agent type.
type EventQueue interface {
	Register(agent domain.AgentType) <-chan domain.AgentEvent
	Unregister(agent domain.AgentType)
}

// Publisher appends a durable event for another agent. Delivery happens
// asynchronously through the dispatch loop; the dedupe key makes repeated
// appends of the same logical event a no-op.
type Publisher interface {
	EnqueueEvent(ctx context.Context, ev domain.AgentEvent, dedupeKey string) error
}

// Store is the slice of the durable store the agents touch. The coordinator
// owns workflow arbitration; agents stick to their own tables plus the shared
// decision log and the processed bit on their inbound events.
type Store interface {
	GetHospital(ctx context.Context, hospitalID string) (domain.Hospital, error)
	ListHospitals(ctx context.Context) ([]domain.Hospital, error)

	GetDonor(ctx context.Context, donorID string) (domain.Donor, error)
	ListDonorsByBloodTypes(ctx context.Context, types []domain.BloodType) ([]domain.Donor, error)
	UpdateDonorVerificationIf(ctx context.Context, donorID string, expectStrikes int, status domain.VerificationStatus, strikes int, suspendedUntil *time.Time) (bool, error)

	GetInventoryLevel(ctx context.Context, hospitalID string, bloodType domain.BloodType) (domain.InventoryLevel, error)
	ListInventoryLevels(ctx context.Context) ([]domain.InventoryLevel, error)
	ListInventoryByBloodType(ctx context.Context, bloodType domain.BloodType) ([]domain.InventoryLevel, error)
	ReserveInventory(ctx context.Context, hospitalID string, bloodType domain.BloodType, units int) (bool, error)
	ReleaseInventory(ctx context.Context, hospitalID string, bloodType domain.BloodType, units int) (bool, error)
	ConsumeReservedInventory(ctx context.Context, hospitalID string, bloodType domain.BloodType, units int) (bool, error)
	AddInventory(ctx context.Context, hospitalID string, bloodType domain.BloodType, units int) error

	CreateAlert(ctx context.Context, a domain.Alert) error
	GetAlert(ctx context.Context, alertID string) (domain.Alert, error)
	FindOpenAlert(ctx context.Context, hospitalID string, bloodType domain.BloodType) (domain.Alert, bool, error)
	UpdateAlertStatusIf(ctx context.Context, alertID string, from, to domain.AlertStatus) (bool, error)

	CreateDonorResponse(ctx context.Context, r domain.DonorResponse) (bool, error)

	CreateWorkflowState(ctx context.Context, w domain.WorkflowState) error
	GetWorkflowState(ctx context.Context, requestID string) (domain.WorkflowState, error)
	AdvanceWorkflow(ctx context.Context, requestID string, from, to domain.WorkflowPhase, step string, deadline *time.Time, meta map[string]string) (bool, error)
	MergeWorkflowMetadata(ctx context.Context, requestID string, meta map[string]string) error

	CreateTransportRequest(ctx context.Context, t domain.TransportRequest) error
	GetTransportRequest(ctx context.Context, transportID string) (domain.TransportRequest, error)
	ListTransportsByRequest(ctx context.Context, requestID string) ([]domain.TransportRequest, error)
	UpdateTransportPlanIf(ctx context.Context, transportID string, method domain.TransportMethod, etaMinutes int) (bool, error)
	UpdateTransportStatusIf(ctx context.Context, transportID string, from, to domain.TransportStatus) (bool, error)

	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
	LogDecision(ctx context.Context, d domain.AgentDecision) error
}

// runLoop drains one agent's subscriber channel until the context ends.
func runLoop(ctx context.Context, queue EventQueue, agent domain.AgentType, handle func(ctx context.Context, ev domain.AgentEvent)) {
	ch := queue.Register(agent)
	go func() {
		defer queue.Unregister(agent)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				handle(ctx, ev)
			}
		}
	}()
}

func mustJSON(v any) json.RawMessage {
	payload, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return payload
}

func logDecision(ctx context.Context, store Store, agent domain.AgentType, eventType, requestID, eventID string, decision any, confidence float64) {
	if store == nil {
		return
	}
	_ = store.LogDecision(ctx, domain.AgentDecision{
		AgentType:  agent,
		EventType:  eventType,
		RequestID:  requestID,
		EventID:    eventID,
		Decision:   mustJSON(decision),
		Confidence: confidence,
	})
}
