package domain

import (
	"encoding/json"
	"time"
)

type BloodType string

const (
	BloodONeg  BloodType = "O-"
	BloodOPos  BloodType = "O+"
	BloodANeg  BloodType = "A-"
	BloodAPos  BloodType = "A+"
	BloodBNeg  BloodType = "B-"
	BloodBPos  BloodType = "B+"
	BloodABNeg BloodType = "AB-"
	BloodABPos BloodType = "AB+"
)

type Urgency string

const (
	UrgencyLow      Urgency = "LOW"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyCritical Urgency = "CRITICAL"
)

type AlertStatus string

const (
	AlertStatusPending   AlertStatus = "PENDING"
	AlertStatusActive    AlertStatus = "ACTIVE"
	AlertStatusFulfilled AlertStatus = "FULFILLED"
	AlertStatusExpired   AlertStatus = "EXPIRED"
)

type ResponseStatus string

const (
	ResponseStatusNotified   ResponseStatus = "NOTIFIED"
	ResponseStatusAccepted   ResponseStatus = "ACCEPTED"
	ResponseStatusDeclined   ResponseStatus = "DECLINED"
	ResponseStatusConfirmed  ResponseStatus = "CONFIRMED"
	ResponseStatusNoResponse ResponseStatus = "NO_RESPONSE"
)

// WorkflowPhase is the canonical per-alert fulfillment phase. Phases only
// advance forward through the ordering below; expired is an absorbing state
// reachable from any non-terminal phase.
type WorkflowPhase string

const (
	PhaseDetected          WorkflowPhase = "detected"
	PhaseMatching          WorkflowPhase = "matching"
	PhaseAwaitingResponse  WorkflowPhase = "awaiting_response"
	PhaseInventorySearch   WorkflowPhase = "inventory_search"
	PhaseTransportPlanning WorkflowPhase = "transport_planning"
	PhaseFulfilled         WorkflowPhase = "fulfilled"
	PhaseExpired           WorkflowPhase = "expired"
)

var phaseOrder = map[WorkflowPhase]int{
	PhaseDetected:          0,
	PhaseMatching:          1,
	PhaseAwaitingResponse:  2,
	PhaseInventorySearch:   3,
	PhaseTransportPlanning: 4,
	PhaseFulfilled:         5,
}

// PhaseAdvances reports whether moving between two phases is a forward
// transition. Expired is allowed from any non-terminal phase.
func PhaseAdvances(from, to WorkflowPhase) bool {
	if from == PhaseFulfilled || from == PhaseExpired {
		return false
	}
	if to == PhaseExpired {
		return true
	}
	a, ok := phaseOrder[from]
	if !ok {
		return false
	}
	b, ok := phaseOrder[to]
	if !ok {
		return false
	}
	return b > a
}

func IsTerminalPhase(phase WorkflowPhase) bool {
	return phase == PhaseFulfilled || phase == PhaseExpired
}

type TransportStatus string

const (
	TransportStatusPlanned   TransportStatus = "PLANNED"
	TransportStatusInTransit TransportStatus = "IN_TRANSIT"
	TransportStatusDelivered TransportStatus = "DELIVERED"
	TransportStatusCancelled TransportStatus = "CANCELLED"
)

type TransportMethod string

const (
	TransportCourier TransportMethod = "courier"
	TransportMedical TransportMethod = "medical_transport"
	TransportDonor   TransportMethod = "donor_travel"
)

type TravelMode string

const (
	TravelWalk    TravelMode = "walk"
	TravelDrive   TravelMode = "drive"
	TravelTransit TravelMode = "transit"
)

type VerificationStatus string

const (
	VerificationPending   VerificationStatus = "pending"
	VerificationApproved  VerificationStatus = "approved"
	VerificationFlagged   VerificationStatus = "flagged"
	VerificationRejected  VerificationStatus = "rejected"
	VerificationSuspended VerificationStatus = "suspended"
)

type AgentType string

const (
	AgentHospital     AgentType = "hospital"
	AgentDonor        AgentType = "donor"
	AgentCoordinator  AgentType = "coordinator"
	AgentInventory    AgentType = "inventory"
	AgentLogistics    AgentType = "logistics"
	AgentVerification AgentType = "verification"
)

type FulfillmentSource string

const (
	SourceRegisteredDonors FulfillmentSource = "registered_donors"
	SourceExternalDonor    FulfillmentSource = "external_donor"
	SourceHospitalBank     FulfillmentSource = "hospital_bloodbank"
	SourceOther            FulfillmentSource = "other"
)

func ValidFulfillmentSource(s FulfillmentSource) bool {
	switch s {
	case SourceRegisteredDonors, SourceExternalDonor, SourceHospitalBank, SourceOther:
		return true
	}
	return false
}

// EventStatus tracks an event through the durable queue: pending rows are
// claimed for dispatch, delivered rows await the receiving agent's processed
// mark, failed rows exhausted their retry budget.
type EventStatus string

const (
	EventStatusPending     EventStatus = "pending"
	EventStatusDispatching EventStatus = "dispatching"
	EventStatusDelivered   EventStatus = "delivered"
	EventStatusFailed      EventStatus = "failed"
)

type EventType string

const (
	EventShortageDetected  EventType = "shortage_detected"
	EventDonorsNotified    EventType = "donors_notified"
	EventInventorySearch   EventType = "inventory_search_requested"
	EventInventoryReserved EventType = "inventory_reserved"
	EventTransportPlanned  EventType = "transport_planned"
	EventInventoryCheck    EventType = "inventory_check"
	EventWorkflowClosed    EventType = "workflow_closed"
)

type Hospital struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	CreatedAt time.Time `json:"created_at"`
}

type Donor struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	BloodGroup         BloodType          `json:"blood_group"`
	Latitude           float64            `json:"latitude"`
	Longitude          float64            `json:"longitude"`
	DateOfBirth        string             `json:"date_of_birth"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	StrikeCount        int                `json:"strike_count"`
	SuspendedUntil     *time.Time         `json:"suspended_until,omitempty"`
	LastDonationAt     *time.Time         `json:"last_donation_at,omitempty"`
	ResponseRate       float64            `json:"response_rate"`
	NoShowCount        int                `json:"no_show_count"`
	MedianResponseSec  int                `json:"median_response_sec"`
	CreatedAt          time.Time          `json:"created_at"`
}

// Suspended reports whether the donor is suspended right now. Suspension is
// recomputed from suspended_until at read time; the stored verification
// status alone is never trusted for this.
func (d Donor) Suspended(now time.Time) bool {
	return d.SuspendedUntil != nil && now.Before(*d.SuspendedUntil)
}

// Eligible reports whether the donor may enter a candidate pool. A donor
// whose suspension window has elapsed is eligible again even before the
// explicit reactivation check clears the stored status.
func (d Donor) Eligible(now time.Time) bool {
	if d.Suspended(now) {
		return false
	}
	if d.VerificationStatus == VerificationApproved {
		return true
	}
	return d.VerificationStatus == VerificationSuspended &&
		d.SuspendedUntil != nil && !now.Before(*d.SuspendedUntil)
}

type InventoryLevel struct {
	ID             int64      `json:"id"`
	HospitalID     string     `json:"hospital_id"`
	BloodType      BloodType  `json:"blood_type"`
	UnitsAvailable int        `json:"units_available"`
	UnitsReserved  int        `json:"units_reserved"`
	ThresholdUnits int        `json:"threshold_units"`
	LastRestockAt  *time.Time `json:"last_restock_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type Alert struct {
	ID             string      `json:"id"`
	HospitalID     string      `json:"hospital_id"`
	BloodType      BloodType   `json:"blood_type"`
	Urgency        Urgency     `json:"urgency"`
	UnitsNeeded    int         `json:"units_needed"`
	SearchRadiusKm float64     `json:"search_radius_km"`
	Status         AlertStatus `json:"status"`
	AutoDetected   bool        `json:"auto_detected"`
	PriorityScore  float64     `json:"priority_score"`
	Description    string      `json:"description,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func (s AlertStatus) Terminal() bool {
	return s == AlertStatusFulfilled || s == AlertStatusExpired
}

type DonorResponse struct {
	ID              string         `json:"id"`
	AlertID         string         `json:"alert_id"`
	DonorID         string         `json:"donor_id"`
	Status          ResponseStatus `json:"status"`
	ETAMinutes      int            `json:"eta_minutes"`
	ResponseTimeSec int            `json:"response_time_sec"`
	MatchScore      float64        `json:"match_score"`
	Selected        bool           `json:"selected"`
	Confirmed       bool           `json:"confirmed"`
	NotifiedAt      time.Time      `json:"notified_at"`
	RespondedAt     *time.Time     `json:"responded_at,omitempty"`
}

type AgentEvent struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AgentType     AgentType       `json:"agent_type"`
	RequestID     string          `json:"request_id"`
	Payload       json.RawMessage `json:"payload"`
	Status        EventStatus     `json:"status"`
	Processed     bool            `json:"processed"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AgentDecision is the append-only audit record every agent writes for each
// decision it takes. Rows are never mutated.
type AgentDecision struct {
	ID         int64           `json:"id"`
	AgentType  AgentType       `json:"agent_type"`
	EventType  string          `json:"event_type"`
	RequestID  string          `json:"request_id"`
	EventID    string          `json:"event_id,omitempty"`
	Decision   json.RawMessage `json:"decision"`
	Confidence float64         `json:"confidence"`
	CreatedAt  time.Time       `json:"created_at"`
}

type WorkflowState struct {
	RequestID          string            `json:"request_id"`
	Status             WorkflowPhase     `json:"status"`
	CurrentStep        string            `json:"current_step"`
	Metadata           map[string]string `json:"metadata"`
	ResponseDeadlineAt *time.Time        `json:"response_deadline_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

type TransportRequest struct {
	ID               string          `json:"id"`
	RequestID        string          `json:"request_id"`
	FromHospitalID   string          `json:"from_hospital_id"`
	ToHospitalID     string          `json:"to_hospital_id"`
	BloodType        BloodType       `json:"blood_type"`
	Units            int             `json:"units"`
	Method           TransportMethod `json:"method"`
	ETAMinutes       int             `json:"eta_minutes"`
	Status           TransportStatus `json:"status"`
	ReserveExpiresAt *time.Time      `json:"reserve_expires_at,omitempty"`
	PickupTime       *time.Time      `json:"pickup_time,omitempty"`
	DeliveryTime     *time.Time      `json:"delivery_time,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type ShortagePayload struct {
	AlertID        string    `json:"alert_id"`
	HospitalID     string    `json:"hospital_id"`
	BloodType      BloodType `json:"blood_type"`
	Urgency        Urgency   `json:"urgency"`
	UnitsNeeded    int       `json:"units_needed"`
	SearchRadiusKm float64   `json:"search_radius_km"`
	PriorityScore  float64   `json:"priority_score"`
}

type DonorsNotifiedPayload struct {
	AlertID        string `json:"alert_id"`
	DonorsNotified int    `json:"donors_notified"`
}

type InventorySearchPayload struct {
	AlertID string `json:"alert_id"`
}

type InventoryReservedPayload struct {
	AlertID        string `json:"alert_id"`
	TransportID    string `json:"transport_id"`
	FromHospitalID string `json:"from_hospital_id"`
	Units          int    `json:"units"`
}

type TransportPlannedPayload struct {
	AlertID     string          `json:"alert_id"`
	TransportID string          `json:"transport_id"`
	Method      TransportMethod `json:"method"`
	ETAMinutes  int             `json:"eta_minutes"`
}

type InventoryCheckPayload struct {
	HospitalID string `json:"hospital_id,omitempty"`
}

// FulfillmentDetails carries the typed closure fields that land in
// WorkflowState.Metadata, so every fulfillment path writes the same keys.
type FulfillmentDetails struct {
	Source           FulfillmentSource `json:"source"`
	DonorIDs         []string          `json:"donor_ids,omitempty"`
	ExternalEmail    string            `json:"external_email,omitempty"`
	SourceHospitalID string            `json:"source_hospital_id,omitempty"`
	Details          string            `json:"details,omitempty"`
}

const (
	MetaFulfilledAt       = "fulfilled_at"
	MetaFulfillmentSource = "fulfillment_source"
	MetaInventorySource   = "inventory_source"
	MetaSelectedDonor     = "selected_donor_id"
	MetaDonorsNotified    = "donors_notified"
	MetaTimeoutAt         = "timeout_at"
	MetaTransportID       = "transport_id"
	MetaExternalEmail     = "external_donor_email"
	MetaDetails           = "fulfillment_details"
)

// ETAOption is one travel-mode estimate produced by the logistics agent.
type ETAOption struct {
	Mode        TravelMode `json:"mode"`
	ETAMinutes  int        `json:"eta_minutes"`
	DistanceKm  float64    `json:"distance_km"`
	Recommended bool       `json:"recommended"`
}
