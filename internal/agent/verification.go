package agent

import (
	"context"
	"log"
	"strings"
	"time"

	"bloodgrid/internal/domain"
)

// Verifier gates donor eligibility. Three consecutive document mismatches
// suspend the donor for a fixed window; the stored suspension flag is never
// trusted on its own — eligibility is recomputed from suspended_until at
// every read.
type Verifier struct {
	store  Store
	logger *log.Logger

	strikeLimit int
	suspension  time.Duration
}

func NewVerifier(store Store, strikeLimit, suspensionDays int, logger *log.Logger) *Verifier {
	if logger == nil {
		logger = log.Default()
	}
	if strikeLimit <= 0 {
		strikeLimit = 3
	}
	if suspensionDays <= 0 {
		suspensionDays = 7
	}
	return &Verifier{
		store:       store,
		logger:      logger,
		strikeLimit: strikeLimit,
		suspension:  time.Duration(suspensionDays) * 24 * time.Hour,
	}
}

// DocumentCheck carries the fields read off a submitted identity document.
// Empty fields are treated as not submitted rather than mismatched.
type DocumentCheck struct {
	Name        string           `json:"name,omitempty"`
	BloodGroup  domain.BloodType `json:"blood_group,omitempty"`
	DateOfBirth string           `json:"date_of_birth,omitempty"`
	Notes       string           `json:"notes,omitempty"`
}

// mismatches compares the submitted document fields against the stored
// donor profile and names every field that disagrees.
func (c DocumentCheck) mismatches(d domain.Donor) []string {
	var fields []string
	if c.Name != "" && !strings.EqualFold(strings.TrimSpace(c.Name), strings.TrimSpace(d.Name)) {
		fields = append(fields, "name")
	}
	if c.BloodGroup != "" && c.BloodGroup != d.BloodGroup {
		fields = append(fields, "blood_group")
	}
	if c.DateOfBirth != "" && c.DateOfBirth != d.DateOfBirth {
		fields = append(fields, "date_of_birth")
	}
	return fields
}

type VerificationResult struct {
	DonorID        string                    `json:"donor_id"`
	Status         domain.VerificationStatus `json:"status"`
	StrikeCount    int                       `json:"strike_count"`
	Mismatches     []string                  `json:"mismatches,omitempty"`
	SuspendedUntil *time.Time                `json:"suspended_until,omitempty"`
}

// ProcessDonorVerification applies one document check. A consistent check
// approves the donor and clears strikes; a mismatch adds a strike, and the
// strike that reaches the limit suspends. Checks against a donor whose
// suspension is still running report the suspension without another strike.
func (v *Verifier) ProcessDonorVerification(ctx context.Context, donorID string, check DocumentCheck) (VerificationResult, error) {
	if donorID == "" {
		return VerificationResult{}, domain.Validationf("donor id is required")
	}
	donor, err := v.store.GetDonor(ctx, donorID)
	if err != nil {
		return VerificationResult{}, err
	}
	now := time.Now().UTC()

	if donor.VerificationStatus == domain.VerificationRejected {
		return VerificationResult{}, domain.Conflictf("donor %s was rejected in manual review", donorID)
	}

	if donor.Suspended(now) {
		logDecision(ctx, v.store, domain.AgentVerification, "verification_suspended", "", "", map[string]any{
			"donor_id":        donorID,
			"suspended_until": donor.SuspendedUntil,
		}, 1.0)
		return VerificationResult{
			DonorID:        donorID,
			Status:         domain.VerificationSuspended,
			StrikeCount:    donor.StrikeCount,
			SuspendedUntil: donor.SuspendedUntil,
		}, nil
	}

	// An elapsed suspension clears on this check rather than waiting for a
	// separate reset call.
	if donor.VerificationStatus == domain.VerificationSuspended {
		ok, err := v.store.UpdateDonorVerificationIf(ctx, donorID, donor.StrikeCount, domain.VerificationApproved, 0, nil)
		if err != nil {
			return VerificationResult{}, err
		}
		if !ok {
			return VerificationResult{}, domain.Conflictf("donor %s verification changed concurrently", donorID)
		}
		donor.StrikeCount = 0
		donor.VerificationStatus = domain.VerificationApproved
	}

	mismatched := check.mismatches(donor)
	var (
		status  domain.VerificationStatus
		strikes int
		until   *time.Time
	)
	if len(mismatched) == 0 {
		status = domain.VerificationApproved
		strikes = 0
	} else {
		strikes = donor.StrikeCount + 1
		if strikes >= v.strikeLimit {
			status = domain.VerificationSuspended
			t := now.Add(v.suspension)
			until = &t
		} else {
			status = domain.VerificationFlagged
		}
	}

	ok, err := v.store.UpdateDonorVerificationIf(ctx, donorID, donor.StrikeCount, status, strikes, until)
	if err != nil {
		return VerificationResult{}, err
	}
	if !ok {
		return VerificationResult{}, domain.Conflictf("donor %s verification changed concurrently", donorID)
	}

	logDecision(ctx, v.store, domain.AgentVerification, "verification_check", "", "", map[string]any{
		"donor_id":   donorID,
		"mismatches": mismatched,
		"status":     status,
		"strikes":    strikes,
		"notes":      check.Notes,
	}, 1.0)
	v.logger.Printf("verification donor=%s mismatches=%d status=%s strikes=%d", donorID, len(mismatched), status, strikes)
	return VerificationResult{DonorID: donorID, Status: status, StrikeCount: strikes, Mismatches: mismatched, SuspendedUntil: until}, nil
}

// ResolveManualReview settles a donor's verification with a human decision.
// Approval clears strikes and any suspension, including one still running;
// rejection is final for the automatic checks and only another manual
// approval can reverse it. Resolving with the donor's current status is a
// no-op.
func (v *Verifier) ResolveManualReview(ctx context.Context, donorID string, decision domain.VerificationStatus, notes string) (VerificationResult, error) {
	if decision != domain.VerificationApproved && decision != domain.VerificationRejected {
		return VerificationResult{}, domain.Validationf("decision must be %q or %q", domain.VerificationApproved, domain.VerificationRejected)
	}
	donor, err := v.store.GetDonor(ctx, donorID)
	if err != nil {
		return VerificationResult{}, err
	}
	if donor.VerificationStatus == decision {
		return VerificationResult{DonorID: donorID, Status: donor.VerificationStatus, StrikeCount: donor.StrikeCount}, nil
	}

	strikes := 0
	if decision == domain.VerificationRejected {
		strikes = donor.StrikeCount
	}
	ok, err := v.store.UpdateDonorVerificationIf(ctx, donorID, donor.StrikeCount, decision, strikes, nil)
	if err != nil {
		return VerificationResult{}, err
	}
	if !ok {
		return VerificationResult{}, domain.Conflictf("donor %s verification changed concurrently", donorID)
	}
	logDecision(ctx, v.store, domain.AgentVerification, "manual_review", "", "", map[string]any{
		"donor_id": donorID,
		"decision": decision,
		"notes":    notes,
	}, 1.0)
	v.logger.Printf("manual review donor=%s decision=%s", donorID, decision)
	return VerificationResult{DonorID: donorID, Status: decision, StrikeCount: strikes}, nil
}

// Reactivate clears an elapsed suspension explicitly. Reactivating a donor
// whose suspension window is still running is a conflict.
func (v *Verifier) Reactivate(ctx context.Context, donorID string) (VerificationResult, error) {
	donor, err := v.store.GetDonor(ctx, donorID)
	if err != nil {
		return VerificationResult{}, err
	}
	now := time.Now().UTC()
	if donor.Suspended(now) {
		return VerificationResult{}, domain.Conflictf("donor %s is suspended until %s", donorID, donor.SuspendedUntil.Format(time.RFC3339))
	}
	if donor.VerificationStatus != domain.VerificationSuspended {
		return VerificationResult{DonorID: donorID, Status: donor.VerificationStatus, StrikeCount: donor.StrikeCount}, nil
	}

	ok, err := v.store.UpdateDonorVerificationIf(ctx, donorID, donor.StrikeCount, domain.VerificationApproved, 0, nil)
	if err != nil {
		return VerificationResult{}, err
	}
	if !ok {
		return VerificationResult{}, domain.Conflictf("donor %s verification changed concurrently", donorID)
	}
	logDecision(ctx, v.store, domain.AgentVerification, "reactivated", "", "", map[string]any{"donor_id": donorID}, 1.0)
	return VerificationResult{DonorID: donorID, Status: domain.VerificationApproved, StrikeCount: 0}, nil
}
