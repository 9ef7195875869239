package domain

import (
	"math"
	"testing"
	"time"
)

func TestCompatibleDonorTypes(t *testing.T) {
	abPos := CompatibleDonorTypes(BloodABPos)
	if len(abPos) != 8 {
		t.Fatalf("AB+ should accept all eight donor types, got %d", len(abPos))
	}

	oNeg := CompatibleDonorTypes(BloodONeg)
	if len(oNeg) != 1 || oNeg[0] != BloodONeg {
		t.Fatalf("O- should accept only O-, got %v", oNeg)
	}

	if CompatibleDonorTypes("X+") != nil {
		t.Fatalf("unknown recipient type should yield nil")
	}
}

func TestCompatibleDonorTypesReturnsCopy(t *testing.T) {
	first := CompatibleDonorTypes(BloodAPos)
	first[0] = "X+"
	second := CompatibleDonorTypes(BloodAPos)
	if second[0] == "X+" {
		t.Fatalf("mutating a returned slice must not leak into the table")
	}
}

func TestCanDonateTo(t *testing.T) {
	cases := []struct {
		donor, recipient BloodType
		want             bool
	}{
		{BloodONeg, BloodABPos, true},
		{BloodONeg, BloodONeg, true},
		{BloodABPos, BloodONeg, false},
		{BloodAPos, BloodABPos, true},
		{BloodAPos, BloodBPos, false},
		{BloodBNeg, BloodABNeg, true},
		{BloodOPos, BloodANeg, false},
	}
	for _, tc := range cases {
		if got := CanDonateTo(tc.donor, tc.recipient); got != tc.want {
			t.Errorf("CanDonateTo(%s, %s) = %t, want %t", tc.donor, tc.recipient, got, tc.want)
		}
	}
}

func TestHaversineKm(t *testing.T) {
	// Berlin to Munich is roughly 504 km.
	d := HaversineKm(52.52, 13.405, 48.137, 11.575)
	if math.Abs(d-504) > 10 {
		t.Fatalf("Berlin-Munich distance off: got %.1f km", d)
	}
	if d := HaversineKm(52.52, 13.405, 52.52, 13.405); d != 0 {
		t.Fatalf("zero distance expected for identical points, got %f", d)
	}
}

func TestPhaseAdvances(t *testing.T) {
	forward := []struct{ from, to WorkflowPhase }{
		{PhaseDetected, PhaseMatching},
		{PhaseMatching, PhaseAwaitingResponse},
		{PhaseMatching, PhaseInventorySearch},
		{PhaseAwaitingResponse, PhaseInventorySearch},
		{PhaseAwaitingResponse, PhaseTransportPlanning},
		{PhaseInventorySearch, PhaseTransportPlanning},
		{PhaseTransportPlanning, PhaseFulfilled},
	}
	for _, tc := range forward {
		if !PhaseAdvances(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to advance", tc.from, tc.to)
		}
	}

	// Expired absorbs from any non-terminal phase.
	for _, from := range []WorkflowPhase{PhaseDetected, PhaseMatching, PhaseAwaitingResponse, PhaseInventorySearch, PhaseTransportPlanning} {
		if !PhaseAdvances(from, PhaseExpired) {
			t.Errorf("expected %s -> expired to advance", from)
		}
	}

	backward := []struct{ from, to WorkflowPhase }{
		{PhaseMatching, PhaseDetected},
		{PhaseAwaitingResponse, PhaseMatching},
		{PhaseFulfilled, PhaseExpired},
		{PhaseExpired, PhaseMatching},
		{PhaseFulfilled, PhaseTransportPlanning},
	}
	for _, tc := range backward {
		if PhaseAdvances(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestDonorSuspensionReadTime(t *testing.T) {
	now := time.Now().UTC()
	future := now.Add(48 * time.Hour)
	past := now.Add(-time.Hour)

	suspended := Donor{VerificationStatus: VerificationSuspended, SuspendedUntil: &future}
	if !suspended.Suspended(now) {
		t.Fatalf("donor with future suspended_until must be suspended")
	}
	if suspended.Eligible(now) {
		t.Fatalf("suspended donor must not be eligible")
	}

	// A lapsed suspension counts as eligible even before the stored
	// status is cleared.
	lapsed := Donor{VerificationStatus: VerificationSuspended, SuspendedUntil: &past}
	if lapsed.Suspended(now) {
		t.Fatalf("elapsed suspension must not report suspended")
	}
	if !lapsed.Eligible(now) {
		t.Fatalf("elapsed suspension must make the donor eligible again")
	}

	flagged := Donor{VerificationStatus: VerificationFlagged}
	if flagged.Eligible(now) {
		t.Fatalf("flagged donor must not be eligible")
	}

	approved := Donor{VerificationStatus: VerificationApproved}
	if !approved.Eligible(now) {
		t.Fatalf("approved donor must be eligible")
	}
}
