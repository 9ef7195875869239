package domain

// compatibleDonors maps a recipient blood type to the set of donor types
// whose blood it can receive. The relation is fixed ABO/Rh medicine: O- is
// the universal donor, AB+ the universal recipient.
var compatibleDonors = map[BloodType][]BloodType{
	BloodONeg:  {BloodONeg},
	BloodOPos:  {BloodONeg, BloodOPos},
	BloodANeg:  {BloodONeg, BloodANeg},
	BloodAPos:  {BloodONeg, BloodOPos, BloodANeg, BloodAPos},
	BloodBNeg:  {BloodONeg, BloodBNeg},
	BloodBPos:  {BloodONeg, BloodOPos, BloodBNeg, BloodBPos},
	BloodABNeg: {BloodONeg, BloodANeg, BloodBNeg, BloodABNeg},
	BloodABPos: {BloodONeg, BloodOPos, BloodANeg, BloodAPos, BloodBNeg, BloodBPos, BloodABNeg, BloodABPos},
}

func ValidBloodType(t BloodType) bool {
	_, ok := compatibleDonors[t]
	return ok
}

// CompatibleDonorTypes returns the donor types acceptable for the recipient
// type, or nil for an unknown type. The returned slice is a copy.
func CompatibleDonorTypes(recipient BloodType) []BloodType {
	src, ok := compatibleDonors[recipient]
	if !ok {
		return nil
	}
	out := make([]BloodType, len(src))
	copy(out, src)
	return out
}

// CanDonateTo reports whether blood of the donor type may be transfused to a
// recipient of the given type.
func CanDonateTo(donor, recipient BloodType) bool {
	for _, t := range compatibleDonors[recipient] {
		if t == donor {
			return true
		}
	}
	return false
}
