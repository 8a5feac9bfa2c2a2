package ingest

// Violation is the outcome of classifying one PPE detection
type Violation int

const (
	NoViolation Violation = iota
	HelmetMissing
	VestMissing
	HelmetAndVestMissing
)

func (v Violation) String() string {
	switch v {
	case HelmetMissing:
		return "Helmet missing"
	case VestMissing:
		return "Vest missing"
	case HelmetAndVestMissing:
		return "Helmet and vest missing"
	default:
		return "No violation"
	}
}

// ClassifyPPE compares each equipment count against the person count.
// Equipment counts are never compared with each other.
func ClassifyPPE(persons, helmets, vests int) Violation {
	helmetOK := helmets >= persons
	vestOK := vests >= persons
	switch {
	case helmetOK && vestOK:
		return NoViolation
	case !helmetOK && vestOK:
		return HelmetMissing
	case helmetOK && !vestOK:
		return VestMissing
	default:
		return HelmetAndVestMissing
	}
}
