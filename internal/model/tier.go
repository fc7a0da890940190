package model

// Tier names a fetch strategy. Tiers are tried in ascending cost order.
type Tier string

const (
	TierDirect       Tier = "direct"
	TierFreeRotating Tier = "freeRotating"
	TierCheapPaid    Tier = "cheapPaid"
	TierPremiumPaid  Tier = "premiumPaid"
	TierVision       Tier = "visionFallback"
)

// AllTiers returns every tier in escalation order.
func AllTiers() []Tier {
	return []Tier{
		TierDirect,
		TierFreeRotating,
		TierCheapPaid,
		TierPremiumPaid,
		TierVision,
	}
}

// StructuralTiers returns the tiers that fetch HTML for selector extraction.
func StructuralTiers() []Tier {
	return []Tier{
		TierDirect,
		TierFreeRotating,
		TierCheapPaid,
		TierPremiumPaid,
	}
}

// Rank returns the tier's position in escalation order, or -1 when unknown.
func (t Tier) Rank() int {
	for i, tier := range AllTiers() {
		if tier == t {
			return i
		}
	}
	return -1
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// ParseTier converts a configuration string into a Tier.
func ParseTier(s string) (Tier, bool) {
	t := Tier(s)
	return t, t.Valid()
}
