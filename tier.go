package imagegate

import "strings"

// Tier is an ordered subscription level.
type Tier string

const (
	TierFree     Tier = "free"
	TierHobby    Tier = "hobby"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

var tierRanks = map[Tier]int{
	TierFree:     0,
	TierHobby:    1,
	TierPro:      2,
	TierBusiness: 3,
}

// Rank returns the ordinal position of the tier. Unknown tiers rank below free.
func (t Tier) Rank() int {
	if r, ok := tierRanks[t]; ok {
		return r
	}
	return -1
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	_, ok := tierRanks[t]
	return ok
}

// AtLeast reports whether t ranks at or above min.
func (t Tier) AtLeast(min Tier) bool {
	return t.Rank() >= min.Rank()
}

// ParseTier normalizes s into a Tier. An empty string means free.
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TierFree, nil
	}
	t := Tier(s)
	if !t.Valid() {
		return "", &ValidationError{Field: "tier", Message: "unknown subscription tier " + s}
	}
	return t, nil
}
