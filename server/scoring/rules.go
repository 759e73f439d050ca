package scoring

// Requirement is satisfied when at least one of its labels is present in the
// frame. A single-label requirement is the common case.
type Requirement []string

// Rule is one interaction bonus. Rules are additive: several can fire on the
// same frame ("armed person" and "crowd" stack).
type Rule struct {
	Name           string
	Requires       []Requirement
	RequiresAbsent []string
	MinCount       map[string]int
	Bonus          float64
	Description    string
}

func (r Rule) matches(present map[string]int) bool {
	for _, req := range r.Requires {
		satisfied := false
		for _, label := range req {
			if present[normalizeLabel(label)] > 0 {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return false
		}
	}

	for _, label := range r.RequiresAbsent {
		if present[normalizeLabel(label)] > 0 {
			return false
		}
	}

	for label, min := range r.MinCount {
		if present[normalizeLabel(label)] < min {
			return false
		}
	}

	return true
}

var weaponLabels = Requirement{"knife", "gun", "pistol", "rifle", "weapon", "bat", "crowbar"}

func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "armed_person",
			Requires:    []Requirement{{"person"}, weaponLabels},
			Bonus:       100,
			Description: "person and a weapon in the same frame",
		},
		{
			Name:        "masked_person",
			Requires:    []Requirement{{"person"}, {"mask", "balaclava"}},
			Bonus:       60,
			Description: "person with face covering",
		},
		{
			Name:        "crowd",
			MinCount:    map[string]int{"person": 4},
			Bonus:       40,
			Description: "four or more people in frame",
		},
		{
			Name:           "unattended_object",
			Requires:       []Requirement{{"backpack", "handbag", "suitcase"}},
			RequiresAbsent: []string{"person"},
			Bonus:          50,
			Description:    "bag visible with no person present",
		},
		{
			Name:        "vehicle_gathering",
			MinCount:    map[string]int{"car": 3},
			Bonus:       25,
			Description: "three or more cars in frame",
		},
	}
}
