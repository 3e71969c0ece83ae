package groups

import "sort"

// memberTypes lists the resource types a Group may hold members of, per the
// R4 Group.member.entity target profile.
var memberTypes = map[string]bool{
	"Device":           true,
	"Group":            true,
	"Medication":       true,
	"Patient":          true,
	"Practitioner":     true,
	"PractitionerRole": true,
	"RelatedPerson":    true,
	"Substance":        true,
}

// MemberTypes returns the allowed member resource types in alphabetical order.
func MemberTypes() []string {
	types := make([]string, 0, len(memberTypes))
	for t := range memberTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Member is one sampled resource in a filter preview. Display fields depend on
// the resource type; absent elements stay empty.
type Member struct {
	Key       string `json:"key"`
	ID        string `json:"id"`
	Display   string `json:"display,omitempty"`
	Gender    string `json:"gender,omitempty"`
	BirthDate string `json:"birthDate,omitempty"`
}

// Preview is a filter dry-run: an accurate total plus a small sample.
type Preview struct {
	ResourceType string   `json:"resourceType"`
	Total        int64    `json:"total"`
	Sample       []Member `json:"sample"`
}

// KeySet enumerates every matching key up to the search cap. Total may exceed
// Returned when the filter matches more rows than the cap.
type KeySet struct {
	ResourceType string   `json:"resourceType"`
	Total        int64    `json:"total"`
	Returned     int      `json:"returned"`
	Keys         []string `json:"keys"`
}
