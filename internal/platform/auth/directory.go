package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// PatientSummary is the row shape shown by the patient picker.
type PatientSummary struct {
	ID        string
	Given     string
	Family    string
	BirthDate string
	Gender    string
	Deceased  bool
}

func (p PatientSummary) FullName() string {
	name := strings.TrimSpace(p.Given + " " + p.Family)
	if name == "" {
		return p.ID
	}
	return name
}

// PatientSource provides the two resource reads the picker needs. The FHIR
// resource service satisfies it.
type PatientSource interface {
	List(ctx context.Context, resourceType string, n int) ([]json.RawMessage, error)
	Fetch(ctx context.Context, resourceType string, keys []string) ([]json.RawMessage, error)
}

// PatientDirectory resolves patients for the picker: no term lists the first
// n patients, a term is treated as a patient id and looked up directly.
type PatientDirectory struct {
	src PatientSource
}

func NewPatientDirectory(src PatientSource) *PatientDirectory {
	return &PatientDirectory{src: src}
}

func (d *PatientDirectory) Search(ctx context.Context, term string, n int) ([]PatientSummary, error) {
	term = strings.TrimSpace(term)
	if n <= 0 {
		n = 10
	}
	var (
		docs []json.RawMessage
		err  error
	)
	if term == "" {
		docs, err = d.src.List(ctx, "Patient", n)
	} else {
		docs, err = d.src.Fetch(ctx, "Patient", []string{patientKey(term)})
	}
	if err != nil {
		return nil, fmt.Errorf("search patients: %w", err)
	}
	out := make([]PatientSummary, 0, len(docs))
	for _, doc := range docs {
		if s, ok := summarize(doc); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// Get returns the patient with the given id, or nil when it does not exist.
func (d *PatientDirectory) Get(ctx context.Context, id string) (*PatientSummary, error) {
	docs, err := d.src.Fetch(ctx, "Patient", []string{patientKey(id)})
	if err != nil {
		return nil, fmt.Errorf("get patient %s: %w", id, err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	s, ok := summarize(docs[0])
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func patientKey(id string) string {
	if strings.HasPrefix(id, "Patient/") {
		return id
	}
	return "Patient/" + id
}

func summarize(raw json.RawMessage) (PatientSummary, bool) {
	var doc struct {
		ID   string `json:"id"`
		Name []struct {
			Family string   `json:"family"`
			Given  []string `json:"given"`
		} `json:"name"`
		BirthDate        string      `json:"birthDate"`
		Gender           string      `json:"gender"`
		DeceasedBoolean  *bool       `json:"deceasedBoolean"`
		DeceasedDateTime interface{} `json:"deceasedDateTime"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc.ID == "" {
		return PatientSummary{}, false
	}
	s := PatientSummary{
		ID:        doc.ID,
		BirthDate: doc.BirthDate,
		Gender:    doc.Gender,
	}
	if len(doc.Name) > 0 {
		s.Family = doc.Name[0].Family
		if len(doc.Name[0].Given) > 0 {
			s.Given = doc.Name[0].Given[0]
		}
	}
	if doc.DeceasedBoolean != nil {
		s.Deceased = *doc.DeceasedBoolean
	} else if doc.DeceasedDateTime != nil {
		s.Deceased = true
	}
	return s, true
}
