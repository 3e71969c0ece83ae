package fhir

import (
	"fmt"
	"sort"
)

// knownResourceTypes lists the FHIR R4 resource types this server accepts.
// Types with dedicated collections are searchable; the rest persist to the
// shared collection.
var knownResourceTypes = map[string]bool{
	"AllergyIntolerance": true, "Appointment": true, "Basic": true,
	"CarePlan": true, "CareTeam": true, "Claim": true, "ClaimResponse": true,
	"Communication": true, "Composition": true, "Condition": true,
	"Consent": true, "Coverage": true, "Device": true,
	"DiagnosticReport": true, "DocumentReference": true, "Encounter": true,
	"Goal": true, "Group": true, "Immunization": true, "ImagingStudy": true,
	"Location": true, "Medication": true, "MedicationAdministration": true,
	"MedicationDispense": true, "MedicationRequest": true,
	"MedicationStatement": true, "NutritionOrder": true, "Observation": true,
	"Organization": true, "Patient": true, "Person": true,
	"Practitioner": true, "PractitionerRole": true, "Procedure": true,
	"Provenance": true, "Questionnaire": true, "QuestionnaireResponse": true,
	"RelatedPerson": true, "RiskAssessment": true, "Schedule": true,
	"ServiceRequest": true, "Slot": true, "Specimen": true, "Substance": true,
}

// statusValues holds the valid status codes for types where a wrong status
// is a common client mistake worth rejecting early.
var statusValues = map[string]map[string]bool{
	"Observation": setOf("registered", "preliminary", "final", "amended",
		"corrected", "cancelled", "entered-in-error", "unknown"),
	"Encounter": setOf("planned", "arrived", "triaged", "in-progress",
		"onleave", "finished", "cancelled", "entered-in-error", "unknown"),
	"MedicationRequest": setOf("active", "on-hold", "cancelled", "completed",
		"entered-in-error", "stopped", "draft", "unknown"),
	"DiagnosticReport": setOf("registered", "partial", "preliminary", "final",
		"amended", "corrected", "appended", "cancelled", "entered-in-error",
		"unknown"),
	"Procedure": setOf("preparation", "in-progress", "not-done", "on-hold",
		"stopped", "completed", "entered-in-error", "unknown"),
	"Immunization": setOf("completed", "entered-in-error", "not-done"),
}

func setOf(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

// IsKnownType reports whether resourceType is a resource type this server
// accepts.
func IsKnownType(resourceType string) bool {
	return knownResourceTypes[resourceType]
}

// KnownTypes returns every accepted resource type in alphabetical order.
func KnownTypes() []string {
	types := make([]string, 0, len(knownResourceTypes))
	for t := range knownResourceTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ValidateResource checks the structural invariants a document must satisfy
// before the write pipeline accepts it: a known resourceType, a well-formed
// id when one is present, and a recognized status code for types that carry
// one. Returns the issues found; empty means valid.
func ValidateResource(doc map[string]interface{}) []OperationOutcomeIssue {
	var issues []OperationOutcomeIssue

	addIssue := func(code, expr, format string, args ...interface{}) {
		issues = append(issues, OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        code,
			Diagnostics: fmt.Sprintf(format, args...),
			Expression:  []string{expr},
		})
	}

	resourceType := DocType(doc)
	switch {
	case resourceType == "":
		addIssue(IssueTypeRequired, "resourceType", "resourceType is required")
		return issues
	case !IsKnownType(resourceType):
		addIssue(IssueTypeNotSupported, "resourceType",
			"resource type %q is not supported", resourceType)
		return issues
	}

	if id := DocID(doc); id != "" && !IsValidID(id) {
		addIssue(IssueTypeValue, "id",
			"id %q must be 1-64 characters of A-Z, a-z, 0-9, '-' and '.'", id)
	}

	if valid, checked := statusValues[resourceType]; checked {
		if status, ok := doc["status"].(string); ok && status != "" && !valid[status] {
			addIssue(IssueTypeValue, "status",
				"status %q is not a valid %s status", status, resourceType)
		}
	}

	return issues
}
