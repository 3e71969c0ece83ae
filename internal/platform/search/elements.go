package search

import "strings"

// elementKind classifies how a searched element is shaped in the stored JSON.
// The builders pick concrete sub-fields from it: a token search against a
// CodeableConcept goes to coding.code/coding.system, against an Identifier to
// value/system, and so on.
type elementKind int

const (
	kindUnknown elementKind = iota
	kindCode                // primitive code, string, id
	kindBoolean
	kindCodeableConcept
	kindCoding
	kindIdentifier
	kindContactPoint
	kindHumanName
	kindAddress
	kindReference
	kindQuantity
	kindPeriod
	kindDate // date, dateTime, instant primitives
	kindChoice
	kindString
	kindNumber
)

// elementKinds records the FHIR datatype of every element the base parameter
// table touches, keyed "Type.jsonPath". Implementation-guide parameters whose
// elements are missing here get conservative fallbacks from the builders.
var elementKinds = map[string]elementKind{
	"Resource.id":               kindCode,
	"Resource.meta.lastUpdated": kindDate,

	"Patient.gender":               kindCode,
	"Patient.active":               kindBoolean,
	"Patient.identifier":           kindIdentifier,
	"Patient.name":                 kindHumanName,
	"Patient.name.family":          kindString,
	"Patient.name.given":           kindString,
	"Patient.address":              kindAddress,
	"Patient.address.city":         kindString,
	"Patient.address.postalCode":   kindString,
	"Patient.birthDate":            kindDate,
	"Patient.deceased":             kindChoice,
	"Patient.managingOrganization": kindReference,
	"Patient.generalPractitioner":  kindReference,

	"Practitioner.gender":      kindCode,
	"Practitioner.active":      kindBoolean,
	"Practitioner.identifier":  kindIdentifier,
	"Practitioner.name":        kindHumanName,
	"Practitioner.name.family": kindString,
	"Practitioner.name.given":  kindString,

	"PractitionerRole.practitioner": kindReference,
	"PractitionerRole.organization": kindReference,
	"PractitionerRole.specialty":    kindCodeableConcept,
	"PractitionerRole.active":       kindBoolean,
	"PractitionerRole.identifier":   kindIdentifier,

	"Organization.name":         kindString,
	"Organization.identifier":   kindIdentifier,
	"Organization.active":       kindBoolean,
	"Organization.type":         kindCodeableConcept,
	"Organization.address.city": kindString,

	"Observation.code":       kindCodeableConcept,
	"Observation.category":   kindCodeableConcept,
	"Observation.status":     kindCode,
	"Observation.effective":  kindChoice,
	"Observation.issued":     kindDate,
	"Observation.identifier": kindIdentifier,
	"Observation.subject":    kindReference,
	"Observation.encounter":  kindReference,
	"Observation.performer":  kindReference,
	"Observation.value":      kindChoice,

	"Encounter.class":                  kindCoding,
	"Encounter.status":                 kindCode,
	"Encounter.period":                 kindPeriod,
	"Encounter.identifier":             kindIdentifier,
	"Encounter.subject":                kindReference,
	"Encounter.participant.individual": kindReference,

	"Condition.code":           kindCodeableConcept,
	"Condition.category":       kindCodeableConcept,
	"Condition.clinicalStatus": kindCodeableConcept,
	"Condition.onset":          kindChoice,
	"Condition.abatement":      kindChoice,
	"Condition.recordedDate":   kindDate,
	"Condition.identifier":     kindIdentifier,
	"Condition.subject":        kindReference,
	"Condition.encounter":      kindReference,

	"MedicationRequest.status":     kindCode,
	"MedicationRequest.intent":     kindCode,
	"MedicationRequest.medication": kindChoice,
	"MedicationRequest.authoredOn": kindDate,
	"MedicationRequest.identifier": kindIdentifier,
	"MedicationRequest.subject":    kindReference,
	"MedicationRequest.encounter":  kindReference,
	"MedicationRequest.requester":  kindReference,

	"DiagnosticReport.code":       kindCodeableConcept,
	"DiagnosticReport.category":   kindCodeableConcept,
	"DiagnosticReport.status":     kindCode,
	"DiagnosticReport.effective":  kindChoice,
	"DiagnosticReport.issued":     kindDate,
	"DiagnosticReport.identifier": kindIdentifier,
	"DiagnosticReport.subject":    kindReference,
	"DiagnosticReport.encounter":  kindReference,

	"Device.patient":      kindReference,
	"Device.type":         kindCodeableConcept,
	"Device.status":       kindCode,
	"Device.identifier":   kindIdentifier,
	"Device.manufacturer": kindString,
	"Device.modelNumber":  kindString,

	"Medication.code":       kindCodeableConcept,
	"Medication.status":     kindCode,
	"Medication.identifier": kindIdentifier,

	"RelatedPerson.patient":      kindReference,
	"RelatedPerson.name":         kindHumanName,
	"RelatedPerson.relationship": kindCodeableConcept,
	"RelatedPerson.identifier":   kindIdentifier,
	"RelatedPerson.active":       kindBoolean,

	"Substance.code":       kindCodeableConcept,
	"Substance.status":     kindCode,
	"Substance.identifier": kindIdentifier,

	"Group.type":          kindCode,
	"Group.actual":        kindBoolean,
	"Group.member.entity": kindReference,
	"Group.identifier":    kindIdentifier,
}

// choiceExpansions lists the concrete JSON properties a value[x] choice
// element may materialize as.
var choiceExpansions = map[string][]string{
	"Observation.value":            {"valueQuantity", "valueCodeableConcept", "valueString", "valueBoolean", "valueInteger", "valueRange", "valueRatio", "valueTime", "valueDateTime", "valuePeriod"},
	"Observation.effective":        {"effectiveDateTime", "effectivePeriod", "effectiveTiming", "effectiveInstant"},
	"Condition.onset":              {"onsetDateTime", "onsetAge", "onsetPeriod", "onsetRange", "onsetString"},
	"Condition.abatement":          {"abatementDateTime", "abatementAge", "abatementPeriod", "abatementRange", "abatementString"},
	"Patient.deceased":             {"deceasedBoolean", "deceasedDateTime"},
	"Patient.multipleBirth":        {"multipleBirthBoolean", "multipleBirthInteger"},
	"MedicationRequest.medication": {"medicationCodeableConcept", "medicationReference"},
	"DiagnosticReport.effective":   {"effectiveDateTime", "effectivePeriod"},
	"AllergyIntolerance.onset":     {"onsetDateTime", "onsetAge", "onsetPeriod", "onsetRange", "onsetString"},
	"Procedure.performed":          {"performedDateTime", "performedPeriod", "performedString", "performedAge", "performedRange"},
	"Immunization.occurrence":      {"occurrenceDateTime", "occurrenceString"},
}

// kindOf looks up the datatype of an element path on a resource type,
// falling back to the Resource-level entries.
func kindOf(resourceType, path string) elementKind {
	if k, ok := elementKinds[resourceType+"."+path]; ok {
		return k
	}
	if k, ok := elementKinds["Resource."+path]; ok {
		return k
	}
	return kindUnknown
}

// concreteKind infers the datatype of a concrete choice field from its
// naming convention: effectivePeriod is a Period, valueQuantity a Quantity.
func concreteKind(field string) elementKind {
	switch {
	case strings.HasSuffix(field, "DateTime"), strings.HasSuffix(field, "Instant"), strings.HasSuffix(field, "Date"):
		return kindDate
	case strings.HasSuffix(field, "Period"):
		return kindPeriod
	case strings.HasSuffix(field, "Timing"):
		return kindUnknown
	case strings.HasSuffix(field, "Boolean"):
		return kindBoolean
	case strings.HasSuffix(field, "CodeableConcept"):
		return kindCodeableConcept
	case strings.HasSuffix(field, "Coding"):
		return kindCoding
	case strings.HasSuffix(field, "Quantity"):
		return kindQuantity
	case strings.HasSuffix(field, "Reference"):
		return kindReference
	case strings.HasSuffix(field, "String"):
		return kindString
	case strings.HasSuffix(field, "Integer"), strings.HasSuffix(field, "Decimal"):
		return kindNumber
	}
	return kindUnknown
}

// dateTarget is one concrete field a date search evaluates, with the Period
// flag controlling start/end expansion.
type dateTarget struct {
	Field  string
	Period bool
}

// dateTargets expands a resolved field path into the concrete date-bearing
// fields to query. Choice elements contribute their dateTime, instant and
// Period concretizations; Period elements contribute themselves; everything
// else is queried directly.
func dateTargets(resourceType string, fp FieldPath) []dateTarget {
	if fp.Cast != "" {
		field := fp.JSONField()
		return []dateTarget{{Field: field, Period: strings.EqualFold(fp.Cast, "Period")}}
	}

	if concretes, ok := choiceExpansions[resourceType+"."+fp.Path]; ok {
		var targets []dateTarget
		prefixLen := strings.LastIndex(fp.Path, ".") + 1
		for _, concrete := range concretes {
			full := fp.Path[:prefixLen] + concrete
			switch concreteKind(concrete) {
			case kindDate:
				targets = append(targets, dateTarget{Field: full})
			case kindPeriod:
				targets = append(targets, dateTarget{Field: full, Period: true})
			}
		}
		return targets
	}

	if kindOf(resourceType, fp.Path) == kindPeriod {
		return []dateTarget{{Field: fp.Path, Period: true}}
	}
	return []dateTarget{{Field: fp.Path}}
}

// tokenTarget is one concrete field a token search evaluates along with its
// datatype.
type tokenTarget struct {
	Field string
	Kind  elementKind
}

// tokenTargets expands a resolved field path into concrete token-bearing
// fields. Unknown elements get a conservative expansion over the common
// token carriers so implementation-guide parameters still work.
func tokenTargets(resourceType string, fp FieldPath) []tokenTarget {
	if fp.Cast != "" {
		return []tokenTarget{{Field: fp.JSONField(), Kind: castKind(fp.Cast)}}
	}

	if concretes, ok := choiceExpansions[resourceType+"."+fp.Path]; ok {
		var targets []tokenTarget
		prefixLen := strings.LastIndex(fp.Path, ".") + 1
		for _, concrete := range concretes {
			full := fp.Path[:prefixLen] + concrete
			switch concreteKind(concrete) {
			case kindCodeableConcept, kindCoding, kindBoolean, kindCode, kindString:
				targets = append(targets, tokenTarget{Field: full, Kind: concreteKind(concrete)})
			}
		}
		if len(targets) > 0 {
			return targets
		}
	}

	if k := kindOf(resourceType, fp.Path); k != kindUnknown && k != kindChoice {
		return []tokenTarget{{Field: fp.Path, Kind: k}}
	}
	return []tokenTarget{{Field: fp.Path, Kind: kindUnknown}}
}

func castKind(cast string) elementKind {
	switch upperFirst(cast) {
	case "CodeableConcept":
		return kindCodeableConcept
	case "Coding":
		return kindCoding
	case "Identifier":
		return kindIdentifier
	case "Quantity":
		return kindQuantity
	case "Period":
		return kindPeriod
	case "Boolean":
		return kindBoolean
	case "DateTime", "Date", "Instant":
		return kindDate
	case "String":
		return kindString
	case "Code":
		return kindCode
	}
	return kindUnknown
}

// humanNameFields and addressFields are the string-bearing sub-fields a
// string search fans out to when the parameter targets the whole complex
// element.
var humanNameFields = []string{"family", "given", "text", "prefix", "suffix"}
var addressFields = []string{"line", "city", "district", "state", "postalCode", "country", "text"}
