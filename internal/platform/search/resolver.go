package search

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// ParamType is the FHIR search parameter type.
type ParamType string

const (
	ParamToken     ParamType = "token"
	ParamString    ParamType = "string"
	ParamDate      ParamType = "date"
	ParamReference ParamType = "reference"
	ParamQuantity  ParamType = "quantity"
	ParamNumber    ParamType = "number"
	ParamURI       ParamType = "uri"
	ParamComposite ParamType = "composite"
)

// ParamDef describes a search parameter: its type, the FHIRPath expression
// locating the searched element, and for reference parameters the types it
// may point at.
type ParamDef struct {
	Name       string    `json:"name"`
	Type       ParamType `json:"type"`
	Expression string    `json:"expression"`
	Base       []string  `json:"base"`
	Targets    []string  `json:"target,omitempty"`
	URL        string    `json:"url,omitempty"`
}

// ResolvedParam is a definition with its expression parsed into field paths.
type ResolvedParam struct {
	Def  ParamDef
	Expr *Expression
}

// Resolver maps (resourceType, name) pairs to parameter definitions. Base R4
// definitions are compiled in; implementation-guide definitions load from a
// JSON file and fill gaps without overriding the base set. Resolutions are
// cached for the process lifetime since definitions never change at runtime.
type Resolver struct {
	mu     sync.RWMutex
	ig     map[string]map[string]ParamDef // resourceType -> name -> def
	cache  sync.Map                       // "Type|name" -> *ResolvedParam
	logger zerolog.Logger
}

// NewResolver creates a resolver with the built-in base definitions.
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{
		ig:     make(map[string]map[string]ParamDef),
		logger: logger,
	}
}

// LoadIGFile reads implementation-guide search parameter definitions from a
// JSON file holding an array of ParamDef entries. Definitions whose
// (base, name) pair collides with a base R4 definition are kept but never
// win resolution; the base set has precedence.
func (r *Resolver) LoadIGFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read search parameter file %s: %w", path, err)
	}

	var defs []ParamDef
	if err := json.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("parse search parameter file %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := 0
	for _, def := range defs {
		if def.Name == "" || def.Expression == "" || len(def.Base) == 0 {
			r.logger.Warn().Str("param", def.Name).Msg("skipping incomplete search parameter definition")
			continue
		}
		for _, base := range def.Base {
			if r.ig[base] == nil {
				r.ig[base] = make(map[string]ParamDef)
			}
			r.ig[base][def.Name] = def
			loaded++
		}
	}
	r.logger.Info().Int("count", loaded).Str("file", path).Msg("loaded implementation guide search parameters")
	return nil
}

// Resolve returns the definition for a parameter name on a resource type.
// Base R4 definitions win over implementation-guide definitions with the same
// name. Parameters defined on Resource itself (_id, _lastUpdated) apply to
// every type.
func (r *Resolver) Resolve(resourceType, name string) (*ResolvedParam, error) {
	cacheKey := resourceType + "|" + name
	if cached, ok := r.cache.Load(cacheKey); ok {
		return cached.(*ResolvedParam), nil
	}

	def, ok := lookupBase(resourceType, name)
	if !ok {
		r.mu.RLock()
		if byName, found := r.ig[resourceType]; found {
			def, ok = byName[name]
		}
		r.mu.RUnlock()
	}
	if !ok {
		return nil, &UnknownParameterError{ResourceType: resourceType, Name: name}
	}

	expr, err := ParseExpression(def.Expression)
	if err != nil {
		return nil, fmt.Errorf("parameter %s on %s: %w", name, resourceType, err)
	}
	if expr.Degraded {
		r.logger.Warn().
			Str("param", name).
			Str("resource_type", resourceType).
			Str("expression", def.Expression).
			Msg("search expression contains unsupported constructs, using trailing element")
	}

	resolved := &ResolvedParam{Def: def, Expr: expr}
	r.cache.Store(cacheKey, resolved)
	return resolved, nil
}

// lookupBase finds a definition in the compiled-in base table, first on the
// concrete type and then on Resource.
func lookupBase(resourceType, name string) (ParamDef, bool) {
	if byName, ok := baseParams[resourceType]; ok {
		if def, ok := byName[name]; ok {
			return def, true
		}
	}
	if def, ok := baseParams["Resource"][name]; ok {
		return def, true
	}
	return ParamDef{}, false
}

// baseParams is the compiled-in subset of the R4 base search parameter
// registry covering the resource types this server serves with dedicated
// definitions. Types without an entry still get the Resource-level
// parameters.
var baseParams = map[string]map[string]ParamDef{
	"Resource": {
		"_id":          {Name: "_id", Type: ParamToken, Expression: "Resource.id"},
		"_lastUpdated": {Name: "_lastUpdated", Type: ParamDate, Expression: "Resource.meta.lastUpdated"},
	},
	"Patient": {
		"family":               {Name: "family", Type: ParamString, Expression: "Patient.name.family"},
		"given":                {Name: "given", Type: ParamString, Expression: "Patient.name.given"},
		"name":                 {Name: "name", Type: ParamString, Expression: "Patient.name"},
		"birthdate":            {Name: "birthdate", Type: ParamDate, Expression: "Patient.birthDate"},
		"death-date":           {Name: "death-date", Type: ParamDate, Expression: "(Patient.deceased as dateTime)"},
		"gender":               {Name: "gender", Type: ParamToken, Expression: "Patient.gender"},
		"identifier":           {Name: "identifier", Type: ParamToken, Expression: "Patient.identifier"},
		"active":               {Name: "active", Type: ParamToken, Expression: "Patient.active"},
		"deceased":             {Name: "deceased", Type: ParamToken, Expression: "Patient.deceased"},
		"address-city":         {Name: "address-city", Type: ParamString, Expression: "Patient.address.city"},
		"address-postalcode":   {Name: "address-postalcode", Type: ParamString, Expression: "Patient.address.postalCode"},
		"organization":         {Name: "organization", Type: ParamReference, Expression: "Patient.managingOrganization", Targets: []string{"Organization"}},
		"general-practitioner": {Name: "general-practitioner", Type: ParamReference, Expression: "Patient.generalPractitioner", Targets: []string{"Practitioner", "Organization", "PractitionerRole"}},
	},
	"Practitioner": {
		"family":     {Name: "family", Type: ParamString, Expression: "Practitioner.name.family"},
		"given":      {Name: "given", Type: ParamString, Expression: "Practitioner.name.given"},
		"name":       {Name: "name", Type: ParamString, Expression: "Practitioner.name"},
		"gender":     {Name: "gender", Type: ParamToken, Expression: "Practitioner.gender"},
		"identifier": {Name: "identifier", Type: ParamToken, Expression: "Practitioner.identifier"},
		"active":     {Name: "active", Type: ParamToken, Expression: "Practitioner.active"},
	},
	"PractitionerRole": {
		"practitioner": {Name: "practitioner", Type: ParamReference, Expression: "PractitionerRole.practitioner", Targets: []string{"Practitioner"}},
		"organization": {Name: "organization", Type: ParamReference, Expression: "PractitionerRole.organization", Targets: []string{"Organization"}},
		"specialty":    {Name: "specialty", Type: ParamToken, Expression: "PractitionerRole.specialty"},
		"active":       {Name: "active", Type: ParamToken, Expression: "PractitionerRole.active"},
		"identifier":   {Name: "identifier", Type: ParamToken, Expression: "PractitionerRole.identifier"},
	},
	"Organization": {
		"name":         {Name: "name", Type: ParamString, Expression: "Organization.name"},
		"identifier":   {Name: "identifier", Type: ParamToken, Expression: "Organization.identifier"},
		"active":       {Name: "active", Type: ParamToken, Expression: "Organization.active"},
		"type":         {Name: "type", Type: ParamToken, Expression: "Organization.type"},
		"address-city": {Name: "address-city", Type: ParamString, Expression: "Organization.address.city"},
	},
	"Observation": {
		"code":          {Name: "code", Type: ParamToken, Expression: "Observation.code"},
		"category":      {Name: "category", Type: ParamToken, Expression: "Observation.category"},
		"status":        {Name: "status", Type: ParamToken, Expression: "Observation.status"},
		"date":          {Name: "date", Type: ParamDate, Expression: "Observation.effective"},
		"issued":        {Name: "issued", Type: ParamDate, Expression: "Observation.issued"},
		"identifier":    {Name: "identifier", Type: ParamToken, Expression: "Observation.identifier"},
		"subject":       {Name: "subject", Type: ParamReference, Expression: "Observation.subject", Targets: []string{"Patient", "Group", "Device", "Location"}},
		"patient":       {Name: "patient", Type: ParamReference, Expression: "Observation.subject.where(resolve() is Patient)", Targets: []string{"Patient"}},
		"encounter":     {Name: "encounter", Type: ParamReference, Expression: "Observation.encounter", Targets: []string{"Encounter"}},
		"performer":     {Name: "performer", Type: ParamReference, Expression: "Observation.performer", Targets: []string{"Practitioner", "PractitionerRole", "Organization", "Patient", "RelatedPerson"}},
		"value-quantity": {Name: "value-quantity", Type: ParamQuantity, Expression: "(Observation.value as Quantity)"},
		"value-concept":  {Name: "value-concept", Type: ParamToken, Expression: "(Observation.value as CodeableConcept)"},
	},
	"Encounter": {
		"class":       {Name: "class", Type: ParamToken, Expression: "Encounter.class"},
		"status":      {Name: "status", Type: ParamToken, Expression: "Encounter.status"},
		"date":        {Name: "date", Type: ParamDate, Expression: "Encounter.period"},
		"identifier":  {Name: "identifier", Type: ParamToken, Expression: "Encounter.identifier"},
		"subject":     {Name: "subject", Type: ParamReference, Expression: "Encounter.subject", Targets: []string{"Patient", "Group"}},
		"patient":     {Name: "patient", Type: ParamReference, Expression: "Encounter.subject.where(resolve() is Patient)", Targets: []string{"Patient"}},
		"participant": {Name: "participant", Type: ParamReference, Expression: "Encounter.participant.individual", Targets: []string{"Practitioner", "PractitionerRole", "RelatedPerson"}},
	},
	"Condition": {
		"code":            {Name: "code", Type: ParamToken, Expression: "Condition.code"},
		"category":        {Name: "category", Type: ParamToken, Expression: "Condition.category"},
		"clinical-status": {Name: "clinical-status", Type: ParamToken, Expression: "Condition.clinicalStatus"},
		"onset-date":      {Name: "onset-date", Type: ParamDate, Expression: "Condition.onset"},
		"recorded-date":   {Name: "recorded-date", Type: ParamDate, Expression: "Condition.recordedDate"},
		"identifier":      {Name: "identifier", Type: ParamToken, Expression: "Condition.identifier"},
		"subject":         {Name: "subject", Type: ParamReference, Expression: "Condition.subject", Targets: []string{"Patient", "Group"}},
		"patient":         {Name: "patient", Type: ParamReference, Expression: "Condition.subject.where(resolve() is Patient)", Targets: []string{"Patient"}},
		"encounter":       {Name: "encounter", Type: ParamReference, Expression: "Condition.encounter", Targets: []string{"Encounter"}},
	},
	"MedicationRequest": {
		"status":     {Name: "status", Type: ParamToken, Expression: "MedicationRequest.status"},
		"intent":     {Name: "intent", Type: ParamToken, Expression: "MedicationRequest.intent"},
		"medication": {Name: "medication", Type: ParamToken, Expression: "(MedicationRequest.medication as CodeableConcept)"},
		"authoredon": {Name: "authoredon", Type: ParamDate, Expression: "MedicationRequest.authoredOn"},
		"identifier": {Name: "identifier", Type: ParamToken, Expression: "MedicationRequest.identifier"},
		"subject":    {Name: "subject", Type: ParamReference, Expression: "MedicationRequest.subject", Targets: []string{"Patient", "Group"}},
		"patient":    {Name: "patient", Type: ParamReference, Expression: "MedicationRequest.subject.where(resolve() is Patient)", Targets: []string{"Patient"}},
		"encounter":  {Name: "encounter", Type: ParamReference, Expression: "MedicationRequest.encounter", Targets: []string{"Encounter"}},
		"requester":  {Name: "requester", Type: ParamReference, Expression: "MedicationRequest.requester", Targets: []string{"Practitioner", "PractitionerRole", "Organization", "Patient", "RelatedPerson", "Device"}},
	},
	"DiagnosticReport": {
		"code":       {Name: "code", Type: ParamToken, Expression: "DiagnosticReport.code"},
		"category":   {Name: "category", Type: ParamToken, Expression: "DiagnosticReport.category"},
		"status":     {Name: "status", Type: ParamToken, Expression: "DiagnosticReport.status"},
		"date":       {Name: "date", Type: ParamDate, Expression: "DiagnosticReport.effective"},
		"issued":     {Name: "issued", Type: ParamDate, Expression: "DiagnosticReport.issued"},
		"identifier": {Name: "identifier", Type: ParamToken, Expression: "DiagnosticReport.identifier"},
		"subject":    {Name: "subject", Type: ParamReference, Expression: "DiagnosticReport.subject", Targets: []string{"Patient", "Group", "Device", "Location"}},
		"patient":    {Name: "patient", Type: ParamReference, Expression: "DiagnosticReport.subject.where(resolve() is Patient)", Targets: []string{"Patient"}},
		"encounter":  {Name: "encounter", Type: ParamReference, Expression: "DiagnosticReport.encounter", Targets: []string{"Encounter"}},
	},
	"Device": {
		"patient":      {Name: "patient", Type: ParamReference, Expression: "Device.patient", Targets: []string{"Patient"}},
		"type":         {Name: "type", Type: ParamToken, Expression: "Device.type"},
		"status":       {Name: "status", Type: ParamToken, Expression: "Device.status"},
		"identifier":   {Name: "identifier", Type: ParamToken, Expression: "Device.identifier"},
		"manufacturer": {Name: "manufacturer", Type: ParamString, Expression: "Device.manufacturer"},
		"model":        {Name: "model", Type: ParamString, Expression: "Device.modelNumber"},
	},
	"Medication": {
		"code":       {Name: "code", Type: ParamToken, Expression: "Medication.code"},
		"status":     {Name: "status", Type: ParamToken, Expression: "Medication.status"},
		"identifier": {Name: "identifier", Type: ParamToken, Expression: "Medication.identifier"},
	},
	"RelatedPerson": {
		"patient":      {Name: "patient", Type: ParamReference, Expression: "RelatedPerson.patient", Targets: []string{"Patient"}},
		"name":         {Name: "name", Type: ParamString, Expression: "RelatedPerson.name"},
		"relationship": {Name: "relationship", Type: ParamToken, Expression: "RelatedPerson.relationship"},
		"identifier":   {Name: "identifier", Type: ParamToken, Expression: "RelatedPerson.identifier"},
		"active":       {Name: "active", Type: ParamToken, Expression: "RelatedPerson.active"},
	},
	"Substance": {
		"code":       {Name: "code", Type: ParamToken, Expression: "Substance.code"},
		"status":     {Name: "status", Type: ParamToken, Expression: "Substance.status"},
		"identifier": {Name: "identifier", Type: ParamToken, Expression: "Substance.identifier"},
	},
	"Group": {
		"type":       {Name: "type", Type: ParamToken, Expression: "Group.type"},
		"actual":     {Name: "actual", Type: ParamToken, Expression: "Group.actual"},
		"member":     {Name: "member", Type: ParamReference, Expression: "Group.member.entity", Targets: []string{"Patient", "Practitioner", "PractitionerRole", "Device", "Medication", "Substance", "Group"}},
		"identifier": {Name: "identifier", Type: ParamToken, Expression: "Group.identifier"},
	},
}
