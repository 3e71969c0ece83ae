package fhir

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MIMEFHIRJSON is the content type for FHIR JSON payloads.
const MIMEFHIRJSON = "application/fhir+json; charset=utf-8"

// auditTagSystem identifies the meta.tag codings this server stamps on writes.
const auditTagSystem = "https://fhirvault.dev/fhir/tags/audit"

// idPattern matches a valid FHIR resource id: 1 to 64 chars of [A-Za-z0-9.-].
var idPattern = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)

// typePattern matches a FHIR resource type name.
var typePattern = regexp.MustCompile(`^[A-Z][A-Za-z]*$`)

// IsValidID reports whether id satisfies the FHIR id grammar.
func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}

// IsValidTypeName reports whether t is shaped like a FHIR resource type name.
func IsValidTypeName(t string) bool {
	return typePattern.MatchString(t)
}

// Key builds the document key for the current version of a resource.
func Key(resourceType, id string) string {
	return resourceType + "/" + id
}

// VersionKey builds the document key for a historical version snapshot.
func VersionKey(resourceType, id string, version int) string {
	return resourceType + "/" + id + "/" + strconv.Itoa(version)
}

// SplitKey splits a "<Type>/<id>" document key into its parts.
func SplitKey(key string) (resourceType, id string, ok bool) {
	i := strings.Index(key, "/")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// Meta is the FHIR Meta element for typed resources this server emits itself.
type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Profile     []string   `json:"profile,omitempty"`
	Tag         []Coding   `json:"tag,omitempty"`
}

// Coding is a FHIR Coding element.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept is a FHIR CodeableConcept element.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Reference is a FHIR Reference element.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Identifier is a FHIR Identifier element.
type Identifier struct {
	Use    string `json:"use,omitempty"`
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// HumanName is a FHIR HumanName element.
type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
}

// Extension is a FHIR Extension element, limited to the value types this
// server emits (nested extensions and URI values for the SMART oauth-uris
// complex extension).
type Extension struct {
	URL       string      `json:"url"`
	ValueURI  string      `json:"valueUri,omitempty"`
	Extension []Extension `json:"extension,omitempty"`
}

// Raw document helpers. Stored resources are handled as parsed JSON objects
// rather than typed structs; the write pipeline stamps metadata in place.

// DocType returns the resourceType of a raw resource document.
func DocType(doc map[string]interface{}) string {
	t, _ := doc["resourceType"].(string)
	return t
}

// DocID returns the id of a raw resource document.
func DocID(doc map[string]interface{}) string {
	id, _ := doc["id"].(string)
	return id
}

// SetDocID sets the id of a raw resource document.
func SetDocID(doc map[string]interface{}, id string) {
	doc["id"] = id
}

// DocVersion returns the numeric meta.versionId of a document, or 0 when the
// document carries none. FHIR version ids are strings compared by numeric
// value, so a non-numeric versionId also reads as 0.
func DocVersion(doc map[string]interface{}) int {
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		return 0
	}
	v, _ := meta["versionId"].(string)
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// DocLastUpdated returns the parsed meta.lastUpdated instant, if present.
func DocLastUpdated(doc map[string]interface{}) (time.Time, bool) {
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		return time.Time{}, false
	}
	s, _ := meta["lastUpdated"].(string)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// StampMeta sets meta.versionId and meta.lastUpdated on a document in place,
// creating the meta object when absent.
func StampMeta(doc map[string]interface{}, version int, at time.Time) {
	meta := ensureMeta(doc)
	meta["versionId"] = strconv.Itoa(version)
	meta["lastUpdated"] = at.UTC().Format(time.RFC3339)
}

// StampAudit records the acting principal and operation as a meta.tag coding.
// A previous audit tag is replaced rather than accumulated.
func StampAudit(doc map[string]interface{}, actor, operation string) {
	meta := ensureMeta(doc)

	var tags []interface{}
	if existing, ok := meta["tag"].([]interface{}); ok {
		for _, t := range existing {
			tag, _ := t.(map[string]interface{})
			if tag != nil && tag["system"] == auditTagSystem {
				continue
			}
			tags = append(tags, t)
		}
	}

	tags = append(tags, map[string]interface{}{
		"system":  auditTagSystem,
		"code":    operation,
		"display": actor,
	})
	meta["tag"] = tags
}

func ensureMeta(doc map[string]interface{}) map[string]interface{} {
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
		doc["meta"] = meta
	}
	return meta
}
