package groups

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fhirvault/fhirvault/internal/platform/fhir"
	"github.com/fhirvault/fhirvault/internal/platform/search"
)

// ErrUnsupportedType rejects filters over types a Group cannot hold.
var ErrUnsupportedType = errors.New("resource type cannot hold group members")

// ResourceFinder is the slice of the resource service the group filter needs.
type ResourceFinder interface {
	Search(ctx context.Context, resourceType string, params url.Values, from, size int) ([]json.RawMessage, int64, error)
	AllKeys(ctx context.Context, resourceType string, params url.Values) ([]string, int64, error)
}

const defaultSampleSize = 10

// Service answers bulk-membership questions: which resources match a filter,
// as a preview sample or as the full key list for group construction.
type Service struct {
	resources  ResourceFinder
	sampleSize int
	logger     zerolog.Logger
}

func NewService(resources ResourceFinder, logger zerolog.Logger) *Service {
	return &Service{resources: resources, sampleSize: defaultSampleSize, logger: logger}
}

// Preview runs the filter and returns a small sample plus the accurate total.
func (s *Service) Preview(ctx context.Context, resourceType, filter string) (*Preview, error) {
	params, err := parseFilter(resourceType, filter)
	if err != nil {
		return nil, err
	}

	docs, total, err := s.resources.Search(ctx, resourceType, params, 0, s.sampleSize)
	if err != nil {
		return nil, err
	}

	sample := make([]Member, 0, len(docs))
	for _, raw := range docs {
		sample = append(sample, memberOf(resourceType, raw))
	}
	s.logger.Debug().
		Str("resource_type", resourceType).
		Int64("total", total).
		Int("sample", len(sample)).
		Msg("filter preview")
	return &Preview{ResourceType: resourceType, Total: total, Sample: sample}, nil
}

// Keys enumerates every key matching the filter up to the search cap.
func (s *Service) Keys(ctx context.Context, resourceType, filter string) (*KeySet, error) {
	params, err := parseFilter(resourceType, filter)
	if err != nil {
		return nil, err
	}

	keys, total, err := s.resources.AllKeys(ctx, resourceType, params)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().
		Str("resource_type", resourceType).
		Int64("total", total).
		Int("returned", len(keys)).
		Msg("filter keys")
	return &KeySet{ResourceType: resourceType, Total: total, Returned: len(keys), Keys: keys}, nil
}

// parseFilter validates the member type and decodes the filter string.
// ParseQuery unescapes parameter names as well as values, so _has criteria
// arrive fully decoded before they are dispatched.
func parseFilter(resourceType, filter string) (url.Values, error) {
	if !memberTypes[resourceType] {
		return nil, fmt.Errorf("%s: %w", resourceType, ErrUnsupportedType)
	}
	params, err := url.ParseQuery(filter)
	if err != nil {
		return nil, &search.InvalidValueError{Param: "filter", Reason: err.Error()}
	}
	return params, nil
}

// memberOf builds the preview row for one stored document.
func memberOf(resourceType string, raw json.RawMessage) Member {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Member{}
	}
	id := fhir.DocID(doc)
	m := Member{Key: fhir.Key(resourceType, id), ID: id}

	switch resourceType {
	case "Patient":
		m.Display = humanName(doc["name"])
		m.Gender, _ = doc["gender"].(string)
		m.BirthDate, _ = doc["birthDate"].(string)
	case "Practitioner", "RelatedPerson":
		m.Display = humanName(doc["name"])
		m.Gender, _ = doc["gender"].(string)
	case "Device":
		m.Display = deviceName(doc)
	case "Medication", "Substance":
		m.Display = conceptText(doc["code"])
	case "Group":
		m.Display, _ = doc["name"].(string)
	case "PractitionerRole":
		m.Display = firstConceptText(doc["code"])
	}
	return m
}

// humanName renders the first HumanName as its text, falling back to
// "family, given given".
func humanName(v interface{}) string {
	names, _ := v.([]interface{})
	if len(names) == 0 {
		return ""
	}
	name, _ := names[0].(map[string]interface{})
	if name == nil {
		return ""
	}
	if text, _ := name["text"].(string); text != "" {
		return text
	}

	family, _ := name["family"].(string)
	var given []string
	if gs, ok := name["given"].([]interface{}); ok {
		for _, g := range gs {
			if s, ok := g.(string); ok {
				given = append(given, s)
			}
		}
	}
	switch {
	case family != "" && len(given) > 0:
		return family + ", " + strings.Join(given, " ")
	case family != "":
		return family
	default:
		return strings.Join(given, " ")
	}
}

// deviceName prefers the first deviceName entry, then the type concept.
func deviceName(doc map[string]interface{}) string {
	if names, ok := doc["deviceName"].([]interface{}); ok && len(names) > 0 {
		if n, ok := names[0].(map[string]interface{}); ok {
			if s, _ := n["name"].(string); s != "" {
				return s
			}
		}
	}
	return conceptText(doc["type"])
}

// conceptText renders a CodeableConcept as its text, falling back to the
// first coding's display or code.
func conceptText(v interface{}) string {
	concept, _ := v.(map[string]interface{})
	if concept == nil {
		return ""
	}
	if text, _ := concept["text"].(string); text != "" {
		return text
	}
	if codings, ok := concept["coding"].([]interface{}); ok && len(codings) > 0 {
		if coding, ok := codings[0].(map[string]interface{}); ok {
			if d, _ := coding["display"].(string); d != "" {
				return d
			}
			code, _ := coding["code"].(string)
			return code
		}
	}
	return ""
}

// firstConceptText handles elements that hold an array of CodeableConcept.
func firstConceptText(v interface{}) string {
	concepts, _ := v.([]interface{})
	if len(concepts) == 0 {
		return ""
	}
	return conceptText(concepts[0])
}
