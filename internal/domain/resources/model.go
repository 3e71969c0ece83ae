package resources

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fhirvault/fhirvault/internal/platform/search"
)

// Resource is a stored document together with the metadata the REST layer
// needs for ETag and Last-Modified headers.
type Resource struct {
	ResourceType string
	ID           string
	VersionID    int
	LastUpdated  time.Time
	Doc          json.RawMessage
}

// Version is one snapshot row from the versions table. The key is
// "<Type>/<id>/<versionId>".
type Version struct {
	Key       string
	Doc       json.RawMessage
	CreatedAt time.Time
}

// Tombstone marks a deleted resource. Its presence blocks any later PUT to
// the same id.
type Tombstone struct {
	Key       string
	DeletedAt time.Time
}

// sharedCollection holds every resource type without a dedicated table.
// Queries against it always carry a resourceType conjunct.
const sharedCollection = "general"

// dedicatedCollections maps high-traffic resource types to their own tables.
// "Group" maps to "groups" because the bare word is reserved in SQL.
var dedicatedCollections = map[string]string{
	"Patient":           "patient",
	"Practitioner":      "practitioner",
	"Organization":      "organization",
	"Observation":       "observation",
	"Encounter":         "encounter",
	"Condition":         "condition",
	"MedicationRequest": "medicationrequest",
	"DiagnosticReport":  "diagnosticreport",
	"Device":            "device",
	"Medication":        "medication",
	"RelatedPerson":     "relatedperson",
	"PractitionerRole":  "practitionerrole",
	"Substance":         "substance",
	"Group":             "groups",
}

// CollectionFor resolves the table holding documents of the given type.
// Collection names come from this registry only, never from request input.
func CollectionFor(resourceType string) (table string, shared bool) {
	if t, ok := dedicatedCollections[resourceType]; ok {
		return t, false
	}
	return sharedCollection, true
}

// TargetFor builds the search target for a resource type.
func TargetFor(resourceType string) search.Target {
	table, shared := CollectionFor(resourceType)
	return search.Target{ResourceType: resourceType, Collection: table, Shared: shared}
}

type actorKey struct{}

// ContextWithActor records the authenticated principal performing the
// request; writes stamp it into audit metadata.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the recorded principal, or "system" when the
// request carries none.
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "system"
}
