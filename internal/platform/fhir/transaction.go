package fhir

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const urnUUIDPrefix = "urn:uuid:"

// BundleEntryRequest is the request element of a transaction or batch entry.
type BundleEntryRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// TransactionEntry is a single entry of a transaction or batch Bundle. The
// resource is held as a parsed JSON object so ids and references can be
// rewritten in place before the entry executes.
type TransactionEntry struct {
	FullURL  string                 `json:"fullUrl,omitempty"`
	Resource map[string]interface{} `json:"resource,omitempty"`
	Request  BundleEntryRequest     `json:"request"`
}

// TransactionBundle is a parsed transaction or batch Bundle ready for
// processing.
type TransactionBundle struct {
	ResourceType string             `json:"resourceType"`
	Type         string             `json:"type"`
	Entries      []TransactionEntry `json:"entry,omitempty"`
}

// validEntryMethods is the set of HTTP methods accepted in bundle entries.
var validEntryMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"DELETE": true,
}

// methodSortOrder is the FHIR processing order for transaction entries:
// deletes first, then creates, then updates, then reads.
var methodSortOrder = map[string]int{
	"DELETE": 0,
	"POST":   1,
	"PUT":    2,
	"GET":    3,
}

// ParseTransactionBundle parses a raw JSON body into a TransactionBundle.
func ParseTransactionBundle(body []byte) (*TransactionBundle, error) {
	var raw struct {
		ResourceType string `json:"resourceType"`
		Type         string `json:"type"`
		Entry        []struct {
			FullURL  string              `json:"fullUrl,omitempty"`
			Resource json.RawMessage     `json:"resource,omitempty"`
			Request  *BundleEntryRequest `json:"request,omitempty"`
		} `json:"entry,omitempty"`
	}

	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if raw.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected resourceType Bundle, got %q", raw.ResourceType)
	}
	if raw.Type == "" {
		return nil, fmt.Errorf("bundle type is required")
	}

	bundle := &TransactionBundle{
		ResourceType: raw.ResourceType,
		Type:         raw.Type,
		Entries:      make([]TransactionEntry, 0, len(raw.Entry)),
	}

	for i, e := range raw.Entry {
		entry := TransactionEntry{FullURL: e.FullURL}

		if len(e.Resource) > 0 {
			var res map[string]interface{}
			if err := json.Unmarshal(e.Resource, &res); err != nil {
				return nil, fmt.Errorf("invalid resource in entry %d: %w", i, err)
			}
			entry.Resource = res
		}
		if e.Request != nil {
			entry.Request = *e.Request
		}

		bundle.Entries = append(bundle.Entries, entry)
	}

	return bundle, nil
}

// ValidateTransactionBundle checks the structure of a transaction or batch
// Bundle and returns the issues found. An empty result means the bundle is
// ready for processing.
func ValidateTransactionBundle(bundle *TransactionBundle) []OperationOutcomeIssue {
	var issues []OperationOutcomeIssue

	addIssue := func(code, location, format string, args ...interface{}) {
		issues = append(issues, OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        code,
			Diagnostics: fmt.Sprintf(format, args...),
			Expression:  []string{location},
		})
	}

	if bundle.Type != "transaction" && bundle.Type != "batch" {
		addIssue(IssueTypeValue, "Bundle.type",
			"bundle type must be 'transaction' or 'batch', got %q", bundle.Type)
		return issues
	}

	seenFullURLs := make(map[string]bool)

	for i, entry := range bundle.Entries {
		prefix := fmt.Sprintf("Bundle.entry[%d]", i)

		method := entry.Request.Method
		switch {
		case method == "":
			addIssue(IssueTypeRequired, prefix+".request.method",
				"entry %d: request.method is required", i)
		case !validEntryMethods[method]:
			addIssue(IssueTypeValue, prefix+".request.method",
				"entry %d: unsupported HTTP method %q", i, method)
		}

		if entry.Request.URL == "" {
			addIssue(IssueTypeRequired, prefix+".request.url",
				"entry %d: request.url is required", i)
			continue
		}

		urlType, urlID, isSearch := ParseEntryURL(entry.Request.URL)
		if !IsValidTypeName(urlType) {
			addIssue(IssueTypeValue, prefix+".request.url",
				"entry %d: request.url %q does not name a resource type", i, entry.Request.URL)
			continue
		}

		switch method {
		case "POST", "PUT":
			if entry.Resource == nil {
				addIssue(IssueTypeRequired, prefix+".resource",
					"entry %d: a resource is required for %s", i, method)
				break
			}
			if rt := DocType(entry.Resource); rt != urlType {
				addIssue(IssueTypeValue, prefix+".resource.resourceType",
					"entry %d: resource type %q does not match request.url %q", i, rt, entry.Request.URL)
			}
			if method == "PUT" {
				if !IsValidID(urlID) {
					addIssue(IssueTypeValue, prefix+".request.url",
						"entry %d: PUT requires a valid resource id in request.url", i)
				} else if rid := DocID(entry.Resource); rid != "" && rid != urlID {
					addIssue(IssueTypeValue, prefix+".resource.id",
						"entry %d: resource id %q does not match request.url id %q", i, rid, urlID)
				}
			}
		case "DELETE":
			if urlID == "" || isSearch {
				addIssue(IssueTypeValue, prefix+".request.url",
					"entry %d: DELETE requires a resource id in request.url", i)
			}
		}

		if bundle.Type == "transaction" && entry.Resource != nil && entry.FullURL == "" {
			addIssue(IssueTypeRequired, prefix+".fullUrl",
				"entry %d: fullUrl is required for transaction entries carrying a resource", i)
		}

		if entry.FullURL != "" {
			if seenFullURLs[entry.FullURL] {
				addIssue(IssueTypeBusinessRule, prefix+".fullUrl",
					"entry %d: duplicate fullUrl %q", i, entry.FullURL)
			}
			seenFullURLs[entry.FullURL] = true
		}
	}

	return issues
}

// AssignEntryIDs gives every entry resource its final id and returns the
// mapping from urn:uuid fullUrls to the assigned "<Type>/<id>" references.
// PUT entries keep the client id from the request URL. Other entries reuse
// the uuid part of their fullUrl when it is itself a valid FHIR id, and get
// a generated id otherwise.
func AssignEntryIDs(entries []TransactionEntry) map[string]string {
	urnMap := make(map[string]string)

	for i := range entries {
		entry := &entries[i]
		if entry.Resource == nil {
			continue
		}
		resourceType := DocType(entry.Resource)
		if resourceType == "" {
			continue
		}

		var id string
		if entry.Request.Method == "PUT" {
			_, id, _ = ParseEntryURL(entry.Request.URL)
		} else if suffix, ok := urnSuffix(entry.FullURL); ok && IsValidID(suffix) {
			id = suffix
		}
		if id == "" {
			id = uuid.NewString()
		}
		SetDocID(entry.Resource, id)

		if _, ok := urnSuffix(entry.FullURL); ok {
			urnMap[entry.FullURL] = Key(resourceType, id)
		}
	}

	return urnMap
}

// RewriteReferences replaces urn:uuid references in every entry with the
// assigned "<Type>/<id>" references, covering both the bare "urn:uuid:x"
// form and the "<Type>/urn:uuid:x" form. References to unknown urns are
// left untouched.
func RewriteReferences(entries []TransactionEntry, urnMap map[string]string) {
	if len(urnMap) == 0 {
		return
	}
	for i := range entries {
		if entries[i].Resource != nil {
			rewriteRefsInValue(entries[i].Resource, urnMap)
		}
		entries[i].Request.URL = rewriteReference(entries[i].Request.URL, urnMap)
	}
}

func rewriteRefsInValue(v interface{}, urnMap map[string]string) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, child := range val {
			if k == "reference" {
				if ref, ok := child.(string); ok {
					val[k] = rewriteReference(ref, urnMap)
					continue
				}
			}
			rewriteRefsInValue(child, urnMap)
		}
	case []interface{}:
		for _, item := range val {
			rewriteRefsInValue(item, urnMap)
		}
	}
}

func rewriteReference(ref string, urnMap map[string]string) string {
	if mapped, ok := urnMap[ref]; ok {
		return mapped
	}
	if i := strings.Index(ref, urnUUIDPrefix); i > 0 {
		if mapped, ok := urnMap[ref[i:]]; ok {
			return mapped
		}
	}
	return ref
}

func urnSuffix(fullURL string) (string, bool) {
	if strings.HasPrefix(fullURL, urnUUIDPrefix) {
		return fullURL[len(urnUUIDPrefix):], true
	}
	return "", false
}

// SortTransactionEntries orders entries for transaction processing: deletes,
// then creates, then updates, then reads. The sort is stable so entries with
// the same method keep their submitted order.
func SortTransactionEntries(entries []TransactionEntry) []TransactionEntry {
	sorted := make([]TransactionEntry, len(entries))
	copy(sorted, entries)

	sort.SliceStable(sorted, func(i, j int) bool {
		return methodSortOrder[sorted[i].Request.Method] < methodSortOrder[sorted[j].Request.Method]
	})

	return sorted
}

// ParseEntryURL splits a relative FHIR URL from a bundle entry request into
// resource type, id, and whether it is a search.
//
//	"Patient/123"        -> ("Patient", "123", false)
//	"Patient?name=Smith" -> ("Patient", "", true)
//	"Patient"            -> ("Patient", "", false)
func ParseEntryURL(url string) (resourceType, id string, isSearch bool) {
	if idx := strings.Index(url, "?"); idx >= 0 {
		return url[:idx], "", true
	}
	parts := strings.SplitN(url, "/", 3)
	resourceType = parts[0]
	if len(parts) >= 2 {
		id = parts[1]
	}
	return resourceType, id, false
}

// SuccessEntry builds a response entry for a committed write.
func SuccessEntry(resource json.RawMessage, status, location string, version int, at time.Time) BundleEntry {
	lastMod := at
	return BundleEntry{
		Resource: resource,
		Response: &BundleResponse{
			Status:       status,
			Location:     location,
			ETag:         ETag(version),
			LastModified: &lastMod,
		},
	}
}

// FailedEntry builds a response entry for a rejected bundle entry.
func FailedEntry(status string, outcome *OperationOutcome) BundleEntry {
	return BundleEntry{
		Response: &BundleResponse{Status: status, Outcome: outcome},
	}
}

// NewBundleResponse assembles the response Bundle for a processed
// transaction or batch.
func NewBundleResponse(requestType string, entries []BundleEntry) *Bundle {
	now := time.Now().UTC()
	responseType := "transaction-response"
	if requestType == "batch" {
		responseType = "batch-response"
	}
	return &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         responseType,
		Timestamp:    &now,
		Entry:        entries,
	}
}
