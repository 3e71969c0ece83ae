package fhir

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Bundle is a FHIR Bundle resource. Entry resources stay as raw JSON so
// stored documents pass through untouched.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleLink is a Bundle navigation link.
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry is one entry in a Bundle.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

// BundleSearch carries search metadata for searchset entries.
type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// BundleRequest describes the request an entry corresponds to.
type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// BundleResponse describes the processing result for an entry.
type BundleResponse struct {
	Status       string            `json:"status"`
	Location     string            `json:"location,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	LastModified *time.Time        `json:"lastModified,omitempty"`
	Outcome      *OperationOutcome `json:"outcome,omitempty"`
}

// ETag renders a weak entity tag for a resource version, the form FHIR
// expects in ETag headers and bundle responses.
func ETag(version int) string {
	return fmt.Sprintf("W/%q", strconv.Itoa(version))
}

// SearchBundleParams carries the inputs for assembling a searchset Bundle.
type SearchBundleParams struct {
	// BaseURL is the absolute FHIR base, e.g. "https://host/fhir".
	BaseURL      string
	ResourceType string
	// Query is the original search query string, reused to build paging links.
	Query  url.Values
	Count  int
	Offset int
	// Total is set when the backend reported an accurate match count.
	Total *int
}

// NewSearchBundle assembles a searchset Bundle from raw resource documents in
// result order. Every entry is a match; included resources are not supported.
func NewSearchBundle(p SearchBundleParams, resources []json.RawMessage) *Bundle {
	now := time.Now().UTC()

	entries := make([]BundleEntry, 0, len(resources))
	for _, raw := range resources {
		entry := BundleEntry{
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		}
		if rt, id := peekTypeID(raw); rt != "" && id != "" {
			entry.FullURL = p.BaseURL + "/" + Key(rt, id)
		}
		entries = append(entries, entry)
	}

	return &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         "searchset",
		Timestamp:    &now,
		Total:        p.Total,
		Link:         buildPaginationLinks(p, len(resources)),
		Entry:        entries,
	}
}

// buildPaginationLinks renders self, next and previous links for a result
// page. A next link appears when the page came back full and the total, when
// known, says more rows remain.
func buildPaginationLinks(p SearchBundleParams, returned int) []BundleLink {
	links := []BundleLink{{Relation: "self", URL: pageURL(p, p.Offset)}}

	if p.Count > 0 && returned == p.Count {
		if p.Total == nil || p.Offset+returned < *p.Total {
			links = append(links, BundleLink{Relation: "next", URL: pageURL(p, p.Offset+p.Count)})
		}
	}

	if p.Offset > 0 {
		prev := p.Offset - p.Count
		if prev < 0 {
			prev = 0
		}
		links = append(links, BundleLink{Relation: "previous", URL: pageURL(p, prev)})
	}

	return links
}

func pageURL(p SearchBundleParams, offset int) string {
	q := url.Values{}
	for k, vs := range p.Query {
		q[k] = append([]string(nil), vs...)
	}
	if p.Count > 0 {
		q.Set("_count", strconv.Itoa(p.Count))
	}
	if offset > 0 {
		q.Set("_offset", strconv.Itoa(offset))
	} else {
		q.Del("_offset")
	}

	u := p.BaseURL + "/" + p.ResourceType
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// peekTypeID extracts resourceType and id from a raw resource without a full
// parse of the document.
func peekTypeID(raw json.RawMessage) (resourceType, id string) {
	var head struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", ""
	}
	return head.ResourceType, head.ID
}

// HistoryEntry is one version row used to assemble a history Bundle.
type HistoryEntry struct {
	ResourceType string
	ResourceID   string
	VersionID    int
	// Resource is nil for the tombstone marker of a deleted resource.
	Resource    json.RawMessage
	Deleted     bool
	LastUpdated time.Time
}

// NewHistoryBundle assembles a history Bundle for one resource, newest
// version first.
func NewHistoryBundle(baseURL string, entries []HistoryEntry, total int) *Bundle {
	now := time.Now().UTC()

	bundleEntries := make([]BundleEntry, len(entries))
	for i, e := range entries {
		method, status := "PUT", "200 OK"
		switch {
		case e.Deleted:
			method, status = "DELETE", "204 No Content"
		case e.VersionID == 1:
			method, status = "POST", "201 Created"
		}

		lastMod := e.LastUpdated
		bundleEntries[i] = BundleEntry{
			FullURL:  fmt.Sprintf("%s/%s/%s/_history/%d", baseURL, e.ResourceType, e.ResourceID, e.VersionID),
			Resource: e.Resource,
			Request: &BundleRequest{
				Method: method,
				URL:    Key(e.ResourceType, e.ResourceID),
			},
			Response: &BundleResponse{
				Status:       status,
				ETag:         ETag(e.VersionID),
				LastModified: &lastMod,
			},
		}
	}

	return &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         "history",
		Timestamp:    &now,
		Total:        &total,
		Entry:        bundleEntries,
	}
}
