package fhir

import (
	"strings"
	"time"
)

// CapabilityStatement is the server metadata resource served at /metadata.
type CapabilityStatement struct {
	ResourceType   string            `json:"resourceType"`
	Status         string            `json:"status"`
	Date           string            `json:"date"`
	Publisher      string            `json:"publisher,omitempty"`
	Kind           string            `json:"kind"`
	Software       *CSSoftware       `json:"software,omitempty"`
	Implementation *CSImplementation `json:"implementation,omitempty"`
	FHIRVersion    string            `json:"fhirVersion"`
	Format         []string          `json:"format"`
	Rest           []CSRest          `json:"rest"`
}

// CSSoftware names the server software in a CapabilityStatement.
type CSSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// CSImplementation describes this server instance.
type CSImplementation struct {
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

// CSRest is the rest element of a CapabilityStatement.
type CSRest struct {
	Mode        string          `json:"mode"`
	Security    *CSSecurity     `json:"security,omitempty"`
	Resource    []CSResource    `json:"resource,omitempty"`
	Interaction []CSInteraction `json:"interaction,omitempty"`
}

// CSSecurity declares the security services the REST surface supports.
type CSSecurity struct {
	CORS      bool              `json:"cors,omitempty"`
	Service   []CodeableConcept `json:"service,omitempty"`
	Extension []Extension       `json:"extension,omitempty"`
}

// CSResource declares the interactions supported for one resource type.
type CSResource struct {
	Type        string          `json:"type"`
	Versioning  string          `json:"versioning,omitempty"`
	Interaction []CSInteraction `json:"interaction,omitempty"`
	SearchParam []CSSearchParam `json:"searchParam,omitempty"`
}

// CSInteraction is a single supported interaction code.
type CSInteraction struct {
	Code string `json:"code"`
}

// CSSearchParam declares a supported search parameter.
type CSSearchParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// oauthURIsExtension is the SMART-on-FHIR extension advertising the OAuth
// endpoints inside CapabilityStatement.rest.security.
const oauthURIsExtension = "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris"

// ResourceCapability builds the standard interaction set this server
// supports for a resource type.
func ResourceCapability(resourceType string) CSResource {
	return CSResource{
		Type:       resourceType,
		Versioning: "versioned",
		Interaction: []CSInteraction{
			{Code: "read"},
			{Code: "vread"},
			{Code: "update"},
			{Code: "create"},
			{Code: "delete"},
			{Code: "search-type"},
			{Code: "history-instance"},
		},
	}
}

// NewCapabilityStatement builds the server metadata statement. baseURL is the
// absolute FHIR base (".../fhir"); the OAuth endpoints are derived from the
// issuer, which is the base with the trailing "/fhir" stripped.
func NewCapabilityStatement(baseURL, softwareVersion string, resourceTypes []string) *CapabilityStatement {
	issuer := strings.TrimSuffix(baseURL, "/fhir")

	resources := make([]CSResource, 0, len(resourceTypes))
	for _, rt := range resourceTypes {
		resources = append(resources, ResourceCapability(rt))
	}

	return &CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         time.Now().UTC().Format("2006-01-02"),
		Publisher:    "FHIRVault",
		Kind:         "instance",
		Software: &CSSoftware{
			Name:    "FHIRVault Server",
			Version: softwareVersion,
		},
		Implementation: &CSImplementation{
			Description: "FHIR R4 document store server",
			URL:         baseURL,
		},
		FHIRVersion: "4.0.1",
		Format:      []string{"application/fhir+json", "json"},
		Rest: []CSRest{{
			Mode: "server",
			Security: &CSSecurity{
				CORS: true,
				Service: []CodeableConcept{{
					Coding: []Coding{{
						System:  "http://terminology.hl7.org/CodeSystem/restful-security-service",
						Code:    "SMART-on-FHIR",
						Display: "SMART-on-FHIR",
					}},
					Text: "OAuth2 using SMART-on-FHIR profile",
				}},
				Extension: []Extension{{
					URL: oauthURIsExtension,
					Extension: []Extension{
						{URL: "authorize", ValueURI: issuer + "/oauth2/authorize"},
						{URL: "token", ValueURI: issuer + "/oauth2/token"},
						{URL: "introspect", ValueURI: issuer + "/oauth2/introspect"},
						{URL: "revoke", ValueURI: issuer + "/oauth2/revoke"},
					},
				}},
			},
			Resource: resources,
			Interaction: []CSInteraction{
				{Code: "transaction"},
				{Code: "batch"},
			},
		}},
	}
}
