package auth

import (
	"fmt"
	"strings"
)

// Scope contexts defined by the SMART App Launch framework.
const (
	ScopeContextPatient = "patient"
	ScopeContextUser    = "user"
	ScopeContextSystem  = "system"
)

// SMARTScope is a parsed resource scope of the form
// <context>/<ResourceType>.<operation>. Operations accept both v1 verbs
// (read, write, *) and v2 permission letters (c, r, u, d, s in order).
type SMARTScope struct {
	Context      string
	ResourceType string
	Operation    string
}

// ParseSMARTScope parses one resource scope. Non-resource scopes such as
// openid, fhirUser or launch/patient return an error and are skipped by
// ParseSMARTScopes.
func ParseSMARTScope(scope string) (*SMARTScope, error) {
	slash := strings.Index(scope, "/")
	if slash < 0 {
		return nil, fmt.Errorf("not a resource scope: %s", scope)
	}
	ctx := scope[:slash]
	rest := scope[slash+1:]

	switch ctx {
	case ScopeContextPatient, ScopeContextUser, ScopeContextSystem:
	default:
		return nil, fmt.Errorf("invalid scope context %q", ctx)
	}

	dot := strings.LastIndex(rest, ".")
	if dot < 0 {
		return nil, fmt.Errorf("scope %q missing operation", scope)
	}
	resourceType := rest[:dot]
	operation := rest[dot+1:]
	if resourceType == "" {
		return nil, fmt.Errorf("scope %q has empty resource type", scope)
	}
	if !validScopeOperation(operation) {
		return nil, fmt.Errorf("invalid scope operation %q", operation)
	}
	return &SMARTScope{Context: ctx, ResourceType: resourceType, Operation: operation}, nil
}

func validScopeOperation(op string) bool {
	switch op {
	case "read", "write", "*":
		return true
	}
	if op == "" {
		return false
	}
	// v2 letters, in cruds order without repeats
	last := -1
	for _, r := range op {
		i := strings.IndexRune("cruds", r)
		if i < 0 || i <= last {
			return false
		}
		last = i
	}
	return true
}

// ParseSMARTScopes keeps the valid resource scopes and drops the rest.
func ParseSMARTScopes(scopes []string) []SMARTScope {
	var out []SMARTScope
	for _, s := range scopes {
		parsed, err := ParseSMARTScope(s)
		if err != nil {
			continue
		}
		out = append(out, *parsed)
	}
	return out
}

// ScopeAllows reports whether any granted scope covers the resource type and
// operation ("read" or "write").
func ScopeAllows(scopes []SMARTScope, resourceType, operation string) bool {
	for _, s := range scopes {
		if scopeCovers(s, resourceType, operation) {
			return true
		}
	}
	return false
}

// scopeContextsAllowing returns the set of scope contexts whose grants cover
// the request. The compartment check uses it to tell patient-limited access
// apart from user or system access.
func scopeContextsAllowing(scopes []SMARTScope, resourceType, operation string) map[string]bool {
	contexts := make(map[string]bool)
	for _, s := range scopes {
		if scopeCovers(s, resourceType, operation) {
			contexts[s.Context] = true
		}
	}
	return contexts
}

func scopeCovers(s SMARTScope, resourceType, operation string) bool {
	if s.ResourceType != "*" && s.ResourceType != resourceType {
		return false
	}
	return operationAllows(s.Operation, operation)
}

func operationAllows(granted, requested string) bool {
	switch granted {
	case "*", "cruds":
		return true
	case "read":
		return requested == "read"
	case "write":
		return requested == "write"
	}
	if requested == "read" {
		return strings.ContainsAny(granted, "rs")
	}
	return strings.ContainsAny(granted, "cud")
}

// scopeDescription renders a human-readable line for the consent page.
func scopeDescription(scope string) string {
	switch scope {
	case "openid":
		return "Verify your identity"
	case "profile":
		return "Access your profile information"
	case "fhirUser":
		return "Know which user you are"
	case "launch/patient":
		return "Know which patient record to access"
	case "offline_access":
		return "Access your data when you are not using the app"
	case "online_access":
		return "Access your data only while you are using the app"
	}
	parsed, err := ParseSMARTScope(scope)
	if err != nil {
		return "Access: " + scope
	}
	subject := "health data"
	if parsed.ResourceType != "*" {
		subject = parsed.ResourceType + " data"
	}
	owner := "your"
	if parsed.Context == ScopeContextUser {
		owner = "accessible"
	} else if parsed.Context == ScopeContextSystem {
		owner = "all"
	}
	read := operationAllows(parsed.Operation, "read")
	write := operationAllows(parsed.Operation, "write")
	switch {
	case read && write:
		return fmt.Sprintf("Full access to %s %s", owner, subject)
	case write:
		return fmt.Sprintf("Create and update %s %s", owner, subject)
	default:
		return fmt.Sprintf("Read %s %s", owner, subject)
	}
}
