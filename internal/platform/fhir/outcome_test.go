package fhir

import "testing"

func TestOutcomeConstructors(t *testing.T) {
	tests := []struct {
		name     string
		outcome  *OperationOutcome
		severity string
		code     string
	}{
		{"not found", NotFoundOutcome("Patient", "x"), IssueSeverityError, IssueTypeNotFound},
		{"gone", GoneOutcome("Patient", "x"), IssueSeverityError, IssueTypeDeleted},
		{"conflict", ConflictOutcome("id already deleted"), IssueSeverityError, IssueTypeConflict},
		{"not supported", NotSupportedOutcome("unknown parameter"), IssueSeverityError, IssueTypeNotSupported},
		{"invalid", InvalidOutcome("bad value"), IssueSeverityError, IssueTypeInvalid},
		{"security", SecurityOutcome("denied"), IssueSeverityError, IssueTypeSecurity},
		{"internal", InternalErrorOutcome("boom"), IssueSeverityFatal, IssueTypeException},
		{"error", ErrorOutcome("failed"), IssueSeverityError, IssueTypeProcessing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.outcome.ResourceType != "OperationOutcome" {
				t.Errorf("resourceType = %q", tt.outcome.ResourceType)
			}
			if len(tt.outcome.Issue) != 1 {
				t.Fatalf("expected one issue, got %d", len(tt.outcome.Issue))
			}
			issue := tt.outcome.Issue[0]
			if issue.Severity != tt.severity {
				t.Errorf("severity = %q, want %q", issue.Severity, tt.severity)
			}
			if issue.Code != tt.code {
				t.Errorf("code = %q, want %q", issue.Code, tt.code)
			}
		})
	}
}

func TestOutcomeDiagnostics(t *testing.T) {
	oo := NotFoundOutcome("Patient", "p1")
	if got := oo.Issue[0].Diagnostics; got != "Patient/p1 not found" {
		t.Errorf("diagnostics = %q", got)
	}
	oo = GoneOutcome("Patient", "p1")
	if got := oo.Issue[0].Diagnostics; got != "Patient/p1 has been deleted" {
		t.Errorf("diagnostics = %q", got)
	}
}

func TestHasErrors(t *testing.T) {
	warn := NewOperationOutcome(IssueSeverityWarning, IssueTypeProcessing, "heads up")
	if warn.HasErrors() {
		t.Error("warning-only outcome reported errors")
	}
	if !ErrorOutcome("failed").HasErrors() {
		t.Error("error outcome did not report errors")
	}
	if !InternalErrorOutcome("boom").HasErrors() {
		t.Error("fatal outcome did not report errors")
	}
}

func TestMultiIssueOutcome(t *testing.T) {
	issues := []OperationOutcomeIssue{
		{Severity: IssueSeverityError, Code: IssueTypeRequired, Diagnostics: "resourceType is required"},
		{Severity: IssueSeverityWarning, Code: IssueTypeValue, Diagnostics: "odd value"},
	}
	oo := MultiIssueOutcome(issues)
	if len(oo.Issue) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(oo.Issue))
	}
	if !oo.HasErrors() {
		t.Error("outcome with an error issue did not report errors")
	}
}
