package search

import (
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func buildFor(t *testing.T, resourceType, param, modifier string, values ...string) (Query, error) {
	t.Helper()
	r := NewResolver(zerolog.Nop())
	rp, err := r.Resolve(resourceType, param)
	if err != nil {
		t.Fatalf("resolve %s.%s: %v", resourceType, param, err)
	}
	return NewBuilder(zerolog.Nop()).Build(resourceType, rp, modifier, values)
}

func mustBuild(t *testing.T, resourceType, param, modifier string, values ...string) Query {
	t.Helper()
	q, err := buildFor(t, resourceType, param, modifier, values...)
	if err != nil {
		t.Fatalf("build %s=%v: %v", param, values, err)
	}
	return q
}

func TestTokenBuilder_BareCode(t *testing.T) {
	q := mustBuild(t, "Patient", "gender", "", "female")
	term, ok := q.(TermQuery)
	if !ok {
		t.Fatalf("expected TermQuery, got %#v", q)
	}
	if term.Field != "gender" || term.Term != "female" {
		t.Errorf("got %+v", term)
	}
}

func TestTokenBuilder_SystemAndCode(t *testing.T) {
	q := mustBuild(t, "Observation", "code", "", "http://loinc.org|8480-6")
	conj, ok := q.(ConjunctionQuery)
	if !ok {
		t.Fatalf("expected ConjunctionQuery, got %#v", q)
	}
	got := mustJSON(t, conj)
	for _, frag := range []string{
		`"term":"http://loinc.org","field":"code.coding.system"`,
		`"term":"8480-6","field":"code.coding.code"`,
	} {
		if !strings.Contains(got, frag) {
			t.Errorf("missing %s in %s", frag, got)
		}
	}
}

func TestTokenBuilder_SystemOnly(t *testing.T) {
	q := mustBuild(t, "Patient", "identifier", "", "http://hospital.example.org|")
	term, ok := q.(TermQuery)
	if !ok {
		t.Fatalf("expected TermQuery, got %#v", q)
	}
	if term.Field != "identifier.system" || term.Term != "http://hospital.example.org" {
		t.Errorf("got %+v", term)
	}
}

func TestTokenBuilder_CodeOnlyPipe(t *testing.T) {
	q := mustBuild(t, "Patient", "identifier", "", "|12345")
	term, ok := q.(TermQuery)
	if !ok {
		t.Fatalf("expected TermQuery, got %#v", q)
	}
	if term.Field != "identifier.value" || term.Term != "12345" {
		t.Errorf("got %+v", term)
	}
}

func TestTokenBuilder_MultiValueOR(t *testing.T) {
	q := mustBuild(t, "Observation", "code", "", "8480-6", "8462-4")
	if _, ok := q.(DisjunctionQuery); !ok {
		t.Fatalf("expected DisjunctionQuery, got %#v", q)
	}
}

func TestTokenBuilder_BooleanChoiceElement(t *testing.T) {
	q := mustBuild(t, "Patient", "deceased", "", "true")
	term, ok := q.(TermQuery)
	if !ok {
		t.Fatalf("expected TermQuery, got %#v", q)
	}
	if term.Field != "deceasedBoolean" || term.Term != "true" {
		t.Errorf("got %+v", term)
	}
}

func TestTokenBuilder_EmptyValue(t *testing.T) {
	if _, err := buildFor(t, "Patient", "gender", "", ""); err == nil {
		t.Error("expected error for empty token")
	}
	var invalid *InvalidValueError
	_, err := buildFor(t, "Patient", "gender", "", "|")
	if !errors.As(err, &invalid) {
		t.Errorf("expected InvalidValueError, got %v", err)
	}
}

func TestTokenBuilder_MissingModifier(t *testing.T) {
	q := mustBuild(t, "Patient", "gender", "missing", "true")
	b, ok := q.(BooleanQuery)
	if !ok {
		t.Fatalf("expected BooleanQuery, got %#v", q)
	}
	if len(b.MustNot) != 1 {
		t.Fatalf("must_not = %d", len(b.MustNot))
	}

	q = mustBuild(t, "Patient", "gender", "missing", "false")
	if _, ok := q.(ExistsQuery); !ok {
		t.Fatalf("expected ExistsQuery, got %#v", q)
	}
}

func TestStringBuilder_DefaultPrefixLowercases(t *testing.T) {
	q := mustBuild(t, "Patient", "family", "", "Smith")
	p, ok := q.(PrefixQuery)
	if !ok {
		t.Fatalf("expected PrefixQuery, got %#v", q)
	}
	if p.Prefix != "smith" || p.Field != "name.family" {
		t.Errorf("got %+v", p)
	}
}

func TestStringBuilder_Exact(t *testing.T) {
	q := mustBuild(t, "Patient", "family", "exact", "Smith")
	term, ok := q.(TermQuery)
	if !ok {
		t.Fatalf("expected TermQuery, got %#v", q)
	}
	if term.Term != "Smith" {
		t.Errorf("exact match must preserve case, got %q", term.Term)
	}
}

func TestStringBuilder_Contains(t *testing.T) {
	q := mustBuild(t, "Patient", "family", "contains", "mit")
	w, ok := q.(WildcardQuery)
	if !ok {
		t.Fatalf("expected WildcardQuery, got %#v", q)
	}
	if w.Wildcard != "*mit*" {
		t.Errorf("got %q", w.Wildcard)
	}
}

func TestStringBuilder_HumanNameFansOut(t *testing.T) {
	q := mustBuild(t, "Patient", "name", "", "ann")
	got := mustJSON(t, q)
	for _, field := range []string{"name.family", "name.given", "name.text"} {
		if !strings.Contains(got, `"field":"`+field+`"`) {
			t.Errorf("missing %s in %s", field, got)
		}
	}
}

func TestStringBuilder_EmptyRejected(t *testing.T) {
	if _, err := buildFor(t, "Patient", "family", "", "   "); err == nil {
		t.Error("expected error for blank value")
	}
}

func TestDateBuilder_DayEquality(t *testing.T) {
	q := mustBuild(t, "Patient", "birthdate", "", "1990-05-10")
	r, ok := q.(DateRangeQuery)
	if !ok {
		t.Fatalf("expected DateRangeQuery, got %#v", q)
	}
	if r.Field != "birthDate" {
		t.Errorf("field = %q", r.Field)
	}
	if r.Start != "1990-05-10T00:00:00Z" || !r.InclusiveStart {
		t.Errorf("start = %q inclusive=%v", r.Start, r.InclusiveStart)
	}
	if r.End != "1990-05-11T00:00:00Z" || r.InclusiveEnd {
		t.Errorf("end = %q inclusive=%v", r.End, r.InclusiveEnd)
	}
}

func TestDateBuilder_YearSpan(t *testing.T) {
	q := mustBuild(t, "Patient", "birthdate", "", "1990")
	r := q.(DateRangeQuery)
	if r.Start != "1990-01-01T00:00:00Z" || r.End != "1991-01-01T00:00:00Z" {
		t.Errorf("got [%s, %s)", r.Start, r.End)
	}
}

func TestDateBuilder_Prefixes(t *testing.T) {
	cases := []struct {
		value     string
		wantStart string
		wantEnd   string
		incStart  bool
	}{
		{"ge1990-05-10", "1990-05-10T00:00:00Z", "", true},
		{"gt1990-05-10", "1990-05-11T00:00:00Z", "", true},
		{"lt1990-05-10", "", "1990-05-10T00:00:00Z", false},
		{"le1990-05-10", "", "1990-05-11T00:00:00Z", false},
		{"sa1990-05-10", "1990-05-11T00:00:00Z", "", true},
		{"eb1990-05-10", "", "1990-05-10T00:00:00Z", false},
	}
	for _, tc := range cases {
		q := mustBuild(t, "Patient", "birthdate", "", tc.value)
		r, ok := q.(DateRangeQuery)
		if !ok {
			t.Fatalf("%s: expected DateRangeQuery, got %#v", tc.value, q)
		}
		if r.Start != tc.wantStart || r.End != tc.wantEnd {
			t.Errorf("%s: got [%s, %s], want [%s, %s]", tc.value, r.Start, r.End, tc.wantStart, tc.wantEnd)
		}
		if tc.wantStart != "" && r.InclusiveStart != tc.incStart {
			t.Errorf("%s: inclusive_start = %v", tc.value, r.InclusiveStart)
		}
	}
}

func TestDateBuilder_NotEqual(t *testing.T) {
	q := mustBuild(t, "Patient", "birthdate", "", "ne1990-05-10")
	b, ok := q.(BooleanQuery)
	if !ok || len(b.MustNot) != 1 {
		t.Fatalf("expected BooleanQuery with one must_not, got %#v", q)
	}
}

func TestDateBuilder_MultiplePrefixedValuesNarrowRange(t *testing.T) {
	q := mustBuild(t, "Patient", "birthdate", "", "ge1990-01-01", "le1999-12-31")
	if _, ok := q.(ConjunctionQuery); !ok {
		t.Fatalf("expected ConjunctionQuery, got %#v", q)
	}
}

func TestDateBuilder_PeriodExpansionPrunes(t *testing.T) {
	// ge on a Period element constrains only the start
	q := mustBuild(t, "Encounter", "date", "", "ge2020-01-01")
	r, ok := q.(DateRangeQuery)
	if !ok {
		t.Fatalf("expected DateRangeQuery, got %#v", q)
	}
	if r.Field != "period.start" {
		t.Errorf("field = %q, want period.start", r.Field)
	}

	q = mustBuild(t, "Encounter", "date", "", "le2020-01-01")
	r = q.(DateRangeQuery)
	if r.Field != "period.end" {
		t.Errorf("field = %q, want period.end", r.Field)
	}

	// equality needs overlap, so both bounds stay
	q = mustBuild(t, "Encounter", "date", "", "2020-01-01")
	got := mustJSON(t, q)
	if !strings.Contains(got, "period.start") || !strings.Contains(got, "period.end") {
		t.Errorf("equality should constrain both bounds: %s", got)
	}
}

func TestDateBuilder_ChoiceExpansion(t *testing.T) {
	// Observation date targets effective[x]: dateTime, Period and instant concretizations OR together
	q := mustBuild(t, "Observation", "date", "", "ge2021-06-01")
	got := mustJSON(t, q)
	for _, field := range []string{"effectiveDateTime", "effectivePeriod.start", "effectiveInstant"} {
		if !strings.Contains(got, field) {
			t.Errorf("missing %s in %s", field, got)
		}
	}
}

func TestDateBuilder_InstantPoint(t *testing.T) {
	q := mustBuild(t, "Patient", "birthdate", "", "1990-05-10T14:30:00Z")
	r := q.(DateRangeQuery)
	if r.Start != "1990-05-10T14:30:00Z" || r.End != "1990-05-10T14:30:00Z" {
		t.Errorf("got [%s, %s]", r.Start, r.End)
	}
	if !r.InclusiveStart || !r.InclusiveEnd {
		t.Error("instant equality should be a closed point")
	}
}

func TestDateBuilder_BadValue(t *testing.T) {
	for _, v := range []string{"not-a-date", "xx2020-01-01", "2020-13-40"} {
		if _, err := buildFor(t, "Patient", "birthdate", "", v); err == nil {
			t.Errorf("expected error for %q", v)
		}
	}
}

func TestReferenceBuilder_TypeSlashID(t *testing.T) {
	q := mustBuild(t, "Observation", "subject", "", "Patient/example")
	term, ok := q.(TermQuery)
	if !ok {
		t.Fatalf("expected TermQuery, got %#v", q)
	}
	if term.Field != "subject.reference" || term.Term != "Patient/example" {
		t.Errorf("got %+v", term)
	}
}

func TestReferenceBuilder_BareIDUsesTargets(t *testing.T) {
	q := mustBuild(t, "Patient", "organization", "", "org-1")
	term, ok := q.(TermQuery)
	if !ok {
		t.Fatalf("expected TermQuery, got %#v", q)
	}
	if term.Term != "Organization/org-1" {
		t.Errorf("got %q, want Organization/org-1", term.Term)
	}
}

func TestReferenceBuilder_BareIDMultipleTargets(t *testing.T) {
	q := mustBuild(t, "Patient", "general-practitioner", "", "who-1")
	got := mustJSON(t, q)
	for _, ref := range []string{"Practitioner/who-1", "Organization/who-1", "PractitionerRole/who-1"} {
		if !strings.Contains(got, ref) {
			t.Errorf("missing %s in %s", ref, got)
		}
	}
}

func TestReferenceBuilder_AbsoluteURL(t *testing.T) {
	q := mustBuild(t, "Observation", "subject", "", "https://fhir.example.org/fhir/Patient/example")
	term, ok := q.(TermQuery)
	if !ok {
		t.Fatalf("expected TermQuery, got %#v", q)
	}
	if term.Term != "Patient/example" {
		t.Errorf("got %q", term.Term)
	}
}

func TestReferenceBuilder_IdentifierModifier(t *testing.T) {
	q := mustBuild(t, "Observation", "subject", "identifier", "http://mrn.example.org|12345")
	got := mustJSON(t, q)
	for _, frag := range []string{"subject.identifier.system", "subject.identifier.value"} {
		if !strings.Contains(got, frag) {
			t.Errorf("missing %s in %s", frag, got)
		}
	}
}

func TestReferenceBuilder_BadShape(t *testing.T) {
	if _, err := buildFor(t, "Observation", "subject", "", "Patient/bad id"); err == nil {
		t.Error("expected error for id with spaces")
	}
}

func TestQuantityBuilder_ValueSystemCode(t *testing.T) {
	q := mustBuild(t, "Observation", "value-quantity", "", "5.4|http://unitsofmeasure.org|mg")
	got := mustJSON(t, q)
	for _, frag := range []string{
		`"field":"valueQuantity.value"`,
		`"term":"http://unitsofmeasure.org","field":"valueQuantity.system"`,
		`"term":"mg"`,
	} {
		if !strings.Contains(got, frag) {
			t.Errorf("missing %s in %s", frag, got)
		}
	}
}

func TestQuantityBuilder_Prefix(t *testing.T) {
	q := mustBuild(t, "Observation", "value-quantity", "", "gt120")
	conj, ok := q.(NumericRangeQuery)
	if !ok {
		t.Fatalf("expected NumericRangeQuery, got %#v", q)
	}
	if conj.Min == nil || *conj.Min != 120 || conj.InclusiveMin {
		t.Errorf("got %+v", conj)
	}
}

func TestQuantityBuilder_BadNumber(t *testing.T) {
	if _, err := buildFor(t, "Observation", "value-quantity", "", "abc|x|y"); err == nil {
		t.Error("expected error for non-numeric value")
	}
}

func TestChoiceTokenExpansion_MedicationRequest(t *testing.T) {
	q := mustBuild(t, "MedicationRequest", "medication", "", "branded-pill")
	term, ok := q.(TermQuery)
	if !ok {
		t.Fatalf("expected TermQuery, got %#v", q)
	}
	if term.Field != "medicationCodeableConcept.coding.code" {
		t.Errorf("field = %q", term.Field)
	}
}
