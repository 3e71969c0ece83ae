package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type fakeIdentity struct {
	users map[string]*UserInfo
	pass  map[string]string
}

func (f *fakeIdentity) Authenticate(_ context.Context, username, password string) (*UserInfo, error) {
	u, ok := f.users[username]
	if !ok || f.pass[username] != password {
		return nil, errors.New("invalid credentials")
	}
	return u, nil
}

func (f *fakeIdentity) Lookup(_ context.Context, username string) (*UserInfo, error) {
	u, ok := f.users[username]
	if !ok {
		return nil, errors.New("user not found")
	}
	return u, nil
}

type fakePatients struct {
	order []string
	docs  map[string]json.RawMessage
}

func (f *fakePatients) List(_ context.Context, _ string, n int) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for _, key := range f.order {
		if len(out) == n {
			break
		}
		out = append(out, f.docs[key])
	}
	return out, nil
}

func (f *fakePatients) Fetch(_ context.Context, _ string, keys []string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for _, key := range keys {
		if doc, ok := f.docs[key]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func patientDoc(id, given, family string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"resourceType":"Patient","id":"%s","name":[{"family":"%s","given":["%s"]}],"birthDate":"1974-12-25","gender":"male"}`,
		id, family, given))
}

const (
	testIssuer   = "https://ehr.example.com"
	testRedirect = "https://app.example.com/cb"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

func testChallenge() string {
	sum := sha256.Sum256([]byte(testVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func newTestAuthServer(t *testing.T) (*echo.Echo, *KeyManager) {
	t.Helper()

	km := NewKeyManager(newMemConfigStore(), zerolog.Nop())
	if err := km.Init(context.Background()); err != nil {
		t.Fatalf("key init: %v", err)
	}

	app := &Client{
		ID:           "growth-chart",
		Name:         "Growth Chart",
		RedirectURIs: []string{testRedirect},
		Scopes:       []string{"openid", "fhirUser", "launch/patient", "offline_access", "patient/*.rs"},
		GrantTypes:   []string{GrantAuthorizationCode, GrantRefreshToken},
		Public:       true,
	}
	admin := BuiltinAdminClient("admin-ui", "hunter2", "system/*.*")

	identities := &fakeIdentity{
		users: map[string]*UserInfo{
			"dr-jones": {Username: "dr-jones", Role: RolePractitioner, FHIRUser: "Practitioner/dr-jones"},
			"camila":   {Username: "camila", Role: "patient", FHIRUser: "Patient/example"},
		},
		pass: map[string]string{"dr-jones": "pw", "camila": "pw"},
	}
	patients := &fakePatients{
		order: []string{"Patient/example", "Patient/other"},
		docs: map[string]json.RawMessage{
			"Patient/example": patientDoc("example", "Peter", "Chalmers"),
			"Patient/other":   patientDoc("other", "Ana", "Silva"),
		},
	}

	srv := NewServer(ServerParams{
		Clients:  NewCompositeClients([]*Client{app, admin}, nil),
		Records:  WithPatientContext(NewMemoryRecordStore(15 * time.Minute)),
		Sessions: NewSessionStore(30 * time.Minute),
		Keys:     km,
		Users:    identities,
		Patients: NewPatientDirectory(patients),
		Issuer:   testIssuer,
		Logger:   zerolog.Nop(),
	})

	e := echo.New()
	srv.RegisterRoutes(e)
	return e, km
}

// browser carries cookies across requests the way a user agent would.
type browser struct {
	t       *testing.T
	e       *echo.Echo
	cookies map[string]string
}

func newBrowser(t *testing.T, e *echo.Echo) *browser {
	return &browser{t: t, e: e, cookies: map[string]string{}}
}

func (b *browser) do(method, target string, form url.Values) *httptest.ResponseRecorder {
	b.t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	}
	for name, value := range b.cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	rec := httptest.NewRecorder()
	b.e.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		b.cookies[ck.Name] = ck.Value
	}
	return rec
}

func (b *browser) redirectedTo(rec *httptest.ResponseRecorder) string {
	b.t.Helper()
	if rec.Code != http.StatusFound {
		b.t.Fatalf("want 302, got %d: %s", rec.Code, rec.Body.String())
	}
	loc := rec.Header().Get("Location")
	if loc == "" {
		b.t.Fatal("redirect without Location header")
	}
	return loc
}

func authorizeQuery(scope string) url.Values {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", "growth-chart")
	q.Set("redirect_uri", testRedirect)
	q.Set("scope", scope)
	q.Set("state", "xyz")
	q.Set("code_challenge", testChallenge())
	q.Set("code_challenge_method", "S256")
	return q
}

func postForm(t *testing.T, e *echo.Echo, target string, form url.Values, basicUser, basicPass string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	if basicUser != "" {
		req.SetBasicAuth(basicUser, basicPass)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

// TestPractitionerStandaloneLaunch walks the complete provider flow: login,
// patient selection, consent, code exchange, refresh and revocation.
func TestPractitionerStandaloneLaunch(t *testing.T) {
	e, km := newTestAuthServer(t)
	b := newBrowser(t, e)

	// Authorization request lands on the login page.
	rec := b.do(http.MethodGet, "/oauth2/authorize?"+authorizeQuery("launch/patient openid fhirUser offline_access patient/*.rs").Encode(), nil)
	if loc := b.redirectedTo(rec); loc != "/oauth2/login" {
		t.Fatalf("unauthenticated authorize redirected to %q", loc)
	}

	// Login resumes the flow through the authorization endpoint.
	rec = b.do(http.MethodPost, "/oauth2/login", url.Values{"username": {"dr-jones"}, "password": {"pw"}})
	loc := b.redirectedTo(rec)
	if !strings.HasPrefix(loc, "/oauth2/authorize?") {
		t.Fatalf("login resumed at %q, want the authorization endpoint", loc)
	}

	// Practitioner with launch/patient is sent to the picker.
	rec = b.do(http.MethodGet, loc, nil)
	loc = b.redirectedTo(rec)
	if !strings.HasPrefix(loc, "/patient-picker?") {
		t.Fatalf("expected the patient picker, got %q", loc)
	}

	rec = b.do(http.MethodGet, loc, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("picker page status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Peter Chalmers") {
		t.Error("picker page does not list patients")
	}

	// Selecting a patient goes back through the authorization endpoint and
	// then straight to consent, exactly one picker page in the flow.
	rec = b.do(http.MethodPost, "/patient-picker", url.Values{"patient_id": {"example"}, "action": {"select"}})
	loc = b.redirectedTo(rec)
	if !strings.HasPrefix(loc, "/oauth2/authorize?") {
		t.Fatalf("picker resumed at %q", loc)
	}
	rec = b.do(http.MethodGet, loc, nil)
	loc = b.redirectedTo(rec)
	if !strings.HasPrefix(loc, "/consent?") {
		t.Fatalf("expected consent, got %q", loc)
	}
	consentURL, err := url.Parse(loc)
	if err != nil {
		t.Fatalf("parse consent redirect: %v", err)
	}
	consentState := consentURL.Query().Get("consent_state")
	if consentState == "" {
		t.Fatal("consent redirect carries no consent_state")
	}

	rec = b.do(http.MethodGet, loc, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("consent page status %d", rec.Code)
	}
	page := rec.Body.String()
	if !strings.Contains(page, "Growth Chart") || !strings.Contains(page, consentState) {
		t.Error("consent page is missing the client name or consent state")
	}

	// Approve with each scope as its own field; the form never carries
	// response_type or PKCE parameters.
	consentForm := url.Values{
		"consent_state": {consentState},
		"client_id":     {"growth-chart"},
		"action":        {"approve"},
		"scope":         {"launch/patient", "openid", "fhirUser", "offline_access", "patient/*.rs"},
	}
	rec = b.do(http.MethodPost, "/consent", consentForm)
	loc = b.redirectedTo(rec)
	if !strings.HasPrefix(loc, testRedirect+"?") {
		t.Fatalf("consent approval redirected to %q", loc)
	}
	cb, _ := url.Parse(loc)
	if got := cb.Query().Get("state"); got != "xyz" {
		t.Errorf("state = %q, want xyz", got)
	}
	code := cb.Query().Get("code")
	if code == "" {
		t.Fatal("no authorization code issued")
	}

	// A replayed consent POST must not mint a second code.
	rec = b.do(http.MethodPost, "/consent", consentForm)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("replayed consent POST returned %d, want 400", rec.Code)
	}

	// Exchange the code.
	rec = postForm(t, e, "/oauth2/token", url.Values{
		"grant_type":    {GrantAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"client_id":     {"growth-chart"},
		"code_verifier": {testVerifier},
	}, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("token exchange status %d: %s", rec.Code, rec.Body.String())
	}
	var tokenResp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &tokenResp); err != nil {
		t.Fatalf("token response is not JSON: %v", err)
	}
	if tokenResp["patient"] != "example" {
		t.Errorf("patient = %v, want example", tokenResp["patient"])
	}
	if tokenResp["fhirUser"] != "Practitioner/dr-jones" {
		t.Errorf("fhirUser = %v, want Practitioner/dr-jones", tokenResp["fhirUser"])
	}
	if _, has := tokenResp["id_token"]; !has {
		t.Error("openid scope granted but no id_token returned")
	}
	refresh, _ := tokenResp["refresh_token"].(string)
	if refresh == "" {
		t.Fatal("offline_access granted but no refresh_token returned")
	}

	access, _ := tokenResp["access_token"].(string)
	claims := &TokenClaims{}
	if _, err := jwt.ParseWithClaims(access, claims, km.Keyfunc,
		jwt.WithValidMethods([]string{"RS256"}), jwt.WithIssuer(testIssuer)); err != nil {
		t.Fatalf("access token does not verify: %v", err)
	}
	if claims.Patient != "example" || claims.FHIRUser != "Practitioner/dr-jones" {
		t.Errorf("JWT context claims = patient %q fhirUser %q", claims.Patient, claims.FHIRUser)
	}
	if claims.Subject != "dr-jones" || claims.ClientID != "growth-chart" {
		t.Errorf("JWT principal claims = sub %q client_id %q", claims.Subject, claims.ClientID)
	}
	if !strings.Contains(claims.Scope, "patient/*.rs") {
		t.Errorf("scope claim = %q", claims.Scope)
	}

	// Codes are one-time.
	rec = postForm(t, e, "/oauth2/token", url.Values{
		"grant_type":    {GrantAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"client_id":     {"growth-chart"},
		"code_verifier": {testVerifier},
	}, "", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("code replay returned %d, want 400", rec.Code)
	}

	// Introspection sees the patient context.
	rec = postForm(t, e, "/oauth2/introspect", url.Values{"token": {access}}, "admin-ui", "hunter2")
	if rec.Code != http.StatusOK {
		t.Fatalf("introspection status %d", rec.Code)
	}
	var intro map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &intro)
	if intro["active"] != true || intro["patient"] != "example" {
		t.Errorf("introspection = %v", intro)
	}

	// Refresh keeps the patient context without any session.
	rec = postForm(t, e, "/oauth2/token", url.Values{
		"grant_type":    {GrantRefreshToken},
		"refresh_token": {refresh},
		"client_id":     {"growth-chart"},
	}, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status %d: %s", rec.Code, rec.Body.String())
	}
	var refreshed map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &refreshed)
	if refreshed["patient"] != "example" {
		t.Errorf("refreshed patient = %v, want example", refreshed["patient"])
	}

	// Revocation retires the grant.
	newAccess, _ := refreshed["access_token"].(string)
	rec = postForm(t, e, "/oauth2/revoke", url.Values{"token": {newAccess}, "client_id": {"growth-chart"}}, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("revocation status %d", rec.Code)
	}
	rec = postForm(t, e, "/oauth2/introspect", url.Values{"token": {newAccess}}, "admin-ui", "hunter2")
	json.Unmarshal(rec.Body.Bytes(), &intro)
	if intro["active"] != false {
		t.Error("revoked token still introspects as active")
	}
}

// TestPickerCancelReturnsAccessDenied covers cancelling at the picker stage.
func TestPickerCancelReturnsAccessDenied(t *testing.T) {
	e, _ := newTestAuthServer(t)
	b := newBrowser(t, e)

	b.do(http.MethodGet, "/oauth2/authorize?"+authorizeQuery("launch/patient patient/*.rs").Encode(), nil)
	rec := b.do(http.MethodPost, "/oauth2/login", url.Values{"username": {"dr-jones"}, "password": {"pw"}})
	rec = b.do(http.MethodGet, b.redirectedTo(rec), nil)
	if loc := b.redirectedTo(rec); !strings.HasPrefix(loc, "/patient-picker?") {
		t.Fatalf("expected the picker, got %q", loc)
	}

	rec = b.do(http.MethodPost, "/patient-picker", url.Values{"action": {"cancel"}})
	loc := b.redirectedTo(rec)
	cb, err := url.Parse(loc)
	if err != nil || !strings.HasPrefix(loc, testRedirect) {
		t.Fatalf("cancel redirected to %q", loc)
	}
	if cb.Query().Get("error") != ErrCodeAccessDenied {
		t.Errorf("error = %q, want access_denied", cb.Query().Get("error"))
	}
	if cb.Query().Get("state") != "xyz" {
		t.Errorf("state = %q, want xyz", cb.Query().Get("state"))
	}
}

// TestConsentDenyReturnsAccessDenied covers the deny button.
func TestConsentDenyReturnsAccessDenied(t *testing.T) {
	e, _ := newTestAuthServer(t)
	b := newBrowser(t, e)

	b.do(http.MethodGet, "/oauth2/authorize?"+authorizeQuery("openid patient/*.rs").Encode(), nil)
	rec := b.do(http.MethodPost, "/oauth2/login", url.Values{"username": {"camila"}, "password": {"pw"}})
	rec = b.do(http.MethodGet, b.redirectedTo(rec), nil)
	loc := b.redirectedTo(rec)
	consentURL, _ := url.Parse(loc)

	rec = b.do(http.MethodPost, "/consent", url.Values{
		"consent_state": {consentURL.Query().Get("consent_state")},
		"action":        {"deny"},
	})
	cb, _ := url.Parse(b.redirectedTo(rec))
	if cb.Query().Get("error") != ErrCodeAccessDenied {
		t.Errorf("error = %q, want access_denied", cb.Query().Get("error"))
	}
}

// TestPatientUserGetsOwnContext verifies the fallback: a patient-role user
// with a Patient principal becomes their own launch context, no picker.
func TestPatientUserGetsOwnContext(t *testing.T) {
	e, _ := newTestAuthServer(t)
	b := newBrowser(t, e)

	b.do(http.MethodGet, "/oauth2/authorize?"+authorizeQuery("launch/patient openid fhirUser patient/*.rs").Encode(), nil)
	rec := b.do(http.MethodPost, "/oauth2/login", url.Values{"username": {"camila"}, "password": {"pw"}})
	rec = b.do(http.MethodGet, b.redirectedTo(rec), nil)

	// No picker for patients: straight to consent.
	loc := b.redirectedTo(rec)
	if !strings.HasPrefix(loc, "/consent?") {
		t.Fatalf("patient user routed to %q, want consent", loc)
	}
	consentURL, _ := url.Parse(loc)
	rec = b.do(http.MethodPost, "/consent", url.Values{
		"consent_state": {consentURL.Query().Get("consent_state")},
		"action":        {"approve"},
		"scope":         {"launch/patient", "openid", "fhirUser", "patient/*.rs"},
	})
	cb, _ := url.Parse(b.redirectedTo(rec))

	rec = postForm(t, e, "/oauth2/token", url.Values{
		"grant_type":    {GrantAuthorizationCode},
		"code":          {cb.Query().Get("code")},
		"redirect_uri":  {testRedirect},
		"client_id":     {"growth-chart"},
		"code_verifier": {testVerifier},
	}, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("token exchange status %d: %s", rec.Code, rec.Body.String())
	}
	var tokenResp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &tokenResp)
	if tokenResp["patient"] != "example" {
		t.Errorf("patient = %v, want example (derived from fhirUser)", tokenResp["patient"])
	}
}

// TestClientCredentialsGrant exercises the admin client path.
func TestClientCredentialsGrant(t *testing.T) {
	e, km := newTestAuthServer(t)

	rec := postForm(t, e, "/oauth2/token", url.Values{
		"grant_type": {GrantClientCredentials},
	}, "admin-ui", "hunter2")
	if rec.Code != http.StatusOK {
		t.Fatalf("client_credentials status %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if _, has := resp["patient"]; has {
		t.Error("service token carries a patient context")
	}
	if _, has := resp["refresh_token"]; has {
		t.Error("client_credentials grant returned a refresh token")
	}

	access, _ := resp["access_token"].(string)
	claims := &TokenClaims{}
	if _, err := jwt.ParseWithClaims(access, claims, km.Keyfunc, jwt.WithValidMethods([]string{"RS256"})); err != nil {
		t.Fatalf("service token does not verify: %v", err)
	}
	if claims.Subject != "admin-ui" || claims.Scope != "system/*.*" {
		t.Errorf("claims = sub %q scope %q", claims.Subject, claims.Scope)
	}

	// Wrong secret is rejected.
	rec = postForm(t, e, "/oauth2/token", url.Values{
		"grant_type": {GrantClientCredentials},
	}, "admin-ui", "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad secret returned %d, want 401", rec.Code)
	}
}

// TestTokenEndpointRejections covers the PKCE and client-mismatch failures.
func TestTokenEndpointRejections(t *testing.T) {
	e, _ := newTestAuthServer(t)
	b := newBrowser(t, e)

	b.do(http.MethodGet, "/oauth2/authorize?"+authorizeQuery("openid patient/*.rs").Encode(), nil)
	rec := b.do(http.MethodPost, "/oauth2/login", url.Values{"username": {"camila"}, "password": {"pw"}})
	rec = b.do(http.MethodGet, b.redirectedTo(rec), nil)
	consentURL, _ := url.Parse(b.redirectedTo(rec))
	rec = b.do(http.MethodPost, "/consent", url.Values{
		"consent_state": {consentURL.Query().Get("consent_state")},
		"action":        {"approve"},
		"scope":         {"openid", "patient/*.rs"},
	})
	cb, _ := url.Parse(b.redirectedTo(rec))
	code := cb.Query().Get("code")

	tests := []struct {
		name string
		form url.Values
	}{
		{"wrong verifier", url.Values{
			"grant_type": {GrantAuthorizationCode}, "code": {code},
			"redirect_uri": {testRedirect}, "client_id": {"growth-chart"},
			"code_verifier": {"wrong-verifier-wrong-verifier-wrong-verifier"},
		}},
		{"missing verifier", url.Values{
			"grant_type": {GrantAuthorizationCode}, "code": {code},
			"redirect_uri": {testRedirect}, "client_id": {"growth-chart"},
		}},
		{"wrong client", url.Values{
			"grant_type": {GrantAuthorizationCode}, "code": {code},
			"redirect_uri": {testRedirect}, "client_id": {"admin-ui"}, "client_secret": {"hunter2"},
			"code_verifier": {testVerifier},
		}},
		{"wrong redirect", url.Values{
			"grant_type": {GrantAuthorizationCode}, "code": {code},
			"redirect_uri": {"https://evil.example.com/cb"}, "client_id": {"growth-chart"},
			"code_verifier": {testVerifier},
		}},
		{"unknown grant", url.Values{"grant_type": {"password"}, "client_id": {"growth-chart"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postForm(t, e, "/oauth2/token", tt.form, "", "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}

	// The rejected attempts must not have consumed the code via PKCE
	// failures alone; a correct exchange still works.
	rec = postForm(t, e, "/oauth2/token", url.Values{
		"grant_type": {GrantAuthorizationCode}, "code": {code},
		"redirect_uri": {testRedirect}, "client_id": {"growth-chart"},
		"code_verifier": {testVerifier},
	}, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("valid exchange after failed attempts: %d %s", rec.Code, rec.Body.String())
	}
}

// TestAuthorizeValidation covers the front-channel rejections.
func TestAuthorizeValidation(t *testing.T) {
	e, _ := newTestAuthServer(t)

	t.Run("unknown client renders an error page", func(t *testing.T) {
		b := newBrowser(t, e)
		q := authorizeQuery("openid")
		q.Set("client_id", "nope")
		rec := b.do(http.MethodGet, "/oauth2/authorize?"+q.Encode(), nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status %d, want 400", rec.Code)
		}
	})

	t.Run("unregistered redirect_uri renders an error page", func(t *testing.T) {
		b := newBrowser(t, e)
		q := authorizeQuery("openid")
		q.Set("redirect_uri", "https://evil.example.com/cb")
		rec := b.do(http.MethodGet, "/oauth2/authorize?"+q.Encode(), nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status %d, want 400", rec.Code)
		}
	})

	t.Run("wrong response_type redirects with an error", func(t *testing.T) {
		b := newBrowser(t, e)
		q := authorizeQuery("openid")
		q.Set("response_type", "token")
		rec := b.do(http.MethodGet, "/oauth2/authorize?"+q.Encode(), nil)
		loc := b.redirectedTo(rec)
		u, _ := url.Parse(loc)
		if u.Query().Get("error") != ErrCodeUnsupportedResponse {
			t.Errorf("error = %q", u.Query().Get("error"))
		}
	})

	t.Run("public client without PKCE redirects with an error", func(t *testing.T) {
		b := newBrowser(t, e)
		q := authorizeQuery("openid")
		q.Del("code_challenge")
		q.Del("code_challenge_method")
		rec := b.do(http.MethodGet, "/oauth2/authorize?"+q.Encode(), nil)
		u, _ := url.Parse(b.redirectedTo(rec))
		if u.Query().Get("error") != ErrCodeInvalidRequest {
			t.Errorf("error = %q", u.Query().Get("error"))
		}
	})

	t.Run("bad login re-renders the form", func(t *testing.T) {
		b := newBrowser(t, e)
		b.do(http.MethodGet, "/oauth2/authorize?"+authorizeQuery("openid").Encode(), nil)
		rec := b.do(http.MethodPost, "/oauth2/login", url.Values{"username": {"dr-jones"}, "password": {"nope"}})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status %d, want 401", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Invalid username or password") {
			t.Error("login error message missing")
		}
	})
}

// TestDiscoveryDocuments checks the well-known endpoints.
func TestDiscoveryDocuments(t *testing.T) {
	e, _ := newTestAuthServer(t)

	for _, path := range []string{"/.well-known/smart-configuration", "/fhir/.well-known/smart-configuration"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status %d", path, rec.Code)
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
			t.Fatalf("%s is not JSON: %v", path, err)
		}
		if doc["authorization_endpoint"] != testIssuer+"/oauth2/authorize" {
			t.Errorf("authorization_endpoint = %v", doc["authorization_endpoint"])
		}
		caps := fmt.Sprintf("%v", doc["capabilities"])
		for _, want := range []string{"launch-standalone", "context-standalone-patient"} {
			if !strings.Contains(caps, want) {
				t.Errorf("%s capabilities missing %q", path, want)
			}
		}
		methods := fmt.Sprintf("%v", doc["code_challenge_methods_supported"])
		if !strings.Contains(methods, "S256") {
			t.Errorf("%s missing S256 support", path)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var meta map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &meta)
	if meta["issuer"] != testIssuer {
		t.Errorf("issuer = %v, want %s", meta["issuer"], testIssuer)
	}
}

// TestJWKSEndpoint checks the public key set.
func TestJWKSEndpoint(t *testing.T) {
	e, km := newTestAuthServer(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth2/jwks", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("jwks status %d", rec.Code)
	}
	var set struct {
		Keys []map[string]string `json:"keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &set); err != nil {
		t.Fatalf("jwks is not JSON: %v", err)
	}
	if len(set.Keys) != 1 || set.Keys[0]["kid"] != km.KID() {
		t.Errorf("jwks = %+v, want kid %s", set.Keys, km.KID())
	}
	if set.Keys[0]["d"] != "" {
		t.Error("private exponent leaked from the JWKS endpoint")
	}
}

// TestUserInfo checks the OIDC userinfo endpoint against a minted token.
func TestUserInfo(t *testing.T) {
	e, km := newTestAuthServer(t)

	signed, err := km.Sign(context.Background(), &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "dr-jones",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		FHIRUser: "Practitioner/dr-jones",
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/oauth2/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("userinfo status %d", rec.Code)
	}
	var info map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &info)
	if info["sub"] != "dr-jones" || info["fhirUser"] != "Practitioner/dr-jones" {
		t.Errorf("userinfo = %v", info)
	}

	req = httptest.NewRequest(http.MethodGet, "/oauth2/userinfo", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token status %d, want 401", rec.Code)
	}
}
