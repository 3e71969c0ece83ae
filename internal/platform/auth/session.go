package auth

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// SessionCookie names the cookie carrying the interactive-flow session id.
const SessionCookie = "fv_session"

// AuthorizeRequest is a pending /oauth2/authorize request, retained in the
// session across login, patient selection and consent. It is re-serialized
// unchanged when the flow redirects back to the authorization endpoint.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Aud                 string
	Launch              string
}

func ParseAuthorizeRequest(q url.Values) *AuthorizeRequest {
	return &AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Aud:                 q.Get("aud"),
		Launch:              q.Get("launch"),
	}
}

// Query rebuilds the original request parameters.
func (r *AuthorizeRequest) Query() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("response_type", r.ResponseType)
	set("client_id", r.ClientID)
	set("redirect_uri", r.RedirectURI)
	set("scope", r.Scope)
	set("state", r.State)
	set("code_challenge", r.CodeChallenge)
	set("code_challenge_method", r.CodeChallengeMethod)
	set("aud", r.Aud)
	set("launch", r.Launch)
	return q
}

func (r *AuthorizeRequest) Scopes() []string {
	return SplitScopes(r.Scope)
}

func (r *AuthorizeRequest) HasScope(scope string) bool {
	return ContainsScope(r.Scopes(), scope)
}

// Session is the server-side state of one browser across the interactive
// authorization flow.
type Session struct {
	ID                string
	Username          string
	Role              string
	FHIRUser          string
	Pending           *AuthorizeRequest
	SelectedPatientID string
	ExpiresAt         time.Time
}

func (s *Session) Authenticated() bool {
	return s != nil && s.Username != ""
}

// SessionStore keeps sessions in memory with a sliding TTL.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
}

func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SessionStore{sessions: make(map[string]*Session), ttl: ttl}
}

// New creates an empty session with a random id.
func (st *SessionStore) New() (*Session, error) {
	id, err := randomToken(24)
	if err != nil {
		return nil, err
	}
	sess := &Session{ID: id, ExpiresAt: time.Now().Add(st.ttl)}
	st.mu.Lock()
	st.sessions[id] = sess
	st.mu.Unlock()
	return sess, nil
}

// Get returns the session for id, or nil when missing or expired.
func (st *SessionStore) Get(id string) *Session {
	st.mu.RLock()
	sess, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil
	}
	if time.Now().After(sess.ExpiresAt) {
		st.Delete(id)
		return nil
	}
	return sess
}

// Save slides the expiry forward. The session pointer is shared; callers
// mutate it only on the request goroutine that owns the cookie.
func (st *SessionStore) Save(sess *Session) {
	if sess == nil {
		return
	}
	st.mu.Lock()
	sess.ExpiresAt = time.Now().Add(st.ttl)
	st.sessions[sess.ID] = sess
	st.mu.Unlock()
}

func (st *SessionStore) Delete(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

func (st *SessionStore) Sweep() {
	now := time.Now()
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, sess := range st.sessions {
		if now.After(sess.ExpiresAt) {
			delete(st.sessions, id)
		}
	}
}

func (st *SessionStore) StartSweeper(interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st.Sweep()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

type sessionKey struct{}

// ContextWithSession makes the browser session visible to the record-store
// decorator during the same request.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionKey{}).(*Session)
	return sess
}

// sessionFor reads the session cookie, returning nil when absent or stale.
func sessionFor(c echo.Context, store *SessionStore) *Session {
	cookie, err := c.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil
	}
	return store.Get(cookie.Value)
}

// setSessionCookie installs the session cookie on the response. Secure is set
// when the request arrived over TLS, directly or via a proxy.
func setSessionCookie(c echo.Context, sess *Session) {
	secure := c.Request().TLS != nil ||
		strings.EqualFold(c.Request().Header.Get("X-Forwarded-Proto"), "https")
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
