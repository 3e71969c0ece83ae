package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Lifecycle of an authorization attempt once it reaches the record store.
// Earlier stages (login, patient selection) live in the HTTP session.
const (
	StatusConsentPending = "consent_pending"
	StatusCodeIssued     = "code_issued"
	StatusTokenIssued    = "token_issued"
)

// AttrPatientID is the authorization attribute the patient-context decorator
// writes and the token mint reads. The value keeps its "Patient/" prefix when
// the picker supplied one; the mint strips it.
const AttrPatientID = "patient_id"

var ErrRecordNotFound = errors.New("authorization record not found")

// Record tracks one authorization grant from consent through token issuance.
// For the client-credentials grant only the token fields are populated.
type Record struct {
	ID                  string
	ClientID            string
	Username            string
	GrantType           string
	RequestedScopes     []string
	GrantedScopes       []string
	ClientState         string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	ConsentState        string
	Code                string
	CodeExpiresAt       time.Time
	AccessToken         string
	AccessExpiresAt     time.Time
	RefreshToken        string
	RefreshExpiresAt    time.Time
	Attributes          map[string]string
	Status              string
	CreatedAt           time.Time
}

func (r *Record) clone() *Record {
	cp := *r
	cp.RequestedScopes = append([]string(nil), r.RequestedScopes...)
	cp.GrantedScopes = append([]string(nil), r.GrantedScopes...)
	if r.Attributes != nil {
		cp.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}

// retiredAt is the instant after which the record can be swept: the latest of
// its token lifetimes, or a short grace for records that never got a code.
func (r *Record) retiredAt(pendingTTL time.Duration) time.Time {
	at := r.CreatedAt.Add(pendingTTL)
	for _, t := range []time.Time{r.CodeExpiresAt, r.AccessExpiresAt, r.RefreshExpiresAt} {
		if t.After(at) {
			at = t
		}
	}
	return at
}

// RecordStore persists authorization records and resolves them by the
// artifacts handed to clients. Implementations must treat returned records as
// snapshots: mutate a copy and Save it back.
type RecordStore interface {
	Save(ctx context.Context, rec *Record) error
	Remove(ctx context.Context, id string)
	FindByID(ctx context.Context, id string) (*Record, error)
	FindByConsentState(ctx context.Context, state string) (*Record, error)
	FindByCode(ctx context.Context, code string) (*Record, error)
	FindByAccessToken(ctx context.Context, token string) (*Record, error)
	FindByRefreshToken(ctx context.Context, token string) (*Record, error)
}

// MemoryRecordStore is the in-process RecordStore. Records are indexed by id,
// consent state, code, access token and refresh token; a sweep retires
// records whose every lifetime has lapsed.
type MemoryRecordStore struct {
	mu         sync.RWMutex
	byID       map[string]*Record
	byConsent  map[string]string
	byCode     map[string]string
	byAccess   map[string]string
	byRefresh  map[string]string
	pendingTTL time.Duration
}

func NewMemoryRecordStore(pendingTTL time.Duration) *MemoryRecordStore {
	if pendingTTL <= 0 {
		pendingTTL = 15 * time.Minute
	}
	return &MemoryRecordStore{
		byID:       make(map[string]*Record),
		byConsent:  make(map[string]string),
		byCode:     make(map[string]string),
		byAccess:   make(map[string]string),
		byRefresh:  make(map[string]string),
		pendingTTL: pendingTTL,
	}
}

func (s *MemoryRecordStore) Save(_ context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return errors.New("record requires an id")
	}
	cp := rec.clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[cp.ID]; ok {
		s.unindex(old)
	}
	s.byID[cp.ID] = cp
	s.index(cp)
	return nil
}

func (s *MemoryRecordStore) Remove(_ context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[id]; ok {
		s.unindex(old)
		delete(s.byID, id)
	}
}

func (s *MemoryRecordStore) FindByID(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.byID[id]; ok {
		return rec.clone(), nil
	}
	return nil, ErrRecordNotFound
}

func (s *MemoryRecordStore) FindByConsentState(ctx context.Context, state string) (*Record, error) {
	return s.findIndexed(s.byConsent, state)
}

func (s *MemoryRecordStore) FindByCode(ctx context.Context, code string) (*Record, error) {
	return s.findIndexed(s.byCode, code)
}

func (s *MemoryRecordStore) FindByAccessToken(ctx context.Context, token string) (*Record, error) {
	return s.findIndexed(s.byAccess, token)
}

func (s *MemoryRecordStore) FindByRefreshToken(ctx context.Context, token string) (*Record, error) {
	return s.findIndexed(s.byRefresh, token)
}

func (s *MemoryRecordStore) findIndexed(idx map[string]string, key string) (*Record, error) {
	if key == "" {
		return nil, ErrRecordNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := idx[key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.clone(), nil
}

func (s *MemoryRecordStore) index(rec *Record) {
	if rec.ConsentState != "" {
		s.byConsent[rec.ConsentState] = rec.ID
	}
	if rec.Code != "" {
		s.byCode[rec.Code] = rec.ID
	}
	if rec.AccessToken != "" {
		s.byAccess[rec.AccessToken] = rec.ID
	}
	if rec.RefreshToken != "" {
		s.byRefresh[rec.RefreshToken] = rec.ID
	}
}

func (s *MemoryRecordStore) unindex(rec *Record) {
	delete(s.byConsent, rec.ConsentState)
	delete(s.byCode, rec.Code)
	delete(s.byAccess, rec.AccessToken)
	delete(s.byRefresh, rec.RefreshToken)
}

// Sweep removes records whose last lifetime has passed.
func (s *MemoryRecordStore) Sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.byID {
		if now.After(rec.retiredAt(s.pendingTTL)) {
			s.unindex(rec)
			delete(s.byID, id)
		}
	}
}

// StartSweeper runs Sweep on the given interval until the returned stop
// function is called.
func (s *MemoryRecordStore) StartSweeper(interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// PatientContextStore decorates a RecordStore so that the patient selected in
// the picker flows into the authorization record at save time. The token
// endpoint later reads the attribute from the record; it never sees the
// session, because the token request arrives from the client backend without
// a session cookie.
type PatientContextStore struct {
	RecordStore
}

func WithPatientContext(store RecordStore) *PatientContextStore {
	return &PatientContextStore{RecordStore: store}
}

func (s *PatientContextStore) Save(ctx context.Context, rec *Record) error {
	if sess := SessionFromContext(ctx); sess != nil && rec != nil {
		if pid := sess.SelectedPatientID; pid != "" {
			if rec.Attributes == nil {
				rec.Attributes = make(map[string]string, 1)
			}
			if rec.Attributes[AttrPatientID] == "" {
				rec.Attributes[AttrPatientID] = pid
			}
		}
	}
	return s.RecordStore.Save(ctx, rec)
}
