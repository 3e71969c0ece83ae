package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SigningKeyConfigID is the admin.config row holding the JWK set, private
// material included. Loading it on startup keeps the kid stable across
// restarts.
const SigningKeyConfigID = "oauth-signing-key"

// ErrConfigNotFound is returned by ConfigStore implementations when the row
// does not exist.
var ErrConfigNotFound = errors.New("config entry not found")

// ConfigStore reads and writes admin configuration rows.
type ConfigStore interface {
	GetValue(ctx context.Context, id string) (string, error)
	PutValue(ctx context.Context, id, value string) error
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// jwk is an RFC 7517 RSA key. The private fields are persisted but never
// served from the JWKS endpoint.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
	D   string `json:"d,omitempty"`
	P   string `json:"p,omitempty"`
	Q   string `json:"q,omitempty"`
	Dp  string `json:"dp,omitempty"`
	Dq  string `json:"dq,omitempty"`
	Qi  string `json:"qi,omitempty"`
}

// KeyManager owns the RS256 signing key. It loads the persisted key on Init
// when one exists, otherwise generates a fresh RSA-2048 key and persists it as
// soon as the config store accepts writes.
type KeyManager struct {
	mu        sync.RWMutex
	key       *rsa.PrivateKey
	kid       string
	store     ConfigStore
	persisted bool
	logger    zerolog.Logger
}

func NewKeyManager(store ConfigStore, logger zerolog.Logger) *KeyManager {
	return &KeyManager{
		store:  store,
		logger: logger.With().Str("component", "oauth-keys").Logger(),
	}
}

// Init loads or generates the signing key. A persisted key that cannot be
// used is fatal; an unreachable store only defers persistence.
func (m *KeyManager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store != nil {
		raw, err := m.store.GetValue(ctx, SigningKeyConfigID)
		switch {
		case err == nil:
			key, kid, perr := parseSigningKey(raw)
			if perr != nil {
				return fmt.Errorf("persisted signing key %s is unusable: %w", SigningKeyConfigID, perr)
			}
			m.key, m.kid, m.persisted = key, kid, true
			m.logger.Info().Str("kid", kid).Msg("loaded persisted signing key")
			return nil
		case errors.Is(err, ErrConfigNotFound):
			// fall through to generation
		default:
			m.logger.Warn().Err(err).Msg("config store unavailable, generating ephemeral signing key")
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	m.key = key
	m.kid = uuid.NewString()
	m.persisted = false
	m.logger.Info().Str("kid", m.kid).Msg("generated new signing key")

	m.persistLocked(ctx)
	return nil
}

// EnsurePersisted retries persistence of a key generated while the store was
// not ready. Cheap when already persisted.
func (m *KeyManager) EnsurePersisted(ctx context.Context) {
	m.mu.RLock()
	done := m.persisted
	m.mu.RUnlock()
	if done {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.persisted {
		m.persistLocked(ctx)
	}
}

func (m *KeyManager) persistLocked(ctx context.Context) {
	if m.store == nil || m.key == nil {
		return
	}
	doc, err := json.Marshal(jwkSet{Keys: []jwk{privateJWK(m.key, m.kid)}})
	if err != nil {
		m.logger.Error().Err(err).Msg("marshal signing key")
		return
	}
	if err := m.store.PutValue(ctx, SigningKeyConfigID, string(doc)); err != nil {
		m.logger.Warn().Err(err).Msg("signing key not persisted yet, will retry")
		return
	}
	m.persisted = true
	m.logger.Info().Str("kid", m.kid).Msg("signing key persisted")
}

// KID returns the active key id.
func (m *KeyManager) KID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.kid
}

// Sign mints a compact RS256 JWT carrying the manager's kid header.
func (m *KeyManager) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	m.EnsurePersisted(ctx)
	m.mu.RLock()
	key, kid := m.key, m.kid
	m.mu.RUnlock()
	if key == nil {
		return "", errors.New("signing key not initialized")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Keyfunc resolves the verification key for locally issued tokens.
func (m *KeyManager) Keyfunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.key == nil {
		return nil, errors.New("signing key not initialized")
	}
	if kid != "" && kid != m.kid {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return &m.key.PublicKey, nil
}

// PublicJWKS returns the key set with private material stripped, as served by
// /oauth2/jwks.
func (m *KeyManager) PublicJWKS() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.key == nil {
		return map[string]interface{}{"keys": []interface{}{}}
	}
	k := privateJWK(m.key, m.kid)
	return map[string]interface{}{
		"keys": []map[string]string{{
			"kty": k.Kty,
			"kid": k.Kid,
			"use": k.Use,
			"alg": k.Alg,
			"n":   k.N,
			"e":   k.E,
		}},
	}
}

func privateJWK(key *rsa.PrivateKey, kid string) jwk {
	pub := key.PublicKey
	out := jwk{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   b64BigInt(pub.N),
		E:   b64BigInt(big.NewInt(int64(pub.E))),
		D:   b64BigInt(key.D),
	}
	if len(key.Primes) >= 2 {
		out.P = b64BigInt(key.Primes[0])
		out.Q = b64BigInt(key.Primes[1])
	}
	if key.Precomputed.Dp != nil {
		out.Dp = b64BigInt(key.Precomputed.Dp)
		out.Dq = b64BigInt(key.Precomputed.Dq)
		out.Qi = b64BigInt(key.Precomputed.Qinv)
	}
	return out
}

func parseSigningKey(raw string) (*rsa.PrivateKey, string, error) {
	var set jwkSet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return nil, "", fmt.Errorf("decode JWK set: %w", err)
	}
	if len(set.Keys) == 0 {
		return nil, "", errors.New("JWK set is empty")
	}
	k := set.Keys[0]
	if k.Kty != "RSA" {
		return nil, "", fmt.Errorf("unsupported key type %q", k.Kty)
	}
	if k.D == "" || k.P == "" || k.Q == "" {
		return nil, "", errors.New("JWK lacks private material")
	}
	n, err := parseB64BigInt(k.N)
	if err != nil {
		return nil, "", fmt.Errorf("modulus: %w", err)
	}
	e, err := parseB64BigInt(k.E)
	if err != nil {
		return nil, "", fmt.Errorf("exponent: %w", err)
	}
	d, err := parseB64BigInt(k.D)
	if err != nil {
		return nil, "", fmt.Errorf("private exponent: %w", err)
	}
	p, err := parseB64BigInt(k.P)
	if err != nil {
		return nil, "", fmt.Errorf("prime p: %w", err)
	}
	q, err := parseB64BigInt(k.Q)
	if err != nil {
		return nil, "", fmt.Errorf("prime q: %w", err)
	}
	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	if err := key.Validate(); err != nil {
		return nil, "", fmt.Errorf("validate key: %w", err)
	}
	key.Precompute()
	return key, k.Kid, nil
}

func b64BigInt(v *big.Int) string {
	return base64.RawURLEncoding.EncodeToString(v.Bytes())
}

func parseB64BigInt(s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}
