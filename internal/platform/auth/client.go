package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OAuth 2.0 grant types the server issues tokens for.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

var (
	ErrClientNotFound  = errors.New("client not found")
	ErrDuplicateClient = errors.New("client id already registered")
)

// Client is a registered OAuth 2.0 client. Public clients have no secret and
// must use PKCE on the authorization-code grant.
type Client struct {
	ID           string    `json:"clientId"`
	Name         string    `json:"clientName"`
	SecretHash   string    `json:"-"`
	RedirectURIs []string  `json:"redirectUris,omitempty"`
	Scopes       []string  `json:"scopes"`
	GrantTypes   []string  `json:"grantTypes"`
	Public       bool      `json:"public"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (c *Client) Confidential() bool {
	return !c.Public && c.SecretHash != ""
}

func (c *Client) AllowsGrant(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// NegotiateScopes intersects the requested scopes with the client's
// registration. An empty request grants everything the client registered.
func (c *Client) NegotiateScopes(requested []string) []string {
	if len(requested) == 0 {
		return append([]string(nil), c.Scopes...)
	}
	var granted []string
	for _, want := range requested {
		if ContainsScope(c.Scopes, want) {
			granted = append(granted, want)
		}
	}
	return granted
}

// ClientRepository resolves and registers OAuth clients.
type ClientRepository interface {
	FindByID(ctx context.Context, clientID string) (*Client, error)
	Create(ctx context.Context, client *Client) error
}

// BuiltinAdminClient constructs the always-present confidential client the
// admin UI uses with the client-credentials grant. Scopes is a comma- or
// space-separated list.
func BuiltinAdminClient(id, secret, scopes string) *Client {
	fields := strings.FieldsFunc(scopes, func(r rune) bool {
		return r == ',' || r == ' '
	})
	return &Client{
		ID:         id,
		Name:       "Admin UI",
		SecretHash: HashClientSecret(secret),
		Scopes:     fields,
		GrantTypes: []string{GrantClientCredentials},
		CreatedAt:  time.Now().UTC(),
	}
}

// CompositeClients overlays a set of built-in clients on a backing
// repository. Built-ins win on lookup and cannot be re-registered.
type CompositeClients struct {
	builtin map[string]*Client
	backing ClientRepository
}

func NewCompositeClients(builtin []*Client, backing ClientRepository) *CompositeClients {
	m := make(map[string]*Client, len(builtin))
	for _, c := range builtin {
		m[c.ID] = c
	}
	return &CompositeClients{builtin: m, backing: backing}
}

func (r *CompositeClients) FindByID(ctx context.Context, clientID string) (*Client, error) {
	if c, ok := r.builtin[clientID]; ok {
		return c, nil
	}
	if r.backing == nil {
		return nil, fmt.Errorf("%s: %w", clientID, ErrClientNotFound)
	}
	return r.backing.FindByID(ctx, clientID)
}

func (r *CompositeClients) Create(ctx context.Context, client *Client) error {
	if _, ok := r.builtin[client.ID]; ok {
		return fmt.Errorf("%s: %w", client.ID, ErrDuplicateClient)
	}
	if r.backing == nil {
		return errors.New("client registration requires a backing store")
	}
	return r.backing.Create(ctx, client)
}

// RegisterClientParams is the registration request for a SMART app.
type RegisterClientParams struct {
	Name         string   `json:"clientName"`
	RedirectURIs []string `json:"redirectUris"`
	Scopes       []string `json:"scopes"`
	GrantTypes   []string `json:"grantTypes"`
	Public       bool     `json:"public"`
}

// RegisteredClient is returned once at registration time; the secret is not
// recoverable afterwards.
type RegisteredClient struct {
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	Name         string   `json:"clientName"`
	RedirectURIs []string `json:"redirectUris,omitempty"`
	Scopes       []string `json:"scopes"`
	GrantTypes   []string `json:"grantTypes"`
	Public       bool     `json:"public"`
}

// RegisterClient validates the request, generates credentials and persists
// the client.
func RegisterClient(ctx context.Context, repo ClientRepository, p RegisterClientParams) (*RegisteredClient, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, errors.New("clientName is required")
	}
	grants := p.GrantTypes
	if len(grants) == 0 {
		grants = []string{GrantAuthorizationCode, GrantRefreshToken}
	}
	for _, g := range grants {
		switch g {
		case GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials:
		default:
			return nil, fmt.Errorf("unsupported grant type %q", g)
		}
	}
	usesCode := false
	for _, g := range grants {
		if g == GrantAuthorizationCode {
			usesCode = true
		}
	}
	if usesCode {
		if len(p.RedirectURIs) == 0 {
			return nil, errors.New("authorization_code clients require at least one redirectUri")
		}
		for _, raw := range p.RedirectURIs {
			u, err := url.Parse(raw)
			if err != nil || !u.IsAbs() || u.Fragment != "" {
				return nil, fmt.Errorf("invalid redirectUri %q", raw)
			}
		}
	}
	if p.Public && !usesCode {
		return nil, errors.New("public clients must use the authorization_code grant")
	}

	client := &Client{
		ID:           uuid.NewString(),
		Name:         p.Name,
		RedirectURIs: p.RedirectURIs,
		Scopes:       p.Scopes,
		GrantTypes:   grants,
		Public:       p.Public,
		CreatedAt:    time.Now().UTC(),
	}
	var secret string
	if !p.Public {
		var err error
		secret, err = randomToken(24)
		if err != nil {
			return nil, fmt.Errorf("generate client secret: %w", err)
		}
		client.SecretHash = HashClientSecret(secret)
	}
	if err := repo.Create(ctx, client); err != nil {
		return nil, err
	}
	return &RegisteredClient{
		ClientID:     client.ID,
		ClientSecret: secret,
		Name:         client.Name,
		RedirectURIs: client.RedirectURIs,
		Scopes:       client.Scopes,
		GrantTypes:   client.GrantTypes,
		Public:       client.Public,
	}, nil
}
