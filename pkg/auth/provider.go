// Package auth acquires bearer tokens for the hunting query endpoint.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Defaults target the worldwide Defender cloud; other clouds override both.
const (
	DefaultAuthority = "https://login.microsoftonline.com"
	DefaultScope     = "https://api.security.microsoft.com/.default"
)

// TokenProvider hands out bearer tokens. Implementations cache internally,
// so an export run that calls Token per query still performs a single
// acquisition.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// ClientCredentialsProvider acquires tokens with the OAuth2 client
// credentials grant against the tenant's token endpoint and reuses the token
// until it expires.
type ClientCredentialsProvider struct {
	conf *clientcredentials.Config

	mu    sync.Mutex
	token *oauth2.Token
}

// ProviderOption customizes a ClientCredentialsProvider.
type ProviderOption func(*providerSettings)

type providerSettings struct {
	authority string
	scopes    []string
}

// WithAuthority replaces the login authority base URL.
func WithAuthority(base string) ProviderOption {
	return func(s *providerSettings) { s.authority = base }
}

// WithScopes replaces the requested scopes.
func WithScopes(scopes ...string) ProviderOption {
	return func(s *providerSettings) { s.scopes = scopes }
}

// NewClientCredentialsProvider builds a provider for the given tenant and
// application credentials.
func NewClientCredentialsProvider(tenantID, clientID, clientSecret string, opts ...ProviderOption) (*ClientCredentialsProvider, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id must be specified")
	}
	if clientID == "" {
		return nil, errors.New("client id must be specified")
	}
	if clientSecret == "" {
		return nil, errors.New("client secret must be specified")
	}

	settings := providerSettings{
		authority: DefaultAuthority,
		scopes:    []string{DefaultScope},
	}
	for _, opt := range opts {
		opt(&settings)
	}

	return &ClientCredentialsProvider{
		conf: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", settings.authority, tenantID),
			Scopes:       settings.scopes,
		},
	}, nil
}

// Token returns the cached token, acquiring a fresh one when none is held or
// the held one has expired.
func (p *ClientCredentialsProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token.Valid() {
		return p.token.AccessToken, nil
	}
	tok, err := p.conf.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("client credentials grant failed: %w", err)
	}
	p.token = tok
	return tok.AccessToken, nil
}

// StaticTokenProvider returns a fixed, pre-acquired token.
type StaticTokenProvider string

// Token implements TokenProvider.
func (p StaticTokenProvider) Token(context.Context) (string, error) {
	if p == "" {
		return "", errors.New("static token is empty")
	}
	return string(p), nil
}
