package auth

import (
	"context"
	"encoding/base64"
	"net/url"
)

// NoneProvider attaches no credentials and always authenticates
// successfully; it is the default when no auth is configured.
type NoneProvider struct{}

func (NoneProvider) Headers(context.Context) (map[string]string, error) { return nil, nil }
func (NoneProvider) ConnectionParams(context.Context) (url.Values, error) { return nil, nil }
func (NoneProvider) Authenticate(context.Context) (AuthResult, error) {
	return AuthResult{Authenticated: true, Method: "none"}, nil
}

// APIKeyProvider attaches a static key under a configurable header name,
// defaulting to X-API-Key.
type APIKeyProvider struct {
	key    string
	header string
}

// NewAPIKeyProvider builds an APIKeyProvider. An empty header defaults to
// X-API-Key.
func NewAPIKeyProvider(key, header string) *APIKeyProvider {
	if header == "" {
		header = "X-API-Key"
	}
	return &APIKeyProvider{key: key, header: header}
}

func (p *APIKeyProvider) Headers(context.Context) (map[string]string, error) {
	return map[string]string{p.header: p.key}, nil
}
func (p *APIKeyProvider) ConnectionParams(context.Context) (url.Values, error) { return nil, nil }
func (p *APIKeyProvider) Authenticate(ctx context.Context) (AuthResult, error) {
	if p.key == "" {
		return AuthResult{Authenticated: false}, nil
	}
	return AuthResult{Authenticated: true, Method: "api_key"}, nil
}

// BearerProvider attaches a static bearer token via Authorization.
type BearerProvider struct{ token string }

func NewBearerProvider(token string) *BearerProvider { return &BearerProvider{token: token} }

func (p *BearerProvider) Headers(context.Context) (map[string]string, error) {
	return map[string]string{"Authorization": "Bearer " + p.token}, nil
}
func (p *BearerProvider) ConnectionParams(context.Context) (url.Values, error) { return nil, nil }
func (p *BearerProvider) Authenticate(context.Context) (AuthResult, error) {
	if p.token == "" {
		return AuthResult{Authenticated: false}, nil
	}
	return AuthResult{Authenticated: true, Method: "bearer"}, nil
}

// BasicProvider attaches HTTP basic credentials.
type BasicProvider struct{ user, pass string }

func NewBasicProvider(user, pass string) *BasicProvider { return &BasicProvider{user: user, pass: pass} }

func (p *BasicProvider) Headers(context.Context) (map[string]string, error) {
	raw := p.user + ":" + p.pass
	encoded := base64.StdEncoding.EncodeToString([]byte(raw))
	return map[string]string{"Authorization": "Basic " + encoded}, nil
}
func (p *BasicProvider) ConnectionParams(context.Context) (url.Values, error) { return nil, nil }
func (p *BasicProvider) Authenticate(context.Context) (AuthResult, error) {
	return AuthResult{Authenticated: p.user != "", Method: "basic", ClientID: p.user}, nil
}
