// Package auth provides pluggable credential providers and a process-wide
// manager that injects the active provider's credentials into outbound
// requests.
package auth

import (
	"context"
	"net/url"
)

// AuthResult is the outcome of Authenticate.
type AuthResult struct {
	Authenticated bool
	ClientID      string
	Method        string
	Claims        map[string]interface{}
}

// Provider supplies credentials for outbound calls and validates inbound
// ones.
type Provider interface {
	// Headers returns the HTTP headers to attach to an outbound request.
	Headers(ctx context.Context) (map[string]string, error)
	// ConnectionParams returns query/connection parameters for transports
	// that authenticate out-of-band of headers (e.g. a streaming
	// connection's initial URL).
	ConnectionParams(ctx context.Context) (url.Values, error)
	// Authenticate validates inbound credentials carried on ctx (via
	// whatever convention the caller used to attach them) and reports the
	// outcome.
	Authenticate(ctx context.Context) (AuthResult, error)
}

// Manager holds exactly one active Provider and a registry mapping each
// AuthConfig variant's name to its provider constructor.
type Manager struct {
	active    Provider
	factories map[string]func(AuthConfig) (Provider, error)
}

// NewManager builds a Manager with the built-in provider factories
// registered (none, api_key, bearer, basic, hmac, jwt).
func NewManager() *Manager {
	m := &Manager{factories: make(map[string]func(AuthConfig) (Provider, error))}
	m.RegisterFactory("none", func(AuthConfig) (Provider, error) { return NoneProvider{}, nil })
	m.RegisterFactory("api_key", func(c AuthConfig) (Provider, error) { return NewAPIKeyProvider(c.APIKey, c.APIKeyHeader), nil })
	m.RegisterFactory("bearer", func(c AuthConfig) (Provider, error) { return NewBearerProvider(c.BearerToken), nil })
	m.RegisterFactory("basic", func(c AuthConfig) (Provider, error) { return NewBasicProvider(c.BasicUser, c.BasicPass), nil })
	m.RegisterFactory("hmac", func(c AuthConfig) (Provider, error) { return NewHMACProvider(c.HMACKeyID, c.HMACSecret, c.HMACAlgorithm), nil })
	m.RegisterFactory("jwt", func(c AuthConfig) (Provider, error) {
		return NewJWTProvider(JWTConfig{
			Token:     c.JWTToken,
			Secret:    c.JWTSecret,
			Algorithm: c.JWTAlgorithm,
			Issuer:    c.JWTIssuer,
			Audience:  c.JWTAudience,
		})
	})
	return m
}

// RegisterFactory registers (or overrides) the constructor for an
// AuthConfig variant name.
func (m *Manager) RegisterFactory(name string, factory func(AuthConfig) (Provider, error)) {
	m.factories[name] = factory
}

// Use builds a provider from config via the registered factory and makes
// it the active provider.
func (m *Manager) Use(config AuthConfig) error {
	factory, ok := m.factories[config.Type]
	if !ok {
		return errUnknownAuthType(config.Type)
	}
	provider, err := factory(config)
	if err != nil {
		return err
	}
	m.active = provider
	return nil
}

// Active returns the currently active provider, or NoneProvider if none
// has been configured.
func (m *Manager) Active() Provider {
	if m.active == nil {
		return NoneProvider{}
	}
	return m.active
}

// AuthConfig is the tagged union of every supported credential scheme.
// Type selects the variant; only the fields relevant to that variant are
// read.
type AuthConfig struct {
	Type string // none | api_key | bearer | basic | hmac | jwt

	APIKey       string
	APIKeyHeader string

	BearerToken string

	BasicUser string
	BasicPass string

	HMACKeyID     string
	HMACSecret    string
	HMACAlgorithm string

	JWTToken     string
	JWTSecret    string
	JWTAlgorithm string
	JWTIssuer    string
	JWTAudience  string
}

type authTypeError string

func (e authTypeError) Error() string { return "auth: unknown provider type: " + string(e) }

func errUnknownAuthType(t string) error { return authTypeError(t) }
