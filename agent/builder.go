package agent

import (
	"fmt"
	"net/url"

	"github.com/agentfabric/meshrt/auth"
	"github.com/agentfabric/meshrt/core"
	"github.com/agentfabric/meshrt/registry"
	"github.com/agentfabric/meshrt/transport"
)

// endpointSpec is a queued AddEndpoint call, applied in order by Build
// so the chain's error handling stays in one place.
type endpointSpec struct {
	id      string
	rawURL  string
	auth    *auth.AuthConfig
	primary bool

	httpConfig   *transport.HTTPConfig
	streamConfig *transport.StreamConfig
}

// Builder fluently assembles a UnifiedAgent, selecting a transport class
// from each endpoint URL's scheme: http(s) builds a request/response
// HTTPTransport, ws(s) builds a persistent StreamTransport.
type Builder struct {
	name       string
	logger     core.Logger
	reg        registry.Registry
	lazyReg    bool
	endpoints  []endpointSpec
	err        error
}

// NewBuilder starts a Builder for an agent named name.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// WithLogger attaches a logger shared by every endpoint's protocol.
func (b *Builder) WithLogger(logger core.Logger) *Builder {
	if b.err != nil {
		return b
	}
	b.logger = logger
	return b
}

// WithRegistry attaches an already-constructed registry.
func (b *Builder) WithRegistry(reg registry.Registry) *Builder {
	if b.err != nil {
		return b
	}
	b.reg = reg
	return b
}

// WithMemoryRegistry lazily creates an in-process registry on Build.
func (b *Builder) WithMemoryRegistry() *Builder {
	if b.err != nil {
		return b
	}
	b.lazyReg = true
	return b
}

// AddEndpoint queues an endpoint dialing rawURL. The scheme selects the
// transport: http/https builds a request/response HTTPTransport, ws/wss
// builds a persistent StreamTransport. authConfig may be nil for no auth.
// The first endpoint added becomes primary unless a later one sets
// primary true.
func (b *Builder) AddEndpoint(id, rawURL string, authConfig *auth.AuthConfig, primary bool) *Builder {
	if b.err != nil {
		return b
	}
	if id == "" {
		b.err = core.NewFrameworkError("add_endpoint", core.KindValidation, "", "endpoint id is required", core.ErrValidation)
		return b
	}
	for _, existing := range b.endpoints {
		if existing.id == id {
			b.err = core.NewFrameworkError("add_endpoint", core.KindAlreadyExists, id, "endpoint id already queued", core.ErrAlreadyExists)
			return b
		}
	}
	b.endpoints = append(b.endpoints, endpointSpec{id: id, rawURL: rawURL, auth: authConfig, primary: primary})
	return b
}

// WithHTTPConfig overrides the HTTP transport config for the endpoint
// most recently added with AddEndpoint. BaseURL is always set to rawURL
// and Headers to the endpoint's auth provider; every other field, Path
// included, comes from this override.
func (b *Builder) WithHTTPConfig(config transport.HTTPConfig) *Builder {
	if b.err != nil || len(b.endpoints) == 0 {
		return b
	}
	b.endpoints[len(b.endpoints)-1].httpConfig = &config
	return b
}

// WithStreamConfig overrides the streaming transport config for the
// endpoint most recently added with AddEndpoint. URL is always set to
// rawURL and ConnectionParams to the endpoint's auth provider; every
// other field comes from this override.
func (b *Builder) WithStreamConfig(config transport.StreamConfig) *Builder {
	if b.err != nil || len(b.endpoints) == 0 {
		return b
	}
	b.endpoints[len(b.endpoints)-1].streamConfig = &config
	return b
}

func buildAuthProvider(mgr *auth.Manager, cfg *auth.AuthConfig) (auth.Provider, error) {
	if cfg == nil {
		return auth.NoneProvider{}, nil
	}
	if err := mgr.Use(*cfg); err != nil {
		return nil, err
	}
	return mgr.Active(), nil
}

func buildTransport(spec endpointSpec, provider auth.Provider) (transport.Transport, error) {
	u, err := url.Parse(spec.rawURL)
	if err != nil {
		return nil, core.NewFrameworkError("build", core.KindValidation, spec.id, "invalid endpoint url", err)
	}

	switch u.Scheme {
	case "http", "https":
		cfg := transport.HTTPConfig{}
		if spec.httpConfig != nil {
			cfg = *spec.httpConfig
		}
		cfg.BaseURL = spec.rawURL
		cfg.Headers = provider.Headers
		return transport.NewHTTPTransport(cfg), nil
	case "ws", "wss":
		cfg := transport.StreamConfig{}
		if spec.streamConfig != nil {
			cfg = *spec.streamConfig
		}
		cfg.URL = spec.rawURL
		cfg.ConnectionParams = provider.ConnectionParams
		return transport.NewStreamTransport(cfg), nil
	default:
		return nil, core.NewFrameworkError("build", core.KindValidation, spec.id, fmt.Sprintf("unsupported scheme %q", u.Scheme), core.ErrValidation)
	}
}

// Build assembles the queued endpoints into a UnifiedAgent, or returns
// the first error encountered anywhere in the chain.
func (b *Builder) Build() (*UnifiedAgent, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.endpoints) == 0 {
		return nil, core.NewFrameworkError("build", core.KindValidation, "", "at least one endpoint is required", core.ErrValidation)
	}

	reg := b.reg
	if reg == nil && b.lazyReg {
		reg = registry.NewMemoryRegistry()
	}

	a := New(b.name, Config{Registry: reg, Logger: b.logger})

	for _, spec := range b.endpoints {
		mgr := auth.NewManager()
		provider, err := buildAuthProvider(mgr, spec.auth)
		if err != nil {
			return nil, core.NewFrameworkError("build", core.KindAuthError, spec.id, "auth setup failed", err)
		}

		tr, err := buildTransport(spec, provider)
		if err != nil {
			return nil, err
		}

		if err := a.AddProtocol(spec.id, ProtocolRequestReply, tr, provider, spec.primary); err != nil {
			return nil, err
		}
	}

	return a, nil
}
