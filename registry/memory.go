package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfabric/meshrt/core"
)

// MemoryRegistry is an in-process Registry backed by a map guarded by a
// single exclusive lock, substituting for the Redis-backed variant in
// unit tests and single-process deployments.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]ServiceInfo
	watchers map[int]WatchFunc
	nextID   int
}

// NewMemoryRegistry builds an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]ServiceInfo),
		watchers: make(map[int]WatchFunc),
	}
}

func (r *MemoryRegistry) notify(service ServiceInfo, event WatchEvent) {
	for _, w := range r.watchers {
		func() {
			defer func() { recover() }()
			w(service, event)
		}()
	}
}

func (r *MemoryRegistry) Register(_ context.Context, name, typ, endpoint string, metadata map[string]interface{}, tags []string, healthCheckURL string) (ServiceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[name]; exists {
		return ServiceInfo{}, core.NewFrameworkError("register", core.KindAlreadyExists, name, "service already registered", core.ErrAlreadyExists)
	}

	now := time.Now().UTC()
	info := ServiceInfo{
		ID:             uuid.New().String(),
		Name:           name,
		Type:           typ,
		Status:         StatusActive,
		Endpoint:       endpoint,
		Metadata:       metadata,
		Tags:           tags,
		RegisteredAt:   now,
		UpdatedAt:      now,
		HealthCheckURL: healthCheckURL,
	}
	r.services[name] = info
	r.notify(info, EventRegistered)
	return info, nil
}

func (r *MemoryRegistry) Unregister(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.services[name]
	if !ok {
		return false, nil
	}
	delete(r.services, name)
	r.notify(info, EventUnregistered)
	return true, nil
}

func tagsContainAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

func (r *MemoryRegistry) Discover(_ context.Context, filter Filter) ([]ServiceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []ServiceInfo
	for _, info := range r.services {
		if filter.Type != "" && info.Type != filter.Type {
			continue
		}
		if filter.Status != "" && info.Status != filter.Status {
			continue
		}
		if len(filter.Tags) > 0 && !tagsContainAll(info.Tags, filter.Tags) {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (r *MemoryRegistry) Get(_ context.Context, name string) (ServiceInfo, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.services[name]
	return info, ok, nil
}

func (r *MemoryRegistry) UpdateStatus(_ context.Context, name string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.services[name]
	if !ok {
		return core.NewFrameworkError("update_status", core.KindNotFound, name, "service not found", core.ErrNotFound)
	}
	info.Status = status
	info.UpdatedAt = time.Now().UTC()
	r.services[name] = info
	r.notify(info, EventUpdated)
	return nil
}

func (r *MemoryRegistry) UpdateMetadata(_ context.Context, name string, patch map[string]interface{}, merge bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.services[name]
	if !ok {
		return core.NewFrameworkError("update_metadata", core.KindNotFound, name, "service not found", core.ErrNotFound)
	}
	if merge {
		if info.Metadata == nil {
			info.Metadata = make(map[string]interface{})
		}
		for k, v := range patch {
			info.Metadata[k] = v
		}
	} else {
		info.Metadata = patch
	}
	info.UpdatedAt = time.Now().UTC()
	r.services[name] = info
	r.notify(info, EventUpdated)
	return nil
}

func (r *MemoryRegistry) HealthCheck(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	info, ok := r.services[name]
	r.mu.Unlock()
	if !ok {
		return false, core.NewFrameworkError("health_check", core.KindNotFound, name, "service not found", core.ErrNotFound)
	}
	if info.HealthCheckURL == "" {
		return true, nil
	}

	healthy, err := probeHealthURL(ctx, info.HealthCheckURL)
	if err != nil {
		return false, err
	}
	if !healthy {
		_ = r.UpdateStatus(ctx, name, StatusError)
	}
	return healthy, nil
}

func (r *MemoryRegistry) Watch(watcher WatchFunc) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = watcher
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.watchers, id)
	}
}

func (r *MemoryRegistry) ListTypes(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, info := range r.services {
		if !seen[info.Type] {
			seen[info.Type] = true
			out = append(out, info.Type)
		}
	}
	return out, nil
}

func (r *MemoryRegistry) ListTags(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, info := range r.services {
		for _, t := range info.Tags {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (r *MemoryRegistry) Clear(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = make(map[string]ServiceInfo)
	return nil
}

var _ Registry = (*MemoryRegistry)(nil)
