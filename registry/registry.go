// Package registry implements the service registry: register, discover,
// update and watch typed services with tags and health, in an in-process
// and a Redis-backed variant sharing one interface.
package registry

import (
	"context"
	"net/http"
	"time"
)

// Status is a service's lifecycle state.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusStarting Status = "STARTING"
	StatusStopping Status = "STOPPING"
	StatusError    Status = "ERROR"
	StatusUnknown  Status = "UNKNOWN"
)

// ServiceInfo describes one registered service.
type ServiceInfo struct {
	ID             string                 `json:"id" yaml:"id"`
	Name           string                 `json:"name" yaml:"name"`
	Type           string                 `json:"type" yaml:"type"`
	Status         Status                 `json:"status" yaml:"status"`
	Endpoint       string                 `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Tags           []string               `json:"tags,omitempty" yaml:"tags,omitempty"`
	RegisteredAt   time.Time              `json:"registered_at" yaml:"registered_at"`
	UpdatedAt      time.Time              `json:"updated_at" yaml:"updated_at"`
	HealthCheckURL string                 `json:"health_check_url,omitempty" yaml:"health_check_url,omitempty"`
}

// WatchEvent is the kind of transition delivered to a watcher callback.
type WatchEvent string

const (
	EventRegistered   WatchEvent = "registered"
	EventUpdated      WatchEvent = "updated"
	EventUnregistered WatchEvent = "unregistered"
)

// WatchFunc is invoked with the affected service and the transition kind.
// An implementation must tolerate a WatchFunc panicking/erroring without
// that preventing delivery to other watchers.
type WatchFunc func(service ServiceInfo, event WatchEvent)

// Filter narrows Discover results.
type Filter struct {
	Type   string
	Tags   []string // subset containment: every tag here must be in the service's tags
	Status Status
}

// probeHealthURL issues the 5-second-capped GET both Registry variants
// use for HealthCheck. The second return distinguishes "probe ran and
// failed" from "request could not be built".
func probeHealthURL(ctx context.Context, url string) (bool, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// Registry is the shared contract for the in-process and distributed
// variants.
type Registry interface {
	Register(ctx context.Context, name, typ, endpoint string, metadata map[string]interface{}, tags []string, healthCheckURL string) (ServiceInfo, error)
	Unregister(ctx context.Context, name string) (bool, error)
	Discover(ctx context.Context, filter Filter) ([]ServiceInfo, error)
	Get(ctx context.Context, name string) (ServiceInfo, bool, error)
	UpdateStatus(ctx context.Context, name string, status Status) error
	UpdateMetadata(ctx context.Context, name string, patch map[string]interface{}, merge bool) error
	HealthCheck(ctx context.Context, name string) (bool, error)
	Watch(watcher WatchFunc) (unsubscribe func())
	ListTypes(ctx context.Context) ([]string, error)
	ListTags(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}
