package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentfabric/meshrt/core"
)

// RedisRegistry is a distributed Registry: one Redis key per service
// plus type/tag set indexes. Watch is local-only; each process's
// watchers observe only the mutations it performs itself.
type RedisRegistry struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration

	watchMu  sync.Mutex
	watchers map[int]WatchFunc
	nextID   int
}

func (r *RedisRegistry) serviceKey(name string) string { return fmt.Sprintf("%s:services:%s", r.namespace, name) }
func (r *RedisRegistry) typeKey(typ string) string      { return fmt.Sprintf("%s:types:%s", r.namespace, typ) }
func (r *RedisRegistry) tagKey(tag string) string       { return fmt.Sprintf("%s:tags:%s", r.namespace, tag) }
func (r *RedisRegistry) namesKey() string               { return fmt.Sprintf("%s:names", r.namespace) }

// NewRedisRegistry builds a RedisRegistry under namespace, with entries
// expiring after ttl unless refreshed (register/update resets the TTL).
func NewRedisRegistry(client *redis.Client, namespace string, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, namespace: namespace, ttl: ttl, watchers: make(map[int]WatchFunc)}
}

func (r *RedisRegistry) notify(service ServiceInfo, event WatchEvent) {
	r.watchMu.Lock()
	watchers := make([]WatchFunc, 0, len(r.watchers))
	for _, w := range r.watchers {
		watchers = append(watchers, w)
	}
	r.watchMu.Unlock()

	for _, w := range watchers {
		func() {
			defer func() { recover() }()
			w(service, event)
		}()
	}
}

func (r *RedisRegistry) writeLocked(ctx context.Context, info ServiceInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.serviceKey(info.Name), payload, r.ttl)
	pipe.SAdd(ctx, r.typeKey(info.Type), info.Name)
	pipe.SAdd(ctx, r.namesKey(), info.Name)
	for _, tag := range info.Tags {
		pipe.SAdd(ctx, r.tagKey(tag), info.Name)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisRegistry) Register(ctx context.Context, name, typ, endpoint string, metadata map[string]interface{}, tags []string, healthCheckURL string) (ServiceInfo, error) {
	exists, err := r.client.Exists(ctx, r.serviceKey(name)).Result()
	if err != nil {
		return ServiceInfo{}, err
	}
	if exists > 0 {
		return ServiceInfo{}, core.NewFrameworkError("register", core.KindAlreadyExists, name, "service already registered", core.ErrAlreadyExists)
	}

	now := time.Now().UTC()
	info := ServiceInfo{
		ID: name, Name: name, Type: typ, Status: StatusActive, Endpoint: endpoint,
		Metadata: metadata, Tags: tags, RegisteredAt: now, UpdatedAt: now, HealthCheckURL: healthCheckURL,
	}
	if err := r.writeLocked(ctx, info); err != nil {
		return ServiceInfo{}, err
	}
	r.notify(info, EventRegistered)
	return info, nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, name string) (bool, error) {
	info, ok, err := r.Get(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.serviceKey(name))
	pipe.SRem(ctx, r.typeKey(info.Type), name)
	pipe.SRem(ctx, r.namesKey(), name)
	for _, tag := range info.Tags {
		pipe.SRem(ctx, r.tagKey(tag), name)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	r.notify(info, EventUnregistered)
	return true, nil
}

func (r *RedisRegistry) Get(ctx context.Context, name string) (ServiceInfo, bool, error) {
	raw, err := r.client.Get(ctx, r.serviceKey(name)).Bytes()
	if err == redis.Nil {
		return ServiceInfo{}, false, nil
	}
	if err != nil {
		return ServiceInfo{}, false, err
	}
	var info ServiceInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return ServiceInfo{}, false, err
	}
	return info, true, nil
}

func (r *RedisRegistry) Discover(ctx context.Context, filter Filter) ([]ServiceInfo, error) {
	var names []string
	var err error
	switch {
	case filter.Type != "":
		names, err = r.client.SMembers(ctx, r.typeKey(filter.Type)).Result()
	case len(filter.Tags) > 0:
		names, err = r.client.SMembers(ctx, r.tagKey(filter.Tags[0])).Result()
	default:
		names, err = r.client.SMembers(ctx, r.namesKey()).Result()
	}
	if err != nil {
		return nil, err
	}

	var out []ServiceInfo
	for _, name := range names {
		info, ok, err := r.Get(ctx, name)
		if err != nil || !ok {
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

func (r *RedisRegistry) UpdateStatus(ctx context.Context, name string, status Status) error {
	info, ok, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return core.NewFrameworkError("update_status", core.KindNotFound, name, "service not found", core.ErrNotFound)
	}
	info.Status = status
	info.UpdatedAt = time.Now().UTC()
	if err := r.writeLocked(ctx, info); err != nil {
		return err
	}
	r.notify(info, EventUpdated)
	return nil
}

func (r *RedisRegistry) UpdateMetadata(ctx context.Context, name string, patch map[string]interface{}, merge bool) error {
	info, ok, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
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
	if err := r.writeLocked(ctx, info); err != nil {
		return err
	}
	r.notify(info, EventUpdated)
	return nil
}

func (r *RedisRegistry) HealthCheck(ctx context.Context, name string) (bool, error) {
	info, ok, err := r.Get(ctx, name)
	if err != nil {
		return false, err
	}
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

func (r *RedisRegistry) Watch(watcher WatchFunc) func() {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = watcher
	return func() {
		r.watchMu.Lock()
		defer r.watchMu.Unlock()
		delete(r.watchers, id)
	}
}

func (r *RedisRegistry) ListTypes(ctx context.Context) ([]string, error) {
	keys, err := r.client.Keys(ctx, r.namespace+":types:*").Result()
	if err != nil {
		return nil, err
	}
	prefix := r.namespace + ":types:"
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k[len(prefix):])
	}
	return out, nil
}

func (r *RedisRegistry) ListTags(ctx context.Context) ([]string, error) {
	keys, err := r.client.Keys(ctx, r.namespace+":tags:*").Result()
	if err != nil {
		return nil, err
	}
	prefix := r.namespace + ":tags:"
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k[len(prefix):])
	}
	return out, nil
}

func (r *RedisRegistry) Clear(ctx context.Context) error {
	names, err := r.client.SMembers(ctx, r.namesKey()).Result()
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := r.Unregister(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

var _ Registry = (*RedisRegistry)(nil)
