package registry

import (
	"context"

	"gopkg.in/yaml.v3"
)

// exportDoc mirrors the documented export format: {services: [...]}.
type exportDoc struct {
	Services []ServiceInfo `yaml:"services"`
}

// Export serializes every service currently in r to the documented
// `{services: [...]}` bootstrap format.
func Export(ctx context.Context, r Registry) ([]byte, error) {
	services, err := r.Discover(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(exportDoc{Services: services})
}

// Import restores every service in data into r via Register, skipping
// (rather than failing outright on) names that already exist, so a
// partial import is resumable.
func Import(ctx context.Context, r Registry, data []byte) (int, error) {
	var doc exportDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, err
	}
	restored := 0
	for _, svc := range doc.Services {
		if _, ok, err := r.Get(ctx, svc.Name); err != nil {
			return restored, err
		} else if ok {
			continue
		}
		if _, err := r.Register(ctx, svc.Name, svc.Type, svc.Endpoint, svc.Metadata, svc.Tags, svc.HealthCheckURL); err != nil {
			return restored, err
		}
		if svc.Status != "" && svc.Status != StatusActive {
			_ = r.UpdateStatus(ctx, svc.Name, svc.Status)
		}
		restored++
	}
	return restored, nil
}
