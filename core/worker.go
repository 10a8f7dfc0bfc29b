package core

import "context"

// WorkerResponse is the shape a Worker capability returns on success.
// Reasoning and Metadata are optional and carried through unexamined by
// the coordination core.
type WorkerResponse struct {
	Content   string
	Reasoning interface{}
	Metadata  map[string]interface{}
}

// Worker is the opaque capability contract every externally owned agent
// exposes. The coordination core never creates or destroys a Worker; it
// only calls Execute and reacts to its outcome, wrapping the call in
// whatever resilience wrappers the caller chose.
type Worker interface {
	// Name is the worker's immutable, coordinator-unique identity.
	Name() string
	// Specialties is the worker's immutable set of lowercase topic tags.
	Specialties() []string
	// Execute runs prompt against the worker's capability. A failure is
	// a WORKER_ERROR as far as the coordination core is concerned.
	Execute(ctx context.Context, prompt string, context map[string]interface{}) (WorkerResponse, error)
}
