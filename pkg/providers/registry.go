// Package providers hosts the imagery provider adapters and the registry
// that resolves configured provider names to ready instances. Adapters
// translate provider-specific protocols into the pipeline's domain types;
// the shared helpers here map HTTP outcomes onto the classified error
// taxonomy so every adapter fails the same way.
package providers

import (
	"fmt"
	"sync"

	"github.com/parcelsat/parcelsat/pkg/pipeline"
)

// Constructor builds a provider adapter instance.
type Constructor func() (pipeline.ImageryProvider, error)

// Registry implements pipeline.ProviderResolver. Constructors are
// registered by name; instances are built once on first resolution and
// cached, so concurrent features share one adapter (and its HTTP client
// connection pool).
type Registry struct {
	mu           sync.Mutex
	constructors map[string]Constructor
	instances    map[string]pipeline.ImageryProvider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		instances:    make(map[string]pipeline.ImageryProvider),
	}
}

// Register adds a named constructor. Registering a name twice is a
// programming error.
func (r *Registry) Register(name string, ctor Constructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.constructors[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}
	r.constructors[name] = ctor
	return nil
}

// Resolve returns the adapter registered under name, constructing and
// caching it on first use. Construction happens at most once per name even
// under concurrent resolution.
func (r *Registry) Resolve(name string) (pipeline.ImageryProvider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if instance, ok := r.instances[name]; ok {
		return instance, nil
	}

	ctor, ok := r.constructors[name]
	if !ok {
		return nil, pipeline.NewValidationError("unknown imagery provider: "+name, nil).
			WithCode(pipeline.CodeProviderFailed)
	}

	instance, err := ctor()
	if err != nil {
		return nil, pipeline.AsPipelineError(err)
	}
	r.instances[name] = instance
	return instance, nil
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	return names
}
