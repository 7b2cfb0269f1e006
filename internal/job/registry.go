package job

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"
)

// Factory builds jobs of one type and validates their raw config.
type Factory struct {
	// New constructs a job from its validated raw config.
	New func(name string, raw map[string]any) (Job, error)
	// ValidateConfig reports every problem in the raw config. Called by
	// the config loader before any connection exists.
	ValidateConfig func(name string, raw map[string]any) []ConfigError
}

// Registry maps config type names to job factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in job types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeScript, Factory{New: newScript, ValidateConfig: validateScriptConfig})
	return r
}

func (r *Registry) Register(jobType string, f Factory) {
	r.factories[jobType] = f
}

// Known reports whether jobType is registered.
func (r *Registry) Known(jobType string) bool {
	_, ok := r.factories[jobType]
	return ok
}

// Types lists the registered type names, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// New builds a job of the given type.
func (r *Registry) New(jobType, name string, raw map[string]any) (Job, error) {
	f, ok := r.factories[jobType]
	if !ok {
		return nil, fmt.Errorf("unknown job type %q (known: %v)", jobType, r.Types())
	}
	return f.New(name, raw)
}

// ValidateConfig runs the type's static config validation.
func (r *Registry) ValidateConfig(jobType, name string, raw map[string]any) []ConfigError {
	f, ok := r.factories[jobType]
	if !ok {
		return []ConfigError{{
			Job:    name,
			Field:  "type",
			Detail: fmt.Sprintf("unknown job type %q (known: %v)", jobType, r.Types()),
		}}
	}
	if f.ValidateConfig == nil {
		return nil
	}
	return f.ValidateConfig(name, raw)
}

// DecodeConfig maps a job's raw config table onto a typed struct, so job
// types declare plain tagged structs instead of walking maps. Unknown
// keys are an error; a typo should not silently become a default.
func DecodeConfig(raw map[string]any, out any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
