package profile

import (
	"fmt"

	"ojworker/internal/judge/sandbox/security"
)

// Registry is the worker's static configuration: every language it can
// compile/run, the task profiles applied to each program role, and the
// named isolation profiles those task profiles reference by RootFS name.
//
// Resolve satisfies engine.ProfileResolver without this package importing
// engine, which would otherwise import profile through spec/result and
// cycle back here.
type Registry struct {
	Languages  map[string]LanguageSpec     `yaml:"languages"`
	Compile    map[string]TaskProfile      `yaml:"compile"`
	Run        map[string]TaskProfile      `yaml:"run"`
	Checker    TaskProfile                 `yaml:"checker"`
	Interactor TaskProfile                 `yaml:"interactor"`
	Isolation  map[string]security.IsolationProfile `yaml:"isolation"`
}

// Resolve implements engine.ProfileResolver.
func (r *Registry) Resolve(name string) (security.IsolationProfile, error) {
	prof, ok := r.Isolation[name]
	if !ok {
		return security.IsolationProfile{}, fmt.Errorf("isolation profile %q not configured", name)
	}
	return prof, nil
}
