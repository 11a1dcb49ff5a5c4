package signaling

import (
	"fmt"
	"log/slog"
)

// AppConfig describes one configured application namespace: the URL path
// clients use to reach it, and whether its address space allows sharing.
type AppConfig struct {
	Name           string
	Path           string
	AddressSharing bool
}

// Registry is the path -> *Pool mapping built once at startup. The mapping
// itself is immutable after construction; the pools it holds are not.
type Registry struct {
	byPath map[string]*Pool
}

// NewRegistry constructs one Pool per app and returns the path-indexed
// registry. Returns an error if two apps share a path.
func NewRegistry(apps []AppConfig, log *slog.Logger) (*Registry, error) {
	r := &Registry{byPath: make(map[string]*Pool, len(apps))}
	for _, app := range apps {
		if _, exists := r.byPath[app.Path]; exists {
			return nil, fmt.Errorf("signaling: duplicate app path %q", app.Path)
		}
		r.byPath[app.Path] = NewPool(app.Name, app.AddressSharing, log.With("pool", app.Name))
	}
	return r, nil
}

// Lookup returns the pool registered for path, and whether one exists.
func (r *Registry) Lookup(path string) (*Pool, bool) {
	p, ok := r.byPath[path]
	return p, ok
}

// Pools returns every registered pool, for metrics collection.
func (r *Registry) Pools() []*Pool {
	out := make([]*Pool, 0, len(r.byPath))
	for _, p := range r.byPath {
		out = append(out, p)
	}
	return out
}
