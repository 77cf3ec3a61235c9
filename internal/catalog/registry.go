// ABOUTME: Thread-safe tool registry indexing manifest files and builtins.
// ABOUTME: A bounded, injected schema cache fronts manifest re-reads.

package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Casys-AI/casys-pml-sub002/internal/cache"
)

// ErrToolNotFound indicates the named tool is in no manifest or builtin set.
var ErrToolNotFound = errors.New("tool not found")

// ErrToolCollision indicates a tool name is already taken.
var ErrToolCollision = errors.New("tool name collision")

// Registry maps tool names to descriptors. Manifest-backed descriptors
// are parsed on demand and held in the schema cache; builtins live in
// memory for the registry's lifetime.
type Registry struct {
	mu       sync.RWMutex
	index    map[string]string      // tool name -> manifest path
	builtins map[string]*Descriptor // tool name -> descriptor
	packs    map[string]PackInfo    // pack id -> info

	schemaCache *cache.Cache[Descriptor]
	logger      *slog.Logger
}

// NewRegistry creates a Registry. The schema cache bounds how many
// parsed descriptors stay resident and for how long; the registry owns
// it from here on and closes it with Close.
func NewRegistry(logger *slog.Logger, schemaCache *cache.Cache[Descriptor]) *Registry {
	return &Registry{
		index:       make(map[string]string),
		builtins:    make(map[string]*Descriptor),
		packs:       make(map[string]PackInfo),
		schemaCache: schemaCache,
		logger:      logger.With("component", "catalog"),
	}
}

// LoadDir indexes every manifest in dir. Tool names must be globally
// unique across manifests and builtins.
func (r *Registry) LoadDir(dir string) error {
	paths, err := ManifestPaths(dir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, path := range paths {
		m, err := LoadManifest(path)
		if err != nil {
			return err
		}
		for i := range m.Tools {
			name := m.Tools[i].Name
			if owner, exists := r.index[name]; exists {
				return fmt.Errorf("%w: tool %q already registered from %s", ErrToolCollision, name, owner)
			}
			if _, exists := r.builtins[name]; exists {
				return fmt.Errorf("%w: tool %q already registered as builtin", ErrToolCollision, name)
			}
			r.index[name] = path
		}
		r.packs[m.Pack.ID] = m.Pack
		r.logger.Info("pack registered",
			"pack_id", m.Pack.ID,
			"version", m.Pack.Version,
			"tool_count", len(m.Tools))
	}
	return nil
}

// RegisterBuiltin adds an in-process tool descriptor.
func (r *Registry) RegisterBuiltin(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.builtins[d.Name]; exists {
		return fmt.Errorf("%w: builtin %q already registered", ErrToolCollision, d.Name)
	}
	if owner, exists := r.index[d.Name]; exists {
		return fmt.Errorf("%w: tool %q already registered from %s", ErrToolCollision, d.Name, owner)
	}
	if d.Pack == "" {
		d.Pack = "builtin"
	}
	r.builtins[d.Name] = &d
	return nil
}

// Lookup returns the descriptor for a tool name. Manifest-backed tools
// hit the schema cache first and fall back to re-parsing their manifest.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	r.mu.RLock()
	if d, ok := r.builtins[name]; ok {
		r.mu.RUnlock()
		return *d, nil
	}
	path, indexed := r.index[name]
	r.mu.RUnlock()

	if !indexed {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if d, ok := r.schemaCache.Get(name); ok {
		return d, nil
	}

	m, err := LoadManifest(path)
	if err != nil {
		return Descriptor{}, err
	}
	var found *Descriptor
	for i := range m.Tools {
		// Cache siblings too; a plan usually touches several tools from
		// one pack.
		r.schemaCache.Put(m.Tools[i].Name, m.Tools[i])
		if m.Tools[i].Name == name {
			found = &m.Tools[i]
		}
	}
	if found == nil {
		return Descriptor{}, fmt.Errorf("%w: %s vanished from %s", ErrToolNotFound, name, path)
	}
	return *found, nil
}

// Has reports whether a tool name resolves, without parsing anything.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.builtins[name]; ok {
		return true
	}
	_, ok := r.index[name]
	return ok
}

// List returns every known descriptor, sorted by name.
func (r *Registry) List() ([]Descriptor, error) {
	r.mu.RLock()
	names := make([]string, 0, len(r.index)+len(r.builtins))
	for name := range r.index {
		names = append(names, name)
	}
	for name := range r.builtins {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		d, err := r.Lookup(name)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Packs returns the loaded pack infos, sorted by ID.
func (r *Registry) Packs() []PackInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PackInfo, 0, len(r.packs))
	for _, info := range r.packs {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close releases the schema cache.
func (r *Registry) Close() {
	r.schemaCache.Close()
	r.logger.Debug("registry closed")
}
