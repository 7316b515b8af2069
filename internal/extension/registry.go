package extension

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nerrad567/lab-platform/internal/infrastructure/logging"
)

// RuntimeContext carries what the host supplies to every instance.
type RuntimeContext struct {
	// DeviceID is set on agents; empty on the orchestrator.
	DeviceID string

	// Sources are consulted in order after the manifest defaults.
	Sources []OverrideSource
}

// Registry discovers, instantiates and owns extensions.
//
// The instance map is read-mostly: Get takes a read lock, while
// Instantiate, Reload and ShutdownAll take the write lock.
type Registry struct {
	factories *Factories
	kind      Kind
	logger    Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	def *Definition
	ext Extension
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger. Extensions get a child of it.
func WithLogger(l Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithKind sets the kind assumed for manifests that do not declare one.
func WithKind(k Kind) Option {
	return func(r *Registry) { r.kind = k }
}

// NewRegistry creates an empty registry backed by factories.
func NewRegistry(factories *Factories, opts ...Option) *Registry {
	r := &Registry{
		factories: factories,
		kind:      KindModule,
		logger:    noopLogger{},
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Discover scans the immediate subdirectories of root in lexical order
// and parses one manifest from each. Directories without a valid manifest
// are skipped with a warning. Two manifests with the same name are fatal.
func (r *Registry) Discover(root string) ([]*Definition, error) {
	dirents, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", root, err)
	}

	var defs []*Definition
	byName := make(map[string]string)
	for _, de := range dirents {
		if !de.IsDir() {
			continue
		}
		dir := filepath.Join(root, de.Name())

		path, err := FindManifest(dir)
		if err != nil {
			r.logger.Warn("skipping extension directory", "dir", dir, "error", err)
			continue
		}
		def, err := loadManifest(path, r.kind)
		if err != nil {
			r.logger.Warn("skipping invalid manifest", "path", path, "error", err)
			continue
		}

		if prev, dup := byName[def.Name]; dup {
			return nil, fmt.Errorf("%w: %q declared by %s and %s", ErrDuplicateName, def.Name, prev, path)
		}
		byName[def.Name] = path
		defs = append(defs, def)
	}

	return defs, nil
}

// Instantiate builds def and registers it under def.Name.
func (r *Registry) Instantiate(ctx context.Context, def *Definition, rc RuntimeContext) (Extension, error) {
	r.mu.RLock()
	_, exists := r.entries[def.Name]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, def.Name)
	}

	ext, err := r.build(def, rc)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.entries[def.Name]; exists {
		r.mu.Unlock()
		r.shutdownOne(ctx, def.Name, ext)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, def.Name)
	}
	r.entries[def.Name] = &entry{def: def, ext: ext}
	r.mu.Unlock()

	r.logger.Info("extension loaded",
		"name", def.Name,
		"version", def.Version,
		"kind", string(def.Kind),
		"entry_point", def.EntryPoint,
	)
	return ext, nil
}

// build resolves the factory, merges and validates config, and calls the
// constructor. It does not touch the instance map.
func (r *Registry) build(def *Definition, rc RuntimeContext) (ext Extension, err error) {
	loadErr := func(cause error) error {
		return &LoadError{Name: def.Name, EntryPoint: def.EntryPoint, Err: cause}
	}

	factory, ok := r.factories.Lookup(def.EntryPoint)
	if !ok {
		return nil, loadErr(fmt.Errorf("entry point %q is not registered", def.EntryPoint))
	}

	cfg, err := resolveConfig(def, rc.Sources)
	if err != nil {
		return nil, loadErr(err)
	}
	if err := def.ValidateConfig(cfg); err != nil {
		return nil, loadErr(err)
	}

	defer func() {
		if p := recover(); p != nil {
			ext = nil
			err = loadErr(fmt.Errorf("constructor panicked: %v", p))
		}
	}()

	ext, err = factory(FactoryContext{
		Name:       def.Name,
		DeviceID:   rc.DeviceID,
		Config:     cfg,
		Definition: def,
		Logger:     r.childLogger(def.Name),
	})
	if err != nil {
		return nil, loadErr(err)
	}
	if ext == nil {
		return nil, loadErr(errors.New("constructor returned nil"))
	}
	return ext, nil
}

func (r *Registry) childLogger(name string) Logger {
	if l, ok := r.logger.(*logging.Logger); ok {
		return l.With("extension", name)
	}
	return r.logger
}

// LoadAll discovers every extension under root and instantiates each.
// Individual failures are logged and skipped; duplicate names are fatal.
func (r *Registry) LoadAll(ctx context.Context, root string, rc RuntimeContext) error {
	defs, err := r.Discover(root)
	if err != nil {
		return err
	}

	for _, def := range defs {
		if _, err := r.Instantiate(ctx, def, rc); err != nil {
			if errors.Is(err, ErrDuplicateName) {
				return err
			}
			r.logger.Error("extension failed to load", "name", def.Name, "error", err)
		}
	}

	r.logger.Info("extensions loaded", "root", root, "discovered", len(defs), "loaded", r.Len())
	return nil
}

// Get returns the live instance registered under name.
func (r *Registry) Get(name string) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.ext, true
}

// Lookup returns the instance and its definition together, so callers see
// a consistent pair even while a reload swaps them.
func (r *Registry) Lookup(name string) (Extension, *Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, nil, false
	}
	return e.ext, e.def, true
}

// Definition returns the definition registered under name.
func (r *Registry) Definition(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.def, true
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the registered definitions sorted by name.
func (r *Registry) Definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*Definition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Reload rebuilds one extension from its re-read manifest and swaps it in.
// The old instance is shut down after the swap. If the rebuild fails the
// old instance stays in place.
func (r *Registry) Reload(ctx context.Context, name string, rc RuntimeContext) error {
	r.mu.RLock()
	old, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	def := old.def
	if def.Path != "" {
		fresh, err := loadManifest(def.Path, def.Kind)
		if err != nil {
			return err
		}
		if fresh.Name != name {
			return &ManifestError{Path: def.Path, Reason: fmt.Sprintf("name changed from %q to %q", name, fresh.Name)}
		}
		def = fresh
	}

	ext, err := r.build(def, rc)
	if err != nil {
		return err
	}

	r.mu.Lock()
	current, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		r.shutdownOne(ctx, name, ext)
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	r.entries[name] = &entry{def: def, ext: ext}
	r.mu.Unlock()

	r.shutdownOne(ctx, name, current.ext)
	r.logger.Info("extension reloaded", "name", name, "version", def.Version)
	return nil
}

// ShutdownAll shuts every instance down concurrently and empties the
// registry. Every instance is attempted; failures are logged and joined.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for name, e := range entries {
		wg.Add(1)
		go func(name string, ext Extension) {
			defer wg.Done()
			if err := r.shutdownOne(ctx, name, ext); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
		}(name, e.ext)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// shutdownOne calls Shutdown with panic recovery and logs the outcome.
func (r *Registry) shutdownOne(ctx context.Context, name string, ext Extension) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("shutdown panicked: %v", p)
		}
		if err != nil {
			r.logger.Error("extension shutdown failed", "name", name, "error", err)
		}
	}()
	return ext.Shutdown(ctx)
}
