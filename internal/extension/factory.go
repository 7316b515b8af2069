package extension

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/lab-platform/internal/envelope"
)

// Extension is a live module or plugin instance.
//
// HandleCommand may be called concurrently for different commands.
// Implementations report unsupported actions by returning an error that
// wraps ErrUnknownAction.
type Extension interface {
	HandleCommand(ctx context.Context, action string, params envelope.Params) (Result, error)
	Shutdown(ctx context.Context) error
}

// Result is the data returned by a successful command.
type Result struct {
	Data map[string]any
}

// FactoryContext is everything a constructor gets.
type FactoryContext struct {
	Name       string
	DeviceID   string
	Config     Config
	Definition *Definition
	Logger     Logger
}

// Factory constructs an Extension.
type Factory func(FactoryContext) (Extension, error)

// Factories maps manifest entry points to constructors.
type Factories struct {
	mu sync.RWMutex
	m  map[string]Factory
}

// NewFactories creates an empty table.
func NewFactories() *Factories {
	return &Factories{m: make(map[string]Factory)}
}

// Register adds a constructor for entryPoint. Registering the same entry
// point twice is a programming error and returns ErrDuplicateName.
func (f *Factories) Register(entryPoint string, factory Factory) error {
	if entryPoint == "" || factory == nil {
		return fmt.Errorf("extension: entry point and factory are required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.m[entryPoint]; exists {
		return fmt.Errorf("%w: entry point %s", ErrDuplicateName, entryPoint)
	}
	f.m[entryPoint] = factory
	return nil
}

// MustRegister is Register for static wiring at startup; it panics on error.
func (f *Factories) MustRegister(entryPoint string, factory Factory) {
	if err := f.Register(entryPoint, factory); err != nil {
		panic(err)
	}
}

// Lookup returns the constructor for entryPoint.
func (f *Factories) Lookup(entryPoint string) (Factory, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	factory, ok := f.m[entryPoint]
	return factory, ok
}

// EntryPoints returns the registered entry points, sorted.
func (f *Factories) EntryPoints() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.m))
	for ep := range f.m {
		out = append(out, ep)
	}
	sort.Strings(out)
	return out
}
