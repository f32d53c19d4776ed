// Package registry holds the set of registered tools. It is the single
// shared mutable structure in the runtime: registration and resolution
// serialize through its lock so no caller observes a partially updated
// entry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/spindleworks/spindle/pkg/toolspec"
	"github.com/spindleworks/spindle/pkg/worker"
)

// ErrNotFound is returned when resolving a name with no registered tool
var ErrNotFound = errors.New("registry: tool not found")

// RegistrationID identifies one registration. Re-registering a name
// yields a new id.
type RegistrationID string

// Entry pairs a tool's descriptor with the supervisor of its worker
// process and the compiled validation schema for its arguments.
type Entry struct {
	ID         RegistrationID
	Descriptor *toolspec.Descriptor
	Schema     *gojsonschema.Schema
	Supervisor *worker.Supervisor
}

// Registry maps tool names to entries
type Registry struct {
	cfg      worker.Config
	logger   zerolog.Logger
	observer worker.Observer
	watcher  *worker.BinaryWatcher

	mu      sync.RWMutex
	entries map[string]*Entry
	closed  bool
}

// Option configures a Registry
type Option func(*Registry)

// WithWorkerConfig sets lifecycle timing for spawned workers
func WithWorkerConfig(cfg worker.Config) Option {
	return func(r *Registry) { r.cfg = cfg }
}

// WithObserver forwards worker lifecycle events, typically to metrics
func WithObserver(o worker.Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithBinaryWatcher retires workers whose executable changes on disk
func WithBinaryWatcher(w *worker.BinaryWatcher) Option {
	return func(r *Registry) { r.watcher = w }
}

// New creates an empty registry
func New(logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		cfg:     worker.DefaultConfig(),
		logger:  logger.With().Str("component", "registry").Logger(),
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register declares a callable as a tool: the descriptor is inferred
// from the definition, its input schema compiled, and a supervisor built
// for the launcher. Registration is idempotent by name: re-registering
// replaces the entry and terminates any worker of the previous one.
func (r *Registry) Register(def toolspec.Definition, launcher worker.Launcher) (RegistrationID, error) {
	desc, err := toolspec.Infer(def)
	if err != nil {
		return "", err
	}
	return r.register(desc, launcher)
}

// RegisterCommand registers an external worker binary with no shared Go
// definition. The binary is spawned once and the descriptor it announces
// in its ready handshake is adopted.
func (r *Registry) RegisterCommand(ctx context.Context, name string, launcher worker.Launcher) (RegistrationID, error) {
	probe := worker.NewSupervisor(name, launcher, r.cfg, r.logger)
	if r.observer != nil {
		probe.SetObserver(r.observer)
	}
	if err := probe.Start(ctx); err != nil {
		probe.Close()
		return "", fmt.Errorf("registry: probe %q: %w", name, err)
	}

	desc := probe.Descriptor()
	if desc == nil {
		probe.Close()
		return "", fmt.Errorf("registry: worker %q announced no descriptor", name)
	}
	if desc.Name != name {
		probe.Close()
		return "", fmt.Errorf("registry: worker announced tool %q, registered as %q", desc.Name, name)
	}
	probe.Close()

	return r.register(desc, launcher)
}

func (r *Registry) register(desc *toolspec.Descriptor, launcher worker.Launcher) (RegistrationID, error) {
	schema, err := compileSchema(desc)
	if err != nil {
		// The schema is generated from the descriptor; failing to
		// compile it means Infer produced an invalid tree.
		panic(fmt.Sprintf("registry: descriptor for %q produced invalid schema: %v", desc.Name, err))
	}

	sup := worker.NewSupervisor(desc.Name, launcher, r.cfg, r.logger)
	if r.observer != nil {
		sup.SetObserver(r.observer)
	}

	entry := &Entry{
		ID:         RegistrationID(uuid.NewString()),
		Descriptor: desc,
		Schema:     schema,
		Supervisor: sup,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sup.Close()
		return "", errors.New("registry: closed")
	}
	prev := r.entries[desc.Name]
	r.entries[desc.Name] = entry
	r.mu.Unlock()

	if prev != nil {
		prev.Supervisor.Close()
		r.logger.Info().Str("tool", desc.Name).Msg("tool re-registered, previous worker terminated")
	} else {
		r.logger.Info().Str("tool", desc.Name).Int("params", len(desc.Params)).Msg("tool registered")
	}

	if r.watcher != nil && launcher.Path != "" {
		if err := r.watcher.Watch(launcher.Path, sup.Retire); err != nil {
			r.logger.Warn().Err(err).Str("tool", desc.Name).Msg("executable watch not installed")
		}
	}

	return entry.ID, nil
}

// Resolve looks up a registered tool by name
func (r *Registry) Resolve(name string) (*Entry, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return entry, nil
}

// List returns the descriptors of every registered tool, sorted by name
// so the exported catalogue is stable.
func (r *Registry) List() []toolspec.Descriptor {
	r.mu.RLock()
	descs := make([]toolspec.Descriptor, 0, len(r.entries))
	for _, entry := range r.entries {
		descs = append(descs, *entry.Descriptor)
	}
	r.mu.RUnlock()

	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs
}

// Deregister removes a tool and terminates its worker
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	entry.Supervisor.Close()
	r.logger.Info().Str("tool", name).Msg("tool deregistered")
	return nil
}

// Close terminates every worker and rejects further registrations
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.Supervisor.Close()
	}
}

// compileSchema builds the gojsonschema validator for a descriptor
func compileSchema(desc *toolspec.Descriptor) (*gojsonschema.Schema, error) {
	loader := gojsonschema.NewGoLoader(desc.InputSchema())
	return gojsonschema.NewSchema(loader)
}
