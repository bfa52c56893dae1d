package registry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

// entry pairs a built handler with its metadata and origin. Origin is the
// manifest path for discovered handlers, empty for code-registered ones.
type entry struct {
	handler interfaces.Handler
	meta    interfaces.HandlerMeta
	source  string
}

// Registry maps handler names to executors. Reads go through an atomically
// swapped map (copy-on-write), so Get is wait-free; writers serialise on a
// mutex and run at startup and on filesystem reload events.
type Registry struct {
	mu        sync.Mutex
	current   atomic.Value // map[string]entry
	factories map[string]interfaces.HandlerFactory
	disabled  map[string]bool
	dirs      []string
	logger    arbor.ILogger
	watcher   *watcher
}

// New creates a registry scanning the given manifest directories. Names on
// the disabled list resolve as not found even when registered.
func New(dirs, disabled []string, logger arbor.ILogger) *Registry {
	disabledSet := make(map[string]bool, len(disabled))
	for _, name := range disabled {
		disabledSet[name] = true
	}

	r := &Registry{
		factories: make(map[string]interfaces.HandlerFactory),
		disabled:  disabledSet,
		dirs:      dirs,
		logger:    logger,
	}
	r.current.Store(map[string]entry{})
	return r
}

func (r *Registry) snapshot() map[string]entry {
	return r.current.Load().(map[string]entry)
}

// swap publishes a new map built from the current one by fn. Callers hold r.mu.
func (r *Registry) swap(fn func(next map[string]entry)) {
	old := r.snapshot()
	next := make(map[string]entry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	fn(next)
	r.current.Store(next)
}

// Get resolves a handler by name. A reference returned here is used to
// completion by the caller; later reloads never hot-swap it.
func (r *Registry) Get(name string) (interfaces.Handler, error) {
	if r.disabled[name] {
		return nil, models.ErrHandlerNotFound(name)
	}
	e, ok := r.snapshot()[name]
	if !ok {
		return nil, models.ErrHandlerNotFound(name)
	}
	return e.handler, nil
}

// Register adds or replaces a code-registered handler.
func (r *Registry) Register(handler interfaces.Handler, meta interfaces.HandlerMeta) {
	if handler == nil || handler.Name() == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.swap(func(next map[string]entry) {
		next[handler.Name()] = entry{handler: handler, meta: meta}
	})
}

// RegisterFactory binds a factory key used by manifest executor references.
func (r *Registry) RegisterFactory(key string, factory interfaces.HandlerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = factory
}

// Unregister removes a handler by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.swap(func(next map[string]entry) {
		delete(next, name)
	})
}

// List returns the metadata of every registered handler.
func (r *Registry) List() map[string]interfaces.HandlerMeta {
	snapshot := r.snapshot()
	out := make(map[string]interfaces.HandlerMeta, len(snapshot))
	for name, e := range snapshot {
		out[name] = e.meta
	}
	return out
}

// Reload rescans the manifest directories and replaces every
// manifest-sourced handler. Code-registered handlers are untouched; a
// manifest that disappeared since the last scan is unregistered.
func (r *Registry) Reload() error {
	manifests := scanManifests(r.dirs, r.logger)

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snapshot()
	next := make(map[string]entry, len(old))
	for name, e := range old {
		if e.source == "" {
			next[name] = e
		}
	}

	for _, m := range manifests {
		factoryKey := m.Executor
		if factoryKey == "" {
			factoryKey = m.Name
		}
		factory, ok := r.factories[factoryKey]
		if !ok {
			if r.logger != nil {
				r.logger.Warn().
					Str("manifest", m.path).
					Str("executor", factoryKey).
					Msg("No factory for handler manifest, skipping")
			}
			continue
		}

		meta := interfaces.HandlerMeta{
			Description: m.Description,
			Version:     m.Version,
			Params:      m.Params,
		}
		handler, err := factory(meta)
		if err != nil {
			// One bad manifest never takes down the rest.
			if r.logger != nil {
				r.logger.Warn().Err(err).Str("manifest", m.path).Msg("Handler factory failed, skipping")
			}
			continue
		}

		next[m.Name] = entry{handler: namedHandler{name: m.Name, inner: handler}, meta: meta, source: m.path}
	}

	r.current.Store(next)

	if r.logger != nil {
		r.logger.Debug().Int("handlers", len(next)).Msg("Handler registry reloaded")
	}
	return nil
}

// Watch starts the filesystem watcher over the manifest directories.
func (r *Registry) Watch(debounce int) error {
	w, err := newWatcher(r, r.dirs, debounce, r.logger)
	if err != nil {
		return err
	}
	r.watcher = w
	return nil
}

// Close stops the watcher.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.close()
	}
	return nil
}

// namedHandler rebinds a factory-built handler to its manifest name, so one
// factory can serve multiple named manifests.
type namedHandler struct {
	name  string
	inner interfaces.Handler
}

func (h namedHandler) Name() string {
	return h.name
}

func (h namedHandler) Execute(ctx context.Context, job *models.Job, jctx interfaces.JobContext) (interface{}, error) {
	return h.inner.Execute(ctx, job, jctx)
}
