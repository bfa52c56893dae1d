package interfaces

import (
	"context"

	"github.com/ternarybob/conduit/internal/models"
)

// JobContext is the per-invocation surface a handler uses to report progress
// and observe cancellation. UpdateProgress accepts a numeric value (0-100,
// published as a progress event) or a structured value (published as a delta
// event for streaming handlers).
type JobContext interface {
	UpdateProgress(value interface{}) error

	// Done is closed when the job is removed while active. Cancellation is
	// cooperative; a handler that ignores it runs to completion and its
	// result is discarded.
	Done() <-chan struct{}

	// ChildResults returns results offered by completed child jobs, keyed by
	// child job id. Empty outside flows.
	ChildResults() map[string]interface{}
}

// Handler is a named executable unit resolved through the registry at
// dispatch time.
type Handler interface {
	Name() string
	Execute(ctx context.Context, job *models.Job, jctx JobContext) (interface{}, error)
}

// HandlerMeta is optional registry metadata attached to a handler.
type HandlerMeta struct {
	Description string
	Version     string
	Params      map[string]interface{}
}

// HandlerFactory builds a handler from its manifest params.
type HandlerFactory func(meta HandlerMeta) (Handler, error)

// HandlerRegistry maps handler names to executors. Reads are wait-free
// (copy-on-write); writers run at startup and on filesystem reload events.
type HandlerRegistry interface {
	// Get resolves a handler by name. Disabled or unknown names return
	// HandlerNotFound.
	Get(name string) (Handler, error)

	Register(handler Handler, meta HandlerMeta)
	Unregister(name string)
	List() map[string]HandlerMeta

	// Reload rescans the configured directories.
	Reload() error

	Close() error
}
