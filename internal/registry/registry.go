// Package registry resolves a command name to exactly one Handler (spec
// §4.8). Grounded on internal/events/router.go Router
// (mutex-guarded map, Register/Handle/Unregister), narrowed from a
// broadcast-to-all-subscribers model to single-owner routing with explicit
// ambiguity detection, since at-most-once execution requires exactly one
// handler per command name.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/linkmeAman/universal-middleware/internal/database"
	coreerrs "github.com/linkmeAman/universal-middleware/internal/core/errs"
)

// Event is a domain event a Handler wants emitted alongside its reply, in
// the same outbox insert batch as the command's success reply.
type Event struct {
	Name    string
	Key     string
	Payload json.RawMessage
}

// Result is what a Handler produces on success.
type Result struct {
	Reply  json.RawMessage
	Events []Event
}

// Handler executes one command's business logic inside the executor's
// transaction. It must not commit or roll back tx itself; the executor
// owns the transaction boundary. A returned error should be an
// *errs.Error so the executor knows whether to retry or park it.
type Handler interface {
	Handle(ctx context.Context, tx database.Tx, commandID string, payload json.RawMessage) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tx database.Tx, commandID string, payload json.RawMessage) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, tx database.Tx, commandID string, payload json.RawMessage) (Result, error) {
	return f(ctx, tx, commandID, payload)
}

// Registry is a name -> single Handler map, analogous to it's
// Router but one owner per key instead of a fan-out slice.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	// processStarts marks command names that initiate a process (spec
	// §4.8's process-initiation tracking) rather than routing to a plain
	// Handler; the executor consults this before falling back to handlers.
	processStarts map[string]struct{}
}

func New() *Registry {
	return &Registry{
		handlers:      make(map[string]Handler),
		processStarts: make(map[string]struct{}),
	}
}

// Register binds name to h. Registering the same name twice is an
// AmbiguousHandler error — RegisterHandler never
// enforced this for its append-to-slice model, but at-most-once dispatch
// requires it here.
func (r *Registry) Register(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %q already has a registered handler", coreerrs.ErrAmbiguousHandler, name)
	}
	r.handlers[name] = h
	return nil
}

// MarkProcessStart records that name is handled by starting a process
// rather than by a Handler registered through Register.
func (r *Registry) MarkProcessStart(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processStarts[name] = struct{}{}
}

// IsProcessStart reports whether name initiates a process.
func (r *Registry) IsProcessStart(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.processStarts[name]
	return ok
}

// Resolve returns the single handler bound to name, or ErrUnknownCommand.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", coreerrs.ErrUnknownCommand, name)
	}
	return h, nil
}
