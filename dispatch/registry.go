package dispatch

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registration is one method's entry in a handler registry.
type Registration struct {
	Handler Handler
	// Timeout bounds this handler's execution. Zero inherits the
	// dispatcher's default.
	Timeout time.Duration
}

// Registry resolves method names to handlers. Implementations must be safe
// for concurrent lookup.
type Registry interface {
	Lookup(method string) (*Registration, bool)
	Methods() []string
}

// StaticRegistry is a registration table populated at startup: a plain map
// from method name to handler. It is the default Registry implementation.
type StaticRegistry struct {
	mu      sync.RWMutex
	entries map[string]*Registration
}

var _ Registry = (*StaticRegistry)(nil)

// NewStaticRegistry constructs an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{entries: make(map[string]*Registration)}
}

// RegisterOption customizes one registration.
type RegisterOption func(*Registration)

// WithHandlerTimeout bounds the handler's execution independently of the
// dispatcher default.
func WithHandlerTimeout(d time.Duration) RegisterOption {
	return func(r *Registration) { r.Timeout = d }
}

// Register adds a handler under the given method name. Registering the same
// method twice is a programming error and panics, matching the fail-fast
// startup semantics of a static table.
func (sr *StaticRegistry) Register(method string, h Handler, opts ...RegisterOption) {
	if method == "" || h == nil {
		panic("dispatch: Register requires a method name and handler")
	}
	reg := &Registration{Handler: h}
	for _, opt := range opts {
		if opt != nil {
			opt(reg)
		}
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	if _, exists := sr.entries[method]; exists {
		panic(fmt.Sprintf("dispatch: method %q registered twice", method))
	}
	sr.entries[method] = reg
}

// RegisterFunc is Register for bare functions.
func (sr *StaticRegistry) RegisterFunc(method string, f HandlerFunc, opts ...RegisterOption) {
	sr.Register(method, f, opts...)
}

func (sr *StaticRegistry) Lookup(method string) (*Registration, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	reg, ok := sr.entries[method]
	return reg, ok
}

// Methods returns the registered method names, sorted for stable output.
func (sr *StaticRegistry) Methods() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	out := make([]string, 0, len(sr.entries))
	for m := range sr.entries {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
