package dispatch

import (
	"fmt"
	"sort"
	"sync"

	apierrors "pulsechat/internal/errors"
)

// Next continues the chain. It may be called at most once per middleware.
type Next func() error

// Middleware runs around the rest of the chain. Returning nil without calling
// next short-circuits the dispatch; returning an error aborts it.
type Middleware interface {
	Handle(c *Context, next Next) error
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(c *Context, next Next) error

// Handle implements Middleware.
func (f MiddlewareFunc) Handle(c *Context, next Next) error {
	return f(c, next)
}

// Kernel maps middleware names to implementations.
type Kernel struct {
	mu          sync.RWMutex
	middlewares map[string]Middleware
}

// NewKernel creates an empty kernel.
func NewKernel() *Kernel {
	return &Kernel{middlewares: make(map[string]Middleware)}
}

// Register binds name to mw. Registering a name twice panics.
func (k *Kernel) Register(name string, mw Middleware) {
	if name == "" || mw == nil {
		panic(apierrors.NewConfigurationError("middleware needs a name and an implementation"))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.middlewares[name]; exists {
		panic(apierrors.NewConfigurationError(fmt.Sprintf("middleware %q registered twice", name)))
	}
	k.middlewares[name] = mw
}

// RegisterFunc binds name to a middleware function.
func (k *Kernel) RegisterFunc(name string, fn func(c *Context, next Next) error) {
	k.Register(name, MiddlewareFunc(fn))
}

// Lookup returns the middleware registered under name.
func (k *Kernel) Lookup(name string) (Middleware, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	mw, ok := k.middlewares[name]
	return mw, ok
}

// Names lists registered middleware names, sorted.
func (k *Kernel) Names() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	names := make([]string, 0, len(k.middlewares))
	for name := range k.middlewares {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
