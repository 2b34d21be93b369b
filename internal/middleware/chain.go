package middleware

import (
	"net/http"
	"sort"
)

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Chain represents a chain of middlewares
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{
		middlewares: middlewares,
	}
}

// Then chains the middlewares and returns the final handler
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.DefaultServeMux
	}

	// Apply middlewares in reverse order so first middleware is outermost
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}

	return h
}

// Append adds middlewares to the chain and returns a new chain
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	newMiddlewares := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	newMiddlewares = append(newMiddlewares, c.middlewares...)
	newMiddlewares = append(newMiddlewares, middlewares...)
	return &Chain{middlewares: newMiddlewares}
}

// Len returns the number of middlewares in the chain
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// Filter is a named middleware with a fixed position. Lower Order runs
// earlier (outermost).
type Filter interface {
	Name() string
	Order() int
	Middleware() Middleware
}

type filter struct {
	name  string
	order int
	mw    Middleware
}

func (f filter) Name() string           { return f.name }
func (f filter) Order() int             { return f.order }
func (f filter) Middleware() Middleware { return f.mw }

// NewFilter wraps mw as a Filter.
func NewFilter(name string, order int, mw Middleware) Filter {
	return filter{name: name, order: order, mw: mw}
}

// OrderedChain builds a Chain from filters sorted by Order. Filters with
// equal Order keep registration order.
type OrderedChain struct {
	filters []Filter
}

// NewOrderedChain creates an ordered chain
func NewOrderedChain(filters ...Filter) *OrderedChain {
	c := &OrderedChain{}
	return c.Add(filters...)
}

// Add returns a new chain with filters added.
func (c *OrderedChain) Add(filters ...Filter) *OrderedChain {
	out := make([]Filter, 0, len(c.filters)+len(filters))
	out = append(out, c.filters...)
	out = append(out, filters...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order() < out[j].Order() })
	return &OrderedChain{filters: out}
}

// Names returns filter names outermost first.
func (c *OrderedChain) Names() []string {
	names := make([]string, len(c.filters))
	for i, f := range c.filters {
		names[i] = f.Name()
	}
	return names
}

// Chain converts the filters into a plain Chain.
func (c *OrderedChain) Chain() *Chain {
	mws := make([]Middleware, len(c.filters))
	for i, f := range c.filters {
		mws[i] = f.Middleware()
	}
	return NewChain(mws...)
}

// Then wraps h with all filters.
func (c *OrderedChain) Then(h http.Handler) http.Handler {
	return c.Chain().Then(h)
}
