package middleware

import "net/http"

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Chain is an ordered list of middlewares; the first one is outermost.
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain. Nil entries are skipped, so
// optional middlewares can be passed unconditionally.
func NewChain(middlewares ...Middleware) *Chain {
	c := &Chain{}
	for _, m := range middlewares {
		if m != nil {
			c.middlewares = append(c.middlewares, m)
		}
	}
	return c
}

// Then wraps h with every middleware in the chain.
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// ThenFunc chains the middlewares with an http.HandlerFunc
func (c *Chain) ThenFunc(fn http.HandlerFunc) http.Handler {
	if fn == nil {
		return c.Then(nil)
	}
	return c.Then(fn)
}

// Append returns a new chain with middlewares added at the end.
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	all := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	all = append(all, c.middlewares...)
	all = append(all, middlewares...)
	return NewChain(all...)
}

// Len returns the number of middlewares in the chain
func (c *Chain) Len() int {
	return len(c.middlewares)
}
