// Package middleware wraps receiver handlers with cross-cutting behavior.
//
// Chain(A, B, C)(handler) → A(B(C(handler)))
// Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"bambuk-rpc/message"
)

// HandlerFunc answers one decoded call. The returned value is encoded as the reply.
type HandlerFunc func(ctx context.Context, call *message.Call) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one, applied in the order given.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
