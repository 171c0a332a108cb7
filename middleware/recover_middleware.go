package middleware

import (
	"context"
	"fmt"

	"bambuk-rpc/message"
)

// RecoverMiddleware turns a handler panic into an error so one bad call cannot stop the receiver.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (reply any, err error) {
			defer func() {
				if r := recover(); r != nil {
					reply, err = nil, fmt.Errorf("middleware: %s handler panicked: %v", call.Method, r)
				}
			}()
			return next(ctx, call)
		}
	}
}
