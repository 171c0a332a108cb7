package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bambuk-rpc/message"
)

var ErrHandlerTimeout = errors.New("middleware: handler timed out")

// TimeOutMiddleware stops waiting for a handler after timeout. The handler keeps running
// in the background; its context is cancelled so it can notice and give up.
//
// The handler runs on its own goroutine, out of reach of RecoverMiddleware, so a panic
// there is recovered here and returned as an error.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				reply any
				err   error
			}
			done := make(chan result, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- result{err: fmt.Errorf("middleware: %s handler panicked: %v", call.Method, r)}
					}
				}()
				reply, err := next(ctx, call)
				done <- result{reply, err}
			}()

			select {
			case r := <-done:
				return r.reply, r.err
			case <-ctx.Done():
				return nil, ErrHandlerTimeout
			}
		}
	}
}
