package rpc

import (
	"context"
	"fmt"
	"log/slog"
)

// Next invokes the rest of the chain (and ultimately the registry) for
// call. It returns the same (Response, bool) shape as Registry.invoke:
// the bool is false when call was a notification and no response
// should be sent.
type Next func(ctx context.Context, meta Meta, call Call) (Response, bool)

// Middleware is one link of ordered around-advice: it may inspect or
// rewrite call and meta before calling next, inspect or rewrite the
// result after, or skip next entirely to short-circuit the chain. A
// well-behaved middleware calls next zero times (to short-circuit) or
// exactly once; calling it more than once is a programmer error in the
// middleware itself, not something this package guards against, the
// the same before/after contract a middleware trait would enforce.
//
// Middleware chains are modeled as an ordered slice rather than nested
// generic tuple types: composing N middlewares this way stays O(N) to
// both write and read, instead of growing a distinct tuple arity for
// every chain length.
type Middleware func(ctx context.Context, meta Meta, call Call, next Next) (Response, bool)

// Chain composes middlewares, in order, around final. The first
// middleware in the slice is outermost: it sees the call first and the
// response last.
func Chain(middlewares []Middleware, final Next) Next {
	next := final
	for i := len(middlewares) - 1; i >= 0; i-- {
		mw := middlewares[i]
		wrapped := next
		next = func(ctx context.Context, meta Meta, call Call) (Response, bool) {
			return mw(ctx, meta, call, wrapped)
		}
	}
	return next
}

// Identity calls next verbatim, contributing no behavior of its own. It
// is useful as a placeholder in configuration-driven middleware chains
// where a slot must always be filled.
func Identity() Middleware {
	return func(ctx context.Context, meta Meta, call Call, next Next) (Response, bool) {
		return next(ctx, meta, call)
	}
}

// Logging logs each call's method and outcome at Debug level.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, meta Meta, call Call, next Next) (Response, bool) {
		logger.Debug("dispatching call", "method", call.Method, "notification", call.IsNotification())
		resp, ok := next(ctx, meta, call)
		if ok && resp.Err != nil {
			logger.Debug("call failed", "method", call.Method, "code", resp.Err.Code, "message", resp.Err.Message)
		}
		return resp, ok
	}
}

// Recover converts a panic inside the remainder of the chain (most
// often a handler) into an InternalError response, logs it, and lets
// the worker goroutine continue rather than crash. It should normally
// be the outermost middleware in the chain.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, meta Meta, call Call, next Next) (resp Response, ok bool) {
		defer func() {
			if r := recover(); r != nil {
				logger.Warn("handler panicked", "method", call.Method, "panic", r)
				if call.IsNotification() {
					resp, ok = Response{}, false
					return
				}
				resp, ok = Failure(call.Id, InternalError(fmt.Errorf("handler panic: %v", r))), true
			}
		}()
		return next(ctx, meta, call)
	}
}
