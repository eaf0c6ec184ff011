package rpc

import (
	"context"
	"fmt"
	"sync"
)

// entryKind tags what a registry entry actually is: a request/response
// method, a fire-and-forget notification, or an alias pointing at
// another entry by name. This mirrors the tagged-union handler model
// (Method/Notification/Alias) rather than encoding the distinction in
// the handler's own type.
type entryKind int

const (
	kindMethod entryKind = iota
	kindNotification
	kindAlias
)

type entry struct {
	kind         entryKind
	method       MethodHandler
	notification NotificationHandler
	alias        string
}

// Registry holds the named methods, notifications, and aliases a
// Dispatcher routes calls to. It is safe for concurrent registration
// and lookup, though in practice methods are registered once at
// startup before a Dispatcher begins serving traffic.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// AddMethod registers fn, adapted via AdaptMethod, under name. It
// panics if fn's shape is invalid (a registration-time error) but
// returns no error for duplicate names — the later registration wins,
// matching how method tables are typically built incrementally from
// multiple AddDelegate calls.
func (r *Registry) AddMethod(name string, fn any) {
	r.set(name, entry{kind: kindMethod, method: AdaptMethod(fn)})
}

// AddNotification registers fn, adapted via AdaptNotification, under
// name.
func (r *Registry) AddNotification(name string, fn any) {
	r.set(name, entry{kind: kindNotification, notification: AdaptNotification(fn)})
}

// AddAlias registers name as a single-hop alias for target. Aliases do
// not chain: resolving an alias that points at another alias is a
// registration-time error, to keep lookup O(1) and avoid cycles.
func (r *Registry) AddAlias(name, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.entries[target]; ok && t.kind == kindAlias {
		return fmt.Errorf("rpc: alias target %q must not itself be an alias", target)
	}
	r.entries[name] = entry{kind: kindAlias, alias: target}
	return nil
}

func (r *Registry) set(name string, e entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = e
}

// AddDelegate bulk-registers every entry of other into r, optionally
// under a prefix (e.g. mounting delegate "math" methods as
// "math.add", "math.sub", ...). This is the Go counterpart of
// IoDelegate/to_delegate grouping: a way to compose a registry out of
// smaller ones without hand-copying each method name.
func (r *Registry) AddDelegate(prefix string, other *Registry) {
	other.mu.RLock()
	entries := make(map[string]entry, len(other.entries))
	for name, e := range other.entries {
		entries[name] = e
	}
	other.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range entries {
		full := name
		if prefix != "" {
			full = prefix + "." + name
		}
		if e.kind == kindAlias {
			e.alias = prefixIfLocal(prefix, e.alias, entries)
		}
		r.entries[full] = e
	}
}

func prefixIfLocal(prefix, target string, siblings map[string]entry) string {
	if prefix == "" {
		return target
	}
	if _, ok := siblings[target]; ok {
		return prefix + "." + target
	}
	return target
}

// resolve looks up name, following a single alias hop. It reports
// whether the entry exists at all (after alias resolution) distinctly
// from whether it is a notification, so the dispatcher can tell
// "unknown method" from "called a notification expecting a reply" —
// the latter is still routed, since that's the caller's
// mistake to omit/include an id, not the registry's.
func (r *Registry) resolve(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return entry{}, false
	}
	if e.kind == kindAlias {
		target, ok := r.entries[e.alias]
		if !ok {
			return entry{}, false
		}
		return target, true
	}
	return e, true
}

// invoke dispatches a single Call against the registry. It returns
// (response, true) when a response should be sent, or (zero, false)
// for a well-formed notification dispatch (including one whose handler
// errored — notification failures are not reported to the
// caller).
func (r *Registry) invoke(ctx context.Context, meta Meta, call Call) (Response, bool) {
	e, ok := r.resolve(call.Method)
	if !ok {
		if call.IsNotification() {
			return Response{}, false
		}
		return Failure(call.Id, MethodNotFound(call.Method)), true
	}

	switch e.kind {
	case kindMethod:
		result, err := e.method(ctx, meta, call.Params)
		if call.IsNotification() {
			return Response{}, false
		}
		if err != nil {
			return Failure(call.Id, toWireError(err)), true
		}
		return Success(call.Id, result), true
	case kindNotification:
		_ = e.notification(ctx, meta, call.Params)
		if call.IsNotification() {
			return Response{}, false
		}
		// A Notification-kind handler invoked with an id: still no
		// meaningful result to return, so acknowledge with a null result
		// rather than silently dropping the caller's expected response.
		return Success(call.Id, nil), true
	default:
		return Failure(call.Id, InternalError(fmt.Errorf("unresolved alias %q", call.Method))), true
	}
}

func toWireError(err error) *Error {
	if rpcErr, ok := err.(*Error); ok {
		return rpcErr
	}
	return InternalError(err)
}
