package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Dispatcher is the transport-agnostic protocol engine: it parses raw
// request bytes, classifies single calls vs. batches, routes each call
// through the middleware chain to the registry, and serializes
// responses back to bytes. Every concrete transport (HTTP, WebSocket,
// TCP, IPC, MQTT) hands Dispatch its framed message bytes and writes
// back whatever it returns.
type Dispatcher struct {
	registry    *Registry
	middlewares []Middleware
	logger      *slog.Logger
	sequential  bool
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithMiddleware appends mws, in order, to the dispatcher's chain.
// Middleware added first runs outermost.
func WithMiddleware(mws ...Middleware) Option {
	return func(d *Dispatcher) { d.middlewares = append(d.middlewares, mws...) }
}

// WithLogger sets the dispatcher's logger. Built-in middlewares take
// their own logger argument and do not use it, and Dispatch itself
// logs nothing.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// Sequential forces batch calls to be evaluated one at a time, in
// request order, instead of the default concurrent fan-out of one
// goroutine per call.
// Useful for handlers that share state without their own locking, or
// for deterministic test fixtures.
func Sequential() Option {
	return func(d *Dispatcher) { d.sequential = true }
}

// NewDispatcher builds a Dispatcher routing to registry.
func NewDispatcher(registry *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return d
}

// Dispatch parses raw, routes every call it contains, and returns the
// serialized response bytes to write back to the caller. It returns a
// nil slice (not an error) when raw contained only notifications and
// thus no response is owed — callers must treat a nil, nil return as
// "send nothing", not as a failure.
func (d *Dispatcher) Dispatch(ctx context.Context, meta Meta, raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		resp := Failure(NullId, InvalidRequest("empty request body"))
		return json.Marshal(resp.marshalWire())
	}

	if trimmed[0] == '[' {
		return d.dispatchBatch(ctx, meta, trimmed)
	}
	return d.dispatchSingle(ctx, meta, trimmed)
}

func (d *Dispatcher) dispatchSingle(ctx context.Context, meta Meta, raw []byte) ([]byte, error) {
	call, id, parseErr := parseCall(raw)
	if parseErr != nil {
		return json.Marshal(Failure(id, parseErr).marshalWire())
	}

	resp, ok := d.route(ctx, meta, call)
	if !ok {
		return nil, nil
	}
	return json.Marshal(resp.marshalWire())
}

func (d *Dispatcher) dispatchBatch(ctx context.Context, meta Meta, raw []byte) ([]byte, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return json.Marshal(Failure(NullId, InvalidRequest("malformed batch array")).marshalWire())
	}
	if len(elements) == 0 {
		return json.Marshal(Failure(NullId, InvalidRequest("batch array must not be empty")).marshalWire())
	}

	results := make([]*Response, len(elements))

	run := func(i int) {
		call, id, parseErr := parseCall(elements[i])
		if parseErr != nil {
			resp := Failure(id, parseErr)
			results[i] = &resp
			return
		}
		resp, ok := d.route(ctx, meta, call)
		if ok {
			results[i] = &resp
		}
	}

	if d.sequential {
		for i := range elements {
			run(i)
		}
	} else {
		var wg sync.WaitGroup
		wg.Add(len(elements))
		for i := range elements {
			i := i
			go func() {
				defer wg.Done()
				run(i)
			}()
		}
		wg.Wait()
	}

	wire := make([]wireResponse, 0, len(results))
	for _, r := range results {
		if r != nil {
			wire = append(wire, r.marshalWire())
		}
	}
	if len(wire) == 0 {
		return nil, nil
	}
	return json.Marshal(wire)
}

// route runs call through the middleware chain and the registry.
func (d *Dispatcher) route(ctx context.Context, meta Meta, call Call) (Response, bool) {
	final := func(ctx context.Context, meta Meta, call Call) (Response, bool) {
		return d.registry.invoke(ctx, meta, call)
	}
	return Chain(d.middlewares, final)(ctx, meta, call)
}

// parseCall validates and decodes one request/notification object per
// "jsonrpc" must be exactly "2.0", "method" must be a
// non-empty string, "params" if present must be an array or object, and
// "id" if present must be a string, number, or null.
//
// id is parsed first and returned alongside every error, including
// parse errors, so a caller can echo the id the raw object actually
// carried instead of always answering with a null id.
func parseCall(raw json.RawMessage) (Call, Id, *Error) {
	var wire wireRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Call{}, NullId, InvalidRequest(err.Error())
	}

	id := NullId
	if len(wire.Id) > 0 {
		if err := id.UnmarshalJSON(wire.Id); err != nil {
			return Call{}, NullId, InvalidRequest(err.Error())
		}
	}

	if wire.JSONRPC != Version {
		return Call{}, id, InvalidVersion()
	}
	if wire.Method == "" {
		return Call{}, id, InvalidRequest("missing \"method\"")
	}
	if len(wire.Params) > 0 {
		switch firstNonSpace(wire.Params) {
		case '[', '{':
		default:
			return Call{}, id, InvalidRequest("\"params\" must be an array or object")
		}
	}

	return Call{Method: wire.Method, Params: Params{raw: wire.Params}, Id: id}, id, nil
}
