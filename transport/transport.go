// Package transport defines the contract every concrete wire transport
// (HTTP, WebSocket, TCP, IPC, MQTT) implements, and the small bits of
// shared behavior (handler/logger storage) common to all of them.
package transport

import (
	"errors"
	"log/slog"
	"os"

	"github.com/wireforge/rpcd/rpc"
)

// MessageHandler is the function a transport calls with one fully
// framed request payload and the per-connection metadata it extracted;
// it returns the payload to write back, or nil if nothing should be
// written (the payload was entirely notifications). Dispatcher.Dispatch
// has the same shape plus a leading context.Context, so server.Run wires
// a transport to a *rpc.Dispatcher through a short closure.
type MessageHandler func(meta rpc.Meta, message []byte) ([]byte, error)

// DebugHandler receives free-form diagnostic strings from a transport,
// independent of the structured logger, for callers that want a raw
// trace of wire traffic.
type DebugHandler func(message string)

// Transport is a communication channel carrying JSON-RPC payloads.
type Transport interface {
	// Initialize prepares the transport (validating or setting up
	// configuration) without yet binding sockets or accepting
	// connections; Start does the binding.
	Initialize() error

	// Start begins accepting connections/messages. It returns once the
	// transport is listening; serving happens on background goroutines.
	Start() error

	// Stop shuts the transport down, closing any open connections.
	Stop() error

	// Send writes message on the transport's single logical connection.
	// Transports that serve many concurrent peers (WS, TCP, IPC)
	// implement this as a push to all currently open sessions; HTTP does
	// not support Send and returns an error. See each transport's doc
	// comment for its exact fan-out semantics.
	Send(message []byte) error

	// Receive blocks for one inbound message. Not all transports
	// support a pull-style receive; those return an error.
	Receive() ([]byte, error)

	// SetMessageHandler installs the function invoked with a framed
	// request payload and per-connection Meta.
	SetMessageHandler(handler MessageHandler)

	// SetDebugHandler installs a handler for free-form debug strings.
	SetDebugHandler(handler DebugHandler)

	// SetLogger sets the structured logger.
	SetLogger(logger *slog.Logger)

	// GetLogger returns the current logger.
	GetLogger() *slog.Logger
}

// BaseTransport provides the handler/logger bookkeeping shared by every
// concrete transport; transports embed it and add their own
// accept/read loops on top.
type BaseTransport struct {
	handler      MessageHandler
	debugHandler DebugHandler
	logger       *slog.Logger
}

// SetMessageHandler sets the message handler.
func (t *BaseTransport) SetMessageHandler(handler MessageHandler) {
	t.handler = handler
}

// SetDebugHandler sets the debug handler.
func (t *BaseTransport) SetDebugHandler(handler DebugHandler) {
	t.debugHandler = handler
}

// Debugf forwards a debug string to the debug handler, if any.
func (t *BaseTransport) Debugf(message string) {
	if t.debugHandler != nil {
		t.debugHandler(message)
	}
}

// SetLogger sets the structured logger.
func (t *BaseTransport) SetLogger(logger *slog.Logger) {
	t.logger = logger
}

// GetLogger returns the current logger, creating a default one on first
// use if none was set.
func (t *BaseTransport) GetLogger() *slog.Logger {
	if t.logger == nil {
		t.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return t.logger
}

// HandleMessage routes message (with the given Meta) to the installed
// handler, erroring if none was set.
func (t *BaseTransport) HandleMessage(meta rpc.Meta, message []byte) ([]byte, error) {
	if t.handler == nil {
		return nil, errors.New("transport: no message handler set")
	}
	return t.handler(meta, message)
}
