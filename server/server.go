// Package server provides the fluent, transport-agnostic builder for a
// JSON-RPC server: register methods, notifications, and aliases against
// one rpc.Registry, wrap them in an ordered middleware chain, then
// attach whichever concrete transport the deployment needs.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/wireforge/rpcd/events"
	"github.com/wireforge/rpcd/rpc"
	"github.com/wireforge/rpcd/transport"
	"github.com/wireforge/rpcd/transport/embedded"
	"github.com/wireforge/rpcd/transport/http"
	"github.com/wireforge/rpcd/transport/ipc"
	"github.com/wireforge/rpcd/transport/mqtt"
	"github.com/wireforge/rpcd/transport/tcp"
	"github.com/wireforge/rpcd/transport/ws"
)

// Server is the fluent, chainable configuration surface for a JSON-RPC
// service: register handlers, install middleware, pick a transport,
// then Run.
type Server interface {
	// Method registers a request/response handler under name. handler
	// must have the shape rpc.AdaptMethod accepts; a malformed handler
	// panics at registration time rather than at first call.
	Method(name string, handler any) Server

	// Notification registers a fire-and-forget handler under name.
	Notification(name string, handler any) Server

	// Alias registers name as a single-hop redirect to an existing
	// method or notification target.
	Alias(name, target string) Server

	// Delegate bulk-copies every entry of other into this server's
	// registry, namespaced under prefix (pass "" for no namespacing).
	Delegate(prefix string, other *rpc.Registry) Server

	// Use appends middleware to the dispatch chain, outermost first.
	Use(mw ...rpc.Middleware) Server

	// Sequential disables concurrent batch-item dispatch, evaluating
	// batch requests strictly in array order.
	Sequential() Server

	// Registry returns the underlying method/notification registry,
	// for callers that want to register handlers directly against
	// rpc's lower-level API.
	Registry() *rpc.Registry

	// Logger returns the server's structured logger.
	Logger() *slog.Logger

	// Events returns the server's lifecycle event subject.
	Events() *events.Subject

	// AsHTTP attaches a stateless POST/OPTIONS HTTP transport.
	AsHTTP(address string, options ...http.Option) Server

	// AsWS attaches a WebSocket transport supporting server-initiated
	// pushes.
	AsWS(address string, options ...ws.Option) Server

	// AsTCP attaches a newline-framed TCP transport.
	AsTCP(address string, options ...tcp.Option) Server

	// AsIPC attaches a newline-framed Unix domain socket transport.
	AsIPC(socketPath string, options ...ipc.Option) Server

	// AsMQTT attaches an MQTT transport. isServer selects whether this
	// side subscribes to the request topic (server) or the response
	// topic (client).
	AsMQTT(brokerURL string, isServer bool, options ...mqtt.Option) Server

	// AsEmbedded attaches a caller-supplied in-process transport, for
	// tests and in-process embedding.
	AsEmbedded(t *embedded.Transport) Server

	// Transport returns the currently configured transport, or nil.
	Transport() transport.Transport

	// Run initializes and starts the configured transport, publishes
	// TopicServerInitialized, and blocks until Shutdown is called.
	Run() error

	// Shutdown stops the transport, publishes TopicServerShutdown, and
	// unblocks any pending Run call.
	Shutdown() error
}

// Option configures a server at construction time.
type Option func(*serverImpl)

// WithLogger overrides the server's default stderr logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *serverImpl) { s.logger = logger }
}

// WithEvents overrides the server's default events.Subject.
func WithEvents(subject *events.Subject) Option {
	return func(s *serverImpl) { s.events = subject }
}

// WithMetaExtractor stores a function deriving per-connection Meta
// from a net.Conn. The server does not pass it to any transport; Meta
// reaches handlers only through each transport's own extractor option
// (tcp.WithMetaExtractor, ipc.WithMetaExtractor, ...).
func WithMetaExtractor(extractor func(conn net.Conn) rpc.Meta) Option {
	return func(s *serverImpl) { s.connMetaExtractor = extractor }
}

type serverImpl struct {
	name string

	mu          sync.RWMutex
	registry    *rpc.Registry
	middlewares []rpc.Middleware
	sequential  bool

	transport         transport.Transport
	connMetaExtractor func(conn net.Conn) rpc.Meta

	logger *slog.Logger
	events *events.Subject

	stopCh chan struct{}
}

// NewServer builds a Server named name, used in logs and in the
// TopicServerInitialized/TopicServerShutdown events.
func NewServer(name string, options ...Option) Server {
	s := &serverImpl{
		name:     name,
		registry: rpc.NewRegistry(),
		logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),
		events:   events.NewSubject(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *serverImpl) Method(name string, handler any) Server {
	s.registry.AddMethod(name, handler)
	return s
}

func (s *serverImpl) Notification(name string, handler any) Server {
	s.registry.AddNotification(name, handler)
	return s
}

func (s *serverImpl) Alias(name, target string) Server {
	if err := s.registry.AddAlias(name, target); err != nil {
		panic(err)
	}
	return s
}

func (s *serverImpl) Delegate(prefix string, other *rpc.Registry) Server {
	s.registry.AddDelegate(prefix, other)
	return s
}

func (s *serverImpl) Use(mw ...rpc.Middleware) Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw...)
	return s
}

func (s *serverImpl) Sequential() Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequential = true
	return s
}

func (s *serverImpl) Registry() *rpc.Registry { return s.registry }

func (s *serverImpl) Logger() *slog.Logger { return s.logger }

func (s *serverImpl) Events() *events.Subject { return s.events }

func (s *serverImpl) Transport() transport.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

func (s *serverImpl) AsHTTP(address string, options ...http.Option) Server {
	t := http.NewTransport(address, options...)
	t.SetLogger(s.logger)
	s.setTransport(t)
	return s
}

func (s *serverImpl) AsWS(address string, options ...ws.Option) Server {
	t := ws.NewTransport(address, options...)
	t.SetLogger(s.logger)
	s.setTransport(t)
	return s
}

func (s *serverImpl) AsTCP(address string, options ...tcp.Option) Server {
	t := tcp.NewTransport(address, options...)
	t.SetLogger(s.logger)
	s.setTransport(t)
	return s
}

func (s *serverImpl) AsIPC(socketPath string, options ...ipc.Option) Server {
	t := ipc.NewTransport(socketPath, options...)
	t.SetLogger(s.logger)
	s.setTransport(t)
	return s
}

func (s *serverImpl) AsMQTT(brokerURL string, isServer bool, options ...mqtt.Option) Server {
	t := mqtt.NewTransport(brokerURL, isServer, options...)
	t.SetLogger(s.logger)
	s.setTransport(t)
	return s
}

func (s *serverImpl) AsEmbedded(t *embedded.Transport) Server {
	t.SetLogger(s.logger)
	s.setTransport(t)
	return s
}

func (s *serverImpl) setTransport(t transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
}

// Run initializes and starts the configured transport, publishing
// TopicServerInitialized, then blocks until Shutdown unblocks it.
func (s *serverImpl) Run() error {
	s.mu.RLock()
	t := s.transport
	mws := append([]rpc.Middleware(nil), s.middlewares...)
	sequential := s.sequential
	s.mu.RUnlock()

	if t == nil {
		return fmt.Errorf("server: no transport configured, call AsHTTP/AsWS/AsTCP/AsIPC/AsMQTT/AsEmbedded first")
	}

	dispatcherOpts := []rpc.Option{rpc.WithLogger(s.logger), rpc.WithMiddleware(mws...)}
	if sequential {
		dispatcherOpts = append(dispatcherOpts, rpc.Sequential())
	}
	dispatcher := rpc.NewDispatcher(s.registry, dispatcherOpts...)

	t.SetDebugHandler(func(message string) {
		s.logger.Debug("transport", "message", message)
	})
	t.SetMessageHandler(func(meta rpc.Meta, message []byte) ([]byte, error) {
		return dispatcher.Dispatch(context.Background(), meta, message)
	})

	if err := t.Initialize(); err != nil {
		return fmt.Errorf("server: failed to initialize transport: %w", err)
	}
	if err := t.Start(); err != nil {
		return fmt.Errorf("server: failed to start transport: %w", err)
	}

	s.logger.Info("server started", "name", s.name, "transport", fmt.Sprintf("%T", t))

	events.Publish(s.events, events.TopicServerInitialized, events.ServerInitializedEvent{
		ServerName:        s.name,
		TransportType:     fmt.Sprintf("%T", t),
		TransportEndpoint: "",
	})

	<-s.stopCh
	return nil
}

// Shutdown stops the transport, publishes TopicServerShutdown, and
// unblocks Run.
func (s *serverImpl) Shutdown() error {
	s.logger.Info("shutting down server", "name", s.name)

	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()

	var stopErr error
	if t != nil {
		stopErr = t.Stop()
		if stopErr != nil {
			s.logger.Error("error stopping transport", "error", stopErr)
		}
	}

	events.Publish(s.events, events.TopicServerShutdown, events.ServerShutdownEvent{
		ServerName:   s.name,
		GracefulExit: stopErr == nil,
	})
	events.Complete(s.events)

	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}

	s.logger.Info("server shutdown complete", "name", s.name)
	return stopErr
}
