// Package http implements a plain POST/OPTIONS-only JSON-RPC transport
// over net/http: a stateless request/response endpoint, not a
// streaming one (per-session server-initiated pushes live in
// transport/ws instead).
package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wireforge/rpcd/rpc"
	"github.com/wireforge/rpcd/transport"
)

// DefaultShutdownTimeout bounds how long Stop waits for in-flight
// requests to finish before forcibly closing connections.
const DefaultShutdownTimeout = 10 * time.Second

// DefaultPath is the endpoint path requests are served on.
const DefaultPath = "/"

// CORSPolicy decides what Access-Control-Allow-Origin value, if any, a
// response should carry for a given request Origin. Returning ok=false
// omits the header entirely, which browsers treat as a same-origin-only
// response.
type CORSPolicy interface {
	Allow(origin string) (headerValue string, ok bool)
}

// HostValidator decides whether a request's Host header names a host
// this server is willing to answer for, guarding against DNS-rebinding
// attacks against a server only meant to be reached locally.
type HostValidator interface {
	Allowed(host string) bool
}

// PermissiveCORS allows every origin by echoing it back, suitable for
// local development and tests. Production deployments should supply an
// allow-list via AllowedOrigins.
type PermissiveCORS struct{}

// Allow implements CORSPolicy by allowing any non-empty origin.
func (PermissiveCORS) Allow(origin string) (string, bool) {
	if origin == "" {
		return "", false
	}
	return origin, true
}

// AllowedOrigins is a CORSPolicy backed by an explicit allow-list.
type AllowedOrigins map[string]struct{}

// NewAllowedOrigins builds an AllowedOrigins set from origins.
func NewAllowedOrigins(origins ...string) AllowedOrigins {
	set := make(AllowedOrigins, len(origins))
	for _, o := range origins {
		set[o] = struct{}{}
	}
	return set
}

// Allow implements CORSPolicy.
func (a AllowedOrigins) Allow(origin string) (string, bool) {
	_, ok := a[origin]
	if !ok {
		return "", false
	}
	return origin, true
}

// PermissiveHosts allows every Host header, suitable for local
// development and tests.
type PermissiveHosts struct{}

// Allowed implements HostValidator by allowing everything.
func (PermissiveHosts) Allowed(string) bool { return true }

// AllowedHosts is a HostValidator backed by an explicit allow-list.
type AllowedHosts map[string]struct{}

// NewAllowedHosts builds an AllowedHosts set from hosts.
func NewAllowedHosts(hosts ...string) AllowedHosts {
	set := make(AllowedHosts, len(hosts))
	for _, h := range hosts {
		set[h] = struct{}{}
	}
	return set
}

// Allowed implements HostValidator.
func (a AllowedHosts) Allowed(host string) bool {
	_, ok := a[host]
	return ok
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithPath overrides DefaultPath as the endpoint requests are served on.
func WithPath(path string) Option {
	return func(t *Transport) {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		t.path = path
	}
}

// WithCORSPolicy installs the policy deciding CORS headers. Defaults to
// PermissiveCORS.
func WithCORSPolicy(policy CORSPolicy) Option {
	return func(t *Transport) { t.cors = policy }
}

// WithHostValidator installs the policy deciding which Host headers are
// accepted. Defaults to PermissiveHosts.
func WithHostValidator(validator HostValidator) Option {
	return func(t *Transport) { t.hosts = validator }
}

// WithMetaExtractor installs a function deriving per-request Meta from
// the incoming *http.Request.
func WithMetaExtractor(extractor func(*http.Request) rpc.Meta) Option {
	return func(t *Transport) { t.metaExtractor = extractor }
}

// WithShutdownTimeout overrides DefaultShutdownTimeout.
func WithShutdownTimeout(d time.Duration) Option {
	return func(t *Transport) { t.shutdownTimeout = d }
}

// Transport is a server-side HTTP transport accepting POST requests
// (and their OPTIONS preflights) on a single endpoint path.
type Transport struct {
	transport.BaseTransport

	addr            string
	path            string
	cors            CORSPolicy
	hosts           HostValidator
	metaExtractor   func(*http.Request) rpc.Meta
	shutdownTimeout time.Duration

	server *http.Server
}

// NewTransport builds an HTTP transport listening on addr once Start
// is called.
func NewTransport(addr string, opts ...Option) *Transport {
	t := &Transport{
		addr:            addr,
		path:            DefaultPath,
		cors:            PermissiveCORS{},
		hosts:           PermissiveHosts{},
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Initialize validates configuration without binding a socket yet.
func (t *Transport) Initialize() error {
	if t.addr == "" {
		return fmt.Errorf("http: address must not be empty")
	}
	return nil
}

// Start binds the listener and begins serving in the background.
func (t *Transport) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(t.path, t.handle)

	t.server = &http.Server{
		Addr:    t.addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			t.GetLogger().Error("http: server error", "error", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts the server down, waiting up to
// shutdownTimeout for in-flight requests to finish.
func (t *Transport) Stop() error {
	if t.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.shutdownTimeout)
	defer cancel()
	return t.server.Shutdown(ctx)
}

// Send is not supported: this transport is pure request/response, with
// no server-initiated push channel (that capability belongs to
// transport/ws).
func (t *Transport) Send([]byte) error {
	return fmt.Errorf("http: Send is not supported; this transport only answers requests")
}

// Receive is not supported; each response is written back on the
// *http.Request that produced it.
func (t *Transport) Receive() ([]byte, error) {
	return nil, fmt.Errorf("http: Receive is not supported; responses are written per-request")
}

func (t *Transport) handle(w http.ResponseWriter, r *http.Request) {
	if !t.hosts.Allowed(hostOnly(r.Host)) {
		http.Error(w, "host not allowed", http.StatusForbidden)
		return
	}

	origin := r.Header.Get("Origin")
	if value, ok := t.cors.Allow(origin); ok {
		w.Header().Set("Access-Control-Allow-Origin", value)
		w.Header().Set("Vary", "Origin")
	}

	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
		t.handlePost(w, r)
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		http.Error(w, "Used HTTP Method is not allowed. POST or OPTIONS is required", http.StatusMethodNotAllowed)
	}
}

func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "application/json") {
		http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var meta rpc.Meta
	if t.metaExtractor != nil {
		meta = t.metaExtractor(r)
	}
	meta = meta.With("remoteAddr", r.RemoteAddr)

	resp, err := t.HandleMessage(meta, body)
	if err != nil {
		t.GetLogger().Error("http: dispatch failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(resp); err != nil {
		t.GetLogger().Error("http: failed to write response", "error", err)
	}
}

func hostOnly(hostport string) string {
	if i := strings.LastIndex(hostport, ":"); i != -1 {
		return hostport[:i]
	}
	return hostport
}
