// Package ws implements a WebSocket JSON-RPC transport on top of
// github.com/gobwas/ws's low-level primitives: a raw TCP listener that
// performs the WebSocket handshake itself rather than riding on
// net/http, binding its own listener directly. Each session owns a
// serialized outbound queue so synchronous replies and asynchronous
// server-initiated pushes never interleave mid-frame.
package ws

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/wireforge/rpcd/rpc"
	"github.com/wireforge/rpcd/transport"
)

// StatsSink receives connection lifecycle notifications
// (on_open/on_message/on_close).
type StatsSink interface {
	OnOpen(sessionID string, meta rpc.Meta)
	OnMessage(sessionID string, payload []byte)
	OnClose(sessionID string, meta rpc.Meta)
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithAllowedOrigins keeps only connections whose handshake Origin
// header matches one of origins exactly. The handshake itself always
// completes; a connection with any other Origin is closed right after
// it. An empty list (the default) allows every origin, matching a
// permissive default for local/dev use.
func WithAllowedOrigins(origins ...string) Option {
	return func(t *Transport) {
		t.allowedOrigins = make(map[string]struct{}, len(origins))
		for _, o := range origins {
			t.allowedOrigins[o] = struct{}{}
		}
	}
}

// WithStatsSink installs hooks invoked as sessions open, receive
// messages, and close.
func WithStatsSink(sink StatsSink) Option {
	return func(t *Transport) { t.stats = sink }
}

// WithMetaExtractor installs a function deriving per-session Meta from
// the handshake's Origin header and the underlying connection.
func WithMetaExtractor(extractor func(origin string, conn net.Conn) rpc.Meta) Option {
	return func(t *Transport) { t.metaExtractor = extractor }
}

// WithOutboundQueueSize sets the buffered capacity of each session's
// outbound write queue. Defaults to 64.
func WithOutboundQueueSize(n int) Option {
	return func(t *Transport) { t.queueSize = n }
}

// Transport is a server-side WebSocket transport.
type Transport struct {
	transport.BaseTransport

	addr           string
	allowedOrigins map[string]struct{}
	stats          StatsSink
	metaExtractor  func(origin string, conn net.Conn) rpc.Meta
	queueSize      int

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]*session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type session struct {
	id       string
	conn     net.Conn
	meta     rpc.Meta
	outbound chan []byte
}

// NewTransport builds a WebSocket transport listening on addr once
// Start is called.
func NewTransport(addr string, opts ...Option) *Transport {
	t := &Transport{
		addr:      addr,
		queueSize: 64,
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Initialize validates configuration without binding a socket yet.
func (t *Transport) Initialize() error {
	if t.addr == "" {
		return errors.New("ws: address must not be empty")
	}
	return nil
}

// Start binds the listener and begins accepting WebSocket connections.
func (t *Transport) Start() error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", t.addr, err)
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.wg.Add(1)
	go t.acceptLoop(ln)
	return nil
}

// Stop closes the listener and every open session.
func (t *Transport) Stop() error {
	t.mu.Lock()
	ln := t.listener
	sessions := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, s := range sessions {
		_ = s.conn.Close()
	}
	t.wg.Wait()
	return err
}

// Send enqueues message for delivery to every currently open session.
func (t *Transport) Send(message []byte) error {
	t.mu.Lock()
	sessions := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		select {
		case s.outbound <- message:
		default:
			t.GetLogger().Warn("ws: outbound queue full, dropping push", "session", s.id)
		}
	}
	return nil
}

// Receive is not supported; responses and pushes are delivered
// per-session via each connection's own outbound queue.
func (t *Transport) Receive() ([]byte, error) {
	return nil, errors.New("ws: Receive is not supported; use Send for server-initiated pushes")
}

func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	logger := t.GetLogger()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				logger.Error("ws: accept failed", "error", err)
				return
			}
		}
		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *Transport) handleConn(conn net.Conn) {
	defer t.wg.Done()

	// gobwas/ws's zero-copy raw-conn upgrade never materializes an
	// *http.Request; OnHeader is the hook that sees each handshake
	// header as it streams off the wire, so Origin is captured there.
	var origin string
	upgrader := ws.Upgrader{
		OnHeader: func(key, value []byte) error {
			if string(key) == "Origin" {
				origin = string(value)
			}
			return nil
		},
	}

	if _, err := upgrader.Upgrade(conn); err != nil {
		t.GetLogger().Warn("ws: handshake failed", "error", err)
		conn.Close()
		return
	}

	if len(t.allowedOrigins) > 0 {
		if _, ok := t.allowedOrigins[origin]; !ok {
			t.GetLogger().Warn("ws: rejected connection for disallowed origin", "origin", origin)
			conn.Close()
			return
		}
	}

	id := newSessionID()
	var meta rpc.Meta
	if t.metaExtractor != nil {
		meta = t.metaExtractor(origin, conn)
	}
	meta = meta.With("sessionId", id)

	sess := &session{id: id, conn: conn, meta: meta, outbound: make(chan []byte, t.queueSize)}
	t.mu.Lock()
	t.sessions[id] = sess
	t.mu.Unlock()

	if t.stats != nil {
		t.stats.OnOpen(id, meta)
	}

	defer func() {
		t.mu.Lock()
		delete(t.sessions, id)
		t.mu.Unlock()
		close(sess.outbound)
		conn.Close()
		if t.stats != nil {
			t.stats.OnClose(id, meta)
		}
	}()

	t.wg.Add(1)
	go t.writeLoop(sess)

	t.readLoop(sess, meta)
}

func (t *Transport) writeLoop(sess *session) {
	defer t.wg.Done()
	for payload := range sess.outbound {
		if err := wsutil.WriteServerMessage(sess.conn, ws.OpText, payload); err != nil {
			t.GetLogger().Warn("ws: write failed", "session", sess.id, "error", err)
			return
		}
	}
}

func (t *Transport) readLoop(sess *session, meta rpc.Meta) {
	logger := t.GetLogger()
	for {
		data, op, err := wsutil.ReadClientData(sess.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("ws: read ended", "session", sess.id, "error", err)
			}
			return
		}
		if op == ws.OpClose {
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		if t.stats != nil {
			t.stats.OnMessage(sess.id, data)
		}

		resp, err := t.HandleMessage(meta, data)
		if err != nil {
			logger.Error("ws: dispatch failed", "session", sess.id, "error", err)
			continue
		}
		if resp == nil {
			continue
		}
		select {
		case sess.outbound <- resp:
		default:
			logger.Warn("ws: outbound queue full, dropping response", "session", sess.id)
		}
	}
}

func newSessionID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
