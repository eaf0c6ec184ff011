// Package tcp implements a newline-framed JSON-RPC transport over a
// plain TCP socket: one goroutine per accepted connection, each peer
// owning a serialized write path over a shared line-framed stream.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/wireforge/rpcd/rpc"
	"github.com/wireforge/rpcd/transport"
	"github.com/wireforge/rpcd/transport/framing"
)

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithMetaExtractor installs a function deriving per-connection Meta
// from the accepted net.Conn, e.g. to surface the remote address to
// handlers.
func WithMetaExtractor(extractor func(net.Conn) rpc.Meta) Option {
	return func(t *Transport) { t.metaExtractor = extractor }
}

// WithMaxFrameSize overrides framing.DefaultMaxFrameSize for this
// transport's connections.
func WithMaxFrameSize(n int) Option {
	return func(t *Transport) { t.maxFrameSize = n }
}

// Transport is a server-side TCP transport: one goroutine per accepted
// connection reads newline-delimited frames and writes newline-delimited
// responses back on that same connection. Send pushes message to every
// currently open connection, for server-initiated notifications.
type Transport struct {
	transport.BaseTransport

	addr          string
	metaExtractor func(net.Conn) rpc.Meta
	maxFrameSize  int

	mu       sync.Mutex
	listener net.Listener
	peers    map[*peer]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type peer struct {
	conn   net.Conn
	writeM sync.Mutex
}

func (p *peer) write(frame []byte) error {
	p.writeM.Lock()
	defer p.writeM.Unlock()
	_, err := p.conn.Write(frame)
	return err
}

// NewTransport builds a TCP transport listening on addr (host:port)
// once Start is called.
func NewTransport(addr string, opts ...Option) *Transport {
	t := &Transport{
		addr:         addr,
		maxFrameSize: framing.DefaultMaxFrameSize,
		peers:        make(map[*peer]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Initialize validates configuration without binding a socket yet.
func (t *Transport) Initialize() error {
	if t.addr == "" {
		return errors.New("tcp: address must not be empty")
	}
	return nil
}

// Start binds the listener and begins accepting connections.
func (t *Transport) Start() error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("tcp: listen %s: %w", t.addr, err)
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.wg.Add(1)
	go t.acceptLoop(ln)
	return nil
}

// Stop closes the listener and every open connection.
func (t *Transport) Stop() error {
	t.mu.Lock()
	ln := t.listener
	peers := make([]*peer, 0, len(t.peers))
	for p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, p := range peers {
		_ = p.conn.Close()
	}
	t.wg.Wait()
	return err
}

// Send pushes message to every currently connected peer, framed with a
// trailing newline.
func (t *Transport) Send(message []byte) error {
	framed := framing.Frame(message)
	t.mu.Lock()
	peers := make([]*peer, 0, len(t.peers))
	for p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	var firstErr error
	for _, p := range peers {
		if err := p.write(framed); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Receive is not supported by this push/pull-free transport: responses
// are written back on the same connection a request arrived on.
func (t *Transport) Receive() ([]byte, error) {
	return nil, errors.New("tcp: Receive is not supported; responses are written per-connection")
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
				logger.Error("tcp: accept failed", "error", err)
				return
			}
		}
		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *Transport) handleConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	p := &peer{conn: conn}
	t.mu.Lock()
	t.peers[p] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.peers, p)
		t.mu.Unlock()
	}()

	logger := t.GetLogger()
	var meta rpc.Meta
	if t.metaExtractor != nil {
		meta = t.metaExtractor(conn)
	}

	scanner := framing.NewScannerSize(conn, t.maxFrameSize)
	for {
		frame, err := scanner.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("tcp: connection closed", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}

		resp, err := t.HandleMessage(meta, frame)
		if err != nil {
			logger.Error("tcp: dispatch failed", "remote", conn.RemoteAddr(), "error", err)
			continue
		}
		if resp == nil {
			continue
		}
		if werr := p.write(framing.Frame(resp)); werr != nil {
			logger.Warn("tcp: write failed", "remote", conn.RemoteAddr(), "error", werr)
			return
		}
	}
}
