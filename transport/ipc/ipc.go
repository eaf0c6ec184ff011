// Package ipc implements a newline-framed JSON-RPC transport over a
// Unix domain socket, the POSIX counterpart of a named pipe. Framing
// and connection handling mirror transport/tcp; only the listener
// address family and socket-file lifecycle differ.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/wireforge/rpcd/rpc"
	"github.com/wireforge/rpcd/transport"
	"github.com/wireforge/rpcd/transport/framing"
)

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithMetaExtractor installs a function deriving per-connection Meta
// from the accepted net.Conn.
func WithMetaExtractor(extractor func(net.Conn) rpc.Meta) Option {
	return func(t *Transport) { t.metaExtractor = extractor }
}

// WithMaxFrameSize overrides framing.DefaultMaxFrameSize for this
// transport's connections.
func WithMaxFrameSize(n int) Option {
	return func(t *Transport) { t.maxFrameSize = n }
}

// Transport is a server-side Unix-domain-socket transport. One goroutine
// per accepted connection reads and writes newline-delimited frames on
// that connection; Send pushes message to every open connection.
type Transport struct {
	transport.BaseTransport

	path          string
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

// NewTransport builds a transport listening on the Unix domain socket
// at path once Start is called. Start first removes any stale socket
// file left behind by a previous, uncleanly-terminated process.
func NewTransport(path string, opts ...Option) *Transport {
	t := &Transport{
		path:         path,
		maxFrameSize: framing.DefaultMaxFrameSize,
		peers:        make(map[*peer]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Initialize validates configuration without binding the socket yet.
func (t *Transport) Initialize() error {
	if t.path == "" {
		return errors.New("ipc: socket path must not be empty")
	}
	return nil
}

// Start removes any stale socket file, binds the listener, and begins
// accepting connections.
func (t *Transport) Start() error {
	if err := removeStaleSocket(t.path); err != nil {
		return fmt.Errorf("ipc: clearing stale socket %s: %w", t.path, err)
	}
	ln, err := net.Listen("unix", t.path)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", t.path, err)
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.wg.Add(1)
	go t.acceptLoop(ln)
	return nil
}

func removeStaleSocket(path string) error {
	if path == "" {
		return nil
	}
	_, err := net.Dial("unix", path)
	if err == nil {
		return fmt.Errorf("socket %s is already in use", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Stop closes the listener, every open connection, and removes the
// socket file.
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
	_ = os.Remove(t.path)
	return err
}

// Send pushes message to every currently connected peer.
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

// Receive is not supported; responses are written per-connection.
func (t *Transport) Receive() ([]byte, error) {
	return nil, errors.New("ipc: Receive is not supported; responses are written per-connection")
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
				logger.Error("ipc: accept failed", "error", err)
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
				logger.Warn("ipc: connection closed", "error", err)
			}
			return
		}

		resp, err := t.HandleMessage(meta, frame)
		if err != nil {
			logger.Error("ipc: dispatch failed", "error", err)
			continue
		}
		if resp == nil {
			continue
		}
		if werr := p.write(framing.Frame(resp)); werr != nil {
			logger.Warn("ipc: write failed", "error", werr)
			return
		}
	}
}
