package ws

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	gws "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireforge/rpcd/rpc"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestWSTransportRoundTrip(t *testing.T) {
	addr := freeAddr(t)

	tr := NewTransport(addr)
	tr.SetMessageHandler(func(meta rpc.Meta, msg []byte) ([]byte, error) {
		return []byte(`{"echo":true}`), nil
	})
	require.NoError(t, tr.Initialize())
	require.NoError(t, tr.Start())
	defer tr.Stop()

	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, _, err := gws.Dial(ctx, fmt.Sprintf("ws://%s/", addr))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wsutil.WriteClientMessage(conn, gws.OpText, []byte(`{"ping":1}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	assert.Equal(t, `{"echo":true}`, string(data))
}

func TestWSTransportRejectsDisallowedOrigin(t *testing.T) {
	addr := freeAddr(t)

	tr := NewTransport(addr, WithAllowedOrigins("https://allowed.example"))
	tr.SetMessageHandler(func(meta rpc.Meta, msg []byte) ([]byte, error) { return nil, nil })
	require.NoError(t, tr.Start())
	defer tr.Stop()

	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dialer := gws.Dialer{
		Header: gws.HandshakeHeaderHTTP{"Origin": []string{"https://evil.example"}},
	}
	conn, _, _, err := dialer.Dial(ctx, fmt.Sprintf("ws://%s/", addr))
	if err == nil {
		defer conn.Close()
		_, _, readErr := wsutil.ReadServerData(conn)
		assert.Error(t, readErr, "server must close the connection for a disallowed origin")
	}
}

func TestWSTransportSendBroadcasts(t *testing.T) {
	addr := freeAddr(t)

	tr := NewTransport(addr)
	tr.SetMessageHandler(func(meta rpc.Meta, msg []byte) ([]byte, error) { return nil, nil })
	require.NoError(t, tr.Start())
	defer tr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, _, err := gws.Dial(ctx, fmt.Sprintf("ws://%s/", addr))
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tr.Send([]byte(`{"push":true}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	assert.Equal(t, `{"push":true}`, string(data))
}
