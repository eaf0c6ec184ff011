package http

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

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

func TestNewTransportDefaults(t *testing.T) {
	tr := NewTransport("localhost:8080")
	assert.Equal(t, "localhost:8080", tr.addr)
	assert.Equal(t, DefaultPath, tr.path)
	assert.Equal(t, DefaultShutdownTimeout, tr.shutdownTimeout)
}

func TestWithPathNormalizesLeadingSlash(t *testing.T) {
	tr := NewTransport("localhost:8080", WithPath("rpc"))
	assert.Equal(t, "/rpc", tr.path)
}

func TestHTTPTransportRoundTrip(t *testing.T) {
	addr := freeAddr(t)
	tr := NewTransport(addr)
	tr.SetMessageHandler(func(meta rpc.Meta, msg []byte) ([]byte, error) {
		return []byte(`{"echo":true}`), nil
	})
	require.NoError(t, tr.Initialize())
	require.NoError(t, tr.Start())
	defer tr.Stop()

	resp, err := http.Post("http://"+addr+"/", "application/json", bytes.NewReader([]byte(`{"ping":1}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPTransportNotificationReturnsNoContent(t *testing.T) {
	addr := freeAddr(t)
	tr := NewTransport(addr)
	tr.SetMessageHandler(func(meta rpc.Meta, msg []byte) ([]byte, error) {
		return nil, nil
	})
	require.NoError(t, tr.Start())
	defer tr.Stop()

	resp, err := http.Post("http://"+addr+"/", "application/json", bytes.NewReader([]byte(`{"ping":1}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHTTPTransportRejectsNonJSONContentType(t *testing.T) {
	addr := freeAddr(t)
	tr := NewTransport(addr)
	tr.SetMessageHandler(func(meta rpc.Meta, msg []byte) ([]byte, error) { return nil, nil })
	require.NoError(t, tr.Start())
	defer tr.Stop()

	resp, err := http.Post("http://"+addr+"/", "text/plain", bytes.NewReader([]byte(`hello`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestHTTPTransportRejectsDisallowedMethod(t *testing.T) {
	addr := freeAddr(t)
	tr := NewTransport(addr)
	tr.SetMessageHandler(func(meta rpc.Meta, msg []byte) ([]byte, error) { return nil, nil })
	require.NoError(t, tr.Start())
	defer tr.Stop()

	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "POST or OPTIONS is required")
}

func TestHTTPTransportOptionsPreflight(t *testing.T) {
	addr := freeAddr(t)
	tr := NewTransport(addr, WithCORSPolicy(PermissiveCORS{}))
	tr.SetMessageHandler(func(meta rpc.Meta, msg []byte) ([]byte, error) { return nil, nil })
	require.NoError(t, tr.Start())
	defer tr.Stop()

	req, err := http.NewRequest(http.MethodOptions, "http://"+addr+"/", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://example.test")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://example.test", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHTTPTransportRejectsDisallowedHost(t *testing.T) {
	addr := freeAddr(t)
	tr := NewTransport(addr, WithHostValidator(NewAllowedHosts("trusted.example")))
	tr.SetMessageHandler(func(meta rpc.Meta, msg []byte) ([]byte, error) { return nil, nil })
	require.NoError(t, tr.Start())
	defer tr.Stop()

	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAllowedOriginsRejectsUnknownOrigin(t *testing.T) {
	policy := NewAllowedOrigins("https://allowed.example")
	_, ok := policy.Allow("https://evil.example")
	assert.False(t, ok)

	value, ok := policy.Allow("https://allowed.example")
	assert.True(t, ok)
	assert.Equal(t, "https://allowed.example", value)
}

func TestSendIsUnsupported(t *testing.T) {
	tr := NewTransport("localhost:0")
	err := tr.Send([]byte(`{}`))
	assert.Error(t, err)
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	tr := NewTransport("localhost:0")
	assert.NoError(t, tr.Stop())
}

func TestShutdownTimeoutOption(t *testing.T) {
	tr := NewTransport("localhost:0", WithShutdownTimeout(5*time.Second))
	assert.Equal(t, 5*time.Second, tr.shutdownTimeout)
}
