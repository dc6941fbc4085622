package handler

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdp-nla/internal/config"
)

func dialNegotiate(t *testing.T, query string) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(Negotiate))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/negotiate" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func TestNegotiateRequiresHostAndUser(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"no params", ""},
		{"missing user", "?host=server01"},
		{"missing host", "?user=alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialNegotiate(t, tt.query)

			var event Event
			require.NoError(t, conn.ReadJSON(&event))
			assert.Equal(t, "failed", event.Status)
			assert.Contains(t, event.Error, "required")
		})
	}
}

func TestNegotiateUnreachableTarget(t *testing.T) {
	_, err := config.LoadWithOverrides(config.LoadOptions{})
	require.NoError(t, err)

	// Grab a port that is guaranteed closed by listening and releasing it.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := listener.Addr().String()
	require.NoError(t, listener.Close())

	conn := dialNegotiate(t, "?host="+target+"&user=alice&password=pw")

	var event Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "connecting", event.Status)

	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "failed", event.Status)
	assert.NotEmpty(t, event.Error)
}

func TestIsAllowedOrigin(t *testing.T) {
	_, err := config.LoadWithOverrides(config.LoadOptions{})
	require.NoError(t, err)

	tests := []struct {
		name        string
		origin      string
		requestHost string
		want        bool
	}{
		{"no origin header", "", "gateway:8080", true},
		{"same host", "http://gateway:8080", "gateway:8080", true},
		{"same host different case", "http://GATEWAY:8080", "gateway:8080", true},
		{"cross origin not allowed", "http://evil.example", "gateway:8080", false},
		{"unparseable origin", "http://bad host", "gateway:8080", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isAllowedOrigin(tt.origin, tt.requestHost))
		})
	}
}

func TestIsAllowedOriginAllowlist(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://console.example")
	_, err := config.LoadWithOverrides(config.LoadOptions{})
	require.NoError(t, err)

	assert.True(t, isAllowedOrigin("https://console.example", "gateway:8080"))
	assert.False(t, isAllowedOrigin("https://other.example", "gateway:8080"))

	t.Setenv("ALLOWED_ORIGINS", "*")
	_, err = config.LoadWithOverrides(config.LoadOptions{})
	require.NoError(t, err)

	assert.True(t, isAllowedOrigin("https://anything.example", "gateway:8080"))
}
