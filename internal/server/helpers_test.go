package server_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/petconnect/chat-relay/internal/server"
)

const (
	allowedOrigin = "http://a.test"
	readTimeout   = 2 * time.Second
	silenceWindow = 300 * time.Millisecond
)

// startRelay runs a hub and the relay routes behind an httptest server.
// Sockets outlive the test body, so the hub logs to a no-op logger.
func startRelay(t *testing.T, mutate func(*server.Config)) (*httptest.Server, *server.Hub) {
	t.Helper()

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{allowedOrigin}
	if mutate != nil {
		mutate(cfg)
	}

	logger := zap.NewNop()
	hub := server.NewHub(cfg, logger)
	go hub.Run()

	policy := server.NewOriginPolicy(cfg.AllowedOrigins, logger)
	testServer := httptest.NewServer(server.SetupRoutes(hub, policy, logger))

	t.Cleanup(func() {
		testServer.Close()
		_ = hub.Shutdown(2 * time.Second)
	})
	return testServer, hub
}

func wsURL(testServer *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(testServer.URL, "http") + path
}

// dialOrigin attempts a WebSocket handshake with the given Origin header.
func dialOrigin(testServer *httptest.Server, path, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := dialer.Dial(wsURL(testServer, path), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

func dial(t *testing.T, testServer *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := dialOrigin(testServer, "/ws", allowedOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// expectSilence asserts nothing arrives within silenceWindow. A timed-out
// gorilla connection cannot be read again, so call it last for a conn.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(silenceWindow)))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame, got %s", data)
	}
}

func authenticate(t *testing.T, conn *websocket.Conn, chatID, userID interface{}) {
	t.Helper()
	writeJSON(t, conn, map[string]interface{}{"type": "authenticate", "chatId": chatID, "userId": userID})
	reply := readJSON(t, conn)
	require.Equal(t, "authenticated", reply["type"])
}

func sendMessage(t *testing.T, conn *websocket.Conn, userID interface{}, username, content string) {
	t.Helper()
	writeJSON(t, conn, map[string]interface{}{
		"type":     "message",
		"userId":   userID,
		"username": username,
		"content":  content,
	})
}
