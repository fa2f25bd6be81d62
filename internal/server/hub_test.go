package server

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	cfg := NewConfig()
	cfg.SendBuffer = 4
	return NewHub(cfg, zaptest.NewLogger(t))
}

// connect adds a socketless client, as Run does on registration.
func connect(h *Hub) *Client {
	c := NewClient(nil, h, "test")
	h.addClient(c)
	return c
}

func frame(t *testing.T, raw string) Envelope {
	t.Helper()
	env, err := DecodeEnvelope([]byte(raw))
	require.NoError(t, err)
	return env
}

func send(t *testing.T, h *Hub, c *Client, raw string) {
	t.Helper()
	h.handleEvent(ClientEvent{Client: c, Envelope: frame(t, raw)})
}

func authenticate(t *testing.T, h *Hub, c *Client, chatID, userID string) {
	t.Helper()
	send(t, h, c, fmt.Sprintf(`{"type":"authenticate","chatId":%s,"userId":%s}`, chatID, userID))
	reply := receive(t, c)
	require.Equal(t, TypeAuthenticated, reply["type"])
}

func receive(t *testing.T, c *Client) map[string]interface{} {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	default:
		t.Fatal("expected a queued frame")
		return nil
	}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected frame: %s", raw)
		}
	default:
	}
}

func TestAuthenticateRepliesToSenderOnly(t *testing.T) {
	h := newTestHub(t)
	x := connect(h)
	y := connect(h)
	authenticate(t, h, y, `"r1"`, `2`)

	send(t, h, x, `{"type":"authenticate","chatId":"r1","userId":1}`)

	reply := receive(t, x)
	assert.Equal(t, "authenticated", reply["type"])
	assert.NotEmpty(t, reply["message"])
	expectNothing(t, y)

	bound, ok := h.registry.Lookup(Key{Room: "r1", Participant: "1"})
	require.True(t, ok)
	assert.Same(t, x, bound)
}

func TestAuthenticateRequiresChatAndUser(t *testing.T) {
	h := newTestHub(t)
	c := connect(h)

	send(t, h, c, `{"type":"authenticate","chatId":"r1"}`)
	send(t, h, c, `{"type":"authenticate","userId":1}`)
	send(t, h, c, `{"type":"authenticate","chatId":null,"userId":1}`)

	expectNothing(t, c)
	assert.False(t, c.bound)
	assert.Equal(t, 0, h.registry.Len())
}

func TestMessageEndToEnd(t *testing.T) {
	h := newTestHub(t)
	fixed := time.Date(2026, 10, 17, 9, 30, 0, 123000000, time.UTC)
	h.now = func() time.Time { return fixed }

	x := connect(h)
	y := connect(h)
	authenticate(t, h, x, `"r1"`, `1`)
	authenticate(t, h, y, `"r1"`, `2`)

	send(t, h, x, `{"type":"message","userId":1,"username":"x","content":"hi","timestamp":"1999-01-01T00:00:00Z"}`)

	msg := receive(t, y)
	assert.Equal(t, map[string]interface{}{
		"type":      "message",
		"chatId":    "r1",
		"userId":    float64(1),
		"username":  "x",
		"content":   "hi",
		"timestamp": "2026-10-17T09:30:00.123Z",
	}, msg)
	expectNothing(t, x)
}

func TestTypingHasNoTimestamp(t *testing.T) {
	h := newTestHub(t)
	x := connect(h)
	y := connect(h)
	authenticate(t, h, x, `7`, `1`)
	authenticate(t, h, y, `7`, `2`)

	send(t, h, x, `{"type":"typing","userId":1,"username":"x","isTyping":false}`)

	notice := receive(t, y)
	assert.Equal(t, map[string]interface{}{
		"type":     "typing",
		"userId":   float64(1),
		"username": "x",
		"isTyping": false,
	}, notice)
	expectNothing(t, x)
}

func TestRoomIsolation(t *testing.T) {
	h := newTestHub(t)
	a1 := connect(h)
	a2 := connect(h)
	b1 := connect(h)
	authenticate(t, h, a1, `"A"`, `1`)
	authenticate(t, h, a2, `"A"`, `2`)
	authenticate(t, h, b1, `"B"`, `3`)

	send(t, h, a1, `{"type":"message","userId":1,"username":"a","content":"only A"}`)
	send(t, h, a1, `{"type":"typing","userId":1,"username":"a","isTyping":true}`)

	assert.Equal(t, "message", receive(t, a2)["type"])
	assert.Equal(t, "typing", receive(t, a2)["type"])
	expectNothing(t, b1)
}

func TestFanOutReachesEveryOtherPeer(t *testing.T) {
	h := newTestHub(t)
	const n = 5
	clients := make([]*Client, n)
	for i := range clients {
		clients[i] = connect(h)
		authenticate(t, h, clients[i], `"room"`, fmt.Sprint(i))
	}

	send(t, h, clients[0], `{"type":"message","userId":0,"username":"u0","content":"hello"}`)

	expectNothing(t, clients[0])
	for _, peer := range clients[1:] {
		assert.Equal(t, "hello", receive(t, peer)["content"])
	}
}

func TestUnauthenticatedFramesReachNobody(t *testing.T) {
	h := newTestHub(t)
	stranger := connect(h)
	member := connect(h)
	authenticate(t, h, member, `"r1"`, `1`)

	send(t, h, stranger, `{"type":"message","userId":9,"username":"s","content":"hi"}`)
	send(t, h, stranger, `{"type":"typing","userId":9,"username":"s","isTyping":true}`)
	send(t, h, stranger, `{"type":"unknown"}`)

	expectNothing(t, member)
	expectNothing(t, stranger)
}

func TestDisconnectReleasesBinding(t *testing.T) {
	h := newTestHub(t)
	x := connect(h)
	y := connect(h)
	authenticate(t, h, x, `"r1"`, `1`)
	authenticate(t, h, y, `"r1"`, `2`)

	h.removeClient(y, "disconnected")

	_, ok := h.registry.Lookup(Key{Room: "r1", Participant: "2"})
	assert.False(t, ok)
	assert.True(t, y.closed)

	send(t, h, x, `{"type":"message","userId":1,"username":"x","content":"anyone?"}`)
	_, open := <-y.send
	assert.False(t, open, "removed client must not receive broadcasts")
}

func TestStaleCloseDoesNotEvictNewerBinding(t *testing.T) {
	h := newTestHub(t)
	old := connect(h)
	fresh := connect(h)
	peer := connect(h)
	authenticate(t, h, old, `"r1"`, `1`)
	authenticate(t, h, fresh, `"r1"`, `1`)
	authenticate(t, h, peer, `"r1"`, `2`)

	h.removeClient(old, "disconnected")

	bound, ok := h.registry.Lookup(Key{Room: "r1", Participant: "1"})
	require.True(t, ok)
	assert.Same(t, fresh, bound)

	send(t, h, peer, `{"type":"message","userId":2,"username":"p","content":"still there?"}`)
	assert.Equal(t, "still there?", receive(t, fresh)["content"])
}

func TestReauthenticateMovesBinding(t *testing.T) {
	h := newTestHub(t)
	c := connect(h)
	authenticate(t, h, c, `"r1"`, `1`)
	authenticate(t, h, c, `"r2"`, `1`)

	_, inOld := h.registry.Lookup(Key{Room: "r1", Participant: "1"})
	_, inNew := h.registry.Lookup(Key{Room: "r2", Participant: "1"})
	assert.False(t, inOld)
	assert.True(t, inNew)
	assert.Equal(t, 1, h.registry.Len())
}

func TestNumericAndStringIDsShareKey(t *testing.T) {
	h := newTestHub(t)
	x := connect(h)
	y := connect(h)
	authenticate(t, h, x, `5`, `1`)
	authenticate(t, h, y, `"5"`, `"1"`)

	// Same key: y replaced x, and y does not hear itself.
	bound, ok := h.registry.Lookup(Key{Room: "5", Participant: "1"})
	require.True(t, ok)
	assert.Same(t, y, bound)
	assert.Equal(t, 1, h.registry.Len())
}

func TestSlowPeerIsRemoved(t *testing.T) {
	h := newTestHub(t)
	x := connect(h)
	slow := connect(h)
	authenticate(t, h, x, `"r1"`, `1`)
	authenticate(t, h, slow, `"r1"`, `2`)

	for i := 0; i < cap(slow.send)+1; i++ {
		send(t, h, x, `{"type":"message","userId":1,"username":"x","content":"flood"}`)
	}

	assert.True(t, slow.closed)
	_, ok := h.registry.Lookup(Key{Room: "r1", Participant: "2"})
	assert.False(t, ok)
	assert.Equal(t, HubStats{Clients: 1, Rooms: 1, Bindings: 1}, h.Stats())
}

func TestEventsFromRemovedClientAreIgnored(t *testing.T) {
	h := newTestHub(t)
	c := connect(h)
	h.removeClient(c, "disconnected")

	send(t, h, c, `{"type":"authenticate","chatId":"r1","userId":1}`)

	assert.Equal(t, 0, h.registry.Len())
}

func TestHubRunShutdown(t *testing.T) {
	h := newTestHub(t)
	go h.Run()

	c := NewClient(nil, h, "test")
	require.True(t, h.Register(c))
	require.True(t, h.submit(ClientEvent{Client: c, Envelope: frame(t, `{"type":"authenticate","chatId":"r1","userId":1}`)}))

	require.NoError(t, h.Shutdown(time.Second))

	assert.False(t, h.Register(NewClient(nil, h, "late")))
	assert.False(t, h.submit(ClientEvent{Client: c}))
}
