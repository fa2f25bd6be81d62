// Package server exposes HTTP handlers, including the WebSocket upgrade,
// health and stats endpoints, and the built-in test page.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const healthText = "Chat relay is running!"

// NewUpgrader returns the WebSocket upgrader gated by policy.
func NewUpgrader(policy *OriginPolicy) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     policy.CheckOrigin,
	}
}

// WebSocketHandler upgrades the request and registers the new client with
// the hub. Disallowed origins are answered with 403 by the upgrader.
func WebSocketHandler(hub *Hub, upgrader *websocket.Upgrader) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.logger.Info("WebSocket upgrade failed",
				zap.String("addr", c.Request.RemoteAddr),
				zap.Error(err))
			return
		}

		client := NewClient(conn, hub, c.Request.RemoteAddr)
		if !hub.Register(client) {
			_ = conn.Close()
		}
	}
}

// RootHandler serves the relay on the bare URL for upgrade requests and the
// health line for everything else.
func RootHandler(ws gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if websocket.IsWebSocketUpgrade(c.Request) {
			ws(c)
			return
		}
		HealthHandler(c)
	}
}

// HealthHandler responds with a plain text liveness line.
func HealthHandler(c *gin.Context) {
	c.String(http.StatusOK, healthText)
}

// StatsHandler reports the hub's connection counts.
func StatsHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, hub.Stats())
	}
}

// TestPageHandler serves a small page for exercising the relay by hand: it
// authenticates into a chat and sends message and typing frames.
func TestPageHandler(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(testPageHTML))
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Chat Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; }
        input[type="text"] { width: 160px; padding: 5px; margin-right: 10px; }
        #messageInput { width: 300px; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Chat Relay Test</h1>
    <div id="status" class="status disconnected">Disconnected</div>
    <div>
        <input type="text" id="chatId" placeholder="chatId" value="1">
        <input type="text" id="userId" placeholder="userId" value="1">
        <input type="text" id="username" placeholder="username" value="tester">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>
    <div id="messages"></div>
    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');
        const field = (id) => document.getElementById(id).value.trim();

        function addLine(text, color) {
            const el = document.createElement('div');
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = () => {
                updateStatus(true);
                ws.send(JSON.stringify({ type: 'authenticate', chatId: field('chatId'), userId: field('userId') }));
            };
            ws.onmessage = (event) => {
                const data = JSON.parse(event.data);
                if (data.type === 'message') {
                    addLine(data.timestamp + ' ' + data.username + ': ' + data.content, 'green');
                } else if (data.type === 'typing') {
                    addLine(data.username + (data.isTyping ? ' is typing...' : ' stopped typing'));
                } else {
                    addLine(event.data);
                }
            };
            ws.onclose = () => { addLine('Connection closed'); updateStatus(false); ws = null; };
            ws.onerror = () => { addLine('Connection error'); };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const content = messageInput.value.trim();
            if (!content || !ws || ws.readyState !== WebSocket.OPEN) return;
            ws.send(JSON.stringify({ type: 'message', userId: field('userId'), username: field('username'), content: content }));
            addLine('You: ' + content, 'blue');
            messageInput.value = '';
        }

        messageInput.addEventListener('keypress', (e) => {
            if (e.key === 'Enter') {
                sendMessage();
            } else if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ type: 'typing', userId: field('userId'), username: field('username'), isTyping: true }));
            }
        });
    </script>
</body>
</html>`
