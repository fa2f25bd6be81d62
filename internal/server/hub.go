// Package server coordinates client registration, room-scoped broadcast, and
// connection cleanup for the chat relay via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ClientEvent is a decoded inbound frame together with the client that sent it.
type ClientEvent struct {
	Client   *Client
	Envelope Envelope
}

// HubStats is a point-in-time view of the hub.
type HubStats struct {
	Clients  int `json:"clients"`
	Rooms    int `json:"rooms"`
	Bindings int `json:"bindings"`
}

// Hub owns the connection registry and processes every registration,
// unregistration and inbound frame on a single goroutine, so frames from one
// sender reach peers in the order they were sent.
type Hub struct {
	clients    map[*Client]bool
	registry   *Registry
	inbound    chan ClientEvent
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
}

// NewHub creates a hub for cfg. A nil cfg uses defaults and a nil logger
// discards output.
func NewHub(cfg *Config, logger *zap.Logger) *Hub {
	if cfg == nil {
		cfg = NewConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		registry:   NewRegistry(),
		inbound:    make(chan ClientEvent),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		cfg:        sanitizeConfig(*cfg),
		logger:     logger,
		now:        time.Now,
	}
}

// Registry exposes the hub's connection registry for read-only queries.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Register hands a freshly upgraded client to the hub, which starts its
// pumps. It returns false once the hub is shutting down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) submit(event ClientEvent) bool {
	select {
	case h.inbound <- event:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Run starts the hub's event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("Received nil client registration; skipping")
				continue
			}
			h.addClient(client)
			if client.conn != nil {
				h.startPumps(client)
			}

		case client := <-h.unregister:
			h.removeClient(client, "disconnected")

		case event := <-h.inbound:
			h.handleEvent(event)
		}
	}
}

func (h *Hub) startPumps(client *Client) {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client] = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	client.logger.Info("Client connected", zap.Int("clients", clientCount))
}

// removeClient drops the client, releases its registry entry if it still
// owns it, and closes its send queue so the write pump closes the socket.
func (h *Hub) removeClient(client *Client, reason string) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	close(client.send)

	fields := []zap.Field{zap.String("reason", reason), zap.Int("clients", clientCount)}
	if client.bound {
		released := h.registry.Unbind(client.key, client)
		fields = append(fields,
			zap.String("chat_id", client.key.Room),
			zap.String("user_id", client.key.Participant),
			zap.Bool("released", released))
	}
	client.logger.Info("Client removed", fields...)
}

func (h *Hub) isActive(client *Client) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	_, ok := h.clients[client]
	return ok && !client.closed
}

func (h *Hub) handleEvent(event ClientEvent) {
	client := event.Client
	if client == nil || !h.isActive(client) {
		return
	}

	switch event.Envelope.Type {
	case TypeAuthenticate:
		h.authenticate(client, event.Envelope)
	case TypeMessage:
		h.relayMessage(client, event.Envelope)
	case TypeTyping:
		h.relayTyping(client, event.Envelope)
	default:
		client.logger.Debug("Ignoring frame with unknown type", zap.String("type", event.Envelope.Type))
	}
}

// authenticate binds the client to (chatId, userId). Rebinding releases the
// client's previous entry; a different socket already holding the key is
// replaced but left open.
func (h *Hub) authenticate(client *Client, env Envelope) {
	if env.ChatID == nil || env.UserID == nil {
		client.logger.Warn("Ignoring authenticate frame without chatId and userId")
		return
	}

	key := KeyFor(*env.ChatID, *env.UserID)
	if client.bound && client.key != key {
		h.registry.Unbind(client.key, client)
	}

	if displaced := h.registry.Bind(key, client); displaced != nil {
		client.logger.Info("Replaced existing binding",
			zap.String("chat_id", key.Room),
			zap.String("user_id", key.Participant),
			zap.String("replaced_client_id", displaced.id))
	}

	client.bound = true
	client.key = key
	client.chatID = *env.ChatID

	client.logger.Info("Client authenticated",
		zap.String("chat_id", key.Room),
		zap.String("user_id", key.Participant))

	payload, err := json.Marshal(AuthenticatedReply{Type: TypeAuthenticated, Message: authenticatedText})
	if err != nil {
		client.logger.Error("Error encoding authenticated reply", zap.Error(err))
		return
	}
	if !h.safeSend(client, payload) {
		h.removeClient(client, "send buffer full")
	}
}

func (h *Hub) relayMessage(client *Client, env Envelope) {
	if !client.bound {
		client.logger.Debug("Dropping message from unauthenticated client")
		return
	}

	payload, err := json.Marshal(ChatMessage{
		Type:      TypeMessage,
		ChatID:    client.chatID,
		UserID:    env.UserID,
		Username:  env.Username,
		Content:   env.Content,
		Timestamp: FormatTimestamp(h.now()),
	})
	if err != nil {
		client.logger.Error("Error encoding message", zap.Error(err))
		return
	}

	h.handleBroadcast(client, payload)
}

func (h *Hub) relayTyping(client *Client, env Envelope) {
	if !client.bound {
		client.logger.Debug("Dropping typing notice from unauthenticated client")
		return
	}

	payload, err := json.Marshal(TypingNotice{
		Type:     TypeTyping,
		UserID:   env.UserID,
		Username: env.Username,
		IsTyping: env.IsTyping,
	})
	if err != nil {
		client.logger.Error("Error encoding typing notice", zap.Error(err))
		return
	}

	h.handleBroadcast(client, payload)
}

// handleBroadcast delivers payload to every peer in the sender's room,
// excluding the sender's own key.
func (h *Hub) handleBroadcast(sender *Client, payload []byte) {
	peers := h.registry.Peers(sender.key.Room, sender.key)

	var failed []*Client
	for _, peer := range peers {
		if !h.safeSend(peer, payload) {
			failed = append(failed, peer)
		}
	}

	h.logger.Debug("Broadcast",
		zap.String("chat_id", sender.key.Room),
		zap.Int("targets", len(peers)),
		zap.Int("failed", len(failed)))

	h.removeFailedClients(failed)
}

// safeSend queues message for client without blocking. It returns false
// only when the client is active and its queue is full.
func (h *Hub) safeSend(client *Client, message []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Recovered from panic in safeSend", zap.Any("panic", r))
			sent = true
		}
	}()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	// Closed or already removed peers are skipped silently.
	if _, exists := h.clients[client]; !exists || client.closed {
		return true
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

func (h *Hub) removeFailedClients(clients []*Client) {
	for _, client := range clients {
		h.removeClient(client, "send buffer full")
	}
}

// Stats returns the current client, room and binding counts.
func (h *Hub) Stats() HubStats {
	h.mutex.RLock()
	clients := len(h.clients)
	h.mutex.RUnlock()

	return HubStats{
		Clients:  clients,
		Rooms:    h.registry.Rooms(),
		Bindings: h.registry.Len(),
	}
}

func (h *Hub) shutdownClients() {
	h.logger.Info("Shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			client.logger.Warn("Error closing client connection", zap.Error(err))
		}
	}

	h.logger.Info("Closed client connections", zap.Int("count", len(clients)))
}

// Shutdown stops the event loop, closes every socket and waits for the
// client goroutines, up to timeout. Run must have been started.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("Initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
