// Package server coordinates client registration, message broadcast, and
// connection cleanup for the realtime relay via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/twis/internal/logging"
	"github.com/Tyrowin/twis/internal/metrics"
)

// outbound is a broadcast frame. messageID is empty for frames that do not
// carry a stored message.
type outbound struct {
	messageID string
	data      []byte
}

// activation completes a join: history is queued first, then the frames
// buffered while it was read, minus those the history already holds.
type activation struct {
	client  *Client
	history []byte
	seen    map[string]struct{}
}

// Hub owns the set of connected clients and fans broadcast frames out to
// every one of them, the sender included.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	activate   chan activation
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub. Call Run in its own goroutine before registering
// clients.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		activate:   make(chan activation),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Register adds client to the subscriber set. It returns false if the hub
// is shutting down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes client and closes its send channel.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Join registers a client that still has to receive its history. Until
// Activate is called, frames broadcast to it are held back.
func (h *Hub) Join(client *Client) bool {
	client.pending = true
	return h.Register(client)
}

// Activate queues history for a joined client, followed by the frames held
// back since Join whose message ids are not in seen.
func (h *Hub) Activate(client *Client, history []byte, seen map[string]struct{}) {
	select {
	case h.activate <- activation{client: client, history: history, seen: seen}:
	case <-h.ctx.Done():
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Broadcast queues frame for every registered client. It returns false if
// the hub is shutting down.
func (h *Hub) Broadcast(frame []byte) bool {
	return h.broadcastMessage("", frame)
}

// broadcastMessage is Broadcast for a frame carrying the stored message id.
func (h *Hub) broadcastMessage(messageID string, frame []byte) bool {
	select {
	case h.broadcast <- outbound{messageID: messageID, data: frame}:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) safeSend(client *Client, message outbound) bool {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Msg("Recovered from panic in safeSend")
		}
	}()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.clients[client]
	if !exists || client.closed {
		return false
	}

	// Only the Run goroutine touches the backlog.
	if client.pending {
		if len(client.backlog) >= sendBufferSize {
			return false
		}
		client.backlog = append(client.backlog, message)
		return true
	}

	select {
	case client.send <- message.data:
		return true
	default:
		return false
	}
}

// Run processes registrations, unregistrations and broadcasts until
// Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				logging.Warn().Msg("Received nil client registration; skipping")
				continue
			}
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case frame := <-h.broadcast:
			h.handleBroadcast(frame)

		case a := <-h.activate:
			h.activateClient(a)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client] = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	metrics.ConnectedClients.Set(float64(clientCount))
	logging.Info().Str("addr", client.addr).Int("clients", clientCount).Msg("user connected")

	if client.conn == nil {
		return
	}

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

func (h *Hub) removeClient(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock
	close(client.send)
	metrics.ConnectedClients.Set(float64(clientCount))
	logging.Info().Str("addr", client.addr).Int("clients", clientCount).Msg("user disconnected")
}

// activateClient flushes the history and the held-back frames of a joined
// client into its send buffer. A client that left meanwhile is skipped.
func (h *Hub) activateClient(a activation) {
	h.mutex.RLock()
	_, exists := h.clients[a.client]
	h.mutex.RUnlock()
	if !exists || !a.client.pending {
		return
	}

	backlog := a.client.backlog
	a.client.pending = false
	a.client.backlog = nil

	ok := a.history == nil || a.client.queue(a.history)
	for _, frame := range backlog {
		if !ok {
			break
		}
		if _, dup := a.seen[frame.messageID]; dup && frame.messageID != "" {
			continue
		}
		ok = a.client.queue(frame.data)
	}

	if !ok {
		h.removeFailedClients([]*Client{a.client})
	}
}

// handleBroadcast delivers frame to a snapshot of the clients and evicts the
// ones whose send buffer is full.
func (h *Hub) handleBroadcast(frame outbound) {
	clients := h.getClientSnapshot()
	logging.Debug().Int("clients", len(clients)).Msg("Broadcasting message")

	clientsToRemove := h.broadcastToClients(clients, frame)
	h.removeFailedClients(clientsToRemove)
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func (h *Hub) broadcastToClients(clients []*Client, frame outbound) []*Client {
	var clientsToRemove []*Client

	for _, client := range clients {
		if !h.safeSend(client, frame) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}

	return clientsToRemove
}

// removeFailedClients removes clients that failed to receive messages and closes their channels
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range clientsToRemove {
		if _, exists := h.clients[client]; exists {
			delete(h.clients, client)
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			metrics.BroadcastEvictions.Inc()
			logging.Warn().Str("addr", client.addr).Msg("Client removed due to full send buffer")
		}
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	metrics.ConnectedClients.Set(float64(clientCount))

	// Close channels after releasing the lock
	for _, ch := range channelsToClose {
		close(ch)
	}
}

// shutdownClients closes every active client connection.
func (h *Hub) shutdownClients() {
	logging.Info().Msg("Shutting down all client connections...")

	clients := h.getClientSnapshot()
	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			logging.Error().Err(err).Str("addr", client.addr).Msg("Error closing client connection")
		}
	}

	logging.Info().Int("clients", len(clients)).Msg("Closed client connections")
}

// Shutdown stops Run, closes all connections, and waits for the client
// goroutines until timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	logging.Info().Msg("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info().Msg("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		logging.Warn().Msg("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
