package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/investor-relay/internal/state"
)

// Target is a resolved recipient set: every admin observer, explicit
// connections, or both. Duplicates are delivered once.
type Target struct {
	Admins bool
	Conns  []state.ConnID
}

// Outbound is one encoded frame and its recipients.
type Outbound struct {
	Target  Target
	Payload []byte
}

// Hub owns the live WebSocket clients and delivers outbound frames to them.
// Deliveries never block on a client: a client whose send buffer is full is
// dropped, which closes its connection.
type Hub struct {
	clients    map[state.ConnID]*Client
	deliver    chan Outbound
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	log        *slog.Logger
}

// NewHub creates a Hub. Run must be started before clients register.
func NewHub(log *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[state.ConnID]*Client),
		deliver:    make(chan Outbound, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        log,
	}
}

// Register hands a client to the hub, which starts its pumps.
func (h *Hub) Register(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.ctx.Done():
		return ErrHubStopped
	}
}

// Unregister removes a client and closes its send channel. Unknown clients are ignored.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Deliver queues a frame for its target.
func (h *Hub) Deliver(out Outbound) {
	if len(out.Payload) == 0 || (!out.Target.Admins && len(out.Target.Conns) == 0) {
		return
	}
	select {
	case h.deliver <- out:
	case <-h.ctx.Done():
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Recovered from panic in safeSend", "error", r)
		}
	}()

	// Hold the read lock during the send so unregister cannot close the channel underneath us.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.clients[client.id]; !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run is the hub's event loop. It returns after Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case out := <-h.deliver:
			h.handleDelivery(out)
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	if client == nil {
		h.log.Warn("Received nil client registration; skipping")
		return
	}

	h.mutex.Lock()
	client.closed = false
	h.clients[client.id] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()
	h.log.Info("Client registered", "conn", client.id, "addr", client.addr, "admin", client.admin, "total", clientCount)

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

func (h *Hub) handleUnregister(client *Client) {
	if client == nil {
		return
	}

	h.mutex.Lock()
	current, ok := h.clients[client.id]
	if !ok || current != client {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client.id)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	close(client.send)
	h.log.Info("Client unregistered", "conn", client.id, "addr", client.addr, "total", clientCount)
}

func (h *Hub) handleDelivery(out Outbound) {
	recipients := h.resolve(out.Target)

	var failed []*Client
	for _, client := range recipients {
		if !h.safeSend(client, out.Payload) {
			failed = append(failed, client)
		}
	}
	h.removeFailedClients(failed)
}

// resolve snapshots the clients addressed by t.
func (h *Hub) resolve(t Target) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	seen := make(map[state.ConnID]struct{}, len(t.Conns))
	var recipients []*Client
	if t.Admins {
		for id, client := range h.clients {
			if client.admin {
				seen[id] = struct{}{}
				recipients = append(recipients, client)
			}
		}
	}
	for _, id := range t.Conns {
		if _, dup := seen[id]; dup {
			continue
		}
		if client, ok := h.clients[id]; ok {
			seen[id] = struct{}{}
			recipients = append(recipients, client)
		}
	}
	return recipients
}

// removeFailedClients drops clients that could not take a frame and closes their channels.
func (h *Hub) removeFailedClients(failed []*Client) {
	if len(failed) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range failed {
		if current, exists := h.clients[client.id]; exists && current == client {
			delete(h.clients, client.id)
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			h.log.Warn("Client removed due to full send buffer", "conn", client.id, "addr", client.addr)
		}
	}
	h.mutex.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
	}
}

// shutdownClients empties the client set. Closing each send channel lets the
// write pump send a close frame; closing the socket unblocks the read pump.
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for id, client := range h.clients {
		delete(h.clients, id)
		client.closed = true
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		close(client.send)
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.log.Error("Error closing client connection", "addr", client.addr, "error", err)
		}
	}

	h.log.Info("Closed client connections", "count", len(clients))
}

// Shutdown stops the loop, closes every connection and waits for the pumps
// to exit or for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown")
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some client goroutines may still be running")
		return context.DeadlineExceeded
	}
}
