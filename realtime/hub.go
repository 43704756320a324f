// Package realtime implements the server side of Syncular's realtime
// channel: a per-partition hub of WebSocket connections that can wake
// clients with an inlined change payload instead of making them wait for
// their next HTTP pull.
package realtime

import (
	"sync"
	"time"
)

// Broadcast is one message the hub fans out to a set of connections.
type Broadcast struct {
	PartitionID string // connections subscribed to this partition
	ClientID    string // single connection to target, or "" for all in partition
	ExcludeID   string // connection ID to skip (the sender of a push)
	Event       string
	Data        any
}

// Hub owns the registry of live connections and serializes all membership
// changes and broadcasts through its run loop, mirroring the register/
// unregister/broadcast channel triad used by the chat blueprint's ws.Hub.
type Hub struct {
	byPartition map[string]map[*Connection]bool
	mu          sync.RWMutex

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *Broadcast

	done chan struct{}
	once sync.Once
}

// NewHub creates a Hub. Call Run in its own goroutine before registering
// connections.
func NewHub() *Hub {
	return &Hub{
		byPartition: make(map[string]map[*Connection]bool),
		register:    make(chan *Connection, 256),
		unregister:  make(chan *Connection, 256),
		broadcast:   make(chan *Broadcast, 256),
		done:        make(chan struct{}),
	}
}

// Run drives the hub's main loop until Stop is called.
func (h *Hub) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case conn := <-h.register:
			h.addConnection(conn)
		case conn := <-h.unregister:
			h.removeConnection(conn)
		case b := <-h.broadcast:
			h.deliver(b)
		case <-ticker.C:
			h.heartbeatAll()
		case <-h.done:
			return
		}
	}
}

// Stop terminates the hub's run loop. Safe to call multiple times.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
}

// Register enqueues a new connection for membership tracking.
func (h *Hub) Register(c *Connection) { h.register <- c }

// Unregister enqueues a connection's removal.
func (h *Hub) Unregister(c *Connection) { h.unregister <- c }

// Broadcast enqueues a message for fan-out.
func (h *Hub) Broadcast(b *Broadcast) { h.broadcast <- b }

func (h *Hub) addConnection(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byPartition[c.PartitionID]
	if !ok {
		set = make(map[*Connection]bool)
		h.byPartition[c.PartitionID] = set
	}
	set[c] = true
}

func (h *Hub) removeConnection(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.byPartition[c.PartitionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byPartition, c.PartitionID)
		}
	}
}

func (h *Hub) deliver(b *Broadcast) {
	h.mu.RLock()
	set := h.byPartition[b.PartitionID]
	targets := make([]*Connection, 0, len(set))
	for c := range set {
		if c.ID == b.ExcludeID {
			continue
		}
		if b.ClientID != "" && c.ClientID != b.ClientID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		_ = c.SendEvent(b.Event, b.Data)
	}
}

func (h *Hub) heartbeatAll() {
	h.mu.RLock()
	var all []*Connection
	for _, set := range h.byPartition {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		_ = c.SendEvent("heartbeat", nil)
	}
}

// PendingOutboxFunc reports, for a client, whether it has outbox rows pending
// at the moment a wake would be delivered — callers use this to decide
// between an inline wake and a plain "go pull" nudge (§8 scenario 4).
type PendingOutboxFunc func(partitionID, clientID string) bool
