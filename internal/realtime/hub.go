// Package realtime pushes escrow notifications and lifecycle events to
// connected parties over WebSocket.
//
// A party connects with GET /ws?userId=... and only ever receives messages
// addressed to that user id: notifications sent to them and lifecycle
// events of escrows where they are buyer or seller.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/safehold/internal/escrow"
	"github.com/mbd888/safehold/internal/metrics"
	"github.com/mbd888/safehold/internal/validation"
)

// MaxClients caps concurrent connections across all users.
const MaxClients = 10000

const (
	queueSize      = 256
	clientQueue    = 256
	maxPerUserConn = 16
)

// EventType distinguishes party notifications from lifecycle events.
type EventType string

const (
	EventNotification EventType = "notification"
	EventEscrow       EventType = "escrow"
)

// Event is one frame pushed to a connected user.
type Event struct {
	Type      EventType   `json:"type"`
	UserID    string      `json:"userId"`
	EscrowID  string      `json:"escrowId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type outbound struct {
	event   *Event
	payload []byte
}

// Stats is a snapshot of hub activity.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	ConnectedUsers   int   `json:"connectedUsers"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	DroppedEvents    int64 `json:"droppedEvents"`
	EvictedClients   int64 `json:"evictedClients"`
}

// Hub owns every connection, indexed by user id. Membership changes and
// fan-out happen on the Run goroutine.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	origins  map[string]struct{}

	mu    sync.RWMutex
	users map[string]map[*Client]struct{}
	count int

	queue   chan outbound
	joins   chan *Client
	leaves  chan *Client
	stopped chan struct{}
	limit   int

	events  atomic.Int64
	clients atomic.Int64
	peak    atomic.Int64
	dropped atomic.Int64
	evicted atomic.Int64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithAllowedOrigins admits browser connections from these origins in
// addition to same-host ones.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) {
		for _, o := range origins {
			if o != "" && o != "*" {
				h.origins[o] = struct{}{}
			}
		}
	}
}

// NewHub returns a hub that is idle until Run is called.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:  logger.With("component", "realtime"),
		origins: make(map[string]struct{}),
		users:   make(map[string]map[*Client]struct{}),
		queue:   make(chan outbound, queueSize),
		joins:   make(chan *Client),
		leaves:  make(chan *Client),
		stopped: make(chan struct{}),
		limit:   MaxClients,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	_, ok := h.origins[origin]
	return ok
}

// Run serves membership changes and fan-out until ctx is done, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	h.logger.Info("realtime hub started")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.joins:
			h.add(c)
		case c := <-h.leaves:
			h.remove(c, false)
		case out := <-h.queue:
			h.deliver(out)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	conns := h.users[c.userID]
	if conns == nil {
		conns = make(map[*Client]struct{})
		h.users[c.userID] = conns
	}
	conns[c] = struct{}{}
	h.count++
	n := h.count
	h.clients.Add(1)
	if int64(n) > h.peak.Load() {
		h.peak.Store(int64(n))
	}
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("client connected", "user_id", c.userID, "connected", n)
}

func (h *Hub) remove(c *Client, evicted bool) {
	h.mu.Lock()
	conns, ok := h.users[c.userID]
	if ok {
		if _, member := conns[c]; member {
			delete(conns, c)
			if len(conns) == 0 {
				delete(h.users, c.userID)
			}
			h.count--
			close(c.send)
		} else {
			ok = false
		}
	}
	n := h.count
	h.mu.Unlock()

	if !ok {
		return
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	if evicted {
		h.evicted.Add(1)
		h.logger.Warn("evicted slow client", "user_id", c.userID)
		return
	}
	h.logger.Info("client disconnected", "user_id", c.userID, "connected", n)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for user, conns := range h.users {
		for c := range conns {
			close(c.send)
		}
		delete(h.users, user)
	}
	h.count = 0
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

// deliver writes to the addressee's connections. A connection whose queue
// is full is evicted rather than allowed to stall the hub.
func (h *Hub) deliver(out outbound) {
	h.events.Add(1)

	h.mu.RLock()
	var slow []*Client
	for c := range h.users[out.event.UserID] {
		if !c.subscription().Accepts(out.event) {
			continue
		}
		select {
		case c.send <- out.payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.remove(c, true)
	}
}

// Broadcast queues ev for its addressee. It reports false when the queue is
// full and the event was dropped.
func (h *Hub) Broadcast(ev *Event) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode realtime event", "type", ev.Type, "error", err)
		return false
	}
	select {
	case h.queue <- outbound{event: ev, payload: payload}:
		return true
	default:
		h.dropped.Add(1)
		h.logger.Warn("realtime queue full, dropping event", "type", ev.Type, "user_id", ev.UserID)
		return false
	}
}

// Notify pushes a party notification. A user with no open connection is
// not an error.
func (h *Hub) Notify(_ context.Context, n escrow.Notification) error {
	h.Broadcast(&Event{
		Type:      EventNotification,
		UserID:    n.UserID,
		EscrowID:  n.Metadata["escrowId"],
		Timestamp: time.Now().UTC(),
		Data:      n,
	})
	return nil
}

// Publish pushes a committed lifecycle event to buyer and seller.
func (h *Hub) Publish(_ context.Context, ev escrow.Event) error {
	if ev.Escrow == nil {
		return nil
	}
	for _, party := range []string{ev.Escrow.BuyerID, ev.Escrow.SellerID} {
		h.Broadcast(&Event{
			Type:      EventEscrow,
			UserID:    party,
			EscrowID:  ev.EscrowID,
			Timestamp: ev.OccurredAt,
			Data:      ev,
		})
	}
	return nil
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	connected, users := h.count, len(h.users)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: connected,
		ConnectedUsers:   users,
		TotalEvents:      h.events.Load(),
		TotalClients:     h.clients.Load(),
		PeakClients:      h.peak.Load(),
		DroppedEvents:    h.dropped.Load(),
		EvictedClients:   h.evicted.Load(),
	}
}

// HandleWebSocket upgrades GET /ws?userId=... and starts the client pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.stopped:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	userID := r.URL.Query().Get("userId")
	if !validation.IsValidIdentifier(userID) {
		http.Error(w, "userId query parameter required", http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	total, mine := h.count, len(h.users[userID])
	h.mu.RUnlock()
	switch {
	case total >= h.limit:
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	case mine >= maxPerUserConn:
		http.Error(w, "too many connections for user", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	c := newClient(h, conn, userID)
	select {
	case h.joins <- c:
	case <-h.stopped:
		_ = conn.Close()
		return
	}
	go c.writeLoop()
	go c.readLoop()
}

var (
	_ escrow.Notifier       = (*Hub)(nil)
	_ escrow.EventPublisher = (*Hub)(nil)
)
