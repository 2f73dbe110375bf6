// Package ws bridges the in-process event bus to WebSocket clients. Clients
// receive the global agent-activity feed by default and can subscribe to
// per-job channels ("job:<id>") to follow provisioning progress; a job
// channel closes once the job reaches a terminal state.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/abhaydee/atlas/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// ChannelActivity carries every agent decision cycle and state change.
	ChannelActivity = "activity"

	// jobChannelPrefix prefixes per-job channels: "job:<job id>".
	jobChannelPrefix = "job:"
)

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins. In production, restrict this to known origins.
		return true
	},
}

// envelope is the JSON frame sent to clients. Closed marks the final frame
// on a channel; no further events follow it.
type envelope struct {
	Channel string        `json:"channel"`
	Event   *domain.Event `json:"event,omitempty"`
	Closed  bool          `json:"closed,omitempty"`
}

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool // subscribed channels
	mu   sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to manage its channels,
// e.g. {"action":"subscribe","channels":["job:1f3a..."]}.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// Hub manages a set of connected WebSocket clients and fans events out from
// the in-process bus to all subscribed clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	bus        domain.EventBus
	mu         sync.RWMutex
	logger     *slog.Logger

	// feedMu guards jobFeeds and runCtx. One forwarder goroutine exists per
	// live job channel; it exits when the job terminates.
	feedMu   sync.Mutex
	jobFeeds map[string]struct{}
	runCtx   context.Context
}

// broadcastMsg carries a serialized envelope along with its source channel so
// the hub routes it only to clients subscribed to that channel.
type broadcastMsg struct {
	channel string
	data    []byte
}

// NewHub creates a hub over the given event bus.
func NewHub(bus domain.EventBus, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws")),
		jobFeeds:   make(map[string]struct{}),
	}
}

// Run starts the hub's main event loop. It should be called in a goroutine.
// It handles client registration, unregistration, and message broadcasting,
// and owns the lifetime of the bus forwarder goroutines. The loop exits when
// the provided context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	h.feedMu.Lock()
	h.runCtx = ctx
	h.feedMu.Unlock()

	go h.forward(ctx, ChannelActivity, h.bus.SubscribeActivity())

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("client connected",
				slog.Int("total_clients", h.clientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected",
				slog.Int("total_clients", h.clientCount()),
			)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(msg.channel) {
					select {
					case c.send <- msg.data:
					default:
						// Client's send buffer is full; drop the message.
						h.logger.Warn("dropping message for slow client")
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ensureJobFeed starts a forwarder for the given job channel if one is not
// already running. Called when a client subscribes to "job:<id>".
func (h *Hub) ensureJobFeed(jobID string) {
	h.feedMu.Lock()
	ctx := h.runCtx
	if ctx == nil {
		// Run has not started yet; the subscription is still recorded on the
		// client and takes effect once a feed exists.
		h.feedMu.Unlock()
		return
	}
	if _, ok := h.jobFeeds[jobID]; ok {
		h.feedMu.Unlock()
		return
	}
	h.jobFeeds[jobID] = struct{}{}
	h.feedMu.Unlock()

	go func() {
		h.forward(ctx, jobChannelPrefix+jobID, h.bus.SubscribeJob(jobID))
		h.feedMu.Lock()
		delete(h.jobFeeds, jobID)
		h.feedMu.Unlock()
	}()
}

// forward pumps one bus subscription into the broadcast channel. When the
// subscription closes (terminal job) it emits a final closed frame.
func (h *Hub) forward(ctx context.Context, channel string, sub domain.Subscription) {
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if data, err := json.Marshal(envelope{Channel: channel, Closed: true}); err == nil {
					select {
					case h.broadcast <- broadcastMsg{channel: channel, data: data}:
					case <-ctx.Done():
					}
				}
				return
			}
			data, err := json.Marshal(envelope{Channel: channel, Event: &ev})
			if err != nil {
				h.logger.Error("marshal event failed",
					slog.String("channel", channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			select {
			case h.broadcast <- broadcastMsg{channel: channel, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub. A job query parameter pre-subscribes the client
// to that job's channel.
// GET /ws?job=<id>
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{ChannelActivity: true},
	}

	if jobID := strings.TrimSpace(r.URL.Query().Get("job")); jobID != "" {
		c.subs[jobChannelPrefix+jobID] = true
		h.ensureJobFeed(jobID)
	}

	h.register <- c

	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump reads messages from the WebSocket connection. It handles
// subscription management requests (JSON text frames) from the client.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var sub subscribeMsg
		if jsonErr := json.Unmarshal(message, &sub); jsonErr == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

// handleSubscription processes subscribe/unsubscribe requests from the client
// and spins up job feeds for newly requested job channels.
func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
	c.mu.Unlock()

	if msg.Action == "subscribe" {
		for _, ch := range msg.Channels {
			if jobID, ok := strings.CutPrefix(ch, jobChannelPrefix); ok && jobID != "" {
				c.hub.ensureJobFeed(jobID)
			}
		}
	}
}

// isSubscribed checks whether the client is subscribed to the given channel.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

// writePump pumps messages from the hub to the WebSocket connection and sends
// periodic ping frames for keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
