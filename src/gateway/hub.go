// Package gateway is a reference WebSocket gateway for exercising the
// harness end to end. It authenticates bearer tokens, confirms
// subscriptions, fans published events out to subscribers and can be
// told to drop connections with chosen close codes.
package gateway

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/wsharness/config"
	"github.com/orchestra-mcp/wsharness/src/auth"
	"github.com/orchestra-mcp/wsharness/src/types"
)

// MessageBridge publishes events to other gateway instances.
// Defined here to avoid circular imports with the bridge package.
type MessageBridge interface {
	Publish(ev types.ServerEvent) error
	Available() bool
}

// TokenValidator checks bearer tokens. *auth.Issuer satisfies it.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// Hub manages all client connections and their event subscriptions.
type Hub struct {
	cfg       *config.GatewayConfig
	validator TokenValidator

	clients map[string]*Client
	events  map[string]map[string]bool // event type -> set of clientIDs

	register   chan *Client
	unregister chan *Client
	incoming   chan inbound
	broadcast  chan types.ServerEvent
	localCast  chan types.ServerEvent // events from bridge, no re-publish

	onConnect []func(string)
	onDisconn []func(string)

	bridge   MessageBridge
	mu       sync.RWMutex
	logger   zerolog.Logger
	done     chan struct{}
	stopOnce sync.Once
}

type inbound struct {
	client *Client
	data   []byte
}

// New creates a new Hub instance. A nil validator rejects every token.
func New(cfg *config.GatewayConfig, validator TokenValidator, logger zerolog.Logger) *Hub {
	if cfg == nil {
		cfg = config.DefaultGatewayConfig()
	}
	return &Hub{
		cfg:        cfg,
		validator:  validator,
		clients:    make(map[string]*Client),
		events:     make(map[string]map[string]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan inbound, 256),
		broadcast:  make(chan types.ServerEvent, 256),
		localCast:  make(chan types.ServerEvent, 256),
		logger:     logger.With().Str("component", "gateway").Logger(),
		done:       make(chan struct{}),
	}
}

// SetBridge attaches a cross-instance bridge to the hub.
// When set, published events are also forwarded to other instances.
func (h *Hub) SetBridge(b MessageBridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = b
}

// BroadcastToLocal delivers an event from the bridge to local subscribers
// only. It does not re-publish, preventing loops between instances.
func (h *Hub) BroadcastToLocal(ev types.ServerEvent) {
	select {
	case h.localCast <- ev:
	case <-h.done:
	}
}

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case in := <-h.incoming:
			h.handleMessage(in)
		case ev := <-h.broadcast:
			h.publishToBridge(ev)
			h.broadcastEvent(ev)
		case ev := <-h.localCast:
			h.broadcastEvent(ev)
		case <-h.done:
			return
		}
	}
}

// Stop halts the hub event loop. It is safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Register queues a client for registration. It returns false once the
// hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) dispatch(in inbound) bool {
	select {
	case h.incoming <- in:
		return true
	case <-h.done:
		return false
	}
}

// Full reports whether the hub holds MaxConnections clients.
func (h *Hub) Full() bool {
	if h.cfg.MaxConnections <= 0 {
		return false
	}
	return h.ClientCount() >= h.cfg.MaxConnections
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	callbacks := h.onConnect
	h.mu.Unlock()

	h.logger.Info().Str("client_id", c.ID).Msg("client registered")

	for _, cb := range callbacks {
		cb(c.ID)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)

	// Remove from all event subscriptions.
	for et, subs := range h.events {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(h.events, et)
		}
	}
	callbacks := h.onDisconn
	h.mu.Unlock()

	c.Close()
	h.logger.Info().Str("client_id", c.ID).Msg("client unregistered")

	for _, cb := range callbacks {
		cb(c.ID)
	}
}

// Kick closes one client with the given close code.
func (h *Hub) Kick(clientID string, code int, reason string) bool {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	h.logger.Info().Str("client_id", clientID).Int("code", code).Msg("kicking client")
	c.CloseWith(code, reason)
	return true
}

// DisconnectAll closes every client with the given close code and
// returns how many were closed.
func (h *Hub) DisconnectAll(code int, reason string) int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.CloseWith(code, reason)
	}
	return len(clients)
}

func stamp(ev types.ServerEvent) types.ServerEvent {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return ev
}
