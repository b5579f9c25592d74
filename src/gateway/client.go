package gateway

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/orchestra-mcp/wsharness/src/types"
)

// Client wraps a WebSocket connection and manages message flow.
type Client struct {
	ID          string
	conn        types.Conn
	hub         *Hub
	Send        chan any
	connectedAt time.Time
	writeWait   time.Duration
	limiter     *rate.Limiter

	mu          sync.RWMutex
	userID      string
	subs        map[string]map[string]bool // event type -> subscription ids
	done        chan struct{}
	written     chan struct{}
	closed      bool
	closeCode   int
	closeReason string
}

// NewClient creates a new WebSocket client wrapper.
func NewClient(id string, conn types.Conn, h *Hub) *Client {
	c := &Client{
		ID:          id,
		conn:        conn,
		hub:         h,
		Send:        make(chan any, h.cfg.SendBufferSize),
		connectedAt: time.Now(),
		writeWait:   time.Duration(h.cfg.WriteTimeout) * time.Second,
		subs:        make(map[string]map[string]bool),
		done:        make(chan struct{}),
		written:     make(chan struct{}),
	}
	if h.cfg.MessagesPerSecond > 0 {
		burst := h.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), burst)
	}
	if c.writeWait <= 0 {
		c.writeWait = 10 * time.Second
	}
	return c
}

// Info returns metadata about this client.
func (c *Client) Info() types.ClientInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	eventTypes := make([]string, 0, len(c.subs))
	for et := range c.subs {
		eventTypes = append(eventTypes, et)
	}
	sort.Strings(eventTypes)
	return types.ClientInfo{
		ID:            c.ID,
		UserID:        c.userID,
		Authenticated: c.userID != "",
		ConnectedAt:   c.connectedAt,
		EventTypes:    eventTypes,
	}
}

// UserID returns the authenticated user, or "" before authentication.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) setUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

func (c *Client) addSubscription(eventType, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[eventType] == nil {
		c.subs[eventType] = make(map[string]bool)
	}
	c.subs[eventType][id] = true
}

// removeSubscription drops one subscription id, or every subscription to
// eventType when id is empty. It reports whether the client no longer
// subscribes to eventType at all.
func (c *Client) removeSubscription(eventType, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, ok := c.subs[eventType]
	if !ok {
		return true
	}
	if id == "" {
		delete(c.subs, eventType)
		return true
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(c.subs, eventType)
		return true
	}
	return false
}

// Enqueue queues msg for the write pump. It drops the message and
// returns false when the client is closed or its buffer is full.
func (c *Client) Enqueue(msg any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

// ReadPump reads frames from the WebSocket and routes them to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.Close()
		c.awaitWriter()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.hub.logger.Warn().Str("client_id", c.ID).Msg("rate limit exceeded")
			c.CloseWith(types.CloseRateLimited, "rate limit exceeded")
			return
		}
		if !c.hub.dispatch(inbound{client: c, data: data}) {
			return
		}
	}
}

// WritePump writes queued messages to the WebSocket. Once the client is
// closed it flushes what is queued, sends the close frame if one was
// requested, and closes the connection.
func (c *Client) WritePump() {
	defer close(c.written)
	defer c.conn.Close()

	for {
		select {
		case msg := <-c.Send:
			if err := c.write(msg); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			code, reason := c.closeFrame()
			if code != 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
				_ = c.conn.WriteClose(code, reason)
			}
			return
		}
	}
}

func (c *Client) write(msg any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *Client) flush() {
	for {
		select {
		case msg := <-c.Send:
			if c.write(msg) != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) closeFrame() (int, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeCode, c.closeReason
}

// awaitWriter gives the write pump time to send its close frame before
// the connection is torn down.
func (c *Client) awaitWriter() {
	t := time.NewTimer(c.writeWait)
	defer t.Stop()
	select {
	case <-c.written:
	case <-t.C:
	}
}

// Close signals the client to stop its pumps.
func (c *Client) Close() {
	c.CloseWith(0, "")
}

// CloseWith stops the client and has the write pump send a close frame
// with code and reason. A zero code closes without a close frame. Only
// the first call has any effect.
func (c *Client) CloseWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	}
}
