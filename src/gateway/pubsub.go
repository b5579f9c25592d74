package gateway

import (
	"errors"

	"github.com/orchestra-mcp/wsharness/src/auth"
	"github.com/orchestra-mcp/wsharness/src/types"
)

func (h *Hub) handleMessage(in inbound) {
	c := in.client
	msg, err := parseClientMessage(in.data)
	if err != nil {
		h.logger.Debug().Str("client_id", c.ID).Msg("invalid client message")
		c.Enqueue(errorMessage(msgInvalidFormat, codeBadRequest))
		return
	}

	switch msg.Action {
	case actionAuthenticate:
		h.Authenticate(c, msg.Token)
	case actionSubscribe:
		if msg.EventType == "" {
			c.Enqueue(errorMessage(msgMissingEventType, codeBadRequest))
			return
		}
		h.Subscribe(msg.EventType, c.ID, msg.SubscriptionID)
		if h.cfg.ConfirmSubscriptions {
			c.Enqueue(subscribed(msg.EventType, msg.SubscriptionID))
		}
	case actionUnsubscribe:
		if msg.EventType == "" {
			c.Enqueue(errorMessage(msgMissingEventType, codeBadRequest))
			return
		}
		h.Unsubscribe(msg.EventType, c.ID, msg.SubscriptionID)
		if h.cfg.ConfirmSubscriptions {
			c.Enqueue(unsubscribed(msg.EventType, msg.SubscriptionID))
		}
	case actionPing:
		c.Enqueue(pong())
	case actionPong:
	default:
		h.logger.Debug().Str("client_id", c.ID).Str("action", msg.Action).Msg("unsupported message")
		c.Enqueue(errorMessage(msgUnsupported, codeBadRequest))
	}
}

// Authenticate validates token for c and replies with AuthSuccess or
// AuthFailed. A failed attempt leaves the connection open.
func (h *Hub) Authenticate(c *Client, token string) bool {
	if h.validator == nil {
		c.Enqueue(authFailed("authentication unavailable"))
		return false
	}
	claims, err := h.validator.Validate(token)
	if err != nil {
		reason := err.Error()
		var verr *auth.ValidationError
		if errors.As(err, &verr) {
			reason = verr.Reason
		}
		h.logger.Info().Str("client_id", c.ID).Str("reason", reason).Msg("authentication failed")
		c.Enqueue(authFailed(reason))
		return false
	}
	c.setUser(claims.Subject)
	h.logger.Info().Str("client_id", c.ID).Str("user_id", claims.Subject).Msg("client authenticated")
	c.Enqueue(authSuccess(claims.Subject))
	return true
}

// broadcastEvent delivers ev to every subscriber of its type. Events
// scoped to a user reach only that user's connections when FilterByUser
// is set.
func (h *Hub) broadcastEvent(ev types.ServerEvent) {
	h.mu.RLock()
	subs, ok := h.events[ev.EventType]
	if !ok {
		h.mu.RUnlock()
		return
	}
	// Copy subscribers to avoid holding the lock during sends.
	clients := make([]*Client, 0, len(subs))
	for id := range subs {
		if c, exists := h.clients[id]; exists {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	owner := ev.Owner()
	msg := eventMessage(ev)
	for _, c := range clients {
		if h.cfg.FilterByUser && owner != "" && c.UserID() != owner {
			continue
		}
		if !c.Enqueue(msg) {
			h.logger.Warn().Str("client_id", c.ID).Msg("send buffer full, dropping")
		}
	}
}

// publishToBridge forwards an event to the bridge if one is attached.
func (h *Hub) publishToBridge(ev types.ServerEvent) {
	h.mu.RLock()
	b := h.bridge
	h.mu.RUnlock()

	if b == nil || !b.Available() {
		return
	}
	if err := b.Publish(ev); err != nil {
		h.logger.Error().Err(err).Msg("bridge publish failed")
	}
}

// Publish sends an event to all subscribers of its type, here and on
// bridged instances.
func (h *Hub) Publish(ev types.ServerEvent) {
	select {
	case h.broadcast <- stamp(ev):
	case <-h.done:
	}
}

// Subscribe adds a client to an event type under a subscription id.
func (h *Hub) Subscribe(eventType, clientID, subscriptionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[clientID]
	if !ok {
		return false
	}
	if h.events[eventType] == nil {
		h.events[eventType] = make(map[string]bool)
	}
	h.events[eventType][clientID] = true
	c.addSubscription(eventType, subscriptionID)
	return true
}

// Unsubscribe removes one subscription id, or all of a client's
// subscriptions to eventType when subscriptionID is empty.
func (h *Hub) Unsubscribe(eventType, clientID, subscriptionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.events[eventType]
	if !ok {
		return false
	}
	c, ok := h.clients[clientID]
	if !ok {
		return false
	}
	if c.removeSubscription(eventType, subscriptionID) {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(h.events, eventType)
		}
	}
	return true
}

// SendToClient sends a message directly to a specific client.
func (h *Hub) SendToClient(clientID string, msg any) bool {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return client.Enqueue(msg)
}
