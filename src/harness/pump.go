package harness

import (
	"context"
	"time"

	"github.com/orchestra-mcp/wsharness/src/connection"
	"github.com/orchestra-mcp/wsharness/src/handshake"
	"github.com/orchestra-mcp/wsharness/src/types"
	"github.com/orchestra-mcp/wsharness/src/wserr"
)

// HandleFrame decodes one inbound frame and routes it: to the handshake
// while one is in flight, otherwise to the registry. Frames buffered
// during a successful handshake are dispatched first, in order.
func (h *Harness) HandleFrame(c *connection.Connection, raw []byte) {
	if !h.owns(c) {
		return
	}
	frame, err := h.codec.Decode(raw)
	if err != nil {
		h.logger.Debug().Err(err).Str("connection_id", c.ID).Msg("dropping malformed frame")
		return
	}
	replay, handled := h.auth.Offer(frame)
	for _, f := range replay {
		h.registry.OnFrame(f)
	}
	if !handled {
		h.registry.OnFrame(frame)
	}
}

// HandleClose tears subscriptions down on a clean close and hands
// abnormal closes to the resilience controller.
func (h *Harness) HandleClose(c *connection.Connection, info connection.CloseInfo) {
	h.mu.Lock()
	if h.conn != c {
		h.mu.Unlock()
		return
	}
	closed := h.closed
	h.mu.Unlock()

	if info.Clean() || closed || h.cfg.ReconnectAttempts <= 0 {
		if !info.Clean() {
			h.logger.Warn().Int("code", info.Code).Str("kind", info.Kind().String()).Msg("connection lost, not reconnecting")
		}
		h.registry.Reset()
		return
	}

	h.registry.Suspend()
	if !h.resilience.OnClose(info) {
		switch h.resilience.State() {
		case types.ResilienceDisconnected, types.ResilienceReconnecting:
			// The running recovery picks the drop up.
		default:
			h.registry.Reset()
		}
	}
}

// Reconnect opens a fresh connection to the last URL and repeats the
// handshake when the lost connection was authenticated. It is called by
// the resilience controller.
func (h *Harness) Reconnect(ctx context.Context, attempt int) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return wserr.ErrConnectionClosed
	}
	url, token, inURL := h.url, h.session, h.tokenInURL
	h.mu.Unlock()

	h.logger.Info().Int("attempt", attempt).Str("url", url).Msg("reconnecting")

	authed := token != ""
	c, err := h.open(ctx, url, token, inURL && authed)
	if err != nil {
		return err
	}
	if !authed {
		c.MarkReady()
		return nil
	}

	res := h.handshake(ctx, c, token, inURL)
	if !res.Authenticated {
		h.mu.Lock()
		if h.conn == c {
			h.conn = nil
		}
		h.mu.Unlock()
		_ = c.Close()
		if res.FailureReason == handshake.ReasonTimeout {
			return &wserr.TimeoutError{Op: "authenticate", Timeout: h.cfg.AuthTimeout()}
		}
		return res.Err()
	}

	h.mu.Lock()
	if h.conn == c {
		h.session = token
	}
	h.mu.Unlock()
	return nil
}

// Resubscribe replays the subscriptions suspended at disconnect time.
func (h *Harness) Resubscribe() ([]string, error) {
	return h.registry.Resubscribe()
}

// AwaitAnyConfirmation reports whether one of ids is confirmed within
// timeout.
func (h *Harness) AwaitAnyConfirmation(ctx context.Context, ids []string, timeout time.Duration) bool {
	return h.registry.AwaitAnyConfirmation(ctx, ids, timeout)
}

func (h *Harness) owns(c *connection.Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn == c
}
