// Package handshake runs the authenticate / AuthSuccess / AuthFailed
// exchange on a freshly opened connection.
//
// While a handshake is in flight the controller sits in front of the
// subscription registry: the connection's frame handler offers every
// decoded frame to the controller first. Non-terminal frames are held
// back and handed back for replay, in order, once AuthSuccess arrives,
// so nothing the server sends early is lost or reordered.
package handshake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/wsharness/src/clock"
	"github.com/orchestra-mcp/wsharness/src/protocol"
	"github.com/orchestra-mcp/wsharness/src/types"
	"github.com/orchestra-mcp/wsharness/src/wserr"
)

// Failure reasons produced by the controller itself. Reasons sent by the
// server in AuthFailed are passed through unchanged.
const (
	ReasonTimeout          = "timeout"
	ReasonConnectionClosed = "connection closed"
	ReasonCancelled        = "cancelled"
	ReasonRejected         = "authentication rejected"
)

// Session is the part of a connection the handshake needs.
type Session interface {
	Send(v any) error
	Done() <-chan struct{}
	MarkAuthenticating() bool
	MarkReady() bool
}

// Controller runs at most one handshake at a time.
type Controller struct {
	codec  *protocol.Codec
	clock  clock.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	pending *attempt
}

type attempt struct {
	buffered []protocol.Frame
	result   chan protocol.Frame
	decided  bool
}

// New creates a handshake controller. A nil clock means the real clock.
func New(codec *protocol.Codec, clk clock.Clock, logger zerolog.Logger) *Controller {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Controller{
		codec:  codec,
		clock:  clk,
		logger: logger.With().Str("component", "handshake").Logger(),
	}
}

// Begin arms a handshake so frames are intercepted from now on. Call it
// before the read pump starts when the server authenticates from the
// URL token and may answer immediately. Authenticate and Await call it
// themselves when nothing is armed.
func (h *Controller) Begin() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == nil {
		h.pending = &attempt{result: make(chan protocol.Frame, 1)}
	}
}

// InProgress reports whether a handshake is armed and still waiting
// for its verdict.
func (h *Controller) InProgress() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending != nil && !h.pending.decided
}

// Offer hands a decoded frame to the controller. handled is false when
// no handshake is in flight and the frame should go to the registry as
// usual. On AuthSuccess, replay holds the frames buffered during the
// handshake in receipt order; the caller must dispatch them before the
// next inbound frame.
func (h *Controller) Offer(frame protocol.Frame) (replay []protocol.Frame, handled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	a := h.pending
	if a == nil || a.decided {
		return nil, false
	}
	if !frame.Terminal() {
		a.buffered = append(a.buffered, frame)
		return nil, true
	}

	a.decided = true
	a.result <- frame
	if frame.Kind == protocol.KindAuthSuccess {
		return a.buffered, true
	}
	if len(a.buffered) > 0 {
		h.logger.Debug().Int("frames", len(a.buffered)).Msg("discarding frames buffered before auth failure")
	}
	return nil, true
}

// Authenticate sends the in-band authenticate message and waits for the
// server's verdict. It never returns an error: every failure, including
// a send failure, is reported in the AuthResult.
func (h *Controller) Authenticate(ctx context.Context, s Session, token string, timeout time.Duration) types.AuthResult {
	a := h.arm()
	s.MarkAuthenticating()

	if err := s.Send(h.codec.Authenticate(token)); err != nil {
		h.abandon(a)
		reason := err.Error()
		if errors.Is(err, wserr.ErrConnectionClosed) {
			reason = ReasonConnectionClosed
		}
		h.logger.Warn().Err(err).Msg("failed to send authenticate")
		return types.AuthResult{FailureReason: reason}
	}
	return h.wait(ctx, s, a, timeout)
}

// Await waits for the verdict of a handshake the server starts on its
// own, as with a ?token= URL. Nothing is sent.
func (h *Controller) Await(ctx context.Context, s Session, timeout time.Duration) types.AuthResult {
	a := h.arm()
	s.MarkAuthenticating()
	return h.wait(ctx, s, a, timeout)
}

func (h *Controller) arm() *attempt {
	h.Begin()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending
}

// abandon disarms a, unless another attempt replaced it.
func (h *Controller) abandon(a *attempt) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == a {
		h.pending = nil
	}
}

func (h *Controller) wait(ctx context.Context, s Session, a *attempt, timeout time.Duration) types.AuthResult {
	var frame protocol.Frame
	select {
	case frame = <-a.result:
	case <-h.clock.After(timeout):
		h.abandon(a)
		if f, ok := h.late(a); ok {
			frame = f
			break
		}
		h.logger.Warn().Dur("timeout", timeout).Msg("no auth verdict before timeout")
		return types.AuthResult{FailureReason: ReasonTimeout}
	case <-s.Done():
		h.abandon(a)
		if f, ok := h.late(a); ok {
			frame = f
			break
		}
		return types.AuthResult{FailureReason: ReasonConnectionClosed}
	case <-ctx.Done():
		h.abandon(a)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.AuthResult{FailureReason: ReasonTimeout}
		}
		return types.AuthResult{FailureReason: ReasonCancelled}
	}

	h.abandon(a)
	result := types.AuthResult{RawMessage: frame.Raw}
	if frame.Kind == protocol.KindAuthSuccess {
		result.Authenticated = true
		result.UserID = frame.UserID
		s.MarkReady()
		h.logger.Info().Str("user_id", frame.UserID).Msg("authenticated")
		return result
	}

	result.FailureReason = frame.Message
	if result.FailureReason == "" {
		result.FailureReason = ReasonRejected
	}
	h.logger.Info().Str("reason", result.FailureReason).Msg("authentication failed")
	return result
}

// late picks up a verdict that raced with the timer or the close.
func (h *Controller) late(a *attempt) (protocol.Frame, bool) {
	select {
	case f := <-a.result:
		return f, true
	default:
		return protocol.Frame{}, false
	}
}
