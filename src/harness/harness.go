// Package harness drives one logical WebSocket test flow: it connects,
// authenticates, subscribes, captures events and recovers from abnormal
// closes. It wires the connection, handshake, registry and resilience
// packages together and owns nothing else.
package harness

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/wsharness/config"
	"github.com/orchestra-mcp/wsharness/src/clock"
	"github.com/orchestra-mcp/wsharness/src/connection"
	"github.com/orchestra-mcp/wsharness/src/handshake"
	"github.com/orchestra-mcp/wsharness/src/protocol"
	"github.com/orchestra-mcp/wsharness/src/registry"
	"github.com/orchestra-mcp/wsharness/src/resilience"
	"github.com/orchestra-mcp/wsharness/src/types"
	"github.com/orchestra-mcp/wsharness/src/wserr"
)

// Options carries the collaborators a Harness can have swapped out.
type Options struct {
	Logger zerolog.Logger
	// Clock defaults to the real clock.
	Clock clock.Clock
	// Dialer defaults to a fasthttp/websocket dialer.
	Dialer connection.Dialer
	// Confirm and ConfirmUnsubscribe override how acknowledgements are
	// recognised; nil keeps the registry defaults.
	Confirm            protocol.ConfirmationPredicate
	ConfirmUnsubscribe protocol.ConfirmationPredicate
}

// Harness is safe for concurrent use, but holds at most one live
// connection at a time. Run several harnesses for concurrent clients.
type Harness struct {
	cfg    *config.HarnessConfig
	codec  *protocol.Codec
	clock  clock.Clock
	logger zerolog.Logger

	manager    *connection.Manager
	auth       *handshake.Controller
	registry   *registry.Registry
	resilience *resilience.Controller

	mu   sync.Mutex
	conn *connection.Connection
	url  string
	// tokenInURL is set when the live connection carries its token in
	// the query string, so the server answers without an authenticate
	// message.
	tokenInURL bool
	// session is the token of the last successful handshake; empty when
	// the connection is unauthenticated.
	session string
	closed  bool
}

// New creates a harness. A nil cfg uses config.DefaultHarnessConfig.
func New(cfg *config.HarnessConfig, opts Options) *Harness {
	if cfg == nil {
		cfg = config.DefaultHarnessConfig()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Dialer == nil {
		opts.Dialer = connection.NewWebsocketDialer(cfg.ReadBufferSize, cfg.WriteBufferSize)
	}

	codec := protocol.NewCodec(cfg.Fields)
	h := &Harness{
		cfg:    cfg,
		codec:  codec,
		clock:  opts.Clock,
		logger: opts.Logger.With().Str("component", "harness").Logger(),
	}
	h.manager = connection.NewManager(connection.Options{
		Dialer:     opts.Dialer,
		Clock:      opts.Clock,
		Logger:     opts.Logger,
		WriteWait:  cfg.WriteWait(),
		PingPeriod: cfg.PingPeriod(),
		Ping:       func() any { return codec.Ping() },
	})
	h.auth = handshake.New(codec, opts.Clock, opts.Logger)
	h.registry = registry.New(registry.Options{
		Codec:              codec,
		Clock:              opts.Clock,
		Logger:             opts.Logger,
		Confirm:            opts.Confirm,
		ConfirmUnsubscribe: opts.ConfirmUnsubscribe,
		AutoConfirm:        cfg.Confirmation == config.ConfirmNone,
	})
	h.resilience = resilience.New(h, resilience.Config{
		Attempts:   cfg.ReconnectAttempts,
		Backoff:    cfg.ReconnectBackoff(),
		MaxBackoff: cfg.ReconnectMaxBackoff(),
		Grace:      cfg.ReconnectGrace(),
		OnFailed:   func(error) { h.registry.Reset() },
		Clock:      opts.Clock,
		Logger:     opts.Logger,
	})
	return h
}

// Config returns the configuration the harness was built with.
func (h *Harness) Config() *config.HarnessConfig { return h.cfg }

// Connect opens a connection to url within the configured connect
// timeout. The connection is Ready at once when no token is configured;
// otherwise it is Authenticating until Authenticate collects the
// verdict. With TokenInQuery the configured token is sent in the URL and
// the server's verdict is collected by Authenticate.
func (h *Harness) Connect(ctx context.Context, url string) types.ConnectResult {
	start := h.clock.Now()

	h.resilience.Reset()
	h.mu.Lock()
	h.closed = false
	h.mu.Unlock()

	token := h.cfg.Token
	inURL := h.cfg.TokenInQuery && token != ""
	c, err := h.open(ctx, url, token, inURL)
	if err != nil {
		return types.ConnectResult{Reason: err.Error(), Err: err}
	}
	if token == "" {
		c.MarkReady()
	} else {
		c.MarkAuthenticating()
	}
	return types.ConnectResult{
		Connected:      true,
		ConnectionID:   c.ID,
		ConnectionTime: h.clock.Now().Sub(start),
	}
}

// open dials url and starts the read pump. When inURL is set the token
// is added to the query and the handshake is armed before the first
// frame can arrive.
func (h *Harness) open(ctx context.Context, url, token string, inURL bool) (*connection.Connection, error) {
	target := url
	if inURL {
		var err error
		if target, err = connection.WithToken(url, token); err != nil {
			return nil, &wserr.ConnectionError{Op: "connect", URL: url, Err: err}
		}
	}

	c, err := h.manager.Connect(ctx, target, h.cfg.ConnectTimeout(), nil)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = c.Close()
		return nil, wserr.ErrConnectionClosed
	}
	h.conn = c
	h.url = url
	h.tokenInURL = inURL
	h.session = ""
	h.mu.Unlock()

	h.registry.Attach(c)
	if inURL {
		h.auth.Begin()
	}
	c.Start(h)
	return c, nil
}

// Authenticate runs the handshake on the live connection within the
// configured auth timeout. An empty token uses the configured one. When
// the token was sent in the URL nothing is sent and the server's
// verdict is awaited. Failures, including the absence of a connection,
// are reported in the result.
func (h *Harness) Authenticate(ctx context.Context, token string) types.AuthResult {
	if token == "" {
		token = h.cfg.Token
	}
	c := h.current()
	if c == nil {
		return types.AuthResult{FailureReason: wserr.ErrNotConnected.Error()}
	}

	h.mu.Lock()
	inURL := h.tokenInURL
	h.mu.Unlock()

	res := h.handshake(ctx, c, token, inURL)
	if res.Authenticated {
		h.mu.Lock()
		if h.conn == c {
			h.session = token
		}
		h.mu.Unlock()
	}
	return res
}

func (h *Harness) handshake(ctx context.Context, c *connection.Connection, token string, inURL bool) types.AuthResult {
	if inURL {
		return h.auth.Await(ctx, c, h.cfg.AuthTimeout())
	}
	return h.auth.Authenticate(ctx, c, token, h.cfg.AuthTimeout())
}

// Subscribe sends a subscribe request and returns its id. The
// subscription is Pending until confirmed.
func (h *Harness) Subscribe(eventType string, filters map[string]string) (string, error) {
	return h.registry.Subscribe(eventType, filters)
}

// SubscribeConfirmed subscribes and waits for the confirmation within
// the configured confirm timeout.
func (h *Harness) SubscribeConfirmed(ctx context.Context, eventType string, filters map[string]string) (string, error) {
	id, err := h.registry.Subscribe(eventType, filters)
	if err != nil {
		return "", err
	}
	if err := h.registry.Confirm(ctx, id, h.cfg.ConfirmTimeout()); err != nil {
		return id, err
	}
	return id, nil
}

// AwaitConfirmation reports whether subscription id is confirmed within
// timeout.
func (h *Harness) AwaitConfirmation(ctx context.Context, id string, timeout time.Duration) bool {
	return h.registry.AwaitConfirmation(ctx, id, timeout)
}

// Unsubscribe sends an unsubscribe request for id.
func (h *Harness) Unsubscribe(id string) error {
	return h.registry.Unsubscribe(id)
}

// AwaitCancellation reports whether subscription id is cancelled within
// timeout.
func (h *Harness) AwaitCancellation(ctx context.Context, id string, timeout time.Duration) bool {
	return h.registry.AwaitCancellation(ctx, id, timeout)
}

// AwaitEvent waits for an event on subscription id that satisfies
// match; a nil match accepts any event. Events already logged count.
func (h *Harness) AwaitEvent(ctx context.Context, id string, match func(types.DeliveredEvent) bool, timeout time.Duration) (types.DeliveredEvent, bool) {
	return h.registry.AwaitEvent(ctx, id, match, timeout)
}

// Events returns a copy of the events delivered to subscription id.
func (h *Harness) Events(id string) []types.DeliveredEvent {
	return h.registry.Events(id)
}

// Subscription returns a snapshot of subscription id.
func (h *Harness) Subscription(id string) (types.Subscription, bool) {
	return h.registry.Subscription(id)
}

// Subscriptions returns every subscription that is not cancelled, in
// creation order.
func (h *Harness) Subscriptions() []types.Subscription {
	return h.registry.Subscriptions()
}

// Ping sends an application-level ping.
func (h *Harness) Ping() error {
	c := h.current()
	if c == nil {
		return wserr.ErrNotConnected
	}
	return c.Send(h.codec.Ping())
}

// State returns the live connection's state, or Closed when there is
// none.
func (h *Harness) State() types.ConnState {
	h.mu.Lock()
	c := h.conn
	h.mu.Unlock()
	if c == nil {
		return types.StateClosed
	}
	return c.State()
}

// ConnectionID returns the live connection's id, or "".
func (h *Harness) ConnectionID() string {
	if c := h.current(); c != nil {
		return c.ID
	}
	return ""
}

// Resilience exposes the recovery state machine.
func (h *Harness) Resilience() types.ResilienceState { return h.resilience.State() }

// Recoveries returns how many times the harness recovered from an
// abnormal close.
func (h *Harness) Recoveries() int { return h.resilience.Recoveries() }

// ReconnectAttempts returns every reconnect attempt so far.
func (h *Harness) ReconnectAttempts() []types.ReconnectAttempt { return h.resilience.Attempts() }

// AwaitRecoveries waits until n recoveries have completed. It returns
// the terminal *wserr.ReconnectError if recovery fails instead.
func (h *Harness) AwaitRecoveries(ctx context.Context, n int, timeout time.Duration) error {
	return h.resilience.AwaitRecoveries(ctx, n, timeout)
}

// Close closes the live connection, aborts any recovery in progress and
// cancels every subscription. It is safe to call repeatedly. A closed
// harness can Connect again.
func (h *Harness) Close() error {
	h.mu.Lock()
	h.closed = true
	c := h.conn
	h.mu.Unlock()

	h.resilience.Abort()

	var err error
	if c != nil {
		err = c.Close()
	}
	h.registry.Reset()
	return err
}

// Shutdown closes the harness and stops any recovery in progress. The
// harness cannot recover from closes afterwards.
func (h *Harness) Shutdown() error {
	err := h.Close()
	h.resilience.Stop()
	return err
}

func (h *Harness) current() *connection.Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil || h.conn.Closed() {
		return nil
	}
	return h.conn
}
