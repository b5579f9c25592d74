// Package connection owns the socket lifecycle: dialing with a timeout,
// the read pump, serialized writes, and close classification.
package connection

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/wsharness/src/clock"
	"github.com/orchestra-mcp/wsharness/src/types"
	"github.com/orchestra-mcp/wsharness/src/wserr"
)

// Options configures a Manager.
type Options struct {
	Dialer     Dialer
	Clock      clock.Clock
	Logger     zerolog.Logger
	WriteWait  time.Duration
	PingPeriod time.Duration
	// Ping builds the keepalive frame; nil disables keepalive.
	Ping func() any
}

// Manager dials connections and enforces one live connection at a time.
type Manager struct {
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	active     *Connection
	connecting bool
}

// NewManager creates a connection manager. A nil Dialer or Clock falls
// back to the real implementations.
func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = NewWebsocketDialer(1024, 1024)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Manager{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "connection-manager").Logger(),
	}
}

// Active returns the live connection, or nil.
func (m *Manager) Active() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.Closed() {
		return nil
	}
	return m.active
}

type dialResult struct {
	conn types.Conn
	err  error
}

// Connect dials url and returns an Open connection whose read pump has
// not started yet. It fails with *wserr.ConnectionError for malformed
// or unreachable endpoints and *wserr.TimeoutError when the socket is
// not open within timeout. A socket that opens after the timeout is
// closed immediately.
func (m *Manager) Connect(ctx context.Context, url string, timeout time.Duration, header http.Header) (*Connection, error) {
	if _, err := ValidateURL(url); err != nil {
		return nil, &wserr.ConnectionError{Op: "connect", URL: url, Err: err}
	}

	if err := m.reserve(); err != nil {
		return nil, &wserr.ConnectionError{Op: "connect", URL: url, Err: err}
	}
	defer m.unreserve()

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan dialResult, 1)
	go func() {
		conn, err := m.opts.Dialer.Dial(dialCtx, url, header)
		results <- dialResult{conn: conn, err: err}
	}()

	abandon := func() {
		cancel()
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
	}

	var r dialResult
	select {
	case r = <-results:
	case <-m.opts.Clock.After(timeout):
		abandon()
		m.logger.Warn().Str("url", url).Dur("timeout", timeout).Msg("connect timed out")
		return nil, &wserr.TimeoutError{Op: "connect", Timeout: timeout}
	case <-ctx.Done():
		abandon()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &wserr.TimeoutError{Op: "connect", Timeout: timeout}
		}
		return nil, &wserr.ConnectionError{Op: "connect", URL: url, Err: ctx.Err()}
	}

	if r.err != nil {
		m.logger.Debug().Err(r.err).Str("url", url).Msg("dial failed")
		return nil, &wserr.ConnectionError{Op: "connect", URL: url, Err: r.err}
	}

	c := newConnection(uuid.New().String(), url, r.conn, m.opts)
	m.mu.Lock()
	m.active = c
	m.mu.Unlock()

	m.logger.Info().Str("connection_id", c.ID).Str("url", url).Msg("connection open")
	return c, nil
}

// CloseActive closes the live connection, if any.
func (m *Manager) CloseActive() error {
	m.mu.Lock()
	c := m.active
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connecting {
		return wserr.ErrAlreadyConnected
	}
	if a := m.active; a != nil && !a.Closed() && a.State() < types.StateClosing {
		return wserr.ErrAlreadyConnected
	}
	m.connecting = true
	return nil
}

func (m *Manager) unreserve() {
	m.mu.Lock()
	m.connecting = false
	m.mu.Unlock()
}
