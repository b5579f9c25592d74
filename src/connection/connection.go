package connection

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/wsharness/src/clock"
	"github.com/orchestra-mcp/wsharness/src/types"
	"github.com/orchestra-mcp/wsharness/src/wserr"
)

// closeWait bounds how long Close waits for the read pump to exit.
const closeWait = 2 * time.Second

// Handler receives everything the read pump observes. Both methods are
// called from the pump goroutine, so frames arrive strictly in order and
// HandleClose is the last call for a connection.
type Handler interface {
	HandleFrame(c *Connection, raw []byte)
	HandleClose(c *Connection, info CloseInfo)
}

// Connection is one live socket owned by a Manager.
type Connection struct {
	ID        string
	URL       string
	CreatedAt time.Time

	conn   types.Conn
	clock  clock.Clock
	logger zerolog.Logger

	state        atomic.Int32
	lastActivity atomic.Int64

	writeMu   sync.Mutex
	writeWait time.Duration

	pingPeriod time.Duration
	ping       func() any

	startMu sync.Mutex
	started bool
	closing atomic.Bool

	closeOnce  sync.Once
	finishOnce sync.Once
	done       chan struct{}
	info       CloseInfo
}

func newConnection(id, url string, conn types.Conn, opts Options) *Connection {
	now := opts.Clock.Now()
	c := &Connection{
		ID:         id,
		URL:        url,
		CreatedAt:  now,
		conn:       conn,
		clock:      opts.Clock,
		logger:     opts.Logger.With().Str("connection_id", id).Logger(),
		writeWait:  opts.WriteWait,
		pingPeriod: opts.PingPeriod,
		ping:       opts.Ping,
		done:       make(chan struct{}),
	}
	c.state.Store(int32(types.StateOpen))
	c.lastActivity.Store(now.UnixNano())
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() types.ConnState {
	return types.ConnState(c.state.Load())
}

// LastActivity returns when a frame was last read or written.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Done is closed once the connection has ended for any reason.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Closed reports whether the connection has ended.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// CloseInfo describes how the connection ended. Only meaningful after Done.
func (c *Connection) CloseInfo() CloseInfo {
	<-c.done
	return c.info
}

// MarkAuthenticating moves an open connection into the handshake.
func (c *Connection) MarkAuthenticating() bool {
	return c.transition(types.StateAuthenticating, types.StateOpen)
}

// MarkReady moves an open or authenticating connection to Ready.
func (c *Connection) MarkReady() bool {
	return c.transition(types.StateReady, types.StateOpen, types.StateAuthenticating)
}

func (c *Connection) transition(to types.ConnState, from ...types.ConnState) bool {
	for {
		cur := types.ConnState(c.state.Load())
		allowed := false
		for _, f := range from {
			if cur == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

// Send writes one JSON frame. Writes are serialized.
func (c *Connection) Send(v any) error {
	if c.Closed() || c.closing.Load() {
		return wserr.ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeWait > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
			return err
		}
	}
	if err := c.conn.WriteJSON(v); err != nil {
		return err
	}
	c.lastActivity.Store(c.clock.Now().UnixNano())
	return nil
}

// Start launches the read pump (and keepalive, when configured). Frames
// are not read before Start, which lets the caller arm the handshake
// first. Calling Start again, or after Close, does nothing.
func (c *Connection) Start(h Handler) {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started || c.closing.Load() {
		return
	}
	c.started = true

	go c.readPump(h)
	if c.pingPeriod > 0 && c.ping != nil {
		go c.keepalive()
	}
}

// Close sends a normal close frame, releases the socket and waits
// briefly for the read pump to finish. It always leaves the connection
// Closed and is safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.state.Store(int32(types.StateClosing))

		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteClose(types.CloseNormal, "")
		c.writeMu.Unlock()
		err = c.conn.Close()

		c.startMu.Lock()
		started := c.started
		c.startMu.Unlock()
		if !started {
			c.finish(nil, nil)
		}
	})

	select {
	case <-c.done:
	case <-time.After(closeWait):
		c.logger.Warn().Msg("read pump did not exit after close")
	}
	c.state.Store(int32(types.StateClosed))
	return err
}

// readPump reads frames until the socket fails or is closed.
func (c *Connection) readPump(h Handler) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err, h)
			return
		}
		c.lastActivity.Store(c.clock.Now().UnixNano())
		h.HandleFrame(c, data)
	}
}

func (c *Connection) finish(err error, h Handler) {
	c.finishOnce.Do(func() {
		info := closeInfoFromError(err, c.closing.Load())
		if info.Clean() {
			c.state.Store(int32(types.StateClosed))
		} else {
			c.state.Store(int32(types.StateFailed))
		}
		_ = c.conn.Close()
		c.info = info
		close(c.done)

		ev := c.logger.Debug()
		if !info.Clean() {
			ev = c.logger.Warn()
		}
		ev.Int("code", info.Code).
			Str("kind", info.Kind().String()).
			AnErr("cause", info.Err).
			Msg("connection ended")

		if h != nil {
			h.HandleClose(c, info)
		}
	})
}

func (c *Connection) keepalive() {
	for {
		select {
		case <-c.done:
			return
		case <-c.clock.After(c.pingPeriod):
		}
		if err := c.Send(c.ping()); err != nil {
			c.logger.Debug().Err(err).Msg("keepalive ping failed")
			return
		}
	}
}
