// Package wstest provides scripted WebSocket connections for tests that
// should not open real sockets.
package wstest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/orchestra-mcp/wsharness/src/types"
)

// ErrClosed is returned by reads and writes after a local Close.
var ErrClosed = errors.New("wstest: connection closed")

type item struct {
	data []byte
	err  error
}

// Conn is a types.Conn whose inbound frames are pushed by the test and
// whose outbound frames are recorded.
type Conn struct {
	inbound  chan item
	closedCh chan struct{}
	writes   chan json.RawMessage

	mu        sync.Mutex
	written   []json.RawMessage
	closed    bool
	terminal  error
	closeCode int
}

// NewConn creates an open scripted connection.
func NewConn() *Conn {
	return &Conn{
		inbound:  make(chan item, 64),
		closedCh: make(chan struct{}),
		writes:   make(chan json.RawMessage, 64),
	}
}

// Push queues an inbound frame. Strings and byte slices are sent as-is;
// anything else is JSON encoded.
func (c *Conn) Push(frame any) {
	var data []byte
	switch v := frame.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			panic(err)
		}
		data = b
	}
	c.inbound <- item{data: data}
}

// Drop simulates the server closing the socket with code.
func (c *Conn) Drop(code int, reason string) {
	c.inbound <- item{err: &websocket.CloseError{Code: code, Text: reason}}
}

// Fail simulates a transport error on the next read.
func (c *Conn) Fail(err error) {
	c.inbound <- item{err: err}
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if c.terminal != nil {
		err := c.terminal
		c.mu.Unlock()
		return 0, nil, err
	}
	c.mu.Unlock()

	select {
	case it := <-c.inbound:
		if it.err != nil {
			c.mu.Lock()
			c.terminal = it.err
			c.mu.Unlock()
			return 0, nil, it.err
		}
		return websocket.TextMessage, it.data, nil
	case <-c.closedCh:
		return 0, nil, ErrClosed
	}
}

func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.written = append(c.written, data)
	c.mu.Unlock()

	select {
	case c.writes <- data:
	default:
	}
	return nil
}

func (c *Conn) WriteClose(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closeCode = code
	return nil
}

func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCode returns the code sent with WriteClose, or 0.
func (c *Conn) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// Written returns a copy of every frame written so far.
func (c *Conn) Written() []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]json.RawMessage, len(c.written))
	copy(cp, c.written)
	return cp
}

// NextWrite waits for the next written frame and decodes it.
func (c *Conn) NextWrite(timeout time.Duration) (map[string]any, bool) {
	select {
	case data := <-c.writes:
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, false
		}
		return m, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Dialer hands out scripted connections in order.
type Dialer struct {
	mu    sync.Mutex
	queue []*Conn
	errs  []error
	urls  []string

	// Block makes Dial wait for its context instead of returning.
	Block bool

	gate chan struct{}
}

// Hold makes later dials wait, regardless of their context, until the
// returned release func is called.
func (d *Dialer) Hold() (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gate = gate
	d.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Enqueue adds connections to hand out on subsequent dials.
func (d *Dialer) Enqueue(conns ...*Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, conns...)
}

// FailNext makes the next dial return err.
func (d *Dialer) FailNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

// URLs returns every URL dialed so far.
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *Dialer) Dial(ctx context.Context, url string, _ http.Header) (types.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	block := d.Block
	gate := d.gate
	var err error
	if len(d.errs) > 0 {
		err, d.errs = d.errs[0], d.errs[1:]
	}
	var conn *Conn
	if err == nil && !block {
		if len(d.queue) > 0 {
			conn, d.queue = d.queue[0], d.queue[1:]
		} else {
			conn = NewConn()
		}
	}
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return conn, nil
}
