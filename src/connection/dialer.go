package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/orchestra-mcp/wsharness/src/types"
)

// Dialer opens WebSocket connections. The harness depends on this
// interface so tests can substitute scripted connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (types.Conn, error)
}

// WebsocketDialer dials real sockets with fasthttp/websocket.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer creates a dialer with the given buffer sizes.
// Handshake time is bounded by the context passed to Dial.
func NewWebsocketDialer(readBufferSize, writeBufferSize int) *WebsocketDialer {
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			Proxy:           http.ProxyFromEnvironment,
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
		},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (types.Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			return nil, fmt.Errorf("%w: HTTP %d", err, resp.StatusCode)
		}
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

// wsConn wraps fasthttp/websocket.Conn to satisfy types.Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) WriteJSON(v any) error { return w.conn.WriteJSON(v) }
func (w *wsConn) ReadMessage() (int, []byte, error) {
	return w.conn.ReadMessage()
}
func (w *wsConn) SetWriteDeadline(t time.Time) error { return w.conn.SetWriteDeadline(t) }
func (w *wsConn) Close() error                       { return w.conn.Close() }

func (w *wsConn) WriteClose(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// ValidateURL rejects anything that is not an absolute ws:// or wss:// URL.
func ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

// WithToken returns rawURL with a token query parameter, the
// alternative to in-band authentication some gateways accept.
func WithToken(rawURL, token string) (string, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
