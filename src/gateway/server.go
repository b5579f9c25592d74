package gateway

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/orchestra-mcp/wsharness/config"
	"github.com/orchestra-mcp/wsharness/src/bridge"
	"github.com/orchestra-mcp/wsharness/src/types"
)

// Server serves the gateway over HTTP: WebSocket upgrades on /ws and
// a small JSON API on everything else.
type Server struct {
	cfg      *config.GatewayConfig
	hub      *Hub
	app      *fiber.App
	upgrader websocket.FastHTTPUpgrader
	srv      *fasthttp.Server
	logger   zerolog.Logger

	mu     sync.Mutex
	ln     net.Listener
	bridge bridge.Bridge
}

// NewServer creates a stopped server. A nil cfg uses the defaults.
func NewServer(cfg *config.GatewayConfig, validator TokenValidator, logger zerolog.Logger) *Server {
	if cfg == nil {
		cfg = config.DefaultGatewayConfig()
	}
	s := &Server{
		cfg: cfg,
		hub: New(cfg, validator, logger),
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(*fasthttp.RequestCtx) bool { return true },
		},
		logger: logger.With().Str("component", "gateway-server").Logger(),
	}
	s.app = fiber.New()
	s.registerRoutes(s.app)
	appHandler := s.app.Handler()
	s.srv = &fasthttp.Server{
		Name: "wsharness-gateway",
		Handler: func(ctx *fasthttp.RequestCtx) {
			if string(ctx.Path()) == "/ws" {
				s.handleUpgrade(ctx)
				return
			}
			appHandler(ctx)
		},
	}
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub { return s.hub }

// EnableRedis attaches and starts a Redis bridge. On failure the server
// keeps running single-instance and the error is returned.
func (s *Server) EnableRedis(cfg *bridge.RedisConfig) error {
	rb := bridge.NewRedisBridge(cfg, s.hub, s.logger)
	if err := rb.Start(); err != nil {
		_ = rb.Stop()
		s.logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis bridge unavailable, running single-instance")
		return err
	}
	s.SetBridge(rb)
	return nil
}

// SetBridge attaches an already started bridge.
func (s *Server) SetBridge(b bridge.Bridge) {
	s.mu.Lock()
	s.bridge = b
	s.mu.Unlock()
	s.hub.SetBridge(b)
}

// Start listens on the configured address and serves in the background.
// Port 0 picks a free port; see Addr.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go s.hub.Run()
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error().Err(err).Msg("gateway server stopped")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("gateway listening")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// URL returns the WebSocket endpoint URL.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + "/ws"
}

// Publish sends an event to its subscribers.
func (s *Server) Publish(ev types.ServerEvent) { s.hub.Publish(ev) }

// Kick closes one client with the given close code.
func (s *Server) Kick(clientID string, code int, reason string) bool {
	return s.hub.Kick(clientID, code, reason)
}

// DisconnectAll closes every client with the given close code.
func (s *Server) DisconnectAll(code int, reason string) int {
	return s.hub.DisconnectAll(code, reason)
}

// Shutdown closes every client with 1001, stops accepting connections
// and stops the bridge and hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.DisconnectAll(types.CloseGoingAway, "server shutting down")
	err := s.srv.ShutdownWithContext(ctx)

	s.mu.Lock()
	b := s.bridge
	s.mu.Unlock()
	if b != nil {
		if berr := b.Stop(); berr != nil {
			s.logger.Warn().Err(berr).Msg("bridge stop failed")
		}
	}
	s.hub.Stop()
	return err
}

func (s *Server) registerRoutes(app *fiber.App) {
	app.Get("/ws/info", s.handleInfo)
	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"websocket":     true,
		"endpoint":      "/ws",
		"clients":       s.hub.ClientCount(),
		"authenticated": s.hub.AuthenticatedCount(),
		"event_types":   s.hub.EventTypes(),
	})
}

func (s *Server) handleUpgrade(ctx *fasthttp.RequestCtx) {
	upgrade := string(ctx.Request.Header.Peek("Upgrade"))
	if !strings.EqualFold(upgrade, "websocket") {
		ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
		return
	}
	if s.hub.Full() {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":"capacity","message":"too many connections"}`)
		return
	}

	// The request is recycled once the handler hijacks it.
	token := string(ctx.QueryArgs().Peek("token"))
	clientID := uuid.New().String()
	h := s.hub

	err := s.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		client := NewClient(clientID, &serverConn{conn: conn}, h)
		if !h.Register(client) {
			return
		}
		go client.WritePump()
		if token != "" {
			h.Authenticate(client, token)
		}
		client.ReadPump()
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
	}
}

// serverConn wraps fasthttp/websocket.Conn to satisfy types.Conn.
type serverConn struct {
	conn *websocket.Conn
}

func (f *serverConn) WriteJSON(v any) error              { return f.conn.WriteJSON(v) }
func (f *serverConn) ReadMessage() (int, []byte, error)  { return f.conn.ReadMessage() }
func (f *serverConn) SetWriteDeadline(t time.Time) error { return f.conn.SetWriteDeadline(t) }
func (f *serverConn) Close() error                       { return f.conn.Close() }
func (f *serverConn) WriteClose(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return f.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
