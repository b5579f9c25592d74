package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/orchestra-mcp/wsharness/config"
	"github.com/orchestra-mcp/wsharness/src/auth"
	"github.com/orchestra-mcp/wsharness/src/types"
)

func startServer(t *testing.T, mutate func(*config.GatewayConfig)) *Server {
	t.Helper()
	cfg := testConfig()
	cfg.Addr = "127.0.0.1:0"
	if mutate != nil {
		mutate(cfg)
	}
	s := NewServer(cfg, auth.NewIssuer(testSecret, nil), zerolog.Nop())
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]any
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestServerHealthAndInfo(t *testing.T) {
	s := startServer(t, nil)
	base := "http://" + s.Addr()

	status, body, err := fasthttp.Get(nil, base+"/health")
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	dial(t, s.URL())
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	status, body, err = fasthttp.Get(nil, base+"/ws/info")
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, status)
	var info map[string]any
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, true, info["websocket"])
	assert.Equal(t, "/ws", info["endpoint"])
	assert.Equal(t, float64(1), info["clients"])
}

func TestServerRequiresUpgrade(t *testing.T) {
	s := startServer(t, nil)

	status, body, err := fasthttp.Get(nil, "http://"+s.Addr()+"/ws")
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusUpgradeRequired, status)
	assert.Contains(t, string(body), "upgrade_required")
}

func TestServerRoundTrip(t *testing.T) {
	s := startServer(t, nil)
	conn := dial(t, s.URL())

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "authenticate", "token": mint(t, "user-1")}))
	assert.Equal(t, "AuthSuccess", readJSON(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "event_type": "risk_alerts", "subscription_id": "s1"}))
	assert.Equal(t, "subscription_confirmed", readJSON(t, conn)["type"])

	s.Publish(types.ServerEvent{EventType: "risk_alerts", UserID: "user-1", Data: map[string]any{"risk_score": 0.8}})
	m := readJSON(t, conn)
	assert.Equal(t, "Event", m["type"])
	ev := m["data"].(map[string]any)["event"].(map[string]any)
	assert.Equal(t, "RiskAlert", ev["event_type"])
	assert.Equal(t, "user-1", ev["payload"].(map[string]any)["user_id"])
}

func TestServerURLTokenAuthentication(t *testing.T) {
	s := startServer(t, nil)

	conn := dial(t, s.URL()+"?token="+mint(t, "user-42"))
	m := readJSON(t, conn)
	assert.Equal(t, "AuthSuccess", m["type"])
	assert.Equal(t, "user-42", m["data"].(map[string]any)["user_id"])

	bad := dial(t, s.URL()+"?token=garbage")
	assert.Equal(t, "AuthFailed", readJSON(t, bad)["type"])
}

func TestServerCapacity(t *testing.T) {
	s := startServer(t, func(c *config.GatewayConfig) { c.MaxConnections = 1 })

	dial(t, s.URL())
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(s.URL(), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, resp.StatusCode)
}

func TestServerKickDeliversCloseCode(t *testing.T) {
	s := startServer(t, nil)
	conn := dial(t, s.URL())
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	id := s.Hub().ConnectedClients()[0]
	require.True(t, s.Kick(id, types.CloseRateLimited, "slow down"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var cerr *websocket.CloseError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, types.CloseRateLimited, cerr.Code)
	assert.Equal(t, "slow down", cerr.Text)
}

func TestServerShutdownSendsGoingAway(t *testing.T) {
	s := startServer(t, nil)
	conn := dial(t, s.URL())
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var cerr *websocket.CloseError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, types.CloseGoingAway, cerr.Code)
}
