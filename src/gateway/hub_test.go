package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/wsharness/config"
	"github.com/orchestra-mcp/wsharness/src/auth"
	"github.com/orchestra-mcp/wsharness/src/types"
	"github.com/orchestra-mcp/wsharness/src/wstest"
)

const testSecret = "gateway-test-secret"

func testConfig() *config.GatewayConfig {
	cfg := config.DefaultGatewayConfig()
	cfg.MessagesPerSecond = 0
	cfg.WriteTimeout = 1
	return cfg
}

// newTestHub creates a hub and starts its event loop in a goroutine.
func newTestHub(t *testing.T, cfg *config.GatewayConfig) *Hub {
	t.Helper()
	h := New(cfg, auth.NewIssuer(testSecret, nil), zerolog.Nop())
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

// registerClient creates, registers, and starts a scripted client.
func registerClient(t *testing.T, h *Hub, id string) (*Client, *wstest.Conn) {
	t.Helper()
	conn := wstest.NewConn()
	client := NewClient(id, conn, h)
	h.Register(client)
	go client.WritePump()
	go client.ReadPump()
	// Allow registration to process.
	time.Sleep(20 * time.Millisecond)
	return client, conn
}

func mint(t *testing.T, subject string) string {
	t.Helper()
	tok, err := auth.NewIssuer(testSecret, nil).Mint(subject, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return tok
}

func nextWrite(t *testing.T, conn *wstest.Conn) map[string]any {
	t.Helper()
	m, ok := conn.NextWrite(time.Second)
	if !ok {
		t.Fatal("expected a frame from the gateway")
	}
	return m
}

func dataOf(t *testing.T, m map[string]any) map[string]any {
	t.Helper()
	d, ok := m["data"].(map[string]any)
	if !ok {
		t.Fatalf("frame has no data object: %v", m)
	}
	return d
}

func TestHubRegisterAndUnregister(t *testing.T) {
	h := newTestHub(t, testConfig())

	_, _ = registerClient(t, h, "client-1")
	c2, conn2 := registerClient(t, h, "client-2")

	if n := h.ClientCount(); n != 2 {
		t.Fatalf("expected 2 clients, got %d", n)
	}

	h.Unregister(c2)
	time.Sleep(20 * time.Millisecond)

	if h.ClientInfo("client-2") != nil {
		t.Error("expected client-2 to be unregistered")
	}
	if !conn2.IsClosed() {
		t.Error("expected client-2 connection to be closed")
	}
	if ids := h.ConnectedClients(); len(ids) != 1 || ids[0] != "client-1" {
		t.Errorf("expected only client-1, got %v", ids)
	}
}

func TestHubSubscribeAndUnsubscribe(t *testing.T) {
	h := newTestHub(t, testConfig())
	_, _ = registerClient(t, h, "c1")

	if ok := h.Subscribe("risk_alerts", "c1", "s1"); !ok {
		t.Fatal("subscribe should succeed for registered client")
	}
	h.Subscribe("risk_alerts", "c1", "s2")

	if n := h.EventTypes()["risk_alerts"]; n != 1 {
		t.Errorf("expected 1 subscriber on risk_alerts, got %d", n)
	}
	if ok := h.Subscribe("risk_alerts", "nonexistent", ""); ok {
		t.Error("subscribe should fail for unregistered client")
	}

	// One of two subscription ids leaves the client subscribed.
	h.Unsubscribe("risk_alerts", "c1", "s1")
	if _, ok := h.EventTypes()["risk_alerts"]; !ok {
		t.Fatal("expected risk_alerts to remain while s2 is active")
	}

	h.Unsubscribe("risk_alerts", "c1", "s2")
	if _, ok := h.EventTypes()["risk_alerts"]; ok {
		t.Error("expected risk_alerts to be removed after last unsubscribe")
	}
}

func TestPublishReachesSubscribersOnly(t *testing.T) {
	h := newTestHub(t, testConfig())
	_, conn1 := registerClient(t, h, "c1")
	_, conn2 := registerClient(t, h, "c2")

	h.Subscribe("price_updates", "c1", "")

	h.Publish(types.ServerEvent{EventType: "price_updates", Data: map[string]any{"price": 1.5}})
	time.Sleep(50 * time.Millisecond)

	written := conn1.Written()
	if len(written) != 1 {
		t.Fatalf("expected 1 event for c1, got %d", len(written))
	}
	if len(conn2.Written()) != 0 {
		t.Error("c2 should not receive the event")
	}

	m := nextWrite(t, conn1)
	if m["type"] != "Event" {
		t.Fatalf("expected Event envelope, got %v", m["type"])
	}
	ev := dataOf(t, m)["event"].(map[string]any)
	if ev["event_type"] != "PriceUpdate" {
		t.Errorf("expected PriceUpdate variant, got %v", ev["event_type"])
	}
	if ev["payload"].(map[string]any)["price"] != 1.5 {
		t.Errorf("unexpected payload %v", ev["payload"])
	}
}

func TestUserScopedEvents(t *testing.T) {
	h := newTestHub(t, testConfig())
	c1, conn1 := registerClient(t, h, "c1")
	c2, conn2 := registerClient(t, h, "c2")
	_, conn3 := registerClient(t, h, "anon")

	h.Authenticate(c1, mint(t, "user-1"))
	h.Authenticate(c2, mint(t, "user-2"))
	nextWrite(t, conn1)
	nextWrite(t, conn2)

	for _, id := range []string{"c1", "c2", "anon"} {
		h.Subscribe("transaction_status", id, "")
	}

	h.Publish(types.ServerEvent{EventType: "transaction_status", UserID: "user-1", Data: map[string]any{"status": "done"}})
	time.Sleep(50 * time.Millisecond)

	if len(conn1.Written()) != 2 {
		t.Errorf("user-1 should receive its event, got %d frames", len(conn1.Written()))
	}
	if len(conn2.Written()) != 1 {
		t.Error("user-2 must not receive user-1's event")
	}
	if len(conn3.Written()) != 0 {
		t.Error("unauthenticated connections must not receive user-scoped events")
	}

	// Unscoped events reach everyone.
	h.Publish(types.ServerEvent{EventType: "transaction_status", Data: map[string]any{"status": "broadcast"}})
	time.Sleep(50 * time.Millisecond)
	if len(conn3.Written()) != 1 {
		t.Error("unscoped event should reach anonymous subscribers")
	}
}

func TestUserFilterDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.FilterByUser = false
	h := newTestHub(t, cfg)
	_, conn := registerClient(t, h, "anon")
	h.Subscribe("transaction_status", "anon", "")

	h.Publish(types.ServerEvent{EventType: "transaction_status", UserID: "user-1"})
	time.Sleep(50 * time.Millisecond)

	if len(conn.Written()) != 1 {
		t.Error("expected delivery with user filtering disabled")
	}
}

func TestClientProtocol(t *testing.T) {
	h := newTestHub(t, testConfig())
	_, conn := registerClient(t, h, "c1")

	conn.Push(map[string]any{"action": "authenticate", "token": mint(t, "user-7")})
	m := nextWrite(t, conn)
	if m["type"] != "AuthSuccess" || dataOf(t, m)["user_id"] != "user-7" {
		t.Fatalf("expected AuthSuccess for user-7, got %v", m)
	}

	conn.Push(map[string]any{"action": "subscribe", "event_type": "risk_alerts", "subscription_id": "sub-1"})
	m = nextWrite(t, conn)
	if m["type"] != "subscription_confirmed" || m["event_type"] != "risk_alerts" || m["subscription_id"] != "sub-1" {
		t.Fatalf("unexpected confirmation %v", m)
	}

	conn.Push(map[string]any{"type": "Unsubscribe", "data": map[string]any{"event_type": "risk_alerts", "subscription_id": "sub-1"}})
	m = nextWrite(t, conn)
	if m["type"] != "unsubscription_confirmed" || m["subscription_id"] != "sub-1" {
		t.Fatalf("unexpected unsubscription confirmation %v", m)
	}

	conn.Push(map[string]any{"action": "ping"})
	if m = nextWrite(t, conn); m["type"] != "Pong" {
		t.Fatalf("expected Pong, got %v", m)
	}

	conn.Push("{not json")
	m = nextWrite(t, conn)
	if m["type"] != "Error" || dataOf(t, m)["message"] != msgInvalidFormat || dataOf(t, m)["code"] != float64(400) {
		t.Fatalf("expected invalid format error, got %v", m)
	}

	conn.Push(map[string]any{"action": "teleport"})
	m = nextWrite(t, conn)
	if m["type"] != "Error" || dataOf(t, m)["message"] != msgUnsupported {
		t.Fatalf("expected unsupported error, got %v", m)
	}

	conn.Push(map[string]any{"action": "subscribe"})
	m = nextWrite(t, conn)
	if dataOf(t, m)["message"] != msgMissingEventType {
		t.Fatalf("expected missing event_type error, got %v", m)
	}
}

func TestAuthenticationFailureKeepsConnection(t *testing.T) {
	h := newTestHub(t, testConfig())
	_, conn := registerClient(t, h, "c1")

	conn.Push(map[string]any{"action": "authenticate", "token": "invalid.format"})
	m := nextWrite(t, conn)
	if m["type"] != "AuthFailed" || dataOf(t, m)["error"] != auth.ReasonFormat {
		t.Fatalf("expected AuthFailed with format reason, got %v", m)
	}
	if conn.IsClosed() {
		t.Fatal("a failed authentication should not close the connection")
	}
	if info := h.ClientInfo("c1"); info == nil || info.Authenticated {
		t.Errorf("client should remain unauthenticated, got %+v", info)
	}
}

func TestSubscriptionsWithoutConfirmation(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmSubscriptions = false
	h := newTestHub(t, cfg)
	_, conn := registerClient(t, h, "c1")

	conn.Push(map[string]any{"action": "subscribe", "event_type": "risk_alerts"})
	conn.Push(map[string]any{"action": "ping"})

	if m := nextWrite(t, conn); m["type"] != "Pong" {
		t.Fatalf("expected no confirmation before Pong, got %v", m)
	}
	if n := h.EventTypes()["risk_alerts"]; n != 1 {
		t.Errorf("expected subscription to be recorded, got %d", n)
	}
}

func TestRateLimitCloses(t *testing.T) {
	cfg := testConfig()
	cfg.MessagesPerSecond = 0.001
	cfg.Burst = 2
	h := newTestHub(t, cfg)
	_, conn := registerClient(t, h, "c1")

	for i := 0; i < 2; i++ {
		conn.Push(map[string]any{"action": "ping"})
		nextWrite(t, conn)
	}
	conn.Push(map[string]any{"action": "ping"})
	time.Sleep(100 * time.Millisecond)

	if n := len(conn.Written()); n != 2 {
		t.Errorf("expected 2 replies within the burst, got %d", n)
	}
	if code := conn.CloseCode(); code != types.CloseRateLimited {
		t.Errorf("expected close code %d, got %d", types.CloseRateLimited, code)
	}
	if !conn.IsClosed() {
		t.Error("expected connection to be closed")
	}
	if h.ClientCount() != 0 {
		t.Error("expected rate-limited client to be unregistered")
	}
}

func TestKickSendsCloseCode(t *testing.T) {
	h := newTestHub(t, testConfig())
	_, conn := registerClient(t, h, "c1")
	_, other := registerClient(t, h, "c2")

	if !h.Kick("c1", types.CloseAuthFailed, "token revoked") {
		t.Fatal("kick should find c1")
	}
	time.Sleep(50 * time.Millisecond)

	if conn.CloseCode() != types.CloseAuthFailed || !conn.IsClosed() {
		t.Errorf("expected c1 closed with 4001, got code %d", conn.CloseCode())
	}
	if other.IsClosed() {
		t.Error("c2 should be unaffected")
	}
	if h.Kick("nonexistent", types.CloseNormal, "") {
		t.Error("kick of unknown client should fail")
	}

	if n := h.DisconnectAll(types.CloseGoingAway, "bye"); n != 1 {
		t.Errorf("expected 1 client disconnected, got %d", n)
	}
	time.Sleep(50 * time.Millisecond)
	if other.CloseCode() != types.CloseGoingAway {
		t.Errorf("expected 1001, got %d", other.CloseCode())
	}
}

func TestSendToClient(t *testing.T) {
	h := newTestHub(t, testConfig())
	_, conn := registerClient(t, h, "target")

	if ok := h.SendToClient("target", pong()); !ok {
		t.Fatal("send to existing client should succeed")
	}
	if m := nextWrite(t, conn); m["type"] != "Pong" {
		t.Fatalf("unexpected frame %v", m)
	}
	if ok := h.SendToClient("nonexistent", pong()); ok {
		t.Error("send to nonexistent client should fail")
	}
}

func TestConnectionCallbacks(t *testing.T) {
	h := newTestHub(t, testConfig())

	var mu sync.Mutex
	var connectedID, disconnectedID string
	h.OnConnection(func(id string) { mu.Lock(); connectedID = id; mu.Unlock() })
	h.OnDisconnection(func(id string) { mu.Lock(); disconnectedID = id; mu.Unlock() })

	_, conn := registerClient(t, h, "cb-client")

	mu.Lock()
	if connectedID != "cb-client" {
		t.Errorf("expected connected callback with cb-client, got %s", connectedID)
	}
	mu.Unlock()

	conn.Drop(types.CloseNormal, "")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if disconnectedID != "cb-client" {
		t.Errorf("expected disconnected callback with cb-client, got %s", disconnectedID)
	}
}

func TestClientInfo(t *testing.T) {
	h := newTestHub(t, testConfig())

	c, _ := registerClient(t, h, "info-client")
	h.Authenticate(c, mint(t, "user-9"))
	h.Subscribe("risk_alerts", "info-client", "")
	h.Subscribe("price_updates", "info-client", "")

	info := h.ClientInfo("info-client")
	if info == nil {
		t.Fatal("expected client info")
	}
	if info.UserID != "user-9" || !info.Authenticated {
		t.Errorf("expected authenticated user-9, got %+v", info)
	}
	if len(info.EventTypes) != 2 || info.EventTypes[0] != "price_updates" {
		t.Errorf("expected sorted event types, got %v", info.EventTypes)
	}
	if h.AuthenticatedCount() != 1 {
		t.Errorf("expected 1 authenticated client, got %d", h.AuthenticatedCount())
	}
}
