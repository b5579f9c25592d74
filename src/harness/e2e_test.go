package harness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/wsharness/config"
	"github.com/orchestra-mcp/wsharness/src/auth"
	"github.com/orchestra-mcp/wsharness/src/gateway"
	"github.com/orchestra-mcp/wsharness/src/types"
	"github.com/orchestra-mcp/wsharness/src/wserr"
)

const gatewaySecret = "harness-e2e-secret"

var issuer = auth.NewIssuer(gatewaySecret, nil)

func startGateway(t *testing.T, mutate func(*config.GatewayConfig)) *gateway.Server {
	t.Helper()
	cfg := config.DefaultGatewayConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.MessagesPerSecond = 0
	if mutate != nil {
		mutate(cfg)
	}
	s := gateway.NewServer(cfg, issuer, zerolog.Nop())
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func newHarness(t *testing.T, mutate func(*config.HarnessConfig)) *Harness {
	t.Helper()
	cfg := config.DefaultHarnessConfig()
	cfg.ReconnectBackoffMs = 20
	cfg.ReconnectMaxBackoffMs = 100
	cfg.ReconnectGraceMs = 500
	if mutate != nil {
		mutate(cfg)
	}
	h := New(cfg, Options{Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = h.Shutdown() })
	return h
}

func mint(t *testing.T, subject string) string {
	t.Helper()
	tok, err := issuer.Mint(subject, time.Hour)
	require.NoError(t, err)
	return tok
}

// login connects and authenticates as subject.
func login(t *testing.T, h *Harness, url, subject string) {
	t.Helper()
	res := h.Connect(context.Background(), url)
	require.True(t, res.Connected, res.Reason)
	ar := h.Authenticate(context.Background(), mint(t, subject))
	require.True(t, ar.Authenticated, ar.FailureReason)
}

func waitForClients(t *testing.T, s *gateway.Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectWithinTimeout(t *testing.T) {
	s := startGateway(t, nil)
	h := newHarness(t, nil)

	res := h.Connect(context.Background(), s.URL())
	require.True(t, res.Connected, res.Reason)
	assert.NotEmpty(t, res.ConnectionID)
	assert.Less(t, res.ConnectionTime, 2*time.Second)
	assert.Equal(t, types.StateReady, h.State())
}

func TestConnectUnreachable(t *testing.T) {
	h := newHarness(t, func(c *config.HarnessConfig) { c.ConnectTimeoutMs = 500 })

	res := h.Connect(context.Background(), "ws://127.0.0.1:1/ws")
	assert.False(t, res.Connected)
	assert.NotEmpty(t, res.Reason)
	var cerr *wserr.ConnectionError
	assert.ErrorAs(t, res.Err, &cerr)
}

func TestSecondConnectIsRejected(t *testing.T) {
	s := startGateway(t, nil)
	h := newHarness(t, nil)

	require.True(t, h.Connect(context.Background(), s.URL()).Connected)
	res := h.Connect(context.Background(), s.URL())
	assert.False(t, res.Connected)
	assert.ErrorIs(t, res.Err, wserr.ErrAlreadyConnected)
}

func TestAuthenticateValidToken(t *testing.T) {
	s := startGateway(t, nil)
	h := newHarness(t, nil)

	require.True(t, h.Connect(context.Background(), s.URL()).Connected)
	res := h.Authenticate(context.Background(), mint(t, "test_user_123"))

	require.True(t, res.Authenticated, res.FailureReason)
	assert.Equal(t, "test_user_123", res.UserID)
	assert.NotEmpty(t, res.RawMessage)
	assert.Equal(t, types.StateReady, h.State())
}

func TestAuthenticateRejections(t *testing.T) {
	s := startGateway(t, nil)

	expired, err := issuer.Mint("test_user_123", -time.Minute)
	require.NoError(t, err)
	blank, err := issuer.Mint("", time.Hour)
	require.NoError(t, err)
	forged, err := auth.NewIssuer("wrong-secret", nil).Mint("test_user_123", time.Hour)
	require.NoError(t, err)
	noExpiry, err := issuer.MintClaims(auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}})
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		pattern string
	}{
		{"expired", expired, "(?i)expired"},
		{"malformed", "not-a-jwt", "(?i)invalid"},
		{"blank subject", blank, "(?i)user|invalid"},
		{"bad signature", forged, "(?i)signature"},
		{"no expiry", noExpiry, "(?i)validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			require.True(t, h.Connect(context.Background(), s.URL()).Connected)

			res := h.Authenticate(context.Background(), tt.token)
			assert.False(t, res.Authenticated)
			assert.Regexp(t, tt.pattern, res.FailureReason)
			var aerr *wserr.AuthenticationError
			assert.ErrorAs(t, res.Err(), &aerr)
		})
	}
}

func TestAuthenticateWithoutConnection(t *testing.T) {
	h := newHarness(t, nil)
	res := h.Authenticate(context.Background(), "anything")
	assert.False(t, res.Authenticated)
	assert.NotEmpty(t, res.FailureReason)
}

func TestTokenInURL(t *testing.T) {
	s := startGateway(t, nil)
	tok := mint(t, "query_user")
	h := newHarness(t, func(c *config.HarnessConfig) {
		c.Token = tok
		c.TokenInQuery = true
	})

	require.True(t, h.Connect(context.Background(), s.URL()).Connected)
	res := h.Authenticate(context.Background(), "")
	require.True(t, res.Authenticated, res.FailureReason)
	assert.Equal(t, "query_user", res.UserID)
	assert.Equal(t, types.StateReady, h.State())
}

func TestSubscribeAndReceiveEvents(t *testing.T) {
	s := startGateway(t, nil)
	h := newHarness(t, nil)
	login(t, h, s.URL(), "user-1")

	id, err := h.SubscribeConfirmed(context.Background(), "risk_alerts", nil)
	require.NoError(t, err)
	sub, ok := h.Subscription(id)
	require.True(t, ok)
	assert.Equal(t, types.SubscriptionConfirmed, sub.State)

	s.Publish(types.ServerEvent{EventType: "risk_alerts", Data: map[string]any{"risk_score": 0.93}})

	ev, ok := h.AwaitEvent(context.Background(), id, nil, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "risk_alerts", ev.Type)
	assert.Equal(t, 0.93, ev.Field("risk_score"))
}

func TestUserFilterIsolation(t *testing.T) {
	// The gateway fans every event out; the filters keep each log clean.
	s := startGateway(t, func(c *config.GatewayConfig) { c.FilterByUser = false })
	alice := newHarness(t, nil)
	bob := newHarness(t, nil)
	login(t, alice, s.URL(), "alice")
	login(t, bob, s.URL(), "bob")

	aliceSub, err := alice.SubscribeConfirmed(context.Background(), "transaction_status", map[string]string{"user_id": "alice"})
	require.NoError(t, err)
	bobSub, err := bob.SubscribeConfirmed(context.Background(), "transaction_status", map[string]string{"user_id": "bob"})
	require.NoError(t, err)

	s.Publish(types.ServerEvent{EventType: "transaction_status", UserID: "bob", Data: map[string]any{"tx": "b1"}})
	s.Publish(types.ServerEvent{EventType: "transaction_status", UserID: "alice", Data: map[string]any{"tx": "a1"}})

	ev, ok := alice.AwaitEvent(context.Background(), aliceSub, nil, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "a1", ev.Field("tx"))

	_, ok = bob.AwaitEvent(context.Background(), bobSub, func(e types.DeliveredEvent) bool { return e.Field("tx") == "b1" }, 2*time.Second)
	require.True(t, ok)

	// Both events reached both sockets; only the matching one was logged.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, alice.Events(aliceSub), 1)
	assert.Len(t, bob.Events(bobSub), 1)
}

func TestServerSideUserScoping(t *testing.T) {
	s := startGateway(t, nil)
	alice := newHarness(t, nil)
	login(t, alice, s.URL(), "alice")

	sub, err := alice.SubscribeConfirmed(context.Background(), "transaction_status", nil)
	require.NoError(t, err)

	s.Publish(types.ServerEvent{EventType: "transaction_status", UserID: "mallory", Data: map[string]any{"tx": "m1"}})
	s.Publish(types.ServerEvent{EventType: "transaction_status", UserID: "alice", Data: map[string]any{"tx": "a1"}})

	ev, ok := alice.AwaitEvent(context.Background(), sub, nil, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "a1", ev.Field("tx"), "the foreign user's event must never arrive")
}

func TestConfirmationTimesOutWhenServerIsSilent(t *testing.T) {
	s := startGateway(t, func(c *config.GatewayConfig) { c.ConfirmSubscriptions = false })
	h := newHarness(t, nil)
	login(t, h, s.URL(), "user-1")

	id, err := h.Subscribe("price_updates", nil)
	require.NoError(t, err)
	assert.False(t, h.AwaitConfirmation(context.Background(), id, 150*time.Millisecond))

	sub, _ := h.Subscription(id)
	assert.Equal(t, types.SubscriptionPending, sub.State)
}

func TestNoConfirmationMode(t *testing.T) {
	s := startGateway(t, func(c *config.GatewayConfig) { c.ConfirmSubscriptions = false })
	h := newHarness(t, func(c *config.HarnessConfig) { c.Confirmation = config.ConfirmNone })
	login(t, h, s.URL(), "user-1")

	id, err := h.SubscribeConfirmed(context.Background(), "price_updates", nil)
	require.NoError(t, err)

	// Give the gateway time to record the subscription.
	require.Eventually(t, func() bool { return s.Hub().EventTypes()["price_updates"] == 1 }, time.Second, 10*time.Millisecond)
	s.Publish(types.ServerEvent{EventType: "price_updates", Data: map[string]any{"price": 42.0}})

	_, ok := h.AwaitEvent(context.Background(), id, nil, 2*time.Second)
	assert.True(t, ok)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := startGateway(t, nil)
	h := newHarness(t, nil)
	login(t, h, s.URL(), "user-1")

	id, err := h.SubscribeConfirmed(context.Background(), "system_notifications", nil)
	require.NoError(t, err)

	require.NoError(t, h.Unsubscribe(id))
	require.True(t, h.AwaitCancellation(context.Background(), id, 2*time.Second))
	assert.Empty(t, h.Subscriptions())

	s.Publish(types.ServerEvent{EventType: "system_notifications", Data: map[string]any{"msg": "late"}})
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.Events(id))
}

func TestDoubleClose(t *testing.T) {
	s := startGateway(t, nil)
	h := newHarness(t, nil)
	login(t, h, s.URL(), "user-1")
	id, err := h.SubscribeConfirmed(context.Background(), "risk_alerts", nil)
	require.NoError(t, err)

	assert.NoError(t, h.Close())
	assert.NoError(t, h.Close())
	assert.Equal(t, types.StateClosed, h.State())

	sub, _ := h.Subscription(id)
	assert.Equal(t, types.SubscriptionCancelled, sub.State)
	waitForClients(t, s, 0)
	assert.Equal(t, 0, h.Recoveries())

	// A closed harness can connect again.
	assert.True(t, h.Connect(context.Background(), s.URL()).Connected)
}

func TestRecoversFromAbnormalClose(t *testing.T) {
	s := startGateway(t, nil)
	h := newHarness(t, nil)
	login(t, h, s.URL(), "user-1")

	risk, err := h.SubscribeConfirmed(context.Background(), "risk_alerts", nil)
	require.NoError(t, err)
	prices, err := h.SubscribeConfirmed(context.Background(), "price_updates", nil)
	require.NoError(t, err)

	s.Publish(types.ServerEvent{EventType: "risk_alerts", Data: map[string]any{"seq": 1.0}})
	_, ok := h.AwaitEvent(context.Background(), risk, nil, 2*time.Second)
	require.True(t, ok)

	waitForClients(t, s, 1)
	before := h.ConnectionID()
	require.True(t, s.Kick(s.Hub().ConnectedClients()[0], types.CloseRateLimited, "rate limit exceeded"))

	require.NoError(t, h.AwaitRecoveries(context.Background(), 1, 5*time.Second))
	assert.Equal(t, types.StateReady, h.State())
	assert.NotEqual(t, before, h.ConnectionID())
	assert.Equal(t, types.ResilienceStable, h.Resilience())

	for _, id := range []string{risk, prices} {
		assert.True(t, h.AwaitConfirmation(context.Background(), id, 2*time.Second), "subscription %s re-confirmed", id)
	}
	require.Eventually(t, func() bool { return s.Hub().AuthenticatedCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.Publish(types.ServerEvent{EventType: "risk_alerts", Data: map[string]any{"seq": 2.0}})
	_, ok = h.AwaitEvent(context.Background(), risk, func(e types.DeliveredEvent) bool { return e.Field("seq") == 2.0 }, 2*time.Second)
	require.True(t, ok)
	assert.Len(t, h.Events(risk), 2, "the log spans the reconnect")

	attempts := h.ReconnectAttempts()
	require.NotEmpty(t, attempts)
	assert.Equal(t, types.OutcomeSuccess, attempts[len(attempts)-1].Outcome)
}

func TestCleanServerCloseDoesNotReconnect(t *testing.T) {
	s := startGateway(t, nil)
	h := newHarness(t, nil)
	login(t, h, s.URL(), "user-1")
	id, err := h.SubscribeConfirmed(context.Background(), "risk_alerts", nil)
	require.NoError(t, err)

	waitForClients(t, s, 1)
	s.Kick(s.Hub().ConnectedClients()[0], types.CloseNormal, "bye")

	require.Eventually(t, func() bool { return h.State() == types.StateClosed }, 2*time.Second, 10*time.Millisecond)
	sub, _ := h.Subscription(id)
	assert.Equal(t, types.SubscriptionCancelled, sub.State)
	assert.Empty(t, h.ReconnectAttempts())
}

func TestRecoveryGivesUpWhenGatewayIsGone(t *testing.T) {
	s := startGateway(t, nil)
	h := newHarness(t, func(c *config.HarnessConfig) {
		c.ReconnectAttempts = 2
		c.ConnectTimeoutMs = 500
	})
	login(t, h, s.URL(), "user-1")
	id, err := h.SubscribeConfirmed(context.Background(), "risk_alerts", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	err = h.AwaitRecoveries(context.Background(), 1, 5*time.Second)
	var rerr *wserr.ReconnectError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 2, rerr.Attempts)
	assert.Equal(t, types.ResilienceFailed, h.Resilience())

	require.Eventually(t, func() bool {
		sub, _ := h.Subscription(id)
		return sub.State == types.SubscriptionCancelled
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrentHarnesses(t *testing.T) {
	s := startGateway(t, nil)
	const n = 8

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := New(config.DefaultHarnessConfig(), Options{Logger: zerolog.Nop()})
			defer h.Shutdown()

			if res := h.Connect(context.Background(), s.URL()); !res.Connected {
				errs <- res.Err
				return
			}
			tok, _ := issuer.Mint("concurrent-user", time.Hour)
			if res := h.Authenticate(context.Background(), tok); !res.Authenticated {
				errs <- res.Err()
				return
			}
			if _, err := h.SubscribeConfirmed(context.Background(), "price_updates", nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}
