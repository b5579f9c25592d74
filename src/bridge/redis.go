package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/wsharness/src/types"
)

// envelope is what travels on an event channel. UserID is the user the
// event is scoped to, resolved by the publishing gateway, so receivers
// apply the same scoping even when the event only names the user inside
// its data.
type envelope struct {
	Origin string            `json:"origin"`
	UserID string            `json:"user_id,omitempty"`
	SentAt time.Time         `json:"sent_at"`
	Event  types.ServerEvent `json:"event"`
}

// RedisBridge relays gateway events between instances. Each event type
// has its own channel and a started bridge listens on all of them with
// one pattern subscription. A bridge without a target only publishes.
type RedisBridge struct {
	cfg        RedisConfig
	client     *redis.Client
	instanceID string
	target     BroadcastTarget
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	sub    *redis.PubSub
	active bool
}

// NewRedisBridge creates a bridge. target may be nil for a publish-only
// bridge.
func NewRedisBridge(cfg *RedisConfig, target BroadcastTarget, logger zerolog.Logger) *RedisBridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBridge{
		cfg: *cfg,
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		instanceID: uuid.NewString(),
		target:     target,
		logger:     logger.With().Str("component", "redis-bridge").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start checks the server and subscribes to every event channel.
func (b *RedisBridge) Start() error {
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		return err
	}
	sub := b.client.PSubscribe(b.ctx, b.cfg.EventPattern())
	if _, err := sub.Receive(b.ctx); err != nil {
		_ = sub.Close()
		return err
	}

	b.mu.Lock()
	b.sub = sub
	b.active = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.relay(sub.Channel())

	b.logger.Info().
		Str("instance_id", b.instanceID).
		Str("pattern", b.cfg.EventPattern()).
		Msg("redis bridge started")
	return nil
}

// Publish sends ev to the other instances on its event type's channel.
func (b *RedisBridge) Publish(ev types.ServerEvent) error {
	if ev.EventType == "" {
		return errors.New("event has no event_type")
	}
	data, err := json.Marshal(envelope{
		Origin: b.instanceID,
		UserID: ev.Owner(),
		SentAt: time.Now().UTC(),
		Event:  ev,
	})
	if err != nil {
		return err
	}
	return b.client.Publish(b.ctx, b.cfg.EventChannel(ev.EventType), data).Err()
}

// Stop ends the subscription and closes the client.
func (b *RedisBridge) Stop() error {
	b.mu.Lock()
	b.active = false
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	b.cancel()
	if sub != nil {
		_ = sub.Close()
	}
	b.wg.Wait()
	return b.client.Close()
}

// Available reports whether the bridge is subscribed.
func (b *RedisBridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

func (b *RedisBridge) relay(msgs <-chan *redis.Message) {
	defer b.wg.Done()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			b.deliver(msg.Channel, msg.Payload)
		case <-b.ctx.Done():
			return
		}
	}
}

// deliver hands one relayed event to the target. It reports whether the
// event was delivered.
func (b *RedisBridge) deliver(channel, payload string) bool {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Error().Err(err).Str("channel", channel).Msg("undecodable relay payload")
		return false
	}
	if env.Origin == b.instanceID || b.target == nil {
		return false
	}

	ev := env.Event
	if eventType := strings.TrimPrefix(channel, b.cfg.EventChannel("")); eventType != ev.EventType {
		b.logger.Warn().
			Str("channel", channel).
			Str("event_type", ev.EventType).
			Msg("event type does not match its channel, dropping")
		return false
	}
	if ev.UserID == "" {
		ev.UserID = env.UserID
	}

	b.logger.Debug().
		Str("from_instance", env.Origin).
		Str("event_type", ev.EventType).
		Dur("latency", time.Since(env.SentAt)).
		Msg("relaying event")
	b.target.BroadcastToLocal(ev)
	return true
}
