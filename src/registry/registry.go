// Package registry tracks subscriptions for one harness connection:
// subscribe and unsubscribe requests, their confirmations, and the
// filtered fan-out of inbound events to per-subscription logs.
package registry

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/wsharness/src/clock"
	"github.com/orchestra-mcp/wsharness/src/protocol"
	"github.com/orchestra-mcp/wsharness/src/types"
	"github.com/orchestra-mcp/wsharness/src/wserr"
)

var (
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrCancelled           = errors.New("subscription cancelled")
)

// Sender writes a request frame to the live connection.
type Sender interface {
	Send(v any) error
}

// Options configures a Registry.
type Options struct {
	Codec  *protocol.Codec
	Clock  clock.Clock
	Logger zerolog.Logger

	// Confirm recognises subscribe acknowledgements. Nil means
	// protocol.MatchSubscribed.
	Confirm protocol.ConfirmationPredicate
	// ConfirmUnsubscribe recognises unsubscribe acknowledgements. Nil
	// means protocol.MatchUnsubscribed.
	ConfirmUnsubscribe protocol.ConfirmationPredicate
	// AutoConfirm treats every request as acknowledged once it is sent,
	// for servers that never confirm.
	AutoConfirm bool
}

type entry struct {
	sub       types.Subscription
	confirmed chan struct{}
	cancelled chan struct{}
	log       *EventLog
	// replay marks a Pending entry that was Confirmed before a disconnect.
	replay bool
}

func (e *entry) request() protocol.Request {
	return protocol.Request{SubscriptionID: e.sub.ID, EventType: e.sub.EventType}
}

// Registry is safe for concurrent use. OnEvent and OnFrame must be
// called from a single goroutine, the connection's read pump, so that
// logs keep arrival order.
type Registry struct {
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	sender  Sender
	entries []*entry
	byID    map[string]*entry
	changed chan struct{}
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Confirm == nil {
		opts.Confirm = protocol.MatchSubscribed
	}
	if opts.ConfirmUnsubscribe == nil {
		opts.ConfirmUnsubscribe = protocol.MatchUnsubscribed
	}
	return &Registry{
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "registry").Logger(),
		byID:    make(map[string]*entry),
		changed: make(chan struct{}),
	}
}

// Attach routes requests to s.
func (r *Registry) Attach(s Sender) {
	r.mu.Lock()
	r.sender = s
	r.mu.Unlock()
}

// Detach stops sending requests until the next Attach.
func (r *Registry) Detach() {
	r.mu.Lock()
	r.sender = nil
	r.mu.Unlock()
}

// Subscribe registers a Pending subscription and sends the request. The
// returned id is also sent to the server so confirmations can echo it.
func (r *Registry) Subscribe(eventType string, filters map[string]string) (string, error) {
	e := &entry{
		sub: types.Subscription{
			ID:        uuid.NewString(),
			EventType: eventType,
			Filters:   maps.Clone(filters),
			State:     types.SubscriptionPending,
			CreatedAt: r.opts.Clock.Now(),
		},
		confirmed: make(chan struct{}),
		cancelled: make(chan struct{}),
		log:       newEventLog(),
	}

	r.mu.Lock()
	sender := r.sender
	if sender == nil {
		r.mu.Unlock()
		return "", &wserr.SubscriptionError{EventType: eventType, Err: wserr.ErrNotConnected}
	}
	r.entries = append(r.entries, e)
	r.byID[e.sub.ID] = e
	r.mu.Unlock()

	if err := sender.Send(r.opts.Codec.Subscribe(eventType, e.sub.Filters, e.sub.ID)); err != nil {
		r.remove(e)
		return "", &wserr.SubscriptionError{SubscriptionID: e.sub.ID, EventType: eventType, Err: err}
	}

	r.logger.Debug().
		Str("subscription_id", e.sub.ID).
		Str("event_type", eventType).
		Interface("filters", e.sub.Filters).
		Msg("subscribe sent")

	if r.opts.AutoConfirm {
		r.mu.Lock()
		r.confirm(e)
		r.mu.Unlock()
	}
	return e.sub.ID, nil
}

// AwaitConfirmation reports whether the subscription is Confirmed within
// timeout. It returns false at the timeout, never before, unless the
// subscription is cancelled or ctx ends first.
func (r *Registry) AwaitConfirmation(ctx context.Context, id string, timeout time.Duration) bool {
	r.mu.Lock()
	e := r.byID[id]
	if e == nil {
		r.mu.Unlock()
		return false
	}
	state, confirmed, cancelled := e.sub.State, e.confirmed, e.cancelled
	r.mu.Unlock()

	switch state {
	case types.SubscriptionConfirmed:
		return true
	case types.SubscriptionCancelled:
		return false
	}

	select {
	case <-confirmed:
		return true
	case <-cancelled:
		return false
	case <-ctx.Done():
		return false
	case <-r.opts.Clock.After(timeout):
		return r.state(id) == types.SubscriptionConfirmed
	}
}

// Confirm is AwaitConfirmation returning a *wserr.SubscriptionError when
// the subscription is not confirmed.
func (r *Registry) Confirm(ctx context.Context, id string, timeout time.Duration) error {
	if r.AwaitConfirmation(ctx, id, timeout) {
		return nil
	}
	sub, ok := r.Subscription(id)
	switch {
	case !ok:
		return &wserr.SubscriptionError{SubscriptionID: id, Err: ErrUnknownSubscription}
	case sub.State == types.SubscriptionCancelled:
		return &wserr.SubscriptionError{SubscriptionID: id, EventType: sub.EventType, Err: ErrCancelled}
	case ctx.Err() != nil:
		return &wserr.SubscriptionError{SubscriptionID: id, EventType: sub.EventType, Err: ctx.Err()}
	}
	return &wserr.SubscriptionError{
		SubscriptionID: id,
		EventType:      sub.EventType,
		Err:            &wserr.TimeoutError{Op: "confirm subscription", Timeout: timeout},
	}
}

// Unsubscribe sends the unsubscribe request and moves the subscription
// to Unsubscribing. It becomes Cancelled when the server confirms.
func (r *Registry) Unsubscribe(id string) error {
	r.mu.Lock()
	e := r.byID[id]
	if e == nil {
		r.mu.Unlock()
		return &wserr.SubscriptionError{SubscriptionID: id, Err: ErrUnknownSubscription}
	}
	if e.sub.State == types.SubscriptionCancelled || e.sub.State == types.SubscriptionUnsubscribing {
		r.mu.Unlock()
		return nil
	}
	sender := r.sender
	if sender == nil {
		r.mu.Unlock()
		return &wserr.SubscriptionError{SubscriptionID: id, EventType: e.sub.EventType, Err: wserr.ErrNotConnected}
	}
	prev := e.sub.State
	e.sub.State = types.SubscriptionUnsubscribing
	eventType := e.sub.EventType
	r.mu.Unlock()

	if err := sender.Send(r.opts.Codec.Unsubscribe(eventType, id)); err != nil {
		r.mu.Lock()
		if e.sub.State == types.SubscriptionUnsubscribing {
			e.sub.State = prev
		}
		r.mu.Unlock()
		return &wserr.SubscriptionError{SubscriptionID: id, EventType: eventType, Err: err}
	}

	r.logger.Debug().Str("subscription_id", id).Str("event_type", eventType).Msg("unsubscribe sent")

	if r.opts.AutoConfirm {
		r.mu.Lock()
		r.cancel(e)
		r.mu.Unlock()
	}
	return nil
}

// AwaitCancellation reports whether the subscription is Cancelled within
// timeout.
func (r *Registry) AwaitCancellation(ctx context.Context, id string, timeout time.Duration) bool {
	r.mu.Lock()
	e := r.byID[id]
	if e == nil {
		r.mu.Unlock()
		return false
	}
	cancelled := e.cancelled
	r.mu.Unlock()

	select {
	case <-cancelled:
		return true
	case <-ctx.Done():
		return false
	case <-r.opts.Clock.After(timeout):
		return r.state(id) == types.SubscriptionCancelled
	}
}

// OnEvent decodes one raw inbound frame and dispatches it. Malformed
// frames are logged and dropped.
func (r *Registry) OnEvent(raw []byte) {
	frame, err := r.opts.Codec.Decode(raw)
	if err != nil {
		r.logger.Warn().Err(err).Msg("dropping malformed frame")
		return
	}
	r.OnFrame(frame)
}

// OnFrame resolves confirmations and delivers events. Frames that match
// nothing are dropped.
func (r *Registry) OnFrame(frame protocol.Frame) {
	resolved := r.resolve(frame)

	switch frame.Kind {
	case protocol.KindEvent:
		if n := r.deliver(frame); n == 0 && !resolved {
			r.logger.Debug().Str("event_type", frame.EventType).Msg("event matched no subscription")
		}
	case protocol.KindError:
		r.logger.Warn().Str("message", frame.Message).Int("code", frame.Code).Msg("server reported error")
	case protocol.KindUnknown:
		r.logger.Debug().RawJSON("frame", frame.Raw).Msg("ignoring unrecognised frame")
	}
}

// resolve applies frame to the oldest request it acknowledges.
func (r *Registry) resolve(frame protocol.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.sub.State == types.SubscriptionUnsubscribing && r.opts.ConfirmUnsubscribe(frame, e.request()) {
			r.cancel(e)
			return true
		}
	}
	for _, e := range r.entries {
		if e.sub.State == types.SubscriptionPending && r.opts.Confirm(frame, e.request()) {
			r.confirm(e)
			return true
		}
	}
	return false
}

// deliver appends frame to the log of every Confirmed subscription whose
// type and filters it satisfies.
func (r *Registry) deliver(frame protocol.Frame) int {
	var fields map[string]any
	var targets []*EventLog

	r.mu.Lock()
	for _, e := range r.entries {
		if e.sub.State != types.SubscriptionConfirmed || e.sub.EventType != frame.EventType {
			continue
		}
		if len(e.sub.Filters) > 0 {
			if fields == nil {
				fields = protocol.PayloadFields(frame.Payload)
			}
			if !protocol.Satisfies(fields, e.sub.Filters) {
				continue
			}
		}
		targets = append(targets, e.log)
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		return 0
	}
	ev := types.DeliveredEvent{
		Type:       frame.EventType,
		Payload:    frame.Payload,
		ReceivedAt: r.opts.Clock.Now(),
	}
	for _, l := range targets {
		l.append(ev)
	}
	return len(targets)
}

// AwaitEvent waits for an event in the subscription's log that satisfies
// match, including events logged before the call. A nil match accepts
// any event.
func (r *Registry) AwaitEvent(ctx context.Context, id string, match func(types.DeliveredEvent) bool, timeout time.Duration) (types.DeliveredEvent, bool) {
	l := r.Log(id)
	if l == nil {
		return types.DeliveredEvent{}, false
	}
	if match == nil {
		match = func(types.DeliveredEvent) bool { return true }
	}

	timer := r.opts.Clock.After(timeout)
	next := 0
	for {
		events, changed := l.Since(next)
		for _, ev := range events {
			if match(ev) {
				return ev, true
			}
		}
		next += len(events)

		select {
		case <-changed:
		case <-ctx.Done():
			return types.DeliveredEvent{}, false
		case <-timer:
			events, _ := l.Since(next)
			for _, ev := range events {
				if match(ev) {
					return ev, true
				}
			}
			return types.DeliveredEvent{}, false
		}
	}
}

// Log returns the subscription's event log, or nil for an unknown id.
func (r *Registry) Log(id string) *EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.byID[id]; e != nil {
		return e.log
	}
	return nil
}

// Events returns a copy of the subscription's log.
func (r *Registry) Events(id string) []types.DeliveredEvent {
	if l := r.Log(id); l != nil {
		return l.Events()
	}
	return nil
}

// Subscription returns a snapshot of one subscription. Cancelled
// subscriptions remain readable so their logs can still be inspected.
func (r *Registry) Subscription(id string) (types.Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.byID[id]
	if e == nil {
		return types.Subscription{}, false
	}
	return snapshot(e), true
}

// Subscriptions returns every live subscription in creation order.
func (r *Registry) Subscriptions() []types.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Subscription, 0, len(r.entries))
	for _, e := range r.entries {
		if e.sub.State != types.SubscriptionCancelled {
			out = append(out, snapshot(e))
		}
	}
	return out
}

// Suspend prepares for a reconnect: Confirmed subscriptions go back to
// Pending, keeping their ids and logs, and everything else is
// cancelled. Suspending again before the replay is confirmed keeps the
// replayable subscriptions. It detaches the sender and returns how many subscriptions
// will be replayed.
func (r *Registry) Suspend() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sender = nil
	n := 0
	for _, e := range r.entries {
		switch e.sub.State {
		case types.SubscriptionConfirmed:
			e.sub.State = types.SubscriptionPending
			e.confirmed = make(chan struct{})
			e.replay = true
			n++
		case types.SubscriptionPending:
			// Still waiting for replay from an earlier suspend.
			if e.replay {
				n++
				continue
			}
			r.cancel(e)
		case types.SubscriptionUnsubscribing:
			r.cancel(e)
		}
	}
	r.logger.Debug().Int("replayable", n).Msg("subscriptions suspended")
	return n
}

// Resubscribe re-sends every Pending subscription in creation order and
// returns their ids. Sending stops at the first failure.
func (r *Registry) Resubscribe() ([]string, error) {
	r.mu.Lock()
	sender := r.sender
	var pending []*entry
	for _, e := range r.entries {
		if e.sub.State == types.SubscriptionPending {
			pending = append(pending, e)
		}
	}
	r.mu.Unlock()

	if len(pending) == 0 {
		return nil, nil
	}
	if sender == nil {
		return nil, &wserr.SubscriptionError{Err: wserr.ErrNotConnected}
	}

	ids := make([]string, 0, len(pending))
	for _, e := range pending {
		if err := sender.Send(r.opts.Codec.Subscribe(e.sub.EventType, e.sub.Filters, e.sub.ID)); err != nil {
			return ids, &wserr.SubscriptionError{SubscriptionID: e.sub.ID, EventType: e.sub.EventType, Err: err}
		}
		ids = append(ids, e.sub.ID)
		if r.opts.AutoConfirm {
			r.mu.Lock()
			r.confirm(e)
			r.mu.Unlock()
		}
	}
	r.logger.Info().Int("count", len(ids)).Msg("subscriptions replayed")
	return ids, nil
}

// AwaitAnyConfirmation reports whether at least one of ids is Confirmed
// within timeout.
func (r *Registry) AwaitAnyConfirmation(ctx context.Context, ids []string, timeout time.Duration) bool {
	timer := r.opts.Clock.After(timeout)
	for {
		r.mu.Lock()
		for _, id := range ids {
			if e := r.byID[id]; e != nil && e.sub.State == types.SubscriptionConfirmed {
				r.mu.Unlock()
				return true
			}
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return false
		case <-timer:
			return false
		}
	}
}

// Reset cancels every subscription and detaches the sender, as on
// connection teardown.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender = nil
	for _, e := range r.entries {
		if e.sub.State != types.SubscriptionCancelled {
			r.cancel(e)
		}
	}
}

func (r *Registry) state(id string) types.SubscriptionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.byID[id]; e != nil {
		return e.sub.State
	}
	return types.SubscriptionCancelled
}

func (r *Registry) remove(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, e.sub.ID)
	for i, x := range r.entries {
		if x == e {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
}

// confirm and cancel must be called with r.mu held.
func (r *Registry) confirm(e *entry) {
	if e.sub.State != types.SubscriptionPending {
		return
	}
	e.sub.State = types.SubscriptionConfirmed
	e.replay = false
	close(e.confirmed)
	r.notify()
	r.logger.Debug().Str("subscription_id", e.sub.ID).Str("event_type", e.sub.EventType).Msg("subscription confirmed")
}

func (r *Registry) cancel(e *entry) {
	if e.sub.State == types.SubscriptionCancelled {
		return
	}
	e.sub.State = types.SubscriptionCancelled
	close(e.cancelled)
	r.notify()
	r.logger.Debug().Str("subscription_id", e.sub.ID).Str("event_type", e.sub.EventType).Msg("subscription cancelled")
}

func (r *Registry) notify() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func snapshot(e *entry) types.Subscription {
	s := e.sub
	s.Filters = maps.Clone(e.sub.Filters)
	return s
}
