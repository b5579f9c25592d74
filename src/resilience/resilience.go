// Package resilience recovers a harness connection after an abnormal
// close: it reconnects with bounded, exponentially backed-off retries,
// re-authenticates and replays prior subscriptions.
//
// State machine:
//
//	Stable -> Disconnected -> Reconnecting -> Stable
//	                                       -> Failed (retry budget spent)
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/wsharness/src/clock"
	"github.com/orchestra-mcp/wsharness/src/connection"
	"github.com/orchestra-mcp/wsharness/src/retry"
	"github.com/orchestra-mcp/wsharness/src/types"
	"github.com/orchestra-mcp/wsharness/src/wserr"
)

// ErrLostDuringRecovery marks an attempt whose fresh connection dropped
// before recovery finished.
var ErrLostDuringRecovery = errors.New("connection lost during recovery")

// Target is what the controller drives on each attempt.
type Target interface {
	// Reconnect opens a new connection, re-running the handshake when
	// the previous connection was authenticated. It returns once the
	// connection is Ready.
	Reconnect(ctx context.Context, attempt int) error
	// Resubscribe re-issues the subscriptions that were Confirmed at
	// disconnect time and returns their ids.
	Resubscribe() ([]string, error)
	// AwaitAnyConfirmation reports whether one of ids is re-confirmed
	// within timeout.
	AwaitAnyConfirmation(ctx context.Context, ids []string, timeout time.Duration) bool
}

// Config bounds recovery.
type Config struct {
	// Attempts is the total number of reconnect attempts per disconnect.
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Grace is how long to wait for a re-subscription to be confirmed
	// before declaring recovery anyway.
	Grace time.Duration
	// OnFailed runs once the retry budget is spent.
	OnFailed func(err error)

	Clock  clock.Clock
	Logger zerolog.Logger
}

// Controller is safe for concurrent use.
type Controller struct {
	cfg    Config
	target Target
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      types.ResilienceState
	attempts   []types.ReconnectAttempt
	recoveries int
	dropped    bool
	err        error
	changed    chan struct{}

	// abort and runDone belong to the recovery in progress, if any.
	abort   context.CancelFunc
	runDone chan struct{}
}

// New creates a controller in the Stable state.
func New(target Target, cfg Config) *Controller {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:     cfg,
		target:  target,
		logger:  cfg.Logger.With().Str("component", "resilience").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		state:   types.ResilienceStable,
		changed: make(chan struct{}),
	}
}

// State returns the current position in the state machine.
func (c *Controller) State() types.ResilienceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal *wserr.ReconnectError once Failed, else nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Attempts returns every reconnect attempt recorded so far.
func (c *Controller) Attempts() []types.ReconnectAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.ReconnectAttempt(nil), c.attempts...)
}

// Recoveries returns how many times the controller returned to Stable
// after a disconnect.
func (c *Controller) Recoveries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recoveries
}

// OnClose reacts to the end of a connection. Clean closes are ignored;
// anything else starts recovery unless recovery is already running.
// It reports whether recovery was started.
func (c *Controller) OnClose(info connection.CloseInfo) bool {
	if info.Clean() {
		return false
	}

	c.mu.Lock()
	switch c.state {
	case types.ResilienceDisconnected, types.ResilienceReconnecting:
		c.dropped = true
		c.mu.Unlock()
		return false
	case types.ResilienceFailed:
		c.mu.Unlock()
		return false
	}
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.setState(types.ResilienceDisconnected)
	ctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	c.abort, c.runDone = cancel, done
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Warn().
		Int("code", info.Code).
		Str("kind", info.Kind().String()).
		Msg("abnormal close, starting recovery")

	go c.run(ctx, cancel, done)
	return true
}

// Abort cancels the recovery in progress without waiting for it. The
// recovery ends Failed. Later closes can start a new one.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abort != nil {
		c.abort()
	}
}

// Reset aborts any recovery in progress, waits for it to exit and
// returns the controller to Stable, for callers that reconnect by hand.
func (c *Controller) Reset() {
	c.mu.Lock()
	done := c.runDone
	if c.abort != nil {
		c.abort()
	}
	c.mu.Unlock()
	if done != nil {
		<-done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == types.ResilienceFailed {
		c.err = nil
		c.setState(types.ResilienceStable)
	}
}

// Stop aborts any recovery in progress and waits for it to exit.
func (c *Controller) Stop() {
	c.cancel()
	c.wg.Wait()
}

// AwaitStable waits until the controller is Stable or Failed. It returns
// nil when Stable, the ReconnectError when Failed, and a
// *wserr.TimeoutError when neither happens within timeout.
func (c *Controller) AwaitStable(ctx context.Context, timeout time.Duration) error {
	return c.await(ctx, timeout, func() bool { return c.state == types.ResilienceStable })
}

// AwaitRecoveries waits until at least n recoveries have completed, or
// the controller fails.
func (c *Controller) AwaitRecoveries(ctx context.Context, n int, timeout time.Duration) error {
	return c.await(ctx, timeout, func() bool {
		return c.recoveries >= n && c.state == types.ResilienceStable
	})
}

// await blocks until done holds; done runs with c.mu held.
func (c *Controller) await(ctx context.Context, timeout time.Duration, done func() bool) error {
	timer := c.cfg.Clock.After(timeout)
	for {
		c.mu.Lock()
		if done() {
			c.mu.Unlock()
			return nil
		}
		if c.state == types.ResilienceFailed {
			err := c.err
			c.mu.Unlock()
			return err
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer:
			return &wserr.TimeoutError{Op: "await recovery", Timeout: timeout}
		}
	}
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)
	defer func() {
		cancel()
		c.mu.Lock()
		if c.runDone == done {
			c.abort, c.runDone = nil, nil
		}
		c.mu.Unlock()
	}()

	c.mu.Lock()
	c.setState(types.ResilienceReconnecting)
	c.mu.Unlock()

	cfg := retry.Config{
		MaxRetries:     c.cfg.Attempts - 1,
		InitialBackoff: c.cfg.Backoff,
		MaxBackoff:     c.cfg.MaxBackoff,
		BackoffFactor:  2.0,
		Clock:          c.cfg.Clock,
	}
	onRetry := func(attempt int, err error, backoff time.Duration) {
		c.logger.Info().Int("attempt", attempt).Dur("backoff", backoff).Err(err).Msg("retrying reconnect")
	}

	var lastErr error
	tried := 0
	// An aborted recovery stops at once instead of spending its budget.
	retryable := func(error) bool { return ctx.Err() == nil }
	err := retry.DoVoid(ctx, cfg, retryable, onRetry, func(n int) error {
		tried = n
		lastErr = c.attempt(ctx, n)
		return lastErr
	})
	if err == nil {
		c.logger.Info().Int("attempts", tried).Msg("connection recovered")
		return
	}

	if lastErr == nil {
		lastErr = err
	}
	rerr := &wserr.ReconnectError{Attempts: tried, Err: lastErr}
	c.mu.Lock()
	c.err = rerr
	c.setState(types.ResilienceFailed)
	c.mu.Unlock()
	c.logger.Error().Err(rerr).Msg("recovery failed")
	if c.cfg.OnFailed != nil {
		c.cfg.OnFailed(rerr)
	}
}

// attempt runs one reconnect. A successful attempt moves the controller
// to Stable in the same critical section that checks for a drop, so a
// later drop always starts a fresh recovery.
func (c *Controller) attempt(ctx context.Context, n int) error {
	c.mu.Lock()
	c.dropped = false
	c.attempts = append(c.attempts, types.ReconnectAttempt{Attempt: n, StartedAt: c.cfg.Clock.Now()})
	idx := len(c.attempts) - 1
	c.mu.Unlock()

	err := c.target.Reconnect(ctx, n)
	if err == nil {
		var ids []string
		ids, err = c.target.Resubscribe()
		if err == nil && len(ids) > 0 {
			if !c.target.AwaitAnyConfirmation(ctx, ids, c.cfg.Grace) && ctx.Err() == nil {
				c.logger.Warn().Int("subscriptions", len(ids)).Msg("no re-subscription confirmed within grace period")
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil && c.dropped {
		err = ErrLostDuringRecovery
	}
	rec := &c.attempts[idx]
	rec.CompletedAt = c.cfg.Clock.Now()
	switch {
	case err == nil:
		rec.Outcome = types.OutcomeSuccess
	case wserr.IsTimeout(err):
		rec.Outcome = types.OutcomeTimeout
		rec.Error = err.Error()
	default:
		rec.Outcome = types.OutcomeFailure
		rec.Error = err.Error()
	}
	if err != nil {
		c.notify()
		c.logger.Warn().Int("attempt", n).Err(err).Msg("reconnect attempt failed")
		return err
	}
	c.recoveries++
	c.setState(types.ResilienceStable)
	return nil
}

// setState and notify must be called with c.mu held.
func (c *Controller) setState(s types.ResilienceState) {
	c.state = s
	c.notify()
}

func (c *Controller) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}
