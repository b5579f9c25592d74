package types

import (
	"encoding/json"
	"time"

	"github.com/orchestra-mcp/wsharness/src/wserr"
)

// WebSocket close codes the harness distinguishes.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseAuthFailed      = 4001
	CloseRateLimited     = 4008
)

// ConnState is the lifecycle state of a harness connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateAuthenticating
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, data []byte, err error)
	WriteClose(code int, reason string) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ConnectResult describes the outcome of a connect attempt.
type ConnectResult struct {
	Connected      bool          `json:"connected"`
	ConnectionID   string        `json:"connection_id,omitempty"`
	ConnectionTime time.Duration `json:"connection_time"`
	Reason         string        `json:"reason,omitempty"`
	Err            error         `json:"-"`
}

// AuthResult is the outcome of one handshake attempt. It is passed by
// value and never modified after the handshake controller builds it.
type AuthResult struct {
	Authenticated bool            `json:"authenticated"`
	UserID        string          `json:"user_id,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	RawMessage    json.RawMessage `json:"raw_message,omitempty"`
}

// Err returns nil for a successful handshake and an
// *wserr.AuthenticationError otherwise.
func (r AuthResult) Err() error {
	if r.Authenticated {
		return nil
	}
	return &wserr.AuthenticationError{Reason: r.FailureReason}
}

// SubscriptionState tracks a subscribe request through its lifecycle.
type SubscriptionState int

const (
	SubscriptionPending SubscriptionState = iota
	SubscriptionConfirmed
	SubscriptionUnsubscribing
	SubscriptionCancelled
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionPending:
		return "pending"
	case SubscriptionConfirmed:
		return "confirmed"
	case SubscriptionUnsubscribing:
		return "unsubscribing"
	case SubscriptionCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Subscription is a snapshot of a standing request for one event type.
type Subscription struct {
	ID        string            `json:"subscription_id"`
	EventType string            `json:"event_type"`
	Filters   map[string]string `json:"filters,omitempty"`
	State     SubscriptionState `json:"state"`
	CreatedAt time.Time         `json:"created_at"`
}

// DeliveredEvent is one inbound event attributed to a subscription.
type DeliveredEvent struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Decode unmarshals the event payload into v.
func (e DeliveredEvent) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Field returns a top-level payload field, or nil when absent.
func (e DeliveredEvent) Field(key string) any {
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil
	}
	return m[key]
}

// ResilienceState is the reconnection state machine's position.
type ResilienceState int

const (
	ResilienceStable ResilienceState = iota
	ResilienceDisconnected
	ResilienceReconnecting
	ResilienceFailed
)

func (s ResilienceState) String() string {
	switch s {
	case ResilienceStable:
		return "stable"
	case ResilienceDisconnected:
		return "disconnected"
	case ResilienceReconnecting:
		return "reconnecting"
	case ResilienceFailed:
		return "failed"
	}
	return "unknown"
}

// ReconnectOutcome classifies a finished reconnect attempt.
type ReconnectOutcome int

const (
	OutcomePending ReconnectOutcome = iota
	OutcomeSuccess
	OutcomeFailure
	OutcomeTimeout
)

func (o ReconnectOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	}
	return "pending"
}

// ReconnectAttempt records one try at re-establishing the connection.
// CompletedAt is zero while the attempt is in flight.
type ReconnectAttempt struct {
	Attempt     int              `json:"attempt"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
	Outcome     ReconnectOutcome `json:"outcome"`
	Error       string           `json:"error,omitempty"`
}

// ServerEvent is an event the reference gateway publishes to its
// subscribers. A non-empty UserID scopes delivery to that user.
type ServerEvent struct {
	EventType string         `json:"event_type"`
	UserID    string         `json:"user_id,omitempty"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Owner returns the user the event is scoped to, falling back to a
// user_id field in the data.
func (e ServerEvent) Owner() string {
	if e.UserID != "" {
		return e.UserID
	}
	if s, ok := e.Data["user_id"].(string); ok {
		return s
	}
	return ""
}

// ClientInfo describes a connection held by the reference gateway.
type ClientInfo struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id,omitempty"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	EventTypes    []string  `json:"event_types"`
}
