// Package protocol decodes and encodes the gateway's JSON WebSocket frames.
//
// Inbound frames are decoded once, at the boundary, into a Frame whose
// Kind says what the server meant. The rest of the harness switches on
// Kind and never looks at raw "type" strings. Field names come from
// config.WireFields so servers with different conventions can be driven
// without code changes.
package protocol

import (
	"encoding/json"
	"strings"
)

// Kind is the decoded meaning of an inbound frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthSuccess
	KindAuthFailed
	KindSubscribed
	KindUnsubscribed
	KindEvent
	KindPong
	KindError
	KindClose
)

func (k Kind) String() string {
	switch k {
	case KindAuthSuccess:
		return "auth_success"
	case KindAuthFailed:
		return "auth_failed"
	case KindSubscribed:
		return "subscribed"
	case KindUnsubscribed:
		return "unsubscribed"
	case KindEvent:
		return "event"
	case KindPong:
		return "pong"
	case KindError:
		return "error"
	case KindClose:
		return "close"
	}
	return "unknown"
}

// Frame is one decoded inbound message.
type Frame struct {
	Kind Kind
	// Type is the raw type tag as sent by the server.
	Type string

	UserID string
	// Message carries AuthFailed errors, Error messages and Close reasons.
	Message string
	Code    int

	EventType      string
	SubscriptionID string
	Payload        json.RawMessage

	Raw json.RawMessage
}

// Terminal reports whether the frame ends an authentication handshake.
func (f Frame) Terminal() bool {
	return f.Kind == KindAuthSuccess || f.Kind == KindAuthFailed
}

// Tags that map onto a control Kind, compared after normalizeTag.
var controlTags = map[string]Kind{
	"authsuccess":                KindAuthSuccess,
	"authenticated":              KindAuthSuccess,
	"authfailed":                 KindAuthFailed,
	"authfailure":                KindAuthFailed,
	"subscribed":                 KindSubscribed,
	"subscriptionconfirmed":      KindSubscribed,
	"subscriptionconfirmation":   KindSubscribed,
	"unsubscribed":               KindUnsubscribed,
	"unsubscriptionconfirmed":    KindUnsubscribed,
	"unsubscriptionconfirmation": KindUnsubscribed,
	"pong":                       KindPong,
	"error":                      KindError,
	"close":                      KindClose,
	"event":                      KindEvent,
}

// normalizeTag folds "AuthSuccess", "auth_success" and "auth-success"
// to the same key.
func normalizeTag(tag string) string {
	tag = strings.ToLower(tag)
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(tag)
}

// variantEventTypes maps the gateway's RealTimeEvent variant names to
// the event types clients subscribe with.
var variantEventTypes = map[string]string{
	"TransactionStatusUpdate": "transaction_status",
	"RiskAlert":               "risk_alerts",
	"PriceUpdate":             "price_updates",
	"SystemNotification":      "system_notifications",
	"BridgeOperation":         "bridge_operations",
	"QuantumKeyEvent":         "quantum_keys",
	"UserProfileUpdate":       "user_profile",
	"CryptoServiceEvent":      "crypto_service",
}

// EventTypeForVariant returns the subscription event type for a gateway
// event variant, or the variant itself when it is not a known name.
func EventTypeForVariant(variant string) string {
	if et, ok := variantEventTypes[variant]; ok {
		return et
	}
	return variant
}

// VariantForEventType is the inverse of EventTypeForVariant.
func VariantForEventType(eventType string) string {
	for variant, et := range variantEventTypes {
		if et == eventType {
			return variant
		}
	}
	return eventType
}
