package gateway

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/orchestra-mcp/wsharness/src/protocol"
	"github.com/orchestra-mcp/wsharness/src/types"
)

// Error texts sent in Error frames.
const (
	msgInvalidFormat    = "Invalid message format"
	msgUnsupported      = "Unsupported message type"
	msgMissingEventType = "Missing event_type"
	codeBadRequest      = 400
)

var errInvalidFormat = errors.New(msgInvalidFormat)

// Client request actions after normalisation.
const (
	actionAuthenticate = "authenticate"
	actionSubscribe    = "subscribe"
	actionUnsubscribe  = "unsubscribe"
	actionPing         = "ping"
	actionPong         = "pong"
)

// clientMessage is a decoded client request. Both the flat
// {action:"subscribe", event_type:"..."} form and the tagged
// {type:"Subscribe", data:{event_type:"..."}} form are accepted.
type clientMessage struct {
	Action         string
	Token          string
	EventType      string
	SubscriptionID string
}

func parseClientMessage(raw []byte) (clientMessage, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil || top == nil {
		return clientMessage{}, errInvalidFormat
	}
	var data map[string]json.RawMessage
	if d, ok := top["data"]; ok {
		_ = json.Unmarshal(d, &data)
	}
	get := func(key string) string {
		for _, m := range []map[string]json.RawMessage{top, data} {
			var s string
			if v, ok := m[key]; ok && json.Unmarshal(v, &s) == nil && s != "" {
				return s
			}
		}
		return ""
	}

	action := get("action")
	if action == "" {
		action = get("type")
	}
	if action == "" {
		return clientMessage{}, errInvalidFormat
	}
	action = strings.ToLower(action)
	if action == "auth" {
		action = actionAuthenticate
	}
	return clientMessage{
		Action:         action,
		Token:          get("token"),
		EventType:      get("event_type"),
		SubscriptionID: get("subscription_id"),
	}, nil
}

// serverMessage is every frame the gateway writes.
type serverMessage struct {
	Type           string `json:"type"`
	Data           any    `json:"data,omitempty"`
	EventType      string `json:"event_type,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

func authSuccess(userID string) serverMessage {
	return serverMessage{Type: "AuthSuccess", Data: map[string]any{"user_id": userID}}
}

func authFailed(reason string) serverMessage {
	return serverMessage{Type: "AuthFailed", Data: map[string]any{"error": reason}}
}

func subscribed(eventType, subscriptionID string) serverMessage {
	return serverMessage{Type: "subscription_confirmed", EventType: eventType, SubscriptionID: subscriptionID}
}

func unsubscribed(eventType, subscriptionID string) serverMessage {
	return serverMessage{Type: "unsubscription_confirmed", EventType: eventType, SubscriptionID: subscriptionID}
}

func pong() serverMessage { return serverMessage{Type: "Pong"} }

func errorMessage(message string, code int) serverMessage {
	return serverMessage{Type: "Error", Data: map[string]any{"message": message, "code": code}}
}

// eventMessage wraps ev in the {type:"Event", data:{event:{event_type,
// payload}}} envelope, naming the event by its variant.
func eventMessage(ev types.ServerEvent) serverMessage {
	payload := make(map[string]any, len(ev.Data)+2)
	for k, v := range ev.Data {
		payload[k] = v
	}
	if owner := ev.Owner(); owner != "" {
		if _, ok := payload["user_id"]; !ok {
			payload["user_id"] = owner
		}
	}
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = ev.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return serverMessage{
		Type: "Event",
		Data: map[string]any{
			"event": map[string]any{
				"event_type": protocol.VariantForEventType(ev.EventType),
				"payload":    payload,
			},
		},
	}
}
