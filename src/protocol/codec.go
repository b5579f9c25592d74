package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/orchestra-mcp/wsharness/config"
	"github.com/orchestra-mcp/wsharness/src/wserr"
)

// Codec translates between wire frames and Frame values.
type Codec struct {
	f config.WireFields
}

// NewCodec creates a codec for the given field names.
func NewCodec(fields config.WireFields) *Codec {
	return &Codec{f: fields}
}

// Fields returns the field names the codec was built with.
func (c *Codec) Fields() config.WireFields { return c.f }

// object is a decoded JSON object with lookups that fall through from
// the top level to the "data" member, so both flat frames and
// {type, data:{...}} envelopes resolve the same way.
type object struct {
	top  map[string]json.RawMessage
	data map[string]json.RawMessage
}

func (o object) raw(key string) (json.RawMessage, bool) {
	if v, ok := o.top[key]; ok && !isNull(v) {
		return v, true
	}
	if v, ok := o.data[key]; ok && !isNull(v) {
		return v, true
	}
	return nil, false
}

func (o object) str(key string) string {
	v, ok := o.raw(key)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return ""
}

func (o object) number(key string) int {
	v, ok := o.raw(key)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(string(bytes.TrimSpace(v)))
	if err != nil {
		return 0
	}
	return n
}

// Decode parses one inbound frame. Frames that are not JSON objects
// yield a *wserr.ProtocolError. Objects the codec does not recognise
// decode to KindUnknown without error.
func (c *Codec) Decode(raw []byte) (Frame, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return Frame{}, &wserr.ProtocolError{Frame: raw, Err: err}
	}
	if top == nil {
		return Frame{}, &wserr.ProtocolError{Frame: raw, Err: errors.New("frame is not a JSON object")}
	}

	obj := object{top: top}
	if d, ok := top[c.f.Data]; ok {
		_ = json.Unmarshal(d, &obj.data)
	}

	frame := Frame{
		Type: obj.topStr(c.f.Type),
		Raw:  append(json.RawMessage(nil), raw...),
	}
	frame.Kind = controlTags[normalizeTag(frame.Type)]

	switch frame.Kind {
	case KindAuthSuccess:
		frame.UserID = obj.str(c.f.UserID)
	case KindAuthFailed:
		frame.Message = firstNonEmpty(obj.str(c.f.Error), obj.str("message"), obj.str("reason"))
	case KindSubscribed, KindUnsubscribed:
		frame.EventType = obj.str(c.f.EventType)
		frame.SubscriptionID = obj.str(c.f.SubscriptionID)
	case KindError:
		frame.Message = firstNonEmpty(obj.str("message"), obj.str(c.f.Error))
		frame.Code = obj.number("code")
	case KindClose:
		frame.Message = firstNonEmpty(obj.str("reason"), obj.str("message"))
	case KindEvent:
		c.decodeEvent(&frame, obj)
	case KindUnknown:
		// Anything else tagged with an event name or a non-control type
		// is an event delivery named by that tag.
		if name := obj.topStr(c.f.Event); name != "" {
			frame.Kind = KindEvent
			frame.EventType = name
			frame.Payload = c.payload(obj, raw)
		} else if frame.Type != "" {
			frame.Kind = KindEvent
			frame.EventType = frame.Type
			frame.Payload = c.payload(obj, raw)
		}
		frame.SubscriptionID = obj.topStr(c.f.SubscriptionID)
	}
	return frame, nil
}

// decodeEvent handles frames explicitly typed as events: the gateway's
// {type:"Event", data:{event:{event_type, payload}}} envelope and the
// simpler {type:"event", event:"...", data:{...}} form.
func (c *Codec) decodeEvent(frame *Frame, obj object) {
	if inner, ok := obj.data[c.f.Event]; ok {
		var m map[string]json.RawMessage
		var variant string
		if err := json.Unmarshal(inner, &m); err == nil {
			_ = json.Unmarshal(m[c.f.EventType], &variant)
		}
		if variant != "" {
			frame.EventType = EventTypeForVariant(variant)
			frame.Payload = m[c.f.Payload]
			frame.SubscriptionID = obj.str(c.f.SubscriptionID)
			return
		}
	}
	frame.EventType = firstNonEmpty(obj.topStr(c.f.Event), obj.topStr(c.f.EventType))
	frame.SubscriptionID = obj.topStr(c.f.SubscriptionID)
	frame.Payload = c.payload(obj, frame.Raw)
}

// payload picks the event body: the data member, then the payload
// member, then the whole frame.
func (c *Codec) payload(obj object, raw []byte) json.RawMessage {
	if v, ok := obj.top[c.f.Data]; ok && isObject(v) {
		return v
	}
	if v, ok := obj.top[c.f.Payload]; ok && isObject(v) {
		return v
	}
	return append(json.RawMessage(nil), raw...)
}

func (o object) topStr(key string) string {
	v, ok := o.top[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// Authenticate builds the in-band authentication request.
func (c *Codec) Authenticate(token string) map[string]any {
	return map[string]any{
		c.f.Action: c.f.AuthenticateAction,
		c.f.Token:  token,
	}
}

// Subscribe builds a subscribe request. Empty filters and ids are omitted.
func (c *Codec) Subscribe(eventType string, filters map[string]string, subscriptionID string) map[string]any {
	msg := map[string]any{
		c.f.Action:    c.f.SubscribeAction,
		c.f.EventType: eventType,
	}
	if len(filters) > 0 {
		msg[c.f.Filters] = filters
	}
	if subscriptionID != "" {
		msg[c.f.SubscriptionID] = subscriptionID
	}
	return msg
}

// Unsubscribe builds an unsubscribe request.
func (c *Codec) Unsubscribe(eventType, subscriptionID string) map[string]any {
	msg := map[string]any{
		c.f.Action:    c.f.UnsubscribeAction,
		c.f.EventType: eventType,
	}
	if subscriptionID != "" {
		msg[c.f.SubscriptionID] = subscriptionID
	}
	return msg
}

// Ping builds an application-level keepalive.
func (c *Codec) Ping() map[string]any {
	return map[string]any{c.f.Action: c.f.PingAction}
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func isObject(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) > 0 && v[0] == '{'
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
