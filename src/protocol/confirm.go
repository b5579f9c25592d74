package protocol

// Request identifies an outstanding subscribe or unsubscribe request.
type Request struct {
	SubscriptionID string
	EventType      string
}

// ConfirmationPredicate decides whether frame acknowledges req.
// Servers disagree on what a confirmation looks like, so the registry
// takes one of these instead of hard-coding a schema.
type ConfirmationPredicate func(frame Frame, req Request) bool

// MatchSubscribed accepts a Subscribed frame that echoes the request's
// subscription id or, when the server does not echo ids, its event type.
func MatchSubscribed(frame Frame, req Request) bool {
	return frame.Kind == KindSubscribed && echoes(frame, req)
}

// MatchUnsubscribed is MatchSubscribed for unsubscribe requests.
func MatchUnsubscribed(frame Frame, req Request) bool {
	return frame.Kind == KindUnsubscribed && echoes(frame, req)
}

// MatchAnyTyped accepts the first typed frame that is not itself an
// event of the requested type, for servers that answer subscribe
// requests with a generic acknowledgement such as {"type":"ack"}.
func MatchAnyTyped(frame Frame, req Request) bool {
	switch frame.Kind {
	case KindPong, KindAuthSuccess, KindAuthFailed, KindError:
		return false
	case KindEvent:
		return frame.Type != "" && frame.EventType != req.EventType
	}
	return frame.Type != ""
}

func echoes(frame Frame, req Request) bool {
	if frame.SubscriptionID != "" {
		return frame.SubscriptionID == req.SubscriptionID
	}
	return frame.EventType == "" || frame.EventType == req.EventType
}
