package realtime

import (
	"encoding/json"
	"fmt"

	"alumni-sync/pkg/alumni"
)

// Frame is one JSON message on the wire in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type conversationRef struct {
	ConversationID int64 `json:"conversation_id"`
}

type serverError struct {
	Message string `json:"message"`
}

type subscribedAck struct {
	Room string `json:"room"`
}

// controlFrame returns the upstream frame that subscribes to or leaves topic.
// Topics the server joins implicitly have no control frame.
func controlFrame(topic alumni.Topic, subscribe bool) (Frame, bool, error) {
	if topic == alumni.TopicNotifications {
		event := alumni.ControlSubscribeNotifications
		if !subscribe {
			event = alumni.ControlUnsubscribeNotifications
		}
		return Frame{Event: event}, true, nil
	}

	conversationID, ok := topic.ConversationID()
	if !ok {
		return Frame{}, false, nil
	}
	data, err := json.Marshal(conversationRef{ConversationID: conversationID})
	if err != nil {
		return Frame{}, false, fmt.Errorf("encode control for %s: %w", topic, err)
	}
	event := alumni.ControlSubscribeMessages
	if !subscribe {
		event = alumni.ControlUnsubscribeMessages
	}

	return Frame{Event: event, Data: data}, true, nil
}

// routeFrame maps an inbound event to the topic whose handlers receive it.
// ok is false for lifecycle and unknown events.
func routeFrame(frame Frame) (topic alumni.Topic, ok bool, err error) {
	switch frame.Event {
	case alumni.EventNewNotification, alumni.EventNotificationCountUpdate:
		return alumni.TopicNotifications, true, nil
	case alumni.EventConversationUpdate:
		return alumni.TopicConversations, true, nil
	case alumni.EventNewMessage:
		var ref conversationRef
		if err := json.Unmarshal(frame.Data, &ref); err != nil {
			return "", false, fmt.Errorf("route %s: %w: %v", frame.Event, alumni.ErrProtocol, err)
		}
		if ref.ConversationID <= 0 {
			return "", false, fmt.Errorf("route %s: %w: missing conversation_id", frame.Event, alumni.ErrProtocol)
		}
		return alumni.ConversationTopic(ref.ConversationID), true, nil
	default:
		return "", false, nil
	}
}
