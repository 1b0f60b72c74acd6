package alumni

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChannelState is one state of the realtime channel lifecycle.
type ChannelState string

const (
	// ChannelDisconnected is the initial state before Start.
	ChannelDisconnected ChannelState = "disconnected"
	// ChannelConnecting is the first dial attempt.
	ChannelConnecting ChannelState = "connecting"
	// ChannelConnected means the transport is up and the ledger has been flushed.
	ChannelConnected ChannelState = "connected"
	// ChannelReconnecting means the transport dropped and a bounded retry is in progress.
	ChannelReconnecting ChannelState = "reconnecting"
	// ChannelClosed is terminal: explicit close or exhausted reconnects.
	ChannelClosed ChannelState = "closed"
)

// Topic names a logical event stream on the realtime channel.
type Topic string

const (
	// TopicNotifications carries new notifications and unread count updates.
	TopicNotifications Topic = "notifications"
	// TopicConversations carries conversation list updates for the current user.
	TopicConversations Topic = "conversations"

	conversationTopicPrefix = "conversation:"
)

// ConversationTopic returns the topic carrying messages of one conversation.
func ConversationTopic(conversationID int64) Topic {
	return Topic(conversationTopicPrefix + strconv.FormatInt(conversationID, 10))
}

// ConversationID extracts the conversation id from a conversation topic.
func (t Topic) ConversationID() (int64, bool) {
	raw, found := strings.CutPrefix(string(t), conversationTopicPrefix)
	if !found {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}

	return id, true
}

// Validate checks that t is one of the known topic shapes.
func (t Topic) Validate() error {
	switch t {
	case TopicNotifications, TopicConversations:
		return nil
	}
	if _, ok := t.ConversationID(); ok {
		return nil
	}

	return fmt.Errorf("validate topic %q: %w", string(t), ErrInvalidTopic)
}

// Inbound event names pushed by the backend.
const (
	EventNewNotification         = "new_notification"
	EventNotificationCountUpdate = "notification_count_update"
	EventNewMessage              = "new_message"
	EventConversationUpdate      = "conversation_update"
	EventConnected               = "connected"
	EventSubscribed              = "subscribed"
	EventError                   = "error"
)

// Control event names sent upstream.
const (
	ControlSubscribeNotifications   = "subscribe_notifications"
	ControlUnsubscribeNotifications = "unsubscribe_notifications"
	ControlSubscribeMessages        = "subscribe_messages"
	ControlUnsubscribeMessages      = "unsubscribe_messages"
)

// ChannelEvent is one inbound push routed to a topic.
type ChannelEvent struct {
	Topic Topic
	// Name is the wire event name, for example EventNewMessage.
	Name       string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the payload into target. Malformed payloads are protocol errors.
func (e ChannelEvent) Decode(target any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s on %s: %w: empty payload", e.Name, e.Topic, ErrProtocol)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("decode %s on %s: %w: %v", e.Name, e.Topic, ErrProtocol, err)
	}

	return nil
}

// ChannelHandler processes one inbound channel event.
type ChannelHandler func(ctx context.Context, event ChannelEvent) error

// ChannelSubscription is a registration in the channel's subscription ledger.
// Close is the disposer; it is idempotent.
type ChannelSubscription interface {
	Topic() Topic
	Name() string
	Close(ctx context.Context) error
}

// Notification is the new_notification payload.
type Notification struct {
	ID          int64  `json:"id"`
	Title       string `json:"title,omitempty"`
	Message     string `json:"message,omitempty"`
	Type        string `json:"type,omitempty"`
	IsRead      bool   `json:"is_read"`
	CreatedAt   string `json:"created_at,omitempty"`
	UnreadCount int    `json:"unread_count,omitempty"`
}

// NotificationCount is the notification_count_update payload.
type NotificationCount struct {
	UnreadCount int `json:"unread_count"`
}

// Message is the new_message payload.
type Message struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	SenderID       int64  `json:"sender_id"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at,omitempty"`
}

// ConversationUpdate is the conversation_update payload.
type ConversationUpdate struct {
	ID            int64  `json:"id"`
	LastMessage   string `json:"last_message,omitempty"`
	UnreadCount   int    `json:"unread_count"`
	LastMessageAt string `json:"last_message_at,omitempty"`
}
