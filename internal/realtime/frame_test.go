package realtime

import (
	"encoding/json"
	"errors"
	"testing"

	"alumni-sync/pkg/alumni"
)

func TestRouteFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		frame     Frame
		wantTopic alumni.Topic
		wantOK    bool
		wantErr   error
	}{
		{
			name:      "notification",
			frame:     Frame{Event: alumni.EventNewNotification, Data: json.RawMessage(`{"id":1}`)},
			wantTopic: alumni.TopicNotifications,
			wantOK:    true,
		},
		{
			name:      "count update",
			frame:     Frame{Event: alumni.EventNotificationCountUpdate, Data: json.RawMessage(`{"unread_count":2}`)},
			wantTopic: alumni.TopicNotifications,
			wantOK:    true,
		},
		{
			name:      "message by conversation",
			frame:     Frame{Event: alumni.EventNewMessage, Data: json.RawMessage(`{"id":3,"conversation_id":12}`)},
			wantTopic: alumni.ConversationTopic(12),
			wantOK:    true,
		},
		{
			name:      "conversation list",
			frame:     Frame{Event: alumni.EventConversationUpdate, Data: json.RawMessage(`{"id":12}`)},
			wantTopic: alumni.TopicConversations,
			wantOK:    true,
		},
		{
			name:    "message without conversation",
			frame:   Frame{Event: alumni.EventNewMessage, Data: json.RawMessage(`{"id":3}`)},
			wantErr: alumni.ErrProtocol,
		},
		{
			name:  "unknown event",
			frame: Frame{Event: "typing"},
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			topic, ok, err := routeFrame(testCase.frame)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("error = %v, want %v", err, testCase.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("route failed: %v", err)
			}
			if ok != testCase.wantOK || topic != testCase.wantTopic {
				t.Fatalf("route = (%q, %v), want (%q, %v)", topic, ok, testCase.wantTopic, testCase.wantOK)
			}
		})
	}
}

func TestControlFrame(t *testing.T) {
	t.Parallel()

	frame, ok, err := controlFrame(alumni.ConversationTopic(9), false)
	if err != nil || !ok {
		t.Fatalf("control frame = ok %v err %v", ok, err)
	}
	if frame.Event != alumni.ControlUnsubscribeMessages || string(frame.Data) != `{"conversation_id":9}` {
		t.Fatalf("frame = %s %s", frame.Event, string(frame.Data))
	}

	if _, ok, _ := controlFrame(alumni.TopicConversations, true); ok {
		t.Fatal("conversations topic must not have an upstream control")
	}
}
