package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"alumni-sync/pkg/alumni"
)

func TestWebSocketTransportEndToEnd(t *testing.T) {
	t.Parallel()

	authHeaders := make(chan string, 1)
	controls := make(chan Frame, 4)
	server := httptest.NewServer(websocket.Handler(func(conn *websocket.Conn) {
		defer func() {
			_ = conn.Close()
		}()
		authHeaders <- conn.Request().Header.Get("Authorization")

		decoder := json.NewDecoder(conn)
		encoder := json.NewEncoder(conn)
		var frame Frame
		if err := decoder.Decode(&frame); err != nil {
			return
		}
		controls <- frame
		if err := encoder.Encode(Frame{
			Event: alumni.EventNewNotification,
			Data:  json.RawMessage(`{"id":5,"title":"Welcome to the network","is_read":false}`),
		}); err != nil {
			return
		}
		for {
			if err := decoder.Decode(&frame); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	transport := WebSocketTransport{
		URL:         "ws" + strings.TrimPrefix(server.URL, "http"),
		DialTimeout: 2 * time.Second,
	}
	channel := New(transport, newStaticSession("token-xyz"))

	received := make(chan alumni.Notification, 1)
	if _, err := channel.Subscribe(context.Background(), alumni.TopicNotifications, "inbox", func(_ context.Context, event alumni.ChannelEvent) error {
		var notification alumni.Notification
		if err := event.Decode(&notification); err != nil {
			return err
		}
		received <- notification
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := channel.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = channel.Close(ctx)
	})

	select {
	case header := <-authHeaders:
		if header != "Bearer token-xyz" {
			t.Fatalf("authorization = %q, want bearer token", header)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw a handshake")
	}
	select {
	case frame := <-controls:
		if frame.Event != alumni.ControlSubscribeNotifications {
			t.Fatalf("control = %s, want %s", frame.Event, alumni.ControlSubscribeNotifications)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received subscribe control")
	}
	select {
	case notification := <-received:
		if notification.ID != 5 || notification.Title != "Welcome to the network" {
			t.Fatalf("notification = %+v", notification)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not dispatched")
	}
}

func TestWebSocketTransportOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{name: "plain", url: "ws://localhost:5001/ws", want: "http://localhost:5001"},
		{name: "tls", url: "wss://alumni.example.edu/socket?x=1", want: "https://alumni.example.edu"},
		{name: "bad scheme", url: "http://localhost:5001/ws", wantErr: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := WebSocketTransport{URL: testCase.url}.origin()
			if testCase.wantErr {
				if err == nil {
					t.Fatalf("origin(%q) succeeded, want error", testCase.url)
				}
				return
			}
			if err != nil {
				t.Fatalf("origin(%q) failed: %v", testCase.url, err)
			}
			if got != testCase.want {
				t.Fatalf("origin(%q) = %q, want %q", testCase.url, got, testCase.want)
			}
		})
	}
}

func TestWebSocketTransportRequiresCredential(t *testing.T) {
	t.Parallel()

	_, err := WebSocketTransport{URL: "ws://localhost:1/ws"}.Dial(context.Background(), "")
	if err == nil {
		t.Fatal("dial without credential succeeded")
	}
}
