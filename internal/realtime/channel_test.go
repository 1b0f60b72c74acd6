package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"alumni-sync/pkg/alumni"
)

func startChannel(t *testing.T, transport Transport, session alumni.SessionReader, options ...Option) *Channel {
	t.Helper()

	channel := New(transport, session, options...)
	if err := channel.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := channel.Close(ctx); err != nil {
			t.Errorf("close failed: %v", err)
		}
	})

	return channel
}

func noopHandler(context.Context, alumni.ChannelEvent) error {
	return nil
}

func TestStartRequiresUsableCredential(t *testing.T) {
	t.Parallel()

	expired := newStaticSession("expired-token")
	expired.session.ExpiresAt = time.Now().Add(-time.Minute)

	tests := []struct {
		name    string
		session alumni.SessionReader
		wantErr error
	}{
		{name: "no session reader", session: nil, wantErr: alumni.ErrNoCredential},
		{name: "no credential", session: newStaticSession(""), wantErr: alumni.ErrNoCredential},
		{name: "expired credential", session: expired, wantErr: alumni.ErrCredentialExpired},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			transport := newFakeTransport()
			channel := New(transport, testCase.session)
			err := channel.Start(context.Background())
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("start error = %v, want %v", err, testCase.wantErr)
			}
			if transport.Dials() != 0 {
				t.Fatalf("dials = %d, want 0", transport.Dials())
			}
			if channel.State() != alumni.ChannelDisconnected {
				t.Fatalf("state = %s, want disconnected", channel.State())
			}
		})
	}
}

func TestQueuedSubscriptionsFlushOncePerTopicOnConnect(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	channel := New(transport, newStaticSession("token-1"))

	for _, name := range []string{"badge", "inbox"} {
		if _, err := channel.Subscribe(context.Background(), alumni.TopicNotifications, name, noopHandler); err != nil {
			t.Fatalf("subscribe %s failed: %v", name, err)
		}
	}
	if _, err := channel.Subscribe(context.Background(), alumni.ConversationTopic(7), "thread", noopHandler); err != nil {
		t.Fatalf("subscribe conversation failed: %v", err)
	}
	if _, err := channel.Subscribe(context.Background(), alumni.TopicConversations, "list", noopHandler); err != nil {
		t.Fatalf("subscribe conversations failed: %v", err)
	}

	if err := channel.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() {
		_ = channel.Close(context.Background())
	})

	conn := transport.nextConn(t)
	first := conn.expectSent(t)
	second := conn.expectSent(t)
	conn.expectNothingSent(t, 50*time.Millisecond)

	if first.Event != alumni.ControlSubscribeNotifications {
		t.Fatalf("first control = %s, want %s", first.Event, alumni.ControlSubscribeNotifications)
	}
	if second.Event != alumni.ControlSubscribeMessages {
		t.Fatalf("second control = %s, want %s", second.Event, alumni.ControlSubscribeMessages)
	}
	var ref conversationRef
	if err := json.Unmarshal(second.Data, &ref); err != nil {
		t.Fatalf("decode subscribe_messages: %v", err)
	}
	if ref.ConversationID != 7 {
		t.Fatalf("conversation_id = %d, want 7", ref.ConversationID)
	}
	eventually(t, time.Second, func() bool {
		return channel.State() == alumni.ChannelConnected
	})
}

func TestSubscribeWhileConnectedSendsImmediately(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	channel := startChannel(t, transport, newStaticSession("token-1"))
	conn := transport.nextConn(t)
	eventually(t, time.Second, func() bool {
		return channel.State() == alumni.ChannelConnected
	})

	if _, err := channel.Subscribe(context.Background(), alumni.TopicNotifications, "a", noopHandler); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if frame := conn.expectSent(t); frame.Event != alumni.ControlSubscribeNotifications {
		t.Fatalf("control = %s, want %s", frame.Event, alumni.ControlSubscribeNotifications)
	}

	if _, err := channel.Subscribe(context.Background(), alumni.TopicNotifications, "b", noopHandler); err != nil {
		t.Fatalf("second subscribe failed: %v", err)
	}
	conn.expectNothingSent(t, 50*time.Millisecond)
}

func TestSubscribeSameNameReturnsExistingRegistration(t *testing.T) {
	t.Parallel()

	channel := New(newFakeTransport(), newStaticSession("token-1"))
	first, err := channel.Subscribe(context.Background(), alumni.TopicNotifications, "badge", noopHandler)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	second, err := channel.Subscribe(context.Background(), alumni.TopicNotifications, "badge", noopHandler)
	if err != nil {
		t.Fatalf("duplicate subscribe failed: %v", err)
	}
	if first != second {
		t.Fatal("duplicate subscribe returned a new registration")
	}

	anonymous, err := channel.Subscribe(context.Background(), alumni.TopicNotifications, "", noopHandler)
	if err != nil {
		t.Fatalf("anonymous subscribe failed: %v", err)
	}
	if anonymous.Name() == "" || anonymous.Name() == "badge" {
		t.Fatalf("anonymous name = %q, want generated", anonymous.Name())
	}
}

func TestSubscribeRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	channel := New(newFakeTransport(), newStaticSession("token-1"))
	if _, err := channel.Subscribe(context.Background(), "chat", "x", noopHandler); !errors.Is(err, alumni.ErrInvalidTopic) {
		t.Fatalf("invalid topic error = %v, want %v", err, alumni.ErrInvalidTopic)
	}
	if _, err := channel.Subscribe(context.Background(), alumni.TopicNotifications, "x", nil); !errors.Is(err, alumni.ErrInvalidSubscription) {
		t.Fatalf("nil handler error = %v, want %v", err, alumni.ErrInvalidSubscription)
	}
}

func TestDispatchRunsHandlersInRegistrationOrderPerTopic(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	channel := startChannel(t, transport, newStaticSession("token-1"))

	var mu sync.Mutex
	var calls []string
	delivered := make(chan struct{}, 8)
	record := func(label string) alumni.ChannelHandler {
		return func(_ context.Context, event alumni.ChannelEvent) error {
			mu.Lock()
			calls = append(calls, label+":"+event.Name)
			mu.Unlock()
			delivered <- struct{}{}
			return nil
		}
	}

	subscribe := func(topic alumni.Topic, name string) {
		t.Helper()
		if _, err := channel.Subscribe(context.Background(), topic, name, record(name)); err != nil {
			t.Fatalf("subscribe %s failed: %v", name, err)
		}
	}
	subscribe(alumni.TopicNotifications, "first")
	subscribe(alumni.TopicNotifications, "second")
	subscribe(alumni.ConversationTopic(7), "thread-7")

	conn := transport.nextConn(t)
	conn.push(t, alumni.EventNotificationCountUpdate, alumni.NotificationCount{UnreadCount: 3})
	conn.push(t, alumni.EventNewMessage, alumni.Message{ID: 1, ConversationID: 8, Content: "elsewhere"})
	conn.push(t, alumni.EventNewMessage, alumni.Message{ID: 2, ConversationID: 7, Content: "hi"})

	for range 3 {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatch")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"first:" + alumni.EventNotificationCountUpdate,
		"second:" + alumni.EventNotificationCountUpdate,
		"thread-7:" + alumni.EventNewMessage,
	}
	if !slices.Equal(calls, want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

func TestHandlerFailureDoesNotStopLaterHandlers(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sink := &errorSink{}
	channel := startChannel(t, transport, newStaticSession("token-1"), WithAsyncErrorHandler(sink.handle))

	if _, err := channel.Subscribe(context.Background(), alumni.TopicNotifications, "panics", func(context.Context, alumni.ChannelEvent) error {
		panic("broken view")
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := channel.Subscribe(context.Background(), alumni.TopicNotifications, "fails", func(context.Context, alumni.ChannelEvent) error {
		return errors.New("render failed")
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	received := make(chan alumni.Notification, 1)
	if _, err := channel.Subscribe(context.Background(), alumni.TopicNotifications, "works", func(_ context.Context, event alumni.ChannelEvent) error {
		var notification alumni.Notification
		if err := event.Decode(&notification); err != nil {
			return err
		}
		received <- notification
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	conn := transport.nextConn(t)
	conn.push(t, alumni.EventNewNotification, alumni.Notification{ID: 11, Title: "New job posted"})

	select {
	case notification := <-received:
		if notification.ID != 11 {
			t.Fatalf("notification id = %d, want 11", notification.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("healthy handler was not called")
	}
	eventually(t, time.Second, func() bool {
		return sink.count() == 2
	})
}

func TestServerErrorFrameGoesToAsyncSink(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sink := &errorSink{}
	startChannel(t, transport, newStaticSession("token-1"), WithAsyncErrorHandler(sink.handle))

	conn := transport.nextConn(t)
	conn.push(t, alumni.EventError, map[string]string{"message": "Conversation not found"})
	eventually(t, time.Second, func() bool {
		return sink.count() == 1
	})
}

func TestReconnectResubscribesWithoutDuplicateDelivery(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	publisher := &recordingPublisher{}
	channel := startChannel(t, transport, newStaticSession("token-1"),
		WithReconnect(5*time.Millisecond, 10*time.Millisecond, 3),
		WithPublisher(publisher),
	)

	deliveries := make(chan int64, 8)
	if _, err := channel.Subscribe(context.Background(), alumni.ConversationTopic(42), "thread", func(_ context.Context, event alumni.ChannelEvent) error {
		var message alumni.Message
		if err := event.Decode(&message); err != nil {
			return err
		}
		deliveries <- message.ID
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	first := transport.nextConn(t)
	if frame := first.expectSent(t); frame.Event != alumni.ControlSubscribeMessages {
		t.Fatalf("first control = %s, want %s", frame.Event, alumni.ControlSubscribeMessages)
	}
	_ = first.Close()

	second := transport.nextConn(t)
	if frame := second.expectSent(t); frame.Event != alumni.ControlSubscribeMessages {
		t.Fatalf("resubscribe control = %s, want %s", frame.Event, alumni.ControlSubscribeMessages)
	}
	second.expectNothingSent(t, 50*time.Millisecond)

	second.push(t, alumni.EventNewMessage, alumni.Message{ID: 99, ConversationID: 42, Content: "after reconnect"})
	select {
	case id := <-deliveries:
		if id != 99 {
			t.Fatalf("delivered id = %d, want 99", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message after reconnect was not delivered")
	}
	select {
	case id := <-deliveries:
		t.Fatalf("duplicate delivery of %d", id)
	case <-time.After(50 * time.Millisecond):
	}

	eventually(t, time.Second, func() bool {
		states := publisher.states()
		return slices.Equal(states, []alumni.ChannelState{
			alumni.ChannelConnecting,
			alumni.ChannelConnected,
			alumni.ChannelReconnecting,
			alumni.ChannelConnected,
		})
	})
}

func TestReconnectExhaustionClosesChannel(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.failAll = true
	publisher := &recordingPublisher{}
	channel := New(transport, newStaticSession("token-1"),
		WithReconnect(time.Millisecond, 2*time.Millisecond, 3),
		WithPublisher(publisher),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := channel.Run(ctx)
	if !errors.Is(err, alumni.ErrReconnectExhausted) {
		t.Fatalf("run error = %v, want %v", err, alumni.ErrReconnectExhausted)
	}
	if !errors.Is(err, errDialRefused) {
		t.Fatalf("run error = %v, want wrapped dial error", err)
	}
	if transport.Dials() != 4 {
		t.Fatalf("dials = %d, want 4", transport.Dials())
	}
	if channel.State() != alumni.ChannelClosed {
		t.Fatalf("state = %s, want closed", channel.State())
	}

	kinds := publisher.kinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != alumni.SignalChannelExhausted {
		t.Fatalf("signal kinds = %v, want trailing %s", kinds, alumni.SignalChannelExhausted)
	}
	if _, err := channel.Subscribe(context.Background(), alumni.TopicNotifications, "late", noopHandler); !errors.Is(err, alumni.ErrChannelClosed) {
		t.Fatalf("subscribe after exhaustion error = %v, want %v", err, alumni.ErrChannelClosed)
	}
}

func TestDisposerStopsDeliveryAndLeavesTopic(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	channel := startChannel(t, transport, newStaticSession("token-1"))
	calls := make(chan struct{}, 4)
	sub, err := channel.Subscribe(context.Background(), alumni.ConversationTopic(5), "thread", func(context.Context, alumni.ChannelEvent) error {
		calls <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	conn := transport.nextConn(t)
	conn.expectSent(t)

	if err := sub.Close(context.Background()); err != nil {
		t.Fatalf("dispose failed: %v", err)
	}
	if err := sub.Close(context.Background()); err != nil {
		t.Fatalf("second dispose failed: %v", err)
	}
	frame := conn.expectSent(t)
	if frame.Event != alumni.ControlUnsubscribeMessages {
		t.Fatalf("control = %s, want %s", frame.Event, alumni.ControlUnsubscribeMessages)
	}
	conn.expectNothingSent(t, 50*time.Millisecond)
	if topics := channel.Topics(); len(topics) != 0 {
		t.Fatalf("topics = %v, want none", topics)
	}

	conn.push(t, alumni.EventNewMessage, alumni.Message{ID: 1, ConversationID: 5})
	select {
	case <-calls:
		t.Fatal("disposed handler was called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResubscribeWhileUnsubscribeInFlightKeepsTopicUpstream(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	blocked := make(chan struct{}, 1)
	release := make(chan struct{})
	transport.sendGate = func(ctx context.Context, frame Frame) {
		if frame.Event != alumni.ControlUnsubscribeMessages {
			return
		}
		select {
		case blocked <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
	}
	channel := startChannel(t, transport, newStaticSession("token-1"))
	topic := alumni.ConversationTopic(5)

	first, err := channel.Subscribe(context.Background(), topic, "a", noopHandler)
	if err != nil {
		t.Fatalf("subscribe a failed: %v", err)
	}
	conn := transport.nextConn(t)
	if frame := conn.expectSent(t); frame.Event != alumni.ControlSubscribeMessages {
		t.Fatalf("control = %s, want %s", frame.Event, alumni.ControlSubscribeMessages)
	}

	disposed := make(chan error, 1)
	go func() {
		disposed <- first.Close(context.Background())
	}()
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe was not sent")
	}

	subscribed := make(chan error, 1)
	go func() {
		_, err := channel.Subscribe(context.Background(), topic, "b", noopHandler)
		subscribed <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	for _, done := range []chan error{disposed, subscribed} {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("ledger change failed: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for ledger change")
		}
	}

	got := []string{conn.expectSent(t).Event, conn.expectSent(t).Event}
	want := []string{alumni.ControlUnsubscribeMessages, alumni.ControlSubscribeMessages}
	if !slices.Equal(got, want) {
		t.Fatalf("control order = %v, want %v", got, want)
	}
	if topics := channel.Topics(); !slices.Equal(topics, []alumni.Topic{topic}) {
		t.Fatalf("topics = %v, want [%s]", topics, topic)
	}
}

func TestHandlerCanCloseItsChannel(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	channel := New(transport, newStaticSession("token-1"))
	if err := channel.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	closed := make(chan error, 1)
	if _, err := channel.Subscribe(context.Background(), alumni.ConversationTopic(9), "closer", func(ctx context.Context, _ alumni.ChannelEvent) error {
		closed <- channel.Close(ctx)
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	conn := transport.nextConn(t)
	conn.expectSent(t)

	conn.push(t, alumni.EventNewMessage, alumni.Message{ID: 1, ConversationID: 9})
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("close from handler failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close from handler did not return")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := channel.Wait(ctx); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if state := channel.State(); state != alumni.ChannelClosed {
		t.Fatalf("state = %s, want %s", state, alumni.ChannelClosed)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	publisher := &recordingPublisher{}
	channel := New(transport, newStaticSession("token-1"), WithPublisher(publisher))
	if err := channel.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	conn := transport.nextConn(t)

	if err := channel.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := channel.Close(context.Background()); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("transport connection was not released")
	}
	if err := channel.Start(context.Background()); !errors.Is(err, alumni.ErrChannelClosed) {
		t.Fatalf("restart error = %v, want %v", err, alumni.ErrChannelClosed)
	}
	if _, err := channel.Subscribe(context.Background(), alumni.TopicNotifications, "late", noopHandler); !errors.Is(err, alumni.ErrChannelClosed) {
		t.Fatalf("subscribe error = %v, want %v", err, alumni.ErrChannelClosed)
	}

	states := publisher.states()
	if len(states) == 0 || states[len(states)-1] != alumni.ChannelClosed {
		t.Fatalf("states = %v, want trailing closed", states)
	}
}

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 5 * time.Second},
		{attempt: 9, want: 5 * time.Second},
	}

	for _, testCase := range tests {
		got := exponentialBackoff(DefaultReconnectDelay, testCase.attempt, DefaultReconnectMaxDelay)
		if got != testCase.want {
			t.Fatalf("attempt %d delay = %s, want %s", testCase.attempt, got, testCase.want)
		}
	}
}
