package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"alumni-sync/pkg/alumni"
)

const controlSendTimeout = 5 * time.Second

// dispatchKey marks handler contexts with the channel running the handler.
type dispatchKey struct{}

// Option mutates channel construction configuration.
type Option func(*Channel)

// WithName sets the channel instance name used in logs and state signals.
func WithName(name string) Option {
	return func(c *Channel) {
		if name != "" {
			c.name = name
		}
	}
}

// WithLogger configures the channel logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPublisher sets where state and exhaustion signals are published.
func WithPublisher(publisher alumni.SignalPublisher) Option {
	return func(c *Channel) {
		c.publisher = publisher
	}
}

// WithClock overrides the clock used for credential expiry and timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Channel) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithReconnect configures the bounded exponential reconnect policy.
func WithReconnect(delay, maxDelay time.Duration, attempts int) Option {
	return func(c *Channel) {
		if delay > 0 {
			c.reconnectDelay = delay
		}
		if maxDelay > 0 {
			c.reconnectMaxDelay = maxDelay
		}
		if attempts >= 0 {
			c.reconnectAttempts = attempts
		}
	}
}

// WithAsyncErrorHandler receives handler failures and server error frames.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(c *Channel) {
		if handler != nil {
			c.onAsyncError = handler
		}
	}
}

// Channel is one realtime push connection bound to the current session.
//
// A Channel is single use: once closed, by Close, context cancellation or
// reconnect exhaustion, it never dials again.
type Channel struct {
	name              string
	transport         Transport
	session           alumni.SessionReader
	publisher         alumni.SignalPublisher
	logger            *slog.Logger
	clock             func() time.Time
	reconnectDelay    time.Duration
	reconnectMaxDelay time.Duration
	reconnectAttempts int
	onAsyncError      func(context.Context, string, error)

	// controlMu is taken before mu and held across an upstream map change and
	// its control send, so control frames for a topic leave in ledger order.
	controlMu sync.Mutex

	mu       sync.Mutex
	state    alumni.ChannelState
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	conn     Conn
	upstream map[alumni.Topic]bool
	topics   []alumni.Topic
	ledger   map[alumni.Topic][]*subscription
}

// New creates a disconnected channel that dials through transport with the
// credential held by session.
func New(transport Transport, session alumni.SessionReader, options ...Option) *Channel {
	c := &Channel{
		name:              "realtime",
		transport:         transport,
		session:           session,
		logger:            slog.Default(),
		clock:             time.Now,
		reconnectDelay:    DefaultReconnectDelay,
		reconnectMaxDelay: DefaultReconnectMaxDelay,
		reconnectAttempts: DefaultReconnectAttempts,
		state:             alumni.ChannelDisconnected,
		ledger:            make(map[alumni.Topic][]*subscription),
	}
	for _, option := range options {
		option(c)
	}
	if c.onAsyncError == nil {
		c.onAsyncError = func(ctx context.Context, scope string, err error) {
			c.logger.ErrorContext(ctx, "realtime async failure",
				"channel", c.name,
				"scope", scope,
				"error", err,
			)
		}
	}

	return c
}

// Name returns the channel instance name.
func (c *Channel) Name() string {
	return c.name
}

// State returns the current lifecycle state.
func (c *Channel) State() alumni.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Start checks the credential and runs the channel in the background until
// ctx is canceled, Close is called or reconnects are exhausted. Terminal run
// errors go to the async error handler.
func (c *Channel) Start(ctx context.Context) error {
	runCtx, err := c.prepare(ctx)
	if err != nil {
		return err
	}

	go func() {
		if err := c.serve(runCtx); err != nil {
			c.onAsyncError(runCtx, "realtime run", err)
		}
	}()

	return nil
}

// Run is the blocking form of Start. It returns nil after Close or context
// cancellation and an error wrapping alumni.ErrReconnectExhausted once the
// reconnect budget is spent.
func (c *Channel) Run(ctx context.Context) error {
	runCtx, err := c.prepare(ctx)
	if err != nil {
		return err
	}

	return c.serve(runCtx)
}

// Wait blocks until a started channel stops or ctx is done.
func (c *Channel) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait channel %s: %w", c.name, ctx.Err())
	}
}

// Subscribe registers handler for topic under name and returns its disposer.
//
// Registering an existing (topic, name) pair returns the existing registration.
// An empty name gets a random one. When connected and the topic is new
// upstream the subscribe control is sent now; otherwise it is sent on the
// next connection.
func (c *Channel) Subscribe(
	ctx context.Context,
	topic alumni.Topic,
	name string,
	handler alumni.ChannelHandler,
) (alumni.ChannelSubscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", c.name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s to %s: %w: nil handler", c.name, topic, alumni.ErrInvalidSubscription)
	}
	if name == "" {
		name = uuid.NewString()
	}

	c.controlMu.Lock()
	c.mu.Lock()
	if c.state == alumni.ChannelClosed {
		c.mu.Unlock()
		c.controlMu.Unlock()
		return nil, fmt.Errorf("subscribe %s to %s: %w", c.name, topic, alumni.ErrChannelClosed)
	}
	for _, existing := range c.ledger[topic] {
		if existing.name == name {
			c.mu.Unlock()
			c.controlMu.Unlock()
			return existing, nil
		}
	}

	sub := &subscription{
		channel: c,
		topic:   topic,
		name:    name,
		handler: handler,
	}
	if len(c.ledger[topic]) == 0 {
		c.topics = append(c.topics, topic)
	}
	c.ledger[topic] = append(c.ledger[topic], sub)

	conn := c.conn
	send := conn != nil && !c.upstream[topic]
	if send {
		c.upstream[topic] = true
	}
	c.mu.Unlock()

	var sendErr error
	if send {
		sendErr = c.sendControl(ctx, conn, topic, true)
	}
	c.controlMu.Unlock()

	if sendErr != nil {
		c.onAsyncError(ctx, "realtime subscribe "+string(topic), sendErr)
	}

	return sub, nil
}

// Topics returns the ledger topics in first-registration order.
func (c *Channel) Topics() []alumni.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()

	topics := make([]alumni.Topic, len(c.topics))
	copy(topics, c.topics)

	return topics
}

// Close releases the transport, clears the ledger and moves to closed. It
// waits for a running channel to stop until ctx is done.
//
// A handler may close its own channel when it passes the ctx it was given;
// that call does not wait, since the handler runs on the serving goroutine.
func (c *Channel) Close(ctx context.Context) error {
	c.transition(ctx, alumni.ChannelClosed, 0)

	c.mu.Lock()
	running := c.running
	cancel := c.cancel
	done := c.done
	conn := c.conn
	c.conn = nil
	c.upstream = nil
	for _, subs := range c.ledger {
		for _, sub := range subs {
			sub.closed.Store(true)
		}
	}
	c.ledger = make(map[alumni.Topic][]*subscription)
	c.topics = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if !running {
		return nil
	}

	cancel()
	if dispatching, _ := ctx.Value(dispatchKey{}).(*Channel); dispatching == c {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close channel %s: %w", c.name, ctx.Err())
	}
}

func (c *Channel) prepare(ctx context.Context) (context.Context, error) {
	if _, err := c.credential(); err != nil {
		return nil, fmt.Errorf("start channel %s: %w", c.name, err)
	}
	if c.transport == nil {
		return nil, fmt.Errorf("start channel %s: nil transport", c.name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == alumni.ChannelClosed {
		return nil, fmt.Errorf("start channel %s: %w", c.name, alumni.ErrChannelClosed)
	}
	if c.running {
		return nil, fmt.Errorf("start channel %s: already running", c.name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})

	return runCtx, nil
}

func (c *Channel) serve(ctx context.Context) error {
	defer c.finishRun(ctx)

	c.transition(ctx, alumni.ChannelConnecting, 0)

	attempt := 0
	for {
		connected, err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}
		attempt++
		if attempt > c.reconnectAttempts {
			return c.exhaust(ctx, attempt-1, err)
		}

		delay := exponentialBackoff(c.reconnectDelay, attempt, c.reconnectMaxDelay)
		c.logger.WarnContext(ctx, "realtime connection lost",
			"channel", c.name,
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
		c.transition(ctx, alumni.ChannelReconnecting, attempt)
		if err := sleepWithContext(ctx, delay); err != nil {
			return nil
		}
	}
}

// connectAndRead dials once, flushes the ledger and reads until the
// connection fails. connected reports whether the dial succeeded.
func (c *Channel) connectAndRead(ctx context.Context) (connected bool, err error) {
	credential, err := c.credential()
	if err != nil {
		return false, err
	}
	conn, err := c.transport.Dial(ctx, credential)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.name, err)
	}

	c.controlMu.Lock()
	c.mu.Lock()
	if c.state == alumni.ChannelClosed || ctx.Err() != nil {
		c.mu.Unlock()
		c.controlMu.Unlock()
		_ = conn.Close()
		return false, fmt.Errorf("dial %s: %w", c.name, alumni.ErrChannelClosed)
	}
	c.conn = conn
	c.upstream = make(map[alumni.Topic]bool, len(c.topics))
	flush := make([]alumni.Topic, 0, len(c.topics))
	for _, topic := range c.topics {
		c.upstream[topic] = true
		flush = append(flush, topic)
	}
	c.mu.Unlock()

	var flushErrs []error
	for _, topic := range flush {
		if err := c.sendControl(ctx, conn, topic, true); err != nil {
			flushErrs = append(flushErrs, err)
		}
	}
	c.controlMu.Unlock()

	// Listeners may subscribe from these callbacks, so they run unlocked.
	c.transition(ctx, alumni.ChannelConnected, 0)
	for _, err := range flushErrs {
		c.onAsyncError(ctx, "realtime resubscribe", err)
	}

	err = c.readLoop(ctx, conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.upstream = nil
	}
	c.mu.Unlock()
	_ = conn.Close()

	return true, err
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	for {
		frame, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		c.dispatch(ctx, frame)
	}
}

// dispatch routes one inbound frame and runs the topic's handlers in
// registration order. A failing handler never prevents the next one.
func (c *Channel) dispatch(ctx context.Context, frame Frame) {
	switch frame.Event {
	case alumni.EventError:
		var payload serverError
		_ = json.Unmarshal(frame.Data, &payload)
		c.onAsyncError(ctx, "realtime server", fmt.Errorf("server error: %s", payload.Message))
		return
	case alumni.EventSubscribed:
		var ack subscribedAck
		_ = json.Unmarshal(frame.Data, &ack)
		c.logger.DebugContext(ctx, "realtime subscribed", "channel", c.name, "room", ack.Room)
		return
	case alumni.EventConnected:
		c.logger.DebugContext(ctx, "realtime server acknowledged connection", "channel", c.name)
		return
	}

	topic, ok, err := routeFrame(frame)
	if err != nil {
		c.onAsyncError(ctx, "realtime route", err)
		return
	}
	if !ok {
		c.logger.DebugContext(ctx, "realtime dropped unrouted event", "channel", c.name, "event", frame.Event)
		return
	}

	c.mu.Lock()
	handlers := make([]*subscription, len(c.ledger[topic]))
	copy(handlers, c.ledger[topic])
	c.mu.Unlock()

	handlerCtx := context.WithValue(ctx, dispatchKey{}, c)
	event := alumni.ChannelEvent{
		Topic:      topic,
		Name:       frame.Event,
		Payload:    frame.Data,
		ReceivedAt: c.clock(),
	}
	for _, sub := range handlers {
		if sub.closed.Load() {
			continue
		}
		scope := "realtime handler " + sub.name
		if err := invokeSafely(scope, func() error {
			return sub.handler(handlerCtx, event)
		}); err != nil {
			c.onAsyncError(ctx, scope, err)
		}
	}
}

func (c *Channel) unsubscribe(ctx context.Context, sub *subscription) error {
	if !sub.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.controlMu.Lock()
	defer c.controlMu.Unlock()

	c.mu.Lock()
	subs := c.ledger[sub.topic]
	for index, existing := range subs {
		if existing == sub {
			subs = append(subs[:index:index], subs[index+1:]...)
			break
		}
	}
	var conn Conn
	if len(subs) > 0 {
		c.ledger[sub.topic] = subs
	} else {
		delete(c.ledger, sub.topic)
		c.topics = removeTopic(c.topics, sub.topic)
		if c.conn != nil && c.upstream[sub.topic] {
			delete(c.upstream, sub.topic)
			conn = c.conn
		}
	}
	c.mu.Unlock()

	if conn != nil {
		if err := c.sendControl(ctx, conn, sub.topic, false); err != nil {
			c.logger.WarnContext(ctx, "realtime unsubscribe not delivered",
				"channel", c.name,
				"topic", string(sub.topic),
				"error", err,
			)
		}
	}

	return nil
}

func (c *Channel) sendControl(ctx context.Context, conn Conn, topic alumni.Topic, subscribe bool) error {
	frame, ok, err := controlFrame(topic, subscribe)
	if err != nil || !ok {
		return err
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), controlSendTimeout)
	defer cancel()

	if err := conn.Send(sendCtx, frame); err != nil {
		return fmt.Errorf("send %s for %s: %w", frame.Event, topic, err)
	}

	return nil
}

func (c *Channel) credential() (alumni.Credential, error) {
	if c.session == nil {
		return "", alumni.ErrNoCredential
	}
	session, ok := c.session.Session()
	if !ok || session.Credential.IsZero() {
		return "", alumni.ErrNoCredential
	}
	if session.Expired(c.clock()) {
		return "", fmt.Errorf("%w: %w", alumni.ErrNoCredential, alumni.ErrCredentialExpired)
	}

	return session.Credential, nil
}

func (c *Channel) exhaust(ctx context.Context, attempts int, cause error) error {
	err := fmt.Errorf("channel %s after %d attempts: %w", c.name, attempts, alumni.ErrReconnectExhausted)
	if cause != nil {
		err = fmt.Errorf("%w: last error: %w", err, cause)
	}
	c.logger.ErrorContext(ctx, "realtime reconnect exhausted", "channel", c.name, "error", err)

	from := c.transition(ctx, alumni.ChannelClosed, attempts)
	c.publish(ctx, &alumni.Signal{
		Kind:       alumni.SignalChannelExhausted,
		OccurredAt: c.clock(),
		Channel: &alumni.ChannelStateChange{
			Channel: c.name,
			From:    from,
			To:      alumni.ChannelClosed,
			Attempt: attempts,
		},
		Err: err,
	})

	return err
}

func (c *Channel) finishRun(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.upstream = nil
	c.running = false
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.transition(ctx, alumni.ChannelClosed, 0)
	if cancel != nil {
		cancel()
	}
	if done != nil {
		close(done)
	}
}

// transition moves to state to and publishes the change. It returns the prior
// state. Closed is terminal.
func (c *Channel) transition(ctx context.Context, to alumni.ChannelState, attempt int) alumni.ChannelState {
	c.mu.Lock()
	from := c.state
	if from == alumni.ChannelClosed || (from == to && to != alumni.ChannelReconnecting) {
		c.mu.Unlock()
		return from
	}
	c.state = to
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "realtime state changed",
		"channel", c.name,
		"from", string(from),
		"to", string(to),
		"attempt", attempt,
	)
	c.publish(ctx, &alumni.Signal{
		Kind:       alumni.SignalChannelState,
		OccurredAt: c.clock(),
		Channel: &alumni.ChannelStateChange{
			Channel: c.name,
			From:    from,
			To:      to,
			Attempt: attempt,
		},
	})

	return from
}

func (c *Channel) publish(ctx context.Context, signal *alumni.Signal) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(context.WithoutCancel(ctx), signal); err != nil {
		c.logger.WarnContext(ctx, "realtime signal publish failed",
			"channel", c.name,
			"kind", string(signal.Kind),
			"error", err,
		)
	}
}

func removeTopic(topics []alumni.Topic, target alumni.Topic) []alumni.Topic {
	for index, topic := range topics {
		if topic == target {
			return append(topics[:index:index], topics[index+1:]...)
		}
	}

	return topics
}

var _ alumni.ChannelSubscription = (*subscription)(nil)
