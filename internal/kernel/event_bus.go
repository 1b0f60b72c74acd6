package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"alumni-sync/pkg/alumni"
)

// EventBus is the process-wide asynchronous signal fan-out.
//
// Session-changed and channel lifecycle signals flow through it; every
// subscriber owns a bounded queue drained by its own workers so a slow
// listener never stalls the publisher.
type EventBus struct {
	mu                    sync.RWMutex
	nextID                int64
	closed                bool
	subscriptions         map[int64]*busSubscription
	defaultBuffer         int
	defaultWorkers        int
	defaultHandlerTimeout time.Duration
	onAsyncError          func(context.Context, string, error)
}

// NewEventBus creates an asynchronous signal bus with bounded queues.
func NewEventBus(
	defaultBuffer int,
	defaultWorkers int,
	defaultHandlerTimeout time.Duration,
	onAsyncError func(context.Context, string, error),
) *EventBus {
	return &EventBus{
		subscriptions:         make(map[int64]*busSubscription),
		defaultBuffer:         defaultBuffer,
		defaultWorkers:        defaultWorkers,
		defaultHandlerTimeout: defaultHandlerTimeout,
		onAsyncError:          onAsyncError,
	}
}

// Publish dispatches a signal to all matching subscribers.
//
// Drops caused by backpressure are reported to the async error sink and do not
// fail the publish; only blocking-policy context expiry does.
func (b *EventBus) Publish(ctx context.Context, signal *alumni.Signal) error {
	if err := signal.Validate(); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}

	subs, err := b.snapshotSubscriptions()
	if err != nil {
		return fmt.Errorf("publish signal %s: %w", signal.Kind, err)
	}

	var publishErrs []error
	for _, sub := range subs {
		if !sub.interest.Matches(signal) {
			continue
		}
		if err := sub.enqueue(ctx, signal); err != nil {
			if errors.Is(err, alumni.ErrSignalDropped) || errors.Is(err, alumni.ErrSubscriptionClosed) {
				b.reportAsyncError(ctx, sub.spec.Name, err)
				continue
			}
			publishErrs = append(publishErrs, err)
		}
	}

	if len(publishErrs) > 0 {
		return fmt.Errorf("publish signal %s: %w", signal.Kind, errors.Join(publishErrs...))
	}

	return nil
}

// Subscribe registers a bounded asynchronous listener.
func (b *EventBus) Subscribe(
	ctx context.Context,
	interest alumni.InterestSet,
	spec alumni.SubscriptionSpec,
	handler alumni.SignalHandler,
) (alumni.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: %w: nil handler", spec.Name, alumni.ErrInvalidSubscription)
	}

	subID := atomic.AddInt64(&b.nextID, 1)
	spec = b.normalizeSpec(spec, subID)
	sub := newBusSubscription(subID, interest, spec, handler, b)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.signalClose()
		return nil, fmt.Errorf("subscribe %s: bus closed", spec.Name)
	}
	b.subscriptions[subID] = sub

	return sub, nil
}

// Close stops all active subscriptions and rejects further publishes/subscribes.
func (b *EventBus) Close(ctx context.Context) error {
	subs := make([]*busSubscription, 0)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	b.subscriptions = make(map[int64]*busSubscription)
	b.mu.Unlock()

	var closeErrs []error
	for _, sub := range subs {
		if err := sub.shutdown(ctx); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}

	if len(closeErrs) > 0 {
		return fmt.Errorf("close signal bus: %w", errors.Join(closeErrs...))
	}

	return nil
}

// snapshotSubscriptions returns a stable copy for lock-free publish fan-out.
func (b *EventBus) snapshotSubscriptions() ([]*busSubscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}

	subs := make([]*busSubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}

	return subs, nil
}

func (b *EventBus) normalizeSpec(spec alumni.SubscriptionSpec, subID int64) alumni.SubscriptionSpec {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("signal-listener-%d", subID)
	}
	if spec.Buffer <= 0 {
		spec.Buffer = b.defaultBuffer
	}
	if spec.Workers <= 0 {
		spec.Workers = b.defaultWorkers
	}
	if spec.HandlerTimeout <= 0 {
		spec.HandlerTimeout = b.defaultHandlerTimeout
	}
	if spec.Backpressure == "" {
		spec.Backpressure = alumni.BackpressureDropOldest
	}

	return spec
}

func (b *EventBus) unsubscribe(ctx context.Context, subID int64) error {
	b.mu.Lock()
	sub, found := b.subscriptions[subID]
	if found {
		delete(b.subscriptions, subID)
	}
	b.mu.Unlock()

	if !found {
		return nil
	}

	if err := sub.shutdown(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.spec.Name, err)
	}

	return nil
}

func (b *EventBus) reportAsyncError(ctx context.Context, scope string, err error) {
	if b.onAsyncError != nil {
		b.onAsyncError(ctx, scope, err)
	}
}

// busSubscription owns queueing and worker lifecycle for a single listener.
// Queue closure is driven by context cancellation rather than channel close.
type busSubscription struct {
	id       int64
	interest alumni.InterestSet
	spec     alumni.SubscriptionSpec
	handler  alumni.SignalHandler
	queue    chan *alumni.Signal
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	closed   atomic.Bool
	once     sync.Once
	bus      *EventBus
}

func newBusSubscription(
	subID int64,
	interest alumni.InterestSet,
	spec alumni.SubscriptionSpec,
	handler alumni.SignalHandler,
	bus *EventBus,
) *busSubscription {
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &busSubscription{
		id:       subID,
		interest: alumni.InterestSet{Kinds: append([]alumni.SignalKind(nil), interest.Kinds...)},
		spec:     spec,
		handler:  handler,
		queue:    make(chan *alumni.Signal, spec.Buffer),
		ctx:      subCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		bus:      bus,
	}

	sub.startWorkers()

	return sub
}

// Name returns the stable subscription name.
func (s *busSubscription) Name() string {
	return s.spec.Name
}

// Close unregisters this subscription and waits for in-flight handlers to return.
func (s *busSubscription) Close(ctx context.Context) error {
	return s.bus.unsubscribe(ctx, s.id)
}

func (s *busSubscription) enqueue(ctx context.Context, signal *alumni.Signal) error {
	if s.closed.Load() {
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, alumni.ErrSubscriptionClosed)
	}

	switch s.spec.Backpressure {
	case alumni.BackpressureDropNewest:
		return s.enqueueDropNewest(signal)
	case alumni.BackpressureDropOldest:
		return s.enqueueDropOldest(signal)
	case alumni.BackpressureBlock:
		return s.enqueueBlock(ctx, signal)
	default:
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, alumni.ErrInvalidSubscription)
	}
}

func (s *busSubscription) enqueueDropNewest(signal *alumni.Signal) error {
	select {
	case s.queue <- signal:
		return nil
	default:
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, alumni.ErrSignalDropped)
	}
}

// enqueueDropOldest evicts one queued signal before enqueueing the new one.
func (s *busSubscription) enqueueDropOldest(signal *alumni.Signal) error {
	select {
	case s.queue <- signal:
		return nil
	default:
	}

	select {
	case <-s.queue:
	default:
	}

	select {
	case s.queue <- signal:
		return nil
	default:
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, alumni.ErrSignalDropped)
	}
}

func (s *busSubscription) enqueueBlock(ctx context.Context, signal *alumni.Signal) error {
	select {
	case s.queue <- signal:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, ctx.Err())
	}
}

func (s *busSubscription) startWorkers() {
	workerWG := &sync.WaitGroup{}
	for idx := 0; idx < s.spec.Workers; idx++ {
		workerID := idx
		workerWG.Add(1)
		go s.runWorker(workerWG, workerID)
	}

	go func() {
		workerWG.Wait()
		close(s.done)
	}()
}

func (s *busSubscription) runWorker(workerWG *sync.WaitGroup, workerID int) {
	defer workerWG.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case signal := <-s.queue:
			// A closed subscription must not observe anything queued before Close.
			if s.closed.Load() {
				return
			}
			if err := s.handleSignal(s.ctx, workerID, signal); err != nil {
				s.bus.reportAsyncError(s.ctx, s.spec.Name, err)
			}
		}
	}
}

func (s *busSubscription) handleSignal(ctx context.Context, workerID int, signal *alumni.Signal) error {
	handlerCtx := ctx
	cancel := func() {}
	if s.spec.HandlerTimeout > 0 {
		handlerCtxWithTimeout, handlerCancel := context.WithTimeout(ctx, s.spec.HandlerTimeout)
		handlerCtx = handlerCtxWithTimeout
		cancel = handlerCancel
	}
	defer cancel()

	scope := fmt.Sprintf("listener %s worker %d", s.spec.Name, workerID)
	if err := runSafely(scope, func() error {
		return s.handler(handlerCtx, signal)
	}); err != nil {
		return fmt.Errorf("handle signal %s: %w", signal.Kind, err)
	}

	return nil
}

func (s *busSubscription) signalClose() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}

// shutdown waits for worker exit or returns when the supplied context expires.
func (s *busSubscription) shutdown(ctx context.Context) error {
	s.signalClose()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown subscription %s: %w", s.spec.Name, ctx.Err())
	}
}
