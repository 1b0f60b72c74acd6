package optimistic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"alumni-sync/pkg/alumni"
)

const tracerName = "alumni-sync/internal/optimistic"

// Transform computes the speculative value from the current authoritative one.
// It must be pure.
type Transform[T any] func(base T) T

// Remote performs the authoritative mutation and returns the server's view.
type Remote[T any] func(ctx context.Context, speculative T) (T, error)

// Merge combines the speculative value with the authoritative response.
type Merge[T any] func(speculative, response T) T

// Update is the record of one mutation for a key.
type Update[T any] struct {
	Key         string
	Base        T
	Speculative T
	Status      alumni.UpdateStatus
	StartedAt   time.Time
	SettledAt   time.Time
	Err         error
}

// Option mutates controller construction configuration.
type Option[T any] func(*Controller[T])

// WithMerge replaces the default merge, which keeps the response.
func WithMerge[T any](merge Merge[T]) Option[T] {
	return func(c *Controller[T]) {
		if merge != nil {
			c.merge = merge
		}
	}
}

// WithLogger configures the controller logger.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(c *Controller[T]) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the clock used for update timestamps.
func WithClock[T any](clock func() time.Time) Option[T] {
	return func(c *Controller[T]) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithTracer overrides the tracer used for mutation spans.
func WithTracer[T any](tracer trace.Tracer) Option[T] {
	return func(c *Controller[T]) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// Controller coordinates optimistic mutations of values of type T keyed by string.
type Controller[T any] struct {
	merge  Merge[T]
	logger *slog.Logger
	clock  func() time.Time
	tracer trace.Tracer

	mu    sync.Mutex
	slots map[string]*slot[T]
}

type slot[T any] struct {
	// publishMu orders state changes and their observer notifications.
	publishMu sync.Mutex

	tail      chan struct{}
	base      T
	hasValue  bool
	view      T
	pending   *Update[T]
	transform Transform[T]
	settled   *Update[T]

	nextObserver int64
	observers    []observer[T]
}

type observer[T any] struct {
	id int64
	fn func(T)
}

// New creates a controller.
func New[T any](options ...Option[T]) *Controller[T] {
	c := &Controller[T]{
		merge: func(_ T, response T) T {
			return response
		},
		logger: slog.Default(),
		clock:  time.Now,
		tracer: otel.Tracer(tracerName),
		slots:  make(map[string]*slot[T]),
	}
	for _, option := range options {
		option(c)
	}

	return c
}

// Perform runs one optimistic mutation on key.
//
// It waits for earlier mutations on key, publishes transform(base) to
// observers, then calls remote. On success the merged response becomes the
// new base and is returned. On failure observers get the base back and the
// remote error is returned wrapped with key. Cancelling ctx while queued
// abandons the call without stalling later mutations.
func (c *Controller[T]) Perform(ctx context.Context, key string, transform Transform[T], remote Remote[T]) (T, error) {
	var zero T
	if transform == nil || remote == nil {
		return zero, fmt.Errorf("perform %s: nil transform or remote", key)
	}

	ctx, span := c.tracer.Start(ctx, "optimistic.perform",
		trace.WithAttributes(attribute.String("alumni.mutation.key", key)),
	)
	defer span.End()

	s := c.slot(key)
	release, err := c.acquire(ctx, s)
	if err != nil {
		span.SetStatus(codes.Error, "abandoned while queued")
		return zero, fmt.Errorf("perform %s: %w", key, err)
	}
	defer release()

	speculative, err := c.begin(ctx, key, s, transform)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transform failed")
		return zero, err
	}

	response, err := callRemote(ctx, key, remote, speculative)
	if err != nil {
		c.reject(ctx, s, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "remote rejected")
		c.logger.DebugContext(ctx, "optimistic mutation rolled back", "key", key, "error", err)
		return zero, fmt.Errorf("perform %s: %w", key, err)
	}

	merged := c.confirm(ctx, s, response)
	span.SetStatus(codes.Ok, "")

	return merged, nil
}

// Observe registers fn to receive every value published for key, in
// registration order. The returned disposer is idempotent.
func (c *Controller[T]) Observe(key string, fn func(T)) (dispose func()) {
	if fn == nil {
		return func() {}
	}

	s := c.slot(key)
	c.mu.Lock()
	s.nextObserver++
	id := s.nextObserver
	s.observers = append(s.observers, observer[T]{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()

			for index, registered := range s.observers {
				if registered.id == id {
					s.observers = append(s.observers[:index:index], s.observers[index+1:]...)
					return
				}
			}
		})
	}
}

// Current returns the value observers last saw for key.
func (c *Controller[T]) Current(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, exists := c.slots[key]
	if !exists || !s.hasValue {
		var zero T
		return zero, false
	}

	return s.view, true
}

// Pending returns the in-flight update for key.
func (c *Controller[T]) Pending(key string) (Update[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, exists := c.slots[key]
	if !exists || s.pending == nil {
		return Update[T]{}, false
	}

	return *s.pending, true
}

// Settled returns the most recent confirmed or rejected update for key.
func (c *Controller[T]) Settled(key string) (Update[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, exists := c.slots[key]
	if !exists || s.settled == nil {
		return Update[T]{}, false
	}

	return *s.settled, true
}

// Seed sets the initial authoritative value for key. It reports false and
// changes nothing when key already holds a value.
func (c *Controller[T]) Seed(key string, value T) bool {
	s := c.slot(key)
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	c.mu.Lock()
	if s.hasValue {
		c.mu.Unlock()
		return false
	}
	s.base = value
	s.view = value
	s.hasValue = true
	observers := s.snapshotObservers()
	c.mu.Unlock()

	c.notify(context.Background(), key, observers, value)
	return true
}

// Apply folds a pushed authoritative value into key. With a mutation in
// flight the value becomes its rollback base and the pending transform is
// re-run on it, so the speculative view is never clobbered.
func (c *Controller[T]) Apply(ctx context.Context, key string, value T) error {
	s := c.slot(key)
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	c.mu.Lock()
	s.base = value
	s.hasValue = true
	view := value
	if s.pending != nil && s.transform != nil {
		speculative, err := applyTransform(key, s.transform, value)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		s.pending.Base = value
		s.pending.Speculative = speculative
		view = speculative
	}
	s.view = view
	observers := s.snapshotObservers()
	c.mu.Unlock()

	c.notify(ctx, key, observers, view)
	return nil
}

func (c *Controller[T]) slot(key string) *slot[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, exists := c.slots[key]
	if !exists {
		s = &slot[T]{}
		c.slots[key] = s
	}

	return s
}

func (c *Controller[T]) begin(ctx context.Context, key string, s *slot[T], transform Transform[T]) (T, error) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	c.mu.Lock()
	base := s.base
	speculative, err := applyTransform(key, transform, base)
	if err != nil {
		c.mu.Unlock()
		return speculative, err
	}
	s.pending = &Update[T]{
		Key:         key,
		Base:        base,
		Speculative: speculative,
		Status:      alumni.UpdatePending,
		StartedAt:   c.clock(),
	}
	s.transform = transform
	s.view = speculative
	s.hasValue = true
	observers := s.snapshotObservers()
	c.mu.Unlock()

	c.notify(ctx, key, observers, speculative)
	return speculative, nil
}

func (c *Controller[T]) confirm(ctx context.Context, s *slot[T], response T) T {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	c.mu.Lock()
	merged := c.merge(s.view, response)
	settled := *s.pending
	settled.Status = alumni.UpdateConfirmed
	settled.SettledAt = c.clock()
	s.settled = &settled
	s.pending = nil
	s.transform = nil
	s.base = merged
	s.view = merged
	observers := s.snapshotObservers()
	c.mu.Unlock()

	c.notify(ctx, settled.Key, observers, merged)
	return merged
}

func (c *Controller[T]) reject(ctx context.Context, s *slot[T], cause error) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	c.mu.Lock()
	settled := *s.pending
	settled.Status = alumni.UpdateRejected
	settled.SettledAt = c.clock()
	settled.Err = cause
	s.settled = &settled
	s.pending = nil
	s.transform = nil
	s.view = s.base
	base := s.base
	observers := s.snapshotObservers()
	c.mu.Unlock()

	c.notify(ctx, settled.Key, observers, base)
}

func (c *Controller[T]) notify(ctx context.Context, key string, observers []func(T), value T) {
	for _, fn := range observers {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					c.logger.ErrorContext(ctx, "optimistic observer panic recovered",
						"key", key,
						"panic", fmt.Sprint(recovered),
					)
				}
			}()
			fn(value)
		}()
	}
}

// snapshotObservers must be called with the controller lock held.
func (s *slot[T]) snapshotObservers() []func(T) {
	observers := make([]func(T), len(s.observers))
	for index, registered := range s.observers {
		observers[index] = registered.fn
	}

	return observers
}

// acquire takes the next ticket in the key's FIFO chain.
func (c *Controller[T]) acquire(ctx context.Context, s *slot[T]) (release func(), err error) {
	mine := make(chan struct{})

	c.mu.Lock()
	previous := s.tail
	s.tail = mine
	c.mu.Unlock()

	if previous != nil {
		select {
		case <-previous:
		case <-ctx.Done():
			go func() {
				<-previous
				close(mine)
			}()
			return nil, ctx.Err()
		}
	}

	return func() {
		close(mine)
	}, nil
}

func applyTransform[T any](key string, transform Transform[T], base T) (value T, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("transform %s: panic recovered: %v", key, recovered)
		}
	}()

	return transform(base), nil
}

func callRemote[T any](ctx context.Context, key string, remote Remote[T], speculative T) (value T, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("remote %s: panic recovered: %v", key, recovered)
		}
	}()

	return remote(ctx, speculative)
}
