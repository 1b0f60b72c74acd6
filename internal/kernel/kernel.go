package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"alumni-sync/internal/cache"
	"alumni-sync/internal/realtime"
	"alumni-sync/internal/session"
	"alumni-sync/pkg/alumni"
)

// Runtime is the explicit process-wide context object. It owns the signal
// bus, the Session Store, the Response Cache and the lifecycle of realtime
// channels. Create one at application start and tear it down with Run's
// context; tests create a fresh instance each.
type Runtime struct {
	cfg config

	bus     *EventBus
	session *session.Store
	cache   *cache.Cache

	// reconcileMu serializes channel swaps; channelMu guards the fields below.
	reconcileMu       sync.Mutex
	channelMu         sync.Mutex
	channel           *realtime.Channel
	channelCredential alumni.Credential
	channelSeq        int
	interests         []*channelInterest

	runMu   sync.Mutex
	running bool
	closed  bool
}

// New creates a runtime and loads any persisted session.
func New(ctx context.Context, options ...Option) *Runtime {
	cfg := defaultConfig()
	cfg.slots = session.MemorySlots()
	for _, option := range options {
		option(&cfg)
	}

	bus := NewEventBus(
		cfg.subscriptionBuffer,
		cfg.subscriptionWorker,
		cfg.handlerTimeout,
		cfg.onAsyncError,
	)
	store := session.Open(ctx, cfg.slots,
		session.WithLogger(cfg.logger),
		session.WithPublisher(bus),
		session.WithClock(cfg.clock),
	)
	cacheOptions := append([]cache.Option{
		cache.WithLogger(cfg.logger),
		cache.WithClock(cfg.clock),
	}, cfg.cacheOptions...)

	return &Runtime{
		cfg:     cfg,
		bus:     bus,
		session: store,
		cache:   cache.New(cacheOptions...),
	}
}

// Signals exposes the process-wide signal bus.
func (r *Runtime) Signals() alumni.SignalBus {
	return r.bus
}

// Session exposes the Session Store.
func (r *Runtime) Session() *session.Store {
	return r.session
}

// Cache exposes the Response Cache.
func (r *Runtime) Cache() *cache.Cache {
	return r.cache
}

// Channel returns the current realtime channel, nil when none is open.
func (r *Runtime) Channel() *realtime.Channel {
	r.channelMu.Lock()
	defer r.channelMu.Unlock()

	return r.channel
}

// Run binds the realtime channel to the session and sweeps the cache until
// ctx is canceled, then tears everything down.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.startRun(); err != nil {
		return err
	}
	defer r.finishRun()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	sessionSub, err := r.bus.Subscribe(runCtx, alumni.InterestSet{
		Kinds: []alumni.SignalKind{alumni.SignalSessionChanged},
	}, alumni.SubscriptionSpec{
		Name:         "runtime-session-binding",
		Buffer:       16,
		Backpressure: alumni.BackpressureBlock,
	}, func(context.Context, *alumni.Signal) error {
		r.reconcileChannel(runCtx)
		return nil
	})
	if err != nil {
		return fmt.Errorf("runtime run: %w", err)
	}
	r.reconcileChannel(runCtx)

	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		if err := r.cache.Run(runCtx, r.cfg.janitorInterval); err != nil {
			r.cfg.onAsyncError(runCtx, "cache janitor", err)
		}
	}()

	<-ctx.Done()
	runCancel()
	<-janitorDone

	shutdownErr := r.shutdownAll(ctx, sessionSub)
	if shutdownErr != nil {
		return shutdownErr
	}

	return nil
}

// Close releases the channel and the signal bus of a runtime that is not
// running. Run performs the same teardown on its own.
func (r *Runtime) Close(ctx context.Context) error {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return fmt.Errorf("runtime close: still running")
	}
	r.closed = true
	r.runMu.Unlock()

	return r.shutdownAll(ctx, nil)
}

// startRun serializes Run invocations and rejects concurrent or repeated starts.
func (r *Runtime) startRun() error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.running {
		return fmt.Errorf("runtime run: already running")
	}
	if r.closed {
		return fmt.Errorf("runtime run: already shut down")
	}
	r.running = true

	return nil
}

// finishRun releases the run guard set by startRun. A runtime runs once.
func (r *Runtime) finishRun() {
	r.runMu.Lock()
	r.running = false
	r.closed = true
	r.runMu.Unlock()
}

// shutdownAll tears down the channel and the bus in a bounded window.
// It uses WithoutCancel to ensure cleanup still runs after parent cancellation.
func (r *Runtime) shutdownAll(ctx context.Context, sessionSub alumni.Subscription) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if sessionSub != nil {
		if err := sessionSub.Close(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}
	if err := r.closeChannel(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := r.bus.Close(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}

	if shutdownErr != nil {
		return fmt.Errorf("runtime shutdown: %w", shutdownErr)
	}

	return nil
}

// isContextCancellation reports whether err is a context-driven termination signal.
func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
