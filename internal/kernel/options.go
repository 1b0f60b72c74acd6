package kernel

import (
	"context"
	"log/slog"
	"time"

	"alumni-sync/internal/cache"
	"alumni-sync/internal/realtime"
	"alumni-sync/internal/session"
)

const (
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 64
	defaultSubscriptionWorker = 1
	defaultHandlerTimeout     = 3 * time.Second
	defaultJanitorInterval    = time.Minute
)

// config stores resolved runtime settings after option application.
type config struct {
	shutdownTimeout    time.Duration
	subscriptionBuffer int
	subscriptionWorker int
	handlerTimeout     time.Duration
	janitorInterval    time.Duration
	logger             *slog.Logger
	onAsyncError       func(context.Context, string, error)
	slots              *session.Slots
	transport          realtime.Transport
	channelOptions     []realtime.Option
	cacheOptions       []cache.Option
	clock              func() time.Time
}

// Option mutates runtime construction configuration.
type Option func(*config)

// defaultConfig returns production-safe defaults for runtime controls.
func defaultConfig() config {
	logger := slog.Default()

	return config{
		shutdownTimeout:    defaultShutdownTimeout,
		subscriptionBuffer: defaultSubscriptionBuffer,
		subscriptionWorker: defaultSubscriptionWorker,
		handlerTimeout:     defaultHandlerTimeout,
		janitorInterval:    defaultJanitorInterval,
		logger:             logger,
		onAsyncError: func(ctx context.Context, scope string, err error) {
			logger.ErrorContext(ctx, "alumni async error", "scope", scope, "error", err)
		},
		clock: time.Now,
	}
}

// WithShutdownTimeout configures the overall teardown window.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.shutdownTimeout = timeout
		}
	}
}

// WithDefaultSubscriptionBuffer configures default signal listener queue depth.
func WithDefaultSubscriptionBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.subscriptionBuffer = size
		}
	}
}

// WithDefaultSubscriptionWorkers configures default signal listener worker count.
func WithDefaultSubscriptionWorkers(workers int) Option {
	return func(cfg *config) {
		if workers > 0 {
			cfg.subscriptionWorker = workers
		}
	}
}

// WithDefaultHandlerTimeout configures default per-signal handler timeout.
func WithDefaultHandlerTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.handlerTimeout = timeout
		}
	}
}

// WithJanitorInterval configures how often expired cache entries are swept.
func WithJanitorInterval(interval time.Duration) Option {
	return func(cfg *config) {
		if interval > 0 {
			cfg.janitorInterval = interval
		}
	}
}

// WithLogger configures logger used by the runtime and default async error sink.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}

		cfg.logger = logger
		cfg.onAsyncError = func(ctx context.Context, scope string, err error) {
			logger.ErrorContext(ctx, "alumni async error", "scope", scope, "error", err)
		}
	}
}

// WithAsyncErrorHandler configures asynchronous failure reporting.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

// WithSessionSlots configures durable session storage. Without it the session
// lives in memory only for the runtime's lifetime.
func WithSessionSlots(slots *session.Slots) Option {
	return func(cfg *config) {
		cfg.slots = slots
	}
}

// WithTransport configures how realtime channels dial the backend.
func WithTransport(transport realtime.Transport) Option {
	return func(cfg *config) {
		cfg.transport = transport
	}
}

// WithChannelOptions appends options applied to every realtime channel instance.
func WithChannelOptions(options ...realtime.Option) Option {
	return func(cfg *config) {
		cfg.channelOptions = append(cfg.channelOptions, options...)
	}
}

// WithCacheOptions appends options applied to the response cache.
func WithCacheOptions(options ...cache.Option) Option {
	return func(cfg *config) {
		cfg.cacheOptions = append(cfg.cacheOptions, options...)
	}
}

// WithClock overrides the clock shared by the session store and channels.
func WithClock(clock func() time.Time) Option {
	return func(cfg *config) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}
