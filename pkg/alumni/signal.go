package alumni

import (
	"context"
	"fmt"
	"time"
)

// SignalKind identifies a process-wide notification type.
type SignalKind string

const (
	// SignalSessionChanged is published after every mutating Session Store call.
	SignalSessionChanged SignalKind = "session.changed"
	// SignalChannelState is published on every realtime channel state transition.
	SignalChannelState SignalKind = "channel.state"
	// SignalChannelExhausted is published once when a channel gives up reconnecting.
	SignalChannelExhausted SignalKind = "channel.exhausted"
)

// SessionChangeReason explains which Session Store operation produced a change.
type SessionChangeReason string

const (
	// SessionChangeSet follows SetSession.
	SessionChangeSet SessionChangeReason = "set"
	// SessionChangeIdentity follows UpdateIdentity.
	SessionChangeIdentity SessionChangeReason = "identity"
	// SessionChangeCleared follows ClearSession.
	SessionChangeCleared SessionChangeReason = "cleared"
)

// SessionChange describes one session mutation. It never carries the credential itself;
// listeners re-read the Session Store.
type SessionChange struct {
	Reason SessionChangeReason
	// Authenticated reports whether a session is held after the change.
	Authenticated bool
	// IdentityID is the identity held after the change, zero when cleared.
	IdentityID int64
}

// ChannelStateChange describes one realtime channel transition.
type ChannelStateChange struct {
	// Channel is the channel instance name.
	Channel string
	From    ChannelState
	To      ChannelState
	// Attempt is the reconnect attempt number when To is reconnecting.
	Attempt int
}

// Signal is the envelope carried by the process-wide signal bus.
//
// Exactly one payload branch is set, selected by Kind.
type Signal struct {
	Kind       SignalKind
	OccurredAt time.Time
	Session    *SessionChange
	Channel    *ChannelStateChange
	// Err carries the terminal failure for SignalChannelExhausted.
	Err error
}

// Validate checks that the payload branch required by Kind is present.
func (s *Signal) Validate() error {
	if s == nil {
		return fmt.Errorf("validate signal: nil signal")
	}
	if s.OccurredAt.IsZero() {
		return fmt.Errorf("validate signal %s: missing occurred_at", s.Kind)
	}

	switch s.Kind {
	case SignalSessionChanged:
		if s.Session == nil {
			return fmt.Errorf("validate signal %s: missing session payload", s.Kind)
		}
	case SignalChannelState:
		if s.Channel == nil {
			return fmt.Errorf("validate signal %s: missing channel payload", s.Kind)
		}
	case SignalChannelExhausted:
		if s.Channel == nil || s.Err == nil {
			return fmt.Errorf("validate signal %s: missing channel payload or error", s.Kind)
		}
	default:
		return fmt.Errorf("validate signal: unknown kind %q", s.Kind)
	}

	return nil
}

// InterestSet filters which signals a subscription receives. An empty set matches all.
type InterestSet struct {
	Kinds []SignalKind
}

// Matches reports whether signal satisfies the interest set.
func (i InterestSet) Matches(signal *Signal) bool {
	if signal == nil {
		return false
	}
	if len(i.Kinds) == 0 {
		return true
	}
	for _, kind := range i.Kinds {
		if kind == signal.Kind {
			return true
		}
	}

	return false
}

// BackpressurePolicy defines how queues behave when subscriber buffers are full.
type BackpressurePolicy string

const (
	// BackpressureDropNewest drops the incoming signal when full.
	BackpressureDropNewest BackpressurePolicy = "drop_newest"
	// BackpressureDropOldest evicts the oldest queued signal before enqueue.
	BackpressureDropOldest BackpressurePolicy = "drop_oldest"
	// BackpressureBlock blocks until queue space is available or context is canceled.
	BackpressureBlock BackpressurePolicy = "block"
)

// SubscriptionSpec configures a single consumer subscription.
type SubscriptionSpec struct {
	Name           string
	Buffer         int
	Workers        int
	HandlerTimeout time.Duration
	Backpressure   BackpressurePolicy
}

// NewDefaultSubscriptionSpec returns a spec that lets the bus apply its defaults.
func NewDefaultSubscriptionSpec(name string) SubscriptionSpec {
	return SubscriptionSpec{Name: name}
}

// SignalHandler processes a single signal.
type SignalHandler func(ctx context.Context, signal *Signal) error

// Subscription controls an active registration. Close is the disposer: once it
// returns, the handler receives no further calls.
type Subscription interface {
	// Name returns the subscription identifier.
	Name() string
	// Close stops delivery for this subscription.
	Close(ctx context.Context) error
}

// SignalPublisher accepts signals for fan-out.
type SignalPublisher interface {
	// Publish submits a signal to matching subscribers.
	Publish(ctx context.Context, signal *Signal) error
}

// SignalBus is the process-wide asynchronous notification mechanism.
type SignalBus interface {
	SignalPublisher
	// Subscribe registers a handler with bounded buffering semantics.
	Subscribe(ctx context.Context, interest InterestSet, spec SubscriptionSpec, handler SignalHandler) (Subscription, error)
	// Close shuts down the bus and all active subscriptions.
	Close(ctx context.Context) error
}
