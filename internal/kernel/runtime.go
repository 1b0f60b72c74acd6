package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"alumni-sync/internal/realtime"
	"alumni-sync/pkg/alumni"
)

// channelInterest is a runtime-level channel registration. It outlives
// individual channel instances and is replayed onto every fresh one.
type channelInterest struct {
	runtime *Runtime
	topic   alumni.Topic
	name    string
	handler alumni.ChannelHandler
	current alumni.ChannelSubscription
	closed  atomic.Bool
}

// Topic returns the subscribed topic.
func (i *channelInterest) Topic() alumni.Topic {
	return i.topic
}

// Name returns the registration name.
func (i *channelInterest) Name() string {
	return i.name
}

// Close drops the interest and disposes its registration on the current channel.
func (i *channelInterest) Close(ctx context.Context) error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}

	r := i.runtime
	r.channelMu.Lock()
	for index, interest := range r.interests {
		if interest == i {
			r.interests = append(r.interests[:index:index], r.interests[index+1:]...)
			break
		}
	}
	current := i.current
	i.current = nil
	r.channelMu.Unlock()

	if current == nil {
		return nil
	}
	if err := current.Close(ctx); err != nil {
		return fmt.Errorf("close interest %s on %s: %w", i.name, i.topic, err)
	}

	return nil
}

// Subscribe registers handler for topic on the current channel and on every
// channel the runtime opens later. The returned disposer is idempotent.
func (r *Runtime) Subscribe(
	ctx context.Context,
	topic alumni.Topic,
	name string,
	handler alumni.ChannelHandler,
) (alumni.ChannelSubscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, fmt.Errorf("runtime subscribe: %w", err)
	}
	if handler == nil {
		return nil, fmt.Errorf("runtime subscribe %s: %w: nil handler", topic, alumni.ErrInvalidSubscription)
	}
	if name == "" {
		name = uuid.NewString()
	}

	r.channelMu.Lock()
	defer r.channelMu.Unlock()

	for _, existing := range r.interests {
		if existing.topic == topic && existing.name == name {
			return existing, nil
		}
	}

	interest := &channelInterest{
		runtime: r,
		topic:   topic,
		name:    name,
		handler: handler,
	}
	if r.channel != nil {
		current, err := r.channel.Subscribe(ctx, topic, name, handler)
		if err != nil && !errors.Is(err, alumni.ErrChannelClosed) {
			return nil, fmt.Errorf("runtime subscribe %s: %w", topic, err)
		}
		interest.current = current
	}
	r.interests = append(r.interests, interest)

	return interest, nil
}

// reconcileChannel makes the channel follow the session: no session means no
// channel, a new credential means a fresh channel instance.
func (r *Runtime) reconcileChannel(ctx context.Context) {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	current, ok := r.session.Session()
	usable := ok && !current.Credential.IsZero() && !current.Expired(r.cfg.clock())

	r.channelMu.Lock()
	if usable && r.channel != nil && r.channelCredential == current.Credential {
		r.channelMu.Unlock()
		return
	}
	stale := r.detachChannelLocked()
	r.channelMu.Unlock()

	if stale != nil {
		r.closeDetached(ctx, stale)
	}
	if !usable {
		return
	}
	if r.cfg.transport == nil {
		r.cfg.logger.DebugContext(ctx, "realtime transport not configured; channel not opened")
		return
	}

	r.channelMu.Lock()
	defer r.channelMu.Unlock()

	r.channelSeq++
	options := append([]realtime.Option{
		realtime.WithName(fmt.Sprintf("realtime-%d", r.channelSeq)),
		realtime.WithLogger(r.cfg.logger),
		realtime.WithPublisher(r.bus),
		realtime.WithClock(r.cfg.clock),
		realtime.WithAsyncErrorHandler(r.cfg.onAsyncError),
	}, r.cfg.channelOptions...)
	channel := realtime.New(r.cfg.transport, r.session, options...)

	for _, interest := range r.interests {
		sub, err := channel.Subscribe(ctx, interest.topic, interest.name, interest.handler)
		if err != nil {
			r.cfg.onAsyncError(ctx, "runtime replay interest "+interest.name, err)
			continue
		}
		interest.current = sub
	}
	if err := channel.Start(ctx); err != nil {
		if !isContextCancellation(err) {
			r.cfg.onAsyncError(ctx, "runtime start channel", err)
		}
		r.clearInterestsLocked()
		return
	}

	r.channel = channel
	r.channelCredential = current.Credential
	r.cfg.logger.InfoContext(ctx, "realtime channel opened", "channel", channel.Name())
}

// closeChannel detaches and closes the current channel, if any.
func (r *Runtime) closeChannel(ctx context.Context) error {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	r.channelMu.Lock()
	stale := r.detachChannelLocked()
	r.channelMu.Unlock()

	if stale == nil {
		return nil
	}
	if err := stale.Close(ctx); err != nil {
		return fmt.Errorf("close channel %s: %w", stale.Name(), err)
	}

	return nil
}

func (r *Runtime) detachChannelLocked() *realtime.Channel {
	stale := r.channel
	r.channel = nil
	r.channelCredential = ""
	r.clearInterestsLocked()

	return stale
}

func (r *Runtime) clearInterestsLocked() {
	for _, interest := range r.interests {
		interest.current = nil
	}
}

// closeDetached closes a channel outside channelMu so its handlers can still
// reach the runtime while it drains.
func (r *Runtime) closeDetached(ctx context.Context, channel *realtime.Channel) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.shutdownTimeout)
	defer cancel()

	if err := channel.Close(closeCtx); err != nil {
		r.cfg.onAsyncError(ctx, "runtime close channel", err)
		return
	}
	r.cfg.logger.InfoContext(ctx, "realtime channel closed", "channel", channel.Name())
}
