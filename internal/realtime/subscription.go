package realtime

import (
	"context"
	"sync/atomic"

	"alumni-sync/pkg/alumni"
)

type subscription struct {
	channel *Channel
	topic   alumni.Topic
	name    string
	handler alumni.ChannelHandler
	closed  atomic.Bool
}

func (s *subscription) Topic() alumni.Topic {
	return s.topic
}

func (s *subscription) Name() string {
	return s.name
}

// Close removes the registration. It is idempotent.
func (s *subscription) Close(ctx context.Context) error {
	return s.channel.unsubscribe(ctx, s)
}
