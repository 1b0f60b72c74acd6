package realtime

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultReconnectDelay is the first reconnect delay.
	DefaultReconnectDelay = time.Second
	// DefaultReconnectMaxDelay caps exponential reconnect growth.
	DefaultReconnectMaxDelay = 5 * time.Second
	// DefaultReconnectAttempts bounds redials after one disconnect.
	DefaultReconnectAttempts = 5
	// DefaultDialTimeout bounds one dial including the handshake.
	DefaultDialTimeout = 20 * time.Second
)

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep with context: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func exponentialBackoff(base time.Duration, attempt int, maxInterval time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultReconnectDelay
	}
	if maxInterval <= 0 {
		maxInterval = base
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for retry := 1; retry < attempt; retry++ {
		if delay >= maxInterval {
			return maxInterval
		}
		delay *= 2
		if delay > maxInterval {
			return maxInterval
		}
	}

	return delay
}
