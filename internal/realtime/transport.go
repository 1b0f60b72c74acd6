package realtime

import (
	"context"

	"alumni-sync/pkg/alumni"
)

// Conn is one established push connection.
//
// Receive is called from a single reader goroutine; Send may be called
// concurrently with Receive and with itself.
type Conn interface {
	Send(ctx context.Context, frame Frame) error
	Receive(ctx context.Context) (Frame, error)
	Close() error
}

// Transport dials authenticated push connections.
type Transport interface {
	Dial(ctx context.Context, credential alumni.Credential) (Conn, error)
}
