package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"alumni-sync/pkg/alumni"
)

// WebSocketTransport dials the backend push endpoint over a websocket and
// exchanges JSON frames.
type WebSocketTransport struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Origin defaults to the endpoint with an http scheme.
	Origin string
	// DialTimeout bounds the handshake. Zero uses DefaultDialTimeout.
	DialTimeout time.Duration
}

// Dial opens a connection authenticated with credential as a bearer token.
func (t WebSocketTransport) Dial(ctx context.Context, credential alumni.Credential) (Conn, error) {
	if credential.IsZero() {
		return nil, fmt.Errorf("dial websocket: %w", alumni.ErrNoCredential)
	}
	origin, err := t.origin()
	if err != nil {
		return nil, err
	}
	config, err := websocket.NewConfig(t.URL, origin)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", t.URL, err)
	}
	config.Header = make(http.Header)
	config.Header.Set("Authorization", "Bearer "+credential.String())

	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := config.DialContext(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", t.URL, err)
	}

	return &webSocketConn{
		conn:    conn,
		decoder: json.NewDecoder(conn),
		encoder: json.NewEncoder(conn),
	}, nil
}

func (t WebSocketTransport) origin() (string, error) {
	if strings.TrimSpace(t.Origin) != "" {
		return t.Origin, nil
	}
	parsed, err := url.Parse(t.URL)
	if err != nil {
		return "", fmt.Errorf("parse websocket url %q: %w", t.URL, err)
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("parse websocket url %q: unsupported scheme %q", t.URL, parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""

	return parsed.String(), nil
}

type webSocketConn struct {
	conn    *websocket.Conn
	decoder *json.Decoder

	writeMu sync.Mutex
	encoder *json.Encoder

	closeOnce sync.Once
	closeErr  error
}

func (c *webSocketConn) Send(ctx context.Context, frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("send %s: %w: %v", frame.Event, alumni.ErrSendFailed, err)
	}
	if err := c.encoder.Encode(frame); err != nil {
		return fmt.Errorf("send %s: %w: %v", frame.Event, alumni.ErrSendFailed, err)
	}

	return nil
}

func (c *webSocketConn) Receive(ctx context.Context) (Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()

	var frame Frame
	if err := c.decoder.Decode(&frame); err != nil {
		if ctx.Err() != nil {
			return Frame{}, fmt.Errorf("receive frame: %w", ctx.Err())
		}
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return Frame{}, fmt.Errorf("receive frame: %w: %v", alumni.ErrProtocol, err)
		}
		return Frame{}, fmt.Errorf("receive frame: %w", err)
	}

	return frame, nil
}

func (c *webSocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}
