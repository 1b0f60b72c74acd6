package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"alumni-sync/pkg/alumni"
)

var errDialRefused = errors.New("dial refused")

type staticSession struct {
	mu      sync.Mutex
	session alumni.Session
	ok      bool
}

func newStaticSession(credential alumni.Credential) *staticSession {
	return &staticSession{
		session: alumni.Session{
			Credential: credential,
			Identity:   alumni.Identity{ID: 1, Email: "ada@example.edu"},
		},
		ok: credential != "",
	}
}

func (s *staticSession) Session() (alumni.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.session, s.ok
}

type fakeTransport struct {
	mu          sync.Mutex
	dials       int
	failAll     bool
	credentials []alumni.Credential
	conns       chan *fakeConn
	// sendGate, when set, runs before every frame a dialed conn sends.
	sendGate func(ctx context.Context, frame Frame)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 16)}
}

func (t *fakeTransport) Dial(_ context.Context, credential alumni.Credential) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dials++
	t.credentials = append(t.credentials, credential)
	if t.failAll {
		return nil, errDialRefused
	}
	conn := newFakeConn()
	conn.gate = t.sendGate
	t.conns <- conn

	return conn, nil
}

func (t *fakeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.dials
}

func (t *fakeTransport) nextConn(tb testing.TB) *fakeConn {
	tb.Helper()

	select {
	case conn := <-t.conns:
		return conn
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for dial")
		return nil
	}
}

type fakeConn struct {
	inbound   chan Frame
	sent      chan Frame
	closed    chan struct{}
	closeOnce sync.Once
	gate      func(ctx context.Context, frame Frame)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan Frame, 16),
		sent:    make(chan Frame, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Send(ctx context.Context, frame Frame) error {
	if c.gate != nil {
		c.gate(ctx, frame)
	}
	select {
	case <-c.closed:
		return alumni.ErrSendFailed
	default:
	}
	c.sent <- frame

	return nil
}

func (c *fakeConn) Receive(ctx context.Context) (Frame, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return Frame{}, io.EOF
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})

	return nil
}

func (c *fakeConn) push(tb testing.TB, event string, data any) {
	tb.Helper()

	raw, err := json.Marshal(data)
	if err != nil {
		tb.Fatalf("marshal %s payload: %v", event, err)
	}
	c.inbound <- Frame{Event: event, Data: raw}
}

func (c *fakeConn) expectSent(tb testing.TB) Frame {
	tb.Helper()

	select {
	case frame := <-c.sent:
		return frame
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for upstream frame")
		return Frame{}
	}
}

func (c *fakeConn) expectNothingSent(tb testing.TB, wait time.Duration) {
	tb.Helper()

	select {
	case frame := <-c.sent:
		tb.Fatalf("unexpected upstream frame %s %s", frame.Event, string(frame.Data))
	case <-time.After(wait):
	}
}

type recordingPublisher struct {
	mu      sync.Mutex
	signals []*alumni.Signal
}

func (p *recordingPublisher) Publish(_ context.Context, signal *alumni.Signal) error {
	if err := signal.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.signals = append(p.signals, signal)
	return nil
}

func (p *recordingPublisher) states() []alumni.ChannelState {
	p.mu.Lock()
	defer p.mu.Unlock()

	states := make([]alumni.ChannelState, 0, len(p.signals))
	for _, signal := range p.signals {
		if signal.Kind == alumni.SignalChannelState {
			states = append(states, signal.Channel.To)
		}
	}

	return states
}

func (p *recordingPublisher) kinds() []alumni.SignalKind {
	p.mu.Lock()
	defer p.mu.Unlock()

	kinds := make([]alumni.SignalKind, 0, len(p.signals))
	for _, signal := range p.signals {
		kinds = append(kinds, signal.Kind)
	}

	return kinds
}

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) handle(_ context.Context, _ string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errs = append(s.errs, err)
}

func (s *errorSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.errs)
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("condition not met before timeout")
}
