package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/protocol"
)

var errConnClosed = errors.New("fake connection closed")

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &manualTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, timer)
	return timer
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// fireNext runs the earliest timer due at or before target and reports whether one ran.
func (c *manualClock) fireNext(target time.Time) bool {
	c.mu.Lock()
	var next *manualTimer
	for _, timer := range c.timers {
		if timer.fired || timer.stopped || timer.at.After(target) {
			continue
		}
		if next == nil || timer.at.Before(next.at) {
			next = timer
		}
	}
	if next == nil {
		c.now = target
		c.mu.Unlock()
		return false
	}
	next.fired = true
	if next.at.After(c.now) {
		c.now = next.at
	}
	c.mu.Unlock()
	next.fn()
	return true
}

type fakeTransport struct {
	mu      sync.Mutex
	results []error
	conns   []*fakeConn
	tokens  []string
}

func (t *fakeTransport) failNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results = append(t.results, errs...)
}

func (t *fakeTransport) Dial(_ context.Context, token string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens = append(t.tokens, token)
	if len(t.results) > 0 {
		err := t.results[0]
		t.results = t.results[1:]
		if err != nil {
			return nil, err
		}
	}
	conn := newFakeConn()
	t.conns = append(t.conns, conn)
	return conn, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tokens)
}

func (t *fakeTransport) dialedTokens() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.tokens...)
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  []protocol.Envelope
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte), closed: make(chan struct{})}
}

func (c *fakeConn) Read() ([]byte, error) {
	for {
		select {
		case data := <-c.inbound:
			if data == nil {
				continue
			}
			return data, nil
		case <-c.closed:
			return nil, errConnClosed
		}
	}
}

func (c *fakeConn) Write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	envelope, err := protocol.Decode(frame, protocol.Type.IsOutbound)
	if err != nil {
		return err
	}
	c.written = append(c.written, envelope)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) framesOf(frameType protocol.Type) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var frames []protocol.Envelope
	for _, envelope := range c.written {
		if envelope.Type == frameType {
			frames = append(frames, envelope)
		}
	}
	return frames
}

func (c *fakeConn) types() []protocol.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]protocol.Type, 0, len(c.written))
	for _, envelope := range c.written {
		types = append(types, envelope.Type)
	}
	return types
}

type harness struct {
	t         *testing.T
	clock     *manualClock
	transport *fakeTransport
	client    *Client
	store     *recordingStore
}

func newHarness(t *testing.T, adjust ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		clock:     newManualClock(),
		transport: &fakeTransport{},
		store:     &recordingStore{read: map[string]bool{}},
	}
	var tempCounter int
	var tempMu sync.Mutex
	cfg := Config{
		Transport: h.transport,
		Logger:    zaptest.NewLogger(t),
		Clock:     h.clock,
		Store:     h.store,
		Jitter:    func(time.Duration) time.Duration { return 0 },
		NewTempID: func() (string, error) {
			tempMu.Lock()
			defer tempMu.Unlock()
			tempCounter++
			return fmt.Sprintf("tmp-%d", tempCounter), nil
		},
		ReconnectBaseDelay: 100 * time.Millisecond,
		ReconnectMaxDelay:  2 * time.Second,
		MaxRetryWindow:     time.Minute,
		HeartbeatInterval:  20 * time.Second,
		PongTimeout:        5 * time.Second,
		AckTimeout:         3 * time.Second,
		MaxSendAttempts:    3,
		OutboxCapacity:     8,
		LeaveGrace:         300 * time.Millisecond,
		TypingIdle:         2 * time.Second,
		TypingLiveness:     6 * time.Second,
		TypingSweep:        time.Second,
		MessageRetention:   50,
	}
	for _, apply := range adjust {
		apply(&cfg)
	}
	client, err := NewClient(cfg)
	require.NoError(t, err)
	h.client = client
	t.Cleanup(func() { _ = client.Close() })
	return h
}

func (h *harness) connect() *fakeConn {
	h.t.Helper()
	require.NoError(h.t, h.client.Connect(Credentials{Token: "token-me", UserID: "me", DisplayName: "Me"}))
	h.waitState(StateConnected)
	conn := h.transport.lastConn()
	require.NotNil(h.t, conn)
	return conn
}

func (h *harness) waitState(state State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.client.Status().State == state
	}, 2*time.Second, time.Millisecond, "waiting for state %s", state)
}

// sync waits until everything queued on the event loop so far has been applied.
func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.client.call(func() {}))
}

// flush additionally waits for listener callbacks queued so far.
func (h *harness) flush() {
	h.t.Helper()
	h.sync()
	done := make(chan struct{})
	h.client.dispatch.enqueue(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("listener queue did not drain")
	}
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	target := h.clock.Now().Add(d)
	for h.clock.fireNext(target) {
		h.sync()
	}
	h.sync()
}

// push delivers a server frame and waits until the client has processed it.
func (h *harness) push(conn *fakeConn, frameType protocol.Type, payload any) {
	h.t.Helper()
	envelope, err := protocol.NewEnvelope(frameType, payload)
	require.NoError(h.t, err)
	data, err := protocol.Encode(envelope)
	require.NoError(h.t, err)
	h.pushRaw(conn, data)
}

func (h *harness) pushRaw(conn *fakeConn, data []byte) {
	h.t.Helper()
	for _, item := range [][]byte{data, nil} {
		select {
		case conn.inbound <- item:
		case <-time.After(2 * time.Second):
			h.t.Fatalf("connection is not reading")
		}
	}
	h.sync()
}

// dropConnection simulates the server closing the socket.
func (h *harness) dropConnection(conn *fakeConn) {
	h.t.Helper()
	_ = conn.Close()
	h.waitState(StateReconnecting)
}

type recordingStore struct {
	mu       sync.Mutex
	applied  []Notification
	read     map[string]bool
	cleared  int
	applyErr error
}

func (s *recordingStore) Apply(notification Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return s.applyErr
	}
	s.applied = append(s.applied, notification)
	s.read[notification.ID] = notification.Read
	return nil
}

func (s *recordingStore) MarkRead(ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, id := range ids {
		if read, ok := s.read[id]; ok && !read {
			s.read[id] = true
			changed++
		}
	}
	return changed, nil
}

func (s *recordingStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
	s.read = map[string]bool{}
	return nil
}

type recorder[T any] struct {
	mu     sync.Mutex
	events []T
}

func (r *recorder[T]) record(value T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, value)
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.events...)
}
