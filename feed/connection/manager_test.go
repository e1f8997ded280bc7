package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linluma/marketfeed/shared/models"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeSocket is an in-memory Socket; closing it ends the read loop like a dropped connection
type fakeSocket struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []string
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-s.inbound:
		return websocket.TextMessage, msg, nil
	case <-s.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	select {
	case <-s.closed:
		return errors.New("write on closed connection")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, string(data))
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) Written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.written...)
}

// fakeDialer hands out results from dialFn and counts attempts
type fakeDialer struct {
	attempts atomic.Int32
	dialFn   func(ctx context.Context, attempt int) (Socket, error)
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Socket, error) {
	n := int(d.attempts.Add(1))
	return d.dialFn(ctx, n)
}

type recordingRecorder struct {
	mu       sync.Mutex
	delays   []time.Duration
	statuses []models.Status
	dropped  int
}

func (r *recordingRecorder) ObserveStatus(s models.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recordingRecorder) ObserveReconnect(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
}

func (r *recordingRecorder) ObserveDroppedFrame() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
}

func (r *recordingRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func (r *recordingRecorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       400 * time.Millisecond,
		MaxRetries:     maxRetries,
		BackoffFactor:  2.0,
		Jitter:         false,
		ConnectTimeout: time.Second,
	}
}

func TestRetryConfig_BackOffSequence(t *testing.T) {
	b := fastRetry(6).newBackOff()

	var delays []time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			break
		}
		delays = append(delays, d)
	}

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}, delays)

	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1], "delay must not decrease")
	}

	// Stop is permanent until Reset
	assert.Equal(t, backoff.Stop, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
}

func TestRetryConfig_ZeroRetries(t *testing.T) {
	b := fastRetry(0).newBackOff()
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}

func TestManager_ConnectAndSend(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{dialFn: func(context.Context, int) (Socket, error) { return sock, nil }}

	var opens atomic.Int32
	m := NewManager("ws://feed.test/ws", Handlers{
		OnOpen: func() { opens.Add(1) },
	}, WithDialer(dialer), WithClock(clock.NewMock()), WithRetryConfig(fastRetry(3)))

	assert.False(t, m.Send(map[string]string{"type": "PING"}), "send before connect must fail")

	m.Connect()
	require.Eventually(t, m.Connected, waitFor, tick)
	require.Eventually(t, func() bool { return opens.Load() == 1 }, waitFor, tick)

	// Connect while connected is a no-op
	m.Connect()
	assert.Equal(t, int32(1), dialer.attempts.Load())

	assert.True(t, m.Send(map[string]string{"type": "PING"}))
	assert.Equal(t, []string{`{"type":"PING"}`}, sock.Written())

	health := m.Health()
	assert.Equal(t, 0, health.ConsecutiveFails)
	assert.Equal(t, 0, health.RetryAttempt)

	m.Disconnect()
	assert.Equal(t, models.StatusDisconnected, m.Status())
	assert.False(t, m.Send(map[string]string{"type": "PING"}))

	// Idempotent
	m.Disconnect()
	assert.Equal(t, models.StatusDisconnected, m.Status())
}

func TestManager_DropsMalformedFrames(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{dialFn: func(context.Context, int) (Socket, error) { return sock, nil }}
	recorder := &recordingRecorder{}

	received := make(chan models.Envelope, 4)
	m := NewManager("ws://feed.test/ws", Handlers{
		OnMessage: func(env models.Envelope) { received <- env },
	}, WithDialer(dialer), WithClock(clock.NewMock()), WithRecorder(recorder))

	m.Connect()
	require.Eventually(t, m.Connected, waitFor, tick)

	sock.inbound <- []byte("not json")
	sock.inbound <- []byte(`{"payload":{"symbol":"AKBNK"}}`)
	sock.inbound <- []byte(`{"type":"TRADE_EVENT","payload":{"symbol":"AKBNK"},"timestamp":"2025-08-01T10:00:00Z","id":"m-1"}`)

	select {
	case env := <-received:
		assert.Equal(t, models.MessageTradeEvent, env.Type)
		assert.Equal(t, "m-1", env.ID)
		assert.JSONEq(t, `{"symbol":"AKBNK"}`, string(env.Payload))
	case <-time.After(waitFor):
		t.Fatal("Timeout waiting for envelope")
	}

	assert.Equal(t, 2, recorder.Dropped())
	assert.True(t, m.Connected(), "malformed frames never close the connection")
	m.Disconnect()
}

func TestManager_HandlerPanicRecovered(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{dialFn: func(context.Context, int) (Socket, error) { return sock, nil }}

	var calls atomic.Int32
	m := NewManager("ws://feed.test/ws", Handlers{
		OnMessage: func(models.Envelope) {
			if calls.Add(1) == 1 {
				panic("bad handler")
			}
		},
	}, WithDialer(dialer), WithClock(clock.NewMock()))

	m.Connect()
	require.Eventually(t, m.Connected, waitFor, tick)

	sock.inbound <- []byte(`{"type":"A"}`)
	sock.inbound <- []byte(`{"type":"B"}`)

	assert.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)
	assert.True(t, m.Connected())
	m.Disconnect()
}

func TestManager_BackoffUntilMaxRetries(t *testing.T) {
	mockClock := clock.NewMock()
	recorder := &recordingRecorder{}
	dialer := &fakeDialer{dialFn: func(context.Context, int) (Socket, error) {
		return nil, errors.New("connection refused")
	}}

	var lastStatus atomic.Value
	m := NewManager("ws://feed.test/ws", Handlers{
		OnStatus: func(s models.Status, _ error) { lastStatus.Store(s) },
	}, WithDialer(dialer), WithClock(mockClock), WithRecorder(recorder), WithRetryConfig(fastRetry(4)))

	m.Connect()
	require.Eventually(t, func() bool { return m.Health().RetryAttempt == 1 }, waitFor, tick)
	assert.Equal(t, models.StatusReconnecting, m.Status())
	assert.Equal(t, int32(1), dialer.attempts.Load())

	// Nothing happens before the delay elapses
	mockClock.Add(99 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.attempts.Load())

	mockClock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return m.Health().RetryAttempt == 2 }, waitFor, tick)

	mockClock.Add(200 * time.Millisecond)
	require.Eventually(t, func() bool { return m.Health().RetryAttempt == 3 }, waitFor, tick)

	mockClock.Add(400 * time.Millisecond)
	require.Eventually(t, func() bool { return m.Health().RetryAttempt == 4 }, waitFor, tick)

	mockClock.Add(400 * time.Millisecond)
	require.Eventually(t, func() bool { return m.Status() == models.StatusError }, waitFor, tick)

	assert.Equal(t, int32(5), dialer.attempts.Load(), "initial attempt + 4 retries")
	assert.True(t, IsTerminal(m.Err()))
	assert.Contains(t, m.Err().Error(), "connection refused")
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}, recorder.Delays())
	assert.Eventually(t, func() bool { return lastStatus.Load() == models.StatusError }, waitFor, tick)

	// Attempts stop permanently
	mockClock.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(5), dialer.attempts.Load())

	health := m.Health()
	assert.Equal(t, 5, health.FailureCount)
	assert.Equal(t, 5, health.ConsecutiveFails)
	assert.False(t, health.LastFailureTime.IsZero())
}

func TestManager_ReconnectAfterUnexpectedClose(t *testing.T) {
	mockClock := clock.NewMock()
	first, second := newFakeSocket(), newFakeSocket()
	dialer := &fakeDialer{dialFn: func(_ context.Context, attempt int) (Socket, error) {
		if attempt == 1 {
			return first, nil
		}
		return second, nil
	}}

	var opens atomic.Int32
	m := NewManager("ws://feed.test/ws", Handlers{
		OnOpen: func() { opens.Add(1) },
	}, WithDialer(dialer), WithClock(mockClock), WithRetryConfig(fastRetry(3)))

	m.Connect()
	require.Eventually(t, m.Connected, waitFor, tick)

	// Server drops the connection
	first.Close()
	require.Eventually(t, func() bool { return m.Status() == models.StatusReconnecting }, waitFor, tick)
	require.Eventually(t, func() bool { return m.Health().RetryAttempt == 1 }, waitFor, tick)

	mockClock.Add(100 * time.Millisecond)
	require.Eventually(t, m.Connected, waitFor, tick)
	assert.Eventually(t, func() bool { return opens.Load() == 2 }, waitFor, tick)

	snap := m.Snapshot()
	assert.Equal(t, 0, snap.RetryCount, "attempt counter resets on open")
	assert.Equal(t, 1, snap.Health.FailureCount)
	assert.Empty(t, snap.Error)

	assert.True(t, m.Send(map[string]string{"type": "PING"}))
	assert.Len(t, second.Written(), 1)
	m.Disconnect()
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	mockClock := clock.NewMock()
	dialer := &fakeDialer{dialFn: func(context.Context, int) (Socket, error) {
		return nil, errors.New("connection refused")
	}}

	m := NewManager("ws://feed.test/ws", Handlers{}, WithDialer(dialer), WithClock(mockClock), WithRetryConfig(fastRetry(10)))

	m.Connect()
	require.Eventually(t, func() bool { return m.Health().RetryAttempt == 1 }, waitFor, tick)

	m.Disconnect()
	assert.Equal(t, models.StatusDisconnected, m.Status())
	assert.NoError(t, m.Err())

	mockClock.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.attempts.Load(), "no reconnect after explicit disconnect")
	assert.Equal(t, models.StatusDisconnected, m.Status())
}

func TestManager_ConnectTimeout(t *testing.T) {
	mockClock := clock.NewMock()
	dialed := make(chan struct{}, 4)
	dialer := &fakeDialer{dialFn: func(ctx context.Context, _ int) (Socket, error) {
		dialed <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	m := NewManager("ws://feed.test/ws", Handlers{}, WithDialer(dialer), WithClock(mockClock), WithRetryConfig(fastRetry(3)))

	m.Connect()
	<-dialed
	assert.Equal(t, models.StatusConnecting, m.Status())

	mockClock.Add(time.Second)
	require.Eventually(t, func() bool { return m.Status() == models.StatusReconnecting }, waitFor, tick)

	var connErr *Error
	require.True(t, errors.As(m.Err(), &connErr))
	assert.Equal(t, KindTimeout, connErr.Kind)

	m.Disconnect()
}

func TestManager_WebSocketRoundTrip(t *testing.T) {
	subscribed := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- string(msg)

		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"ORDER_BOOK_UPDATE","payload":{"symbol":"AKBNK"},"timestamp":"2025-08-01T10:00:00Z","id":"srv-1"}`))

		// Hold the socket until the client leaves
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	received := make(chan models.Envelope, 1)
	var m *Manager
	m = NewManager("ws"+strings.TrimPrefix(server.URL, "http"), Handlers{
		OnOpen:    func() { m.Send(map[string]string{"type": "SUBSCRIBE"}) },
		OnMessage: func(env models.Envelope) { received <- env },
	}, WithRetryConfig(RetryConfig{
		InitialDelay:   10 * time.Millisecond,
		MaxDelay:       50 * time.Millisecond,
		MaxRetries:     2,
		BackoffFactor:  2,
		ConnectTimeout: 5 * time.Second,
	}))

	m.Connect()
	defer m.Disconnect()

	select {
	case msg := <-subscribed:
		assert.JSONEq(t, `{"type":"SUBSCRIBE"}`, msg)
	case <-time.After(waitFor):
		t.Fatal("Timeout waiting for subscribe")
	}

	select {
	case env := <-received:
		assert.Equal(t, "srv-1", env.ID)
		assert.Equal(t, models.MessageOrderBookUpdate, env.Type)
	case <-time.After(waitFor):
		t.Fatal("Timeout waiting for server message")
	}
}

func TestManager_DisconnectFromStatusHandler(t *testing.T) {
	dialer := &fakeDialer{dialFn: func(context.Context, int) (Socket, error) {
		return nil, errors.New("connection refused")
	}}

	var (
		mu   sync.Mutex
		seen []models.Status
		m    *Manager
	)
	returned := make(chan struct{})
	var once sync.Once
	m = NewManager("ws://feed.test/ws", Handlers{
		OnStatus: func(s models.Status, _ error) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
			if s == models.StatusError {
				m.Disconnect()
				once.Do(func() { close(returned) })
			}
		},
	}, WithDialer(dialer), WithClock(clock.NewMock()), WithRetryConfig(fastRetry(0)))

	m.Connect()
	select {
	case <-returned:
	case <-time.After(waitFor):
		t.Fatal("Disconnect called from the status handler did not return")
	}

	statuses := func() []models.Status {
		mu.Lock()
		defer mu.Unlock()
		return append([]models.Status(nil), seen...)
	}
	require.Eventually(t, func() bool { return len(statuses()) == 3 }, waitFor, tick)
	assert.Equal(t, []models.Status{models.StatusConnecting, models.StatusError, models.StatusDisconnected}, statuses())
	assert.Equal(t, models.StatusDisconnected, m.Status())

	// Later calls are not blocked by the earlier re-entry
	done := make(chan struct{})
	go func() {
		m.Connect()
		m.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Connect/Disconnect blocked after a re-entrant status handler")
	}
}

func TestManager_ReconnectFromStatusHandler(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{dialFn: func(_ context.Context, attempt int) (Socket, error) {
		if attempt == 1 {
			return nil, errors.New("connection refused")
		}
		return sock, nil
	}}

	var m *Manager
	var opens atomic.Int32
	m = NewManager("ws://feed.test/ws", Handlers{
		OnOpen: func() { opens.Add(1) },
		OnStatus: func(s models.Status, _ error) {
			if s == models.StatusError {
				m.Connect()
			}
		},
	}, WithDialer(dialer), WithClock(clock.NewMock()), WithRetryConfig(fastRetry(0)))

	m.Connect()
	require.Eventually(t, m.Connected, waitFor, tick)
	assert.Eventually(t, func() bool { return opens.Load() == 1 }, waitFor, tick)
	assert.Equal(t, int32(2), dialer.attempts.Load())
	m.Disconnect()
}
