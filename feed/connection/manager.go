package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/linluma/marketfeed/feed/schedule"
	"github.com/linluma/marketfeed/shared/logging"
	"github.com/linluma/marketfeed/shared/models"
)

// Handlers receive connection events. OnMessage is called on the read
// goroutine, one envelope at a time, in arrival order. OnStatus and OnOpen
// are delivered one at a time in transition order, with no Manager lock held,
// so they may call Connect or Disconnect.
type Handlers struct {
	OnOpen    func()
	OnMessage func(models.Envelope)
	OnStatus  func(models.Status, error)
}

// Recorder receives connection metrics
type Recorder interface {
	ObserveStatus(status models.Status)
	ObserveReconnect(delay time.Duration)
	ObserveDroppedFrame()
}

type nopRecorder struct{}

func (nopRecorder) ObserveStatus(models.Status)    {}
func (nopRecorder) ObserveReconnect(time.Duration) {}
func (nopRecorder) ObserveDroppedFrame()           {}

// Option configures a Manager
type Option func(*Manager)

// WithClock sets the clock used for timeouts and reconnect timers
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithDialer overrides the WebSocket dialer
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithRetryConfig sets the reconnect policy
func WithRetryConfig(r RetryConfig) Option {
	return func(m *Manager) { m.retry = r }
}

// WithScheduler shares a scheduler with the owner so teardown cancels everything together
func WithScheduler(s *schedule.Scheduler) Option {
	return func(m *Manager) { m.sched = s }
}

// WithRecorder attaches a metrics recorder
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// Manager owns one logical real-time connection
type Manager struct {
	url         string
	dialer      Dialer
	retry       RetryConfig
	clock       clock.Clock
	sched       *schedule.Scheduler
	handlers    Handlers
	recorder    Recorder
	log         *logging.Entry
	dropLimiter *rate.Limiter

	mu         sync.Mutex
	writeMu    sync.Mutex
	status     models.Status
	err        error
	socket     Socket
	gen        uint64
	manual     bool
	backoff    backoff.BackOff
	attempt    int
	health     models.ConnectionHealth
	reconnect  *schedule.Task
	cancelDial context.CancelFunc

	// pending observer events, drained by whichever goroutine set emitting
	pending  []statusEvent
	emitting bool
}

// statusEvent is a status transition, or an open notification when open is set
type statusEvent struct {
	status models.Status
	err    error
	open   bool
}

// NewManager creates a connection manager for url. Nothing is dialed until Connect.
func NewManager(url string, handlers Handlers, opts ...Option) *Manager {
	m := &Manager{
		url:         url,
		retry:       DefaultRetryConfig(),
		handlers:    handlers,
		recorder:    nopRecorder{},
		status:      models.StatusDisconnected,
		dropLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.sched == nil {
		m.sched = schedule.New(m.clock)
	}
	if m.dialer == nil {
		m.dialer = WebSocketDialer{HandshakeTimeout: m.retry.ConnectTimeout}
	}
	m.log = logging.GetLogger().WithComponent("connection").WithFields(logging.Fields{"url": url})
	return m
}

// URL returns the upstream address
func (m *Manager) URL() string {
	return m.url
}

// Connect opens the connection if it is not already open or opening.
// The dial is asynchronous; failures surface through the status callback.
func (m *Manager) Connect() {
	m.mu.Lock()
	switch m.status {
	case models.StatusConnected, models.StatusConnecting, models.StatusReconnecting:
		m.mu.Unlock()
		return
	}

	m.gen++
	gen := m.gen
	m.manual = false
	m.backoff = m.retry.newBackOff()
	m.attempt = 0
	m.health.RetryAttempt = 0
	ctx := m.beginDialLocked()
	m.setStatusLocked(models.StatusConnecting, nil)
	m.mu.Unlock()

	m.flush()
	m.log.Info("connecting")
	go m.dial(ctx, gen)
}

// Disconnect closes the connection and suppresses automatic reconnection. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.gen++
	task := m.reconnect
	m.reconnect = nil
	cancel := m.cancelDial
	m.cancelDial = nil
	sock := m.socket
	m.socket = nil
	m.attempt = 0
	prev := m.status
	if prev != models.StatusDisconnected {
		m.setStatusLocked(models.StatusDisconnected, nil)
	}
	m.mu.Unlock()

	// Released outside m.mu; the reconnect callback takes m.mu itself.
	if cancel != nil {
		cancel()
	}
	if task != nil {
		task.Cancel()
	}
	if sock != nil {
		if err := sock.Close(); err != nil {
			m.log.WithError(err).Debug("error closing socket")
		}
	}
	if prev != models.StatusDisconnected {
		m.flush()
		m.log.Info("disconnected")
	}
}

// Send JSON-encodes v and writes it. It returns false when not connected or the write fails.
func (m *Manager) Send(v interface{}) bool {
	m.mu.Lock()
	sock := m.socket
	connected := m.status == models.StatusConnected
	m.mu.Unlock()

	if !connected || sock == nil {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		m.log.WithError(err).Warn("failed to encode outbound message")
		return false
	}

	m.writeMu.Lock()
	err = sock.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		m.log.WithError(err).Warn("failed to send message")
		return false
	}
	return true
}

// Connected reports whether the status is connected
func (m *Manager) Connected() bool {
	return m.Status() == models.StatusConnected
}

// Status returns the current status
func (m *Manager) Status() models.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Err returns the error attached to the current status, if any
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Health returns the connection health counters
func (m *Manager) Health() models.ConnectionHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Snapshot returns a read-only view of the connection
func (m *Manager) Snapshot() models.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := models.Connection{
		URL:        m.url,
		Status:     m.status,
		RetryCount: m.attempt,
		Health:     m.health,
	}
	if m.err != nil {
		c.Error = m.err.Error()
	}
	return c
}

func (m *Manager) beginDialLocked() context.Context {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.retry.ConnectTimeout > 0 {
		ctx, cancel = m.clock.WithTimeout(context.Background(), m.retry.ConnectTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	m.cancelDial = cancel
	return ctx
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	sock, err := m.dialer.Dial(ctx, m.url)
	if err == nil && ctx.Err() != nil {
		// Opened after the window closed
		sock.Close()
		sock, err = nil, ctx.Err()
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("connection timeout: %w", context.DeadlineExceeded)
	}

	m.mu.Lock()
	if gen != m.gen || m.manual {
		m.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
		return
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}

	if err != nil {
		m.recordFailureLocked()
		m.scheduleReconnectLocked(gen, classify(err))
		m.mu.Unlock()
		m.flush()
		return
	}

	m.socket = sock
	m.attempt = 0
	m.backoff.Reset()
	m.recordSuccessLocked()
	m.setStatusLocked(models.StatusConnected, nil)
	m.pending = append(m.pending, statusEvent{status: models.StatusConnected, open: true})
	m.mu.Unlock()

	m.log.Info("connected")
	go m.readLoop(sock, gen)
	m.flush()
}

func (m *Manager) redial(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.manual {
		m.mu.Unlock()
		return
	}
	m.reconnect = nil
	ctx := m.beginDialLocked()
	attempt := m.attempt
	m.mu.Unlock()

	m.log.WithFields(logging.Fields{"attempt": attempt}).Info("reconnecting")
	go m.dial(ctx, gen)
}

// scheduleReconnectLocked arms the next attempt or, once the policy is exhausted, moves to the terminal error state.
func (m *Manager) scheduleReconnectLocked(gen uint64, cause *Error) {
	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop {
		err := &Error{Kind: KindMaxRetries, Err: cause}
		m.log.WithError(cause).WithFields(logging.Fields{"attempts": m.attempt}).Error("max reconnection attempts reached")
		m.setStatusLocked(models.StatusError, err)
		return
	}

	m.attempt++
	m.health.RetryAttempt = m.attempt
	m.recorder.ObserveReconnect(delay)
	m.log.WithError(cause).WithFields(logging.Fields{
		"attempt": m.attempt,
		"delay":   delay.String(),
	}).Warn("connection attempt failed, scheduling reconnect")

	m.reconnect = m.sched.After(delay, func() { m.redial(gen) })
	m.setStatusLocked(models.StatusReconnecting, cause)
}

func (m *Manager) readLoop(sock Socket, gen uint64) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			m.handleClose(sock, gen, err)
			return
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			m.dropFrame(err)
			continue
		}
		m.deliver(env)
	}
}

func (m *Manager) deliver(env models.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithFields(logging.Fields{"type": env.Type, "panic": fmt.Sprint(r)}).Error("message handler panic recovered")
		}
	}()
	if m.handlers.OnMessage != nil {
		m.handlers.OnMessage(env)
	}
}

func (m *Manager) handleClose(sock Socket, gen uint64, readErr error) {
	m.mu.Lock()
	if gen != m.gen || m.manual {
		m.mu.Unlock()
		return
	}
	m.socket = nil
	m.recordFailureLocked()
	if websocket.IsUnexpectedCloseError(readErr, websocket.CloseNormalClosure) {
		m.log.WithError(readErr).Warn("WebSocket connection closed unexpectedly")
	}
	m.scheduleReconnectLocked(gen, &Error{Kind: KindNetwork, Err: readErr})
	m.mu.Unlock()

	sock.Close()
	m.flush()
}

func (m *Manager) dropFrame(err error) {
	m.recorder.ObserveDroppedFrame()
	if m.dropLimiter.Allow() {
		m.log.WithError(err).Warn("dropping malformed frame")
	}
}

// setStatusLocked records a transition and queues it for observers
func (m *Manager) setStatusLocked(status models.Status, err error) {
	m.status = status
	m.err = err
	m.pending = append(m.pending, statusEvent{status: status, err: err})
}

// flush delivers queued events. Only one goroutine drains at a time; a caller
// that finds a drain in progress, including an observer re-entering through
// Connect or Disconnect, leaves its events to that drain and returns.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.emitting {
		m.mu.Unlock()
		return
	}
	m.emitting = true
	for len(m.pending) > 0 {
		ev := m.pending[0]
		m.pending = m.pending[1:]
		// OnOpen only fires if the connection it announces is still the current state
		stale := ev.open && m.status != models.StatusConnected
		m.mu.Unlock()

		if !stale {
			m.notify(ev)
		}
		m.mu.Lock()
	}
	m.emitting = false
	m.pending = nil
	m.mu.Unlock()
}

func (m *Manager) notify(ev statusEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithFields(logging.Fields{"status": ev.status, "panic": fmt.Sprint(r)}).Error("status handler panic recovered")
		}
	}()
	if ev.open {
		if m.handlers.OnOpen != nil {
			m.handlers.OnOpen()
		}
		return
	}
	m.recorder.ObserveStatus(ev.status)
	if m.handlers.OnStatus != nil {
		m.handlers.OnStatus(ev.status, ev.err)
	}
}

func (m *Manager) recordFailureLocked() {
	m.health.FailureCount++
	m.health.ConsecutiveFails++
	m.health.LastFailureTime = m.clock.Now()
}

func (m *Manager) recordSuccessLocked() {
	m.health.ConsecutiveFails = 0
	m.health.RetryAttempt = 0
}

func decodeEnvelope(data []byte) (models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return env, errors.New("envelope has no type")
	}
	return env, nil
}
