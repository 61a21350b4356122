// Package connection owns the transport lifecycle of the voice client.
package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
	"github.com/satriahrh/arunika/client/internal/metrics"
	"github.com/satriahrh/arunika/client/internal/pubsub"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultBaseDelay      = 1 * time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultMaxAttempts    = 5
)

// Config describes the endpoint and the reconnection budget
type Config struct {
	URL string
	// Header is called before every dial so that short-lived credentials
	// can be minted per attempt. May be nil.
	Header         func() (http.Header, error)
	ConnectTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	// MaxAttempts bounds the automatic reconnection attempts of one outage
	MaxAttempts int
}

// DefaultConfig returns the documented defaults for url
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		ConnectTimeout: DefaultConnectTimeout,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		MaxAttempts:    DefaultMaxAttempts,
	}
}

// EventType classifies manager notifications
type EventType int

const (
	// EventStateChanged is published on every state transition
	EventStateChanged EventType = iota
	// EventReconnected follows the state change of every entry into Connected
	EventReconnected
	// EventAttemptsExhausted is published once when the retry budget runs out
	EventAttemptsExhausted
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state_changed"
	case EventReconnected:
		return "reconnected"
	case EventAttemptsExhausted:
		return "attempts_exhausted"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification
type Event struct {
	Type    EventType
	From    entities.ConnectionState
	To      entities.ConnectionState
	Attempt int
	Err     error
}

// Manager drives one logical connection through
// Disconnected, Connecting, Connected, Reconnecting and Closed.
//
// Event listeners run on the manager's goroutine while transitions are
// serialized; they may call Send and ForceReconnect but must not call
// Connect or Disconnect synchronously.
type Manager struct {
	cfg       Config
	transport repositories.Transport
	logger    *zap.Logger
	metrics   *metrics.Metrics

	// transitionMu serializes a state change with the publication of its
	// events so that observers see transitions in order.
	transitionMu sync.Mutex

	mu     sync.Mutex
	state  entities.ConnectionState
	conn   repositories.Conn
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	events   *pubsub.Topic[Event]
	messages *pubsub.Topic[entities.Message]
}

// NewManager creates a manager in the Disconnected state
func NewManager(cfg Config, transport repositories.Transport, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Manager{
		cfg:       cfg,
		transport: transport,
		logger:    logger.Named("connection"),
		metrics:   m,
		state:     entities.ConnectionStateDisconnected,
		events:    pubsub.NewTopic[Event](),
		messages:  pubsub.NewTopic[entities.Message](),
	}
}

// State returns the current connection state
func (m *Manager) State() entities.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether a link is up and writable
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == entities.ConnectionStateConnected && m.conn != nil
}

// OnEvent registers a synchronous lifecycle listener
func (m *Manager) OnEvent(fn func(Event)) (cancel func()) {
	return m.events.Listen(fn)
}

// Events returns a buffered channel of lifecycle events
func (m *Manager) Events(buffer int) (<-chan Event, func()) {
	return m.events.Subscribe(buffer)
}

// OnMessage registers a synchronous listener for decoded inbound messages.
// It runs on the read goroutine and must not block.
func (m *Manager) OnMessage(fn func(entities.Message)) (cancel func()) {
	return m.messages.Listen(fn)
}

// Messages returns a buffered channel of decoded inbound messages
func (m *Manager) Messages(buffer int) (<-chan entities.Message, func()) {
	return m.messages.Subscribe(buffer)
}

// Connect starts the connection lifecycle in the background. It is a no-op
// while the manager is already connecting, connected or reconnecting.
func (m *Manager) Connect() {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	if m.state.Active() {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.gen++
	gen := m.gen
	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	if from == entities.ConnectionStateClosed {
		m.setState(entities.ConnectionStateDisconnected, 0, nil)
	}
	m.setState(entities.ConnectionStateConnecting, 0, nil)

	m.logger.Info("Connecting", zap.String("url", m.cfg.URL))
	go func() {
		defer close(done)
		m.run(ctx, gen)
	}()
}

// Disconnect tears the link down and moves to Closed. It waits for the
// lifecycle goroutine to exit.
func (m *Manager) Disconnect() {
	m.transitionMu.Lock()

	m.mu.Lock()
	if m.state == entities.ConnectionStateClosed {
		m.mu.Unlock()
		m.transitionMu.Unlock()
		return
	}
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	done := m.done
	m.done = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.setState(entities.ConnectionStateClosed, 0, nil)
	m.transitionMu.Unlock()

	m.logger.Info("Disconnected by caller")
	if done != nil {
		<-done
	}
}

// ForceReconnect drops the current link. The lifecycle goroutine observes
// the failure and schedules a reconnection.
func (m *Manager) ForceReconnect(reason error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	m.logger.Warn("Forcing reconnection", zap.Error(reason))
	conn.Close()
}

// Send writes msg to the transport. It fails with a TransportError when the
// manager is not Connected or the write fails; a failed write drops the link.
func (m *Manager) Send(msg entities.Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.state == entities.ConnectionStateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return &entities.TransportError{Op: "write", Err: entities.ErrNotConnected}
	}

	m.writeMu.Lock()
	err = conn.WriteMessage(frame)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Error("Failed to write message",
			zap.String("type", string(msg.Type)),
			zap.Error(err))
		conn.Close()
		return &entities.TransportError{Op: "write", Err: err}
	}

	m.metrics.MessagesSent.WithLabelValues(string(msg.Type)).Inc()
	return nil
}

// WaitConnected blocks until the manager reaches Connected, the retry budget
// runs out, the manager is closed or ctx is done.
func (m *Manager) WaitConnected(ctx context.Context) error {
	events, cancel := m.events.Subscribe(16)
	defer cancel()

	switch m.State() {
	case entities.ConnectionStateConnected:
		return nil
	case entities.ConnectionStateClosed:
		return &entities.TransportError{Op: "connect", Err: entities.ErrNotConnected}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return &entities.TransportError{Op: "connect", Err: entities.ErrNotConnected}
			}
			switch {
			case ev.Type == EventAttemptsExhausted:
				return ev.Err
			case ev.Type != EventStateChanged:
			case ev.To == entities.ConnectionStateConnected:
				return nil
			case ev.To == entities.ConnectionStateClosed:
				return &entities.TransportError{Op: "connect", Err: entities.ErrNotConnected}
			}
		}
	}
}

func (m *Manager) run(ctx context.Context, gen uint64) {
	retries := 0
	for {
		conn, err := m.dial(ctx)
		if err == nil {
			if !m.attach(gen, conn) {
				conn.Close()
				return
			}
			retries = 0
			err = m.readLoop(conn)
			m.detach(conn)
		}

		if ctx.Err() != nil {
			return
		}

		if retries >= m.cfg.MaxAttempts {
			m.exhaust(gen, retries, err)
			return
		}

		delay := Backoff(m.cfg.BaseDelay, m.cfg.MaxDelay, retries)
		retries++
		if !m.transition(gen, entities.ConnectionStateReconnecting, retries, err) {
			return
		}
		m.metrics.ReconnectAttempts.Inc()
		m.logger.Warn("Connection lost, scheduling reconnection",
			zap.Int("attempt", retries),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) dial(ctx context.Context) (repositories.Conn, error) {
	var header http.Header
	if m.cfg.Header != nil {
		h, err := m.cfg.Header()
		if err != nil {
			return nil, &entities.TransportError{Op: "dial", Err: fmt.Errorf("build header: %w", err)}
		}
		header = h
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, err := m.transport.Dial(dialCtx, m.cfg.URL, header)
	if err != nil {
		return nil, &entities.TransportError{Op: "dial", Err: err}
	}
	return conn, nil
}

// attach installs conn and enters Connected unless the lifecycle is stale
func (m *Manager) attach(gen uint64, conn repositories.Conn) bool {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	from := m.state
	m.mu.Unlock()

	m.setState(entities.ConnectionStateConnected, 0, nil)
	m.logger.Info("Connected", zap.String("url", m.cfg.URL), zap.String("from", from.String()))
	m.events.Publish(Event{
		Type: EventReconnected,
		From: from,
		To:   entities.ConnectionStateConnected,
	})
	return true
}

func (m *Manager) detach(conn repositories.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	conn.Close()
}

func (m *Manager) exhaust(gen uint64, attempts int, cause error) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	stale := m.gen != gen
	m.mu.Unlock()
	if stale {
		return
	}

	err := fmt.Errorf("%w after %d attempts: %v", entities.ErrConnectionAttemptsExhausted, attempts, cause)
	from := m.setState(entities.ConnectionStateDisconnected, attempts, cause)
	m.metrics.ConnectionFailures.Inc()
	m.logger.Error("Connection attempts exhausted", zap.Int("attempts", attempts), zap.Error(cause))
	m.events.Publish(Event{
		Type:    EventAttemptsExhausted,
		From:    from,
		To:      entities.ConnectionStateDisconnected,
		Attempt: attempts,
		Err:     err,
	})
}

// transition moves to the given state unless the lifecycle is stale
func (m *Manager) transition(gen uint64, to entities.ConnectionState, attempt int, cause error) bool {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	stale := m.gen != gen
	m.mu.Unlock()
	if stale {
		return false
	}
	m.setState(to, attempt, cause)
	return true
}

// setState must be called with transitionMu held
func (m *Manager) setState(to entities.ConnectionState, attempt int, cause error) entities.ConnectionState {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from == to {
		return from
	}
	m.metrics.ConnectionState.Set(float64(to))
	m.logger.Debug("State changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("attempt", attempt))
	m.events.Publish(Event{
		Type:    EventStateChanged,
		From:    from,
		To:      to,
		Attempt: attempt,
		Err:     cause,
	})
	return from
}

func (m *Manager) readLoop(conn repositories.Conn) error {
	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			return &entities.TransportError{Op: "read", Err: err}
		}

		msg, err := entities.DecodeMessage(frame)
		if err != nil {
			m.metrics.InvalidFrames.Inc()
			m.logger.Warn("Dropping undecodable frame", zap.Error(err))
			continue
		}

		m.metrics.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()
		m.messages.Publish(msg)
	}
}
