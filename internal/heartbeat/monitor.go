// Package heartbeat detects silent connection death and forces a reconnect.
package heartbeat

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/internal/connection"
	"github.com/satriahrh/arunika/client/internal/metrics"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultGrace    = 10 * time.Second
)

// Link is the part of the connection manager the monitor drives
type Link interface {
	Connected() bool
	Send(msg entities.Message) error
	ForceReconnect(reason error)
	OnEvent(fn func(connection.Event)) (cancel func())
	OnMessage(fn func(entities.Message)) (cancel func())
}

// Monitor pings the peer every Interval while connected. When a ping goes
// unanswered and no other inbound traffic is seen within Interval+Grace of
// it, the link is torn down so the manager reconnects.
type Monitor struct {
	link     Link
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
	started  time.Time

	mu      sync.Mutex
	active  *cycle
	cancels []func()
}

// cycle is the monitor state of one connection
type cycle struct {
	stop chan struct{}
	seen chan struct{}
	once sync.Once
}

func (c *cycle) halt() {
	c.once.Do(func() { close(c.stop) })
}

// NewMonitor creates a stopped monitor. Non-positive durations use the defaults.
func NewMonitor(link Link, interval, grace time.Duration, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Monitor{
		link:     link,
		interval: interval,
		grace:    grace,
		logger:   logger.Named("heartbeat"),
		metrics:  m,
	}
}

// Start attaches the monitor to the link
func (m *Monitor) Start() {
	m.mu.Lock()
	m.started = time.Now()
	m.cancels = append(m.cancels,
		m.link.OnEvent(m.handleEvent),
		m.link.OnMessage(m.handleMessage),
	)
	m.mu.Unlock()

	if m.link.Connected() {
		m.resume()
	}
	m.logger.Info("Heartbeat monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("grace", m.grace))
}

// Stop detaches the monitor
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = nil
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	m.suspend()
	m.logger.Info("Heartbeat monitor stopped")
}

func (m *Monitor) handleEvent(ev connection.Event) {
	if ev.Type != connection.EventStateChanged {
		return
	}
	switch {
	case ev.To == entities.ConnectionStateConnected:
		m.resume()
	case ev.From == entities.ConnectionStateConnected:
		m.suspend()
	}
}

// handleMessage counts any inbound message as proof of life
func (m *Monitor) handleMessage(entities.Message) {
	m.mu.Lock()
	c := m.active
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case c.seen <- struct{}{}:
	default:
	}
}

// resume starts a fresh cycle, discarding any previous one
func (m *Monitor) resume() {
	c := &cycle{
		stop: make(chan struct{}),
		seen: make(chan struct{}, 1),
	}
	m.mu.Lock()
	prev := m.active
	m.active = c
	m.mu.Unlock()

	if prev != nil {
		prev.halt()
	}
	go m.loop(c)
}

func (m *Monitor) suspend() {
	m.mu.Lock()
	c := m.active
	m.active = nil
	m.mu.Unlock()
	if c != nil {
		c.halt()
	}
}

func (m *Monitor) current(c *cycle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active == c
}

func (m *Monitor) loop(c *cycle) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var deadline *time.Timer
	var expired <-chan time.Time
	disarm := func() {
		if deadline != nil {
			deadline.Stop()
			deadline = nil
			expired = nil
		}
	}
	defer disarm()

	for {
		select {
		case <-c.stop:
			return

		case <-c.seen:
			disarm()

		case <-ticker.C:
			m.ping()
			if deadline == nil {
				deadline = time.NewTimer(m.interval + m.grace)
				expired = deadline.C
			}

		case <-expired:
			if !m.current(c) {
				return
			}
			m.metrics.HeartbeatTimeouts.Inc()
			m.logger.Warn("Peer unresponsive, forcing reconnection",
				zap.Duration("deadline", m.interval+m.grace))
			m.link.ForceReconnect(fmt.Errorf("%w: no traffic within %s of heartbeat", entities.ErrTimeout, m.interval+m.grace))
			return
		}
	}
}

func (m *Monitor) ping() {
	msg, err := entities.NewMessage(entities.MessageTypeHeartbeat, entities.HeartbeatPayload{
		ClientTime: time.Now().UTC().Format(time.RFC3339Nano),
		Uptime:     int64(time.Since(m.started).Seconds()),
	})
	if err != nil {
		return
	}
	if err := m.link.Send(msg); err != nil {
		m.logger.Debug("Failed to send heartbeat", zap.Error(err))
	}
}
