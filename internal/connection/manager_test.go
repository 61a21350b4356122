package connection

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/internal/transporttest"
)

const waitFor = 2 * time.Second

func testConfig() Config {
	return Config{
		URL:            "ws://peer.test/ws",
		ConnectTimeout: time.Second,
		BaseDelay:      time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
		MaxAttempts:    3,
	}
}

// recorder keeps every published event in order
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) count(t EventType) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func waitState(t *testing.T, m *Manager, want entities.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, waitFor, time.Millisecond,
		"state never became %s (last %s)", want, m.State())
}

func TestManagerConnectAndSend(t *testing.T) {
	transport := transporttest.NewTransport()
	m := NewManager(testConfig(), transport, zap.NewNop(), nil)
	defer m.Disconnect()

	rec := &recorder{}
	m.OnEvent(rec.add)

	m.Connect()
	conn, ok := transport.NextConn(waitFor)
	require.True(t, ok)
	waitState(t, m, entities.ConnectionStateConnected)

	msg, err := entities.NewMessage(entities.MessageTypeHeartbeat, entities.HeartbeatPayload{ClientTime: "now"})
	require.NoError(t, err)
	require.NoError(t, m.Send(msg))

	sent, ok := conn.NextSent(waitFor)
	require.True(t, ok)
	assert.Equal(t, msg.MessageID, sent.MessageID)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, waitFor, time.Millisecond)
	events := rec.snapshot()
	assert.Equal(t, Event{Type: EventStateChanged, From: entities.ConnectionStateDisconnected, To: entities.ConnectionStateConnecting}, events[0])
	assert.Equal(t, EventStateChanged, events[1].Type)
	assert.Equal(t, entities.ConnectionStateConnected, events[1].To)
	assert.Equal(t, EventReconnected, events[2].Type)
}

func TestManagerSendWhileDisconnected(t *testing.T) {
	m := NewManager(testConfig(), transporttest.NewTransport(), nil, nil)

	msg, err := entities.NewMessage(entities.MessageTypeHeartbeat, entities.HeartbeatPayload{})
	require.NoError(t, err)

	err = m.Send(msg)
	assert.ErrorIs(t, err, entities.ErrTransport)
	assert.ErrorIs(t, err, entities.ErrNotConnected)
}

func TestManagerInboundFanOut(t *testing.T) {
	transport := transporttest.NewTransport()
	m := NewManager(testConfig(), transport, nil, nil)
	defer m.Disconnect()

	inbound, cancel := m.Messages(4)
	defer cancel()

	m.Connect()
	conn, ok := transport.NextConn(waitFor)
	require.True(t, ok)

	conn.DeliverRaw([]byte("not json"))
	require.NoError(t, conn.Reply(entities.MessageTypeStatusUpdate, entities.StatusUpdatePayload{Status: "processing"}))

	select {
	case msg := <-inbound:
		assert.Equal(t, entities.MessageTypeStatusUpdate, msg.Type)
	case <-time.After(waitFor):
		t.Fatal("inbound message was not delivered")
	}
}

func TestManagerExhaustsAttempts(t *testing.T) {
	transport := transporttest.NewTransport()
	transport.RefuseAll(true)

	m := NewManager(testConfig(), transport, nil, nil)
	rec := &recorder{}
	m.OnEvent(rec.add)

	m.Connect()
	waitState(t, m, entities.ConnectionStateDisconnected)
	require.Eventually(t, func() bool { return rec.count(EventAttemptsExhausted) == 1 }, waitFor, time.Millisecond)

	// one initial dial plus MaxAttempts retries
	assert.Equal(t, 4, transport.Dials())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, transport.Dials(), "no automatic attempts after exhaustion")
	assert.Equal(t, 1, rec.count(EventAttemptsExhausted))

	var exhausted Event
	var retries []int
	for _, ev := range rec.snapshot() {
		switch {
		case ev.Type == EventAttemptsExhausted:
			exhausted = ev
		case ev.Type == EventStateChanged && ev.To == entities.ConnectionStateReconnecting:
			retries = append(retries, ev.Attempt)
		}
	}
	assert.ErrorIs(t, exhausted.Err, entities.ErrConnectionAttemptsExhausted)
	assert.Equal(t, 3, exhausted.Attempt)
	assert.Equal(t, []int{1}, retries, "reconnecting is entered once per outage")
}

func TestManagerRetriesFollowBackoff(t *testing.T) {
	transport := transporttest.NewTransport()
	transport.Refuse(3)

	cfg := testConfig()
	cfg.BaseDelay = 40 * time.Millisecond
	cfg.MaxDelay = 100 * time.Millisecond
	cfg.MaxAttempts = 5
	m := NewManager(cfg, transport, nil, nil)
	defer m.Disconnect()

	m.Connect()
	_, ok := transport.NextConn(waitFor)
	require.True(t, ok, "no connection after the refused dials")
	waitState(t, m, entities.ConnectionStateConnected)

	dials := transport.DialTimes()
	require.Len(t, dials, 4)
	for n := 0; n < 3; n++ {
		want := Backoff(cfg.BaseDelay, cfg.MaxDelay, n)
		gap := dials[n+1].Sub(dials[n])
		assert.GreaterOrEqual(t, gap, want, "retry %d waited %s", n+1, gap)
		assert.Less(t, gap, want+250*time.Millisecond, "retry %d waited %s", n+1, gap)
	}
}

func TestManagerConnectAgainAfterExhaustion(t *testing.T) {
	transport := transporttest.NewTransport()
	transport.RefuseAll(true)

	cfg := testConfig()
	cfg.MaxAttempts = 0
	m := NewManager(cfg, transport, nil, nil)
	defer m.Disconnect()

	m.Connect()
	waitState(t, m, entities.ConnectionStateDisconnected)
	assert.Equal(t, 1, transport.Dials())

	transport.RefuseAll(false)
	m.Connect()
	waitState(t, m, entities.ConnectionStateConnected)
	assert.Equal(t, 2, transport.Dials())
}

func TestManagerReconnectsAfterDrop(t *testing.T) {
	transport := transporttest.NewTransport()
	m := NewManager(testConfig(), transport, nil, nil)
	defer m.Disconnect()

	rec := &recorder{}
	m.OnEvent(rec.add)

	m.Connect()
	first, ok := transport.NextConn(waitFor)
	require.True(t, ok)
	waitState(t, m, entities.ConnectionStateConnected)

	transport.Refuse(2)
	first.Close()

	second, ok := transport.NextConn(waitFor)
	require.True(t, ok)
	require.NotSame(t, first, second)
	waitState(t, m, entities.ConnectionStateConnected)

	assert.Equal(t, 4, transport.Dials())
	assert.Equal(t, 2, rec.count(EventReconnected))
	assert.Equal(t, 0, rec.count(EventAttemptsExhausted))
}

func TestManagerWriteFailureDropsLink(t *testing.T) {
	transport := transporttest.NewTransport()
	m := NewManager(testConfig(), transport, nil, nil)
	defer m.Disconnect()

	m.Connect()
	conn, ok := transport.NextConn(waitFor)
	require.True(t, ok)
	waitState(t, m, entities.ConnectionStateConnected)

	conn.FailWrites(errors.New("broken pipe"))
	msg, err := entities.NewMessage(entities.MessageTypeHeartbeat, entities.HeartbeatPayload{})
	require.NoError(t, err)

	err = m.Send(msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, entities.ErrTransport)

	_, ok = transport.NextConn(waitFor)
	assert.True(t, ok, "manager should redial after a write failure")
}

func TestManagerDisconnect(t *testing.T) {
	transport := transporttest.NewTransport()
	m := NewManager(testConfig(), transport, nil, nil)
	rec := &recorder{}
	m.OnEvent(rec.add)

	m.Connect()
	conn, ok := transport.NextConn(waitFor)
	require.True(t, ok)
	waitState(t, m, entities.ConnectionStateConnected)

	m.Disconnect()
	assert.Equal(t, entities.ConnectionStateClosed, m.State())

	select {
	case <-conn.Closed():
	default:
		t.Error("disconnect should close the link")
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, transport.Dials(), "closed manager must not redial")

	last := rec.snapshot()[len(rec.snapshot())-1]
	assert.Equal(t, entities.ConnectionStateConnected, last.From)
	assert.Equal(t, entities.ConnectionStateClosed, last.To)

	// a new Connect re-enters through Disconnected
	m.Connect()
	defer m.Disconnect()
	waitState(t, m, entities.ConnectionStateConnected)
	require.Eventually(t, func() bool { return rec.count(EventReconnected) == 2 }, waitFor, time.Millisecond)

	var path []entities.ConnectionState
	for _, ev := range rec.snapshot() {
		if ev.Type == EventStateChanged {
			path = append(path, ev.To)
		}
	}
	assert.Equal(t, []entities.ConnectionState{
		entities.ConnectionStateConnecting,
		entities.ConnectionStateConnected,
		entities.ConnectionStateClosed,
		entities.ConnectionStateDisconnected,
		entities.ConnectionStateConnecting,
		entities.ConnectionStateConnected,
	}, path)
}

func TestManagerForceReconnect(t *testing.T) {
	transport := transporttest.NewTransport()
	m := NewManager(testConfig(), transport, nil, nil)
	defer m.Disconnect()

	events, cancel := m.Events(16)
	defer cancel()

	m.Connect()
	_, ok := transport.NextConn(waitFor)
	require.True(t, ok)
	waitState(t, m, entities.ConnectionStateConnected)

	m.ForceReconnect(errors.New("peer silent"))

	sawReconnecting := false
	timeout := time.After(waitFor)
	for !sawReconnecting {
		select {
		case ev := <-events:
			if ev.Type == EventStateChanged && ev.From == entities.ConnectionStateConnected {
				assert.Equal(t, entities.ConnectionStateReconnecting, ev.To)
				sawReconnecting = true
			}
		case <-timeout:
			t.Fatal("never left Connected")
		}
	}
	_, ok = transport.NextConn(waitFor)
	assert.True(t, ok)
}

func TestManagerHeaderPerDial(t *testing.T) {
	transport := transporttest.NewTransport()
	cfg := testConfig()
	cfg.Header = func() (http.Header, error) {
		h := http.Header{}
		h.Set("Authorization", "Bearer token")
		return h, nil
	}
	m := NewManager(cfg, transport, nil, nil)
	defer m.Disconnect()

	m.Connect()
	waitState(t, m, entities.ConnectionStateConnected)

	headers := transport.Headers()
	require.Len(t, headers, 1)
	assert.Equal(t, "Bearer token", headers[0].Get("Authorization"))
}

func TestWaitConnected(t *testing.T) {
	transport := transporttest.NewTransport()
	transport.Refuse(1)
	m := NewManager(testConfig(), transport, nil, nil)
	defer m.Disconnect()

	m.Connect()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.WaitConnected(ctx))
	assert.True(t, m.Connected())
}
