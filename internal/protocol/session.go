// Package protocol frames domain intents as wire messages, negotiates a
// session on every connection and correlates responses with requests.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/internal/connection"
	"github.com/satriahrh/arunika/client/internal/metrics"
	"github.com/satriahrh/arunika/client/internal/pubsub"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRequestTimeout   = 10 * time.Second
	DefaultClientVersion    = "1.0.0"
)

// Connection is what the session needs from the connection manager
type Connection interface {
	Connected() bool
	Send(msg entities.Message) error
	OnEvent(fn func(connection.Event)) (cancel func())
	OnMessage(fn func(entities.Message)) (cancel func())
}

// Outbox is the ordered outbound path, normally a *queue.Queue
type Outbox interface {
	Submit(msg entities.Message) bool
	Flush() int
}

// Config holds the identity declared at handshake and the default deadlines
type Config struct {
	ClientID         string
	ClientVersion    string
	Capabilities     []entities.Capability
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	Processing       entities.ProcessingOptions
}

// SessionEventType classifies handshake outcomes
type SessionEventType int

const (
	SessionEstablished SessionEventType = iota
	SessionHandshakeFailed
	// SessionClosed also ends any recording pass in progress: its remaining
	// chunks are dropped rather than sent to the next session
	SessionClosed
)

func (t SessionEventType) String() string {
	switch t {
	case SessionEstablished:
		return "established"
	case SessionHandshakeFailed:
		return "handshake_failed"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionEvent reports a change of the negotiated session
type SessionEvent struct {
	Type      SessionEventType
	SessionID string
	Server    *entities.ServerInfo
	Err       error
}

type result struct {
	msg entities.Message
	err error
}

type pendingRequest struct {
	seq       uint64
	messageID string
	ch        chan result
}

// requestErrors maps the error codes the peer reports for a failed request
// to the response that request was waiting for
var requestErrors = map[string]entities.MessageType{
	"STT_REQUEST_ERROR": entities.MessageTypeSTTResponse,
	"LLM_REQUEST_ERROR": entities.MessageTypeLLMResponse,
	"NO_TEXT":           entities.MessageTypeLLMResponse,
	"MCP_REQUEST_ERROR": entities.MessageTypeMCPResponse,
	"NO_TOOL":           entities.MessageTypeMCPResponse,
}

// Session is the protocol layer on top of one connection manager. A new
// session is negotiated on every entry into Connected; sessions are never
// resumed.
type Session struct {
	cfg     Config
	conn    Connection
	outbox  Outbox
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	current    *entities.Session
	pending    map[entities.MessageType]*pendingRequest
	pendingSeq uint64
	// abandoned holds response types whose await timed out or was cancelled;
	// the late response is discarded unless a new await claims the type first
	abandoned map[entities.MessageType]bool
	recording *recording
	// handshakeErr is set while the current connection failed to negotiate a session
	handshakeErr error

	observers *pubsub.Topic[entities.Message]
	events    *pubsub.Topic[SessionEvent]
	cancels   []func()
}

// NewSession attaches a protocol session to conn. Messages go out through
// outbox and the handshake is started on every reconnection.
func NewSession(cfg Config, conn Connection, outbox Outbox, logger *zap.Logger, m *metrics.Metrics) *Session {
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = DefaultClientVersion
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = entities.DefaultCapabilities
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	s := &Session{
		cfg:       cfg,
		conn:      conn,
		outbox:    outbox,
		logger:    logger.Named("protocol"),
		metrics:   m,
		current:   entities.NewSession(cfg.ClientID, cfg.Capabilities),
		pending:   make(map[entities.MessageType]*pendingRequest),
		abandoned: make(map[entities.MessageType]bool),
		observers: pubsub.NewTopic[entities.Message](),
		events:    pubsub.NewTopic[SessionEvent](),
	}
	s.cancels = append(s.cancels,
		conn.OnEvent(s.handleConnectionEvent),
		conn.OnMessage(s.dispatch),
	)
	return s
}

// Close detaches the session from the connection and fails pending requests
func (s *Session) Close() {
	for _, cancel := range s.cancels {
		cancel()
	}
	s.failPending(&entities.TransportError{Op: "await", Err: entities.ErrNotConnected})
	s.closeSession()
	s.observers.Close()
	s.events.Close()
}

// Current returns a snapshot of the negotiated session
func (s *Session) Current() entities.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := *s.current
	return snapshot
}

// SessionID is the peer-assigned id, empty until the handshake succeeds
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.ID
}

// Established reports whether the current connection negotiated a session
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.IsEstablished()
}

// OnMessage registers a listener for unsolicited inbound messages
func (s *Session) OnMessage(fn func(entities.Message)) (cancel func()) {
	return s.observers.Listen(fn)
}

// Messages returns a buffered channel of unsolicited inbound messages
func (s *Session) Messages(buffer int) (<-chan entities.Message, func()) {
	return s.observers.Subscribe(buffer)
}

// OnSessionEvent registers a listener for handshake outcomes
func (s *Session) OnSessionEvent(fn func(SessionEvent)) (cancel func()) {
	return s.events.Listen(fn)
}

// SessionEvents returns a buffered channel of handshake outcomes
func (s *Session) SessionEvents(buffer int) (<-chan SessionEvent, func()) {
	return s.events.Subscribe(buffer)
}

// WaitEstablished blocks until a session is negotiated, a handshake fails or ctx is done
func (s *Session) WaitEstablished(ctx context.Context) (string, error) {
	events, cancel := s.events.Subscribe(8)
	defer cancel()

	if id := s.SessionID(); id != "" {
		return id, nil
	}
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return "", entities.ErrSessionNotEstablished
			}
			switch ev.Type {
			case SessionEstablished:
				return ev.SessionID, nil
			case SessionHandshakeFailed:
				return "", ev.Err
			}
		}
	}
}

// Submit frames payload as msgType and hands it to the outbox
func (s *Session) Submit(msgType entities.MessageType, payload interface{}) (entities.Message, error) {
	msg, err := entities.NewMessage(msgType, payload)
	if err != nil {
		return entities.Message{}, err
	}
	s.outbox.Submit(msg)
	return msg, nil
}

// SendAndAwait submits msg and waits for the next inbound message of
// expected. Only one await per response type may be outstanding; a second
// one fails with ErrRequestInFlight. A non-positive timeout uses the
// configured request timeout.
//
// A peer `error` message resolves the await with a *PeerError only when it
// belongs to it: its details echo msg's message_id, or its code names the
// failed request (LLM_REQUEST_ERROR, NO_TOOL, ...). Every other error goes to
// observers. If the handshake of the current connection fails, the await
// fails with ErrSessionNotEstablished.
func (s *Session) SendAndAwait(ctx context.Context, msg entities.Message, expected entities.MessageType, timeout time.Duration) (entities.Message, error) {
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}

	p, err := s.register(expected, msg.MessageID)
	if err != nil {
		return entities.Message{}, err
	}

	start := time.Now()
	s.outbox.Submit(msg)

	resp, err := s.await(ctx, expected, p, timeout)
	s.observe(expected, start, err)
	return resp, err
}

func (s *Session) register(expected entities.MessageType, messageID string) (*pendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handshakeErr != nil && expected != entities.MessageTypeConnectionResponse {
		return nil, s.handshakeErr
	}
	if _, busy := s.pending[expected]; busy {
		return nil, fmt.Errorf("%w: %s", entities.ErrRequestInFlight, expected)
	}
	delete(s.abandoned, expected)
	s.pendingSeq++
	p := &pendingRequest{seq: s.pendingSeq, messageID: messageID, ch: make(chan result, 1)}
	s.pending[expected] = p
	return p, nil
}

func (s *Session) await(ctx context.Context, expected entities.MessageType, p *pendingRequest, timeout time.Duration) (entities.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.ch:
		return r.msg, r.err
	case <-timer.C:
		if r, resolved := s.abandon(expected, p); resolved {
			return r.msg, r.err
		}
		return entities.Message{}, fmt.Errorf("%w: no %s within %s", entities.ErrTimeout, expected, timeout)
	case <-ctx.Done():
		if r, resolved := s.abandon(expected, p); resolved {
			return r.msg, r.err
		}
		return entities.Message{}, ctx.Err()
	}
}

// abandon removes p unless a result raced in, in which case that result is returned
func (s *Session) abandon(expected entities.MessageType, p *pendingRequest) (result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[expected] != p {
		select {
		case r := <-p.ch:
			return r, true
		default:
			return result{}, false
		}
	}
	delete(s.pending, expected)
	s.abandoned[expected] = true
	return result{}, false
}

func (s *Session) unregister(expected entities.MessageType, p *pendingRequest) {
	s.mu.Lock()
	if s.pending[expected] == p {
		delete(s.pending, expected)
	}
	s.mu.Unlock()
}

func (s *Session) observe(expected entities.MessageType, start time.Time, err error) {
	outcome := "ok"
	var peerErr *entities.PeerError
	switch {
	case err == nil:
	case errors.Is(err, entities.ErrTimeout):
		outcome = "timeout"
	case errors.As(err, &peerErr):
		outcome = "peer_error"
	default:
		outcome = "failed"
	}
	s.metrics.RequestDuration.WithLabelValues(string(expected), outcome).Observe(time.Since(start).Seconds())
}

// failPending resolves every outstanding await except those of keep with err
func (s *Session) failPending(err error, keep ...entities.MessageType) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[entities.MessageType]*pendingRequest)
	s.abandoned = make(map[entities.MessageType]bool)
	for _, t := range keep {
		if p, ok := pending[t]; ok {
			s.pending[t] = p
			delete(pending, t)
		}
	}
	s.mu.Unlock()

	for t, p := range pending {
		s.logger.Debug("Failing pending request", zap.String("response_type", string(t)), zap.Error(err))
		p.ch <- result{err: err}
	}
}

func (s *Session) handleConnectionEvent(ev connection.Event) {
	switch {
	case ev.Type == connection.EventReconnected:
		s.startHandshake()
	case ev.Type == connection.EventStateChanged && ev.From == entities.ConnectionStateConnected,
		ev.Type == connection.EventStateChanged && ev.To == entities.ConnectionStateClosed:
		s.failPending(&entities.TransportError{Op: "await", Err: entities.ErrNotConnected})
		s.closeSession()
	}
}

func (s *Session) closeSession() {
	s.mu.Lock()
	id := s.current.ID
	wasEstablished := s.current.IsEstablished()
	s.current.Close()
	s.current = entities.NewSession(s.cfg.ClientID, s.cfg.Capabilities)
	s.handshakeErr = nil
	if s.recording != nil {
		s.recording.lost = true
	}
	s.mu.Unlock()

	if wasEstablished {
		s.logger.Info("Session closed", zap.String("sessionID", id))
		s.events.Publish(SessionEvent{Type: SessionClosed, SessionID: id})
	}
}

// dispatch runs on the connection's read goroutine
func (s *Session) dispatch(msg entities.Message) {
	if msg.Type == entities.MessageTypeHeartbeat {
		s.answerHeartbeat()
	}

	if s.resolve(msg) {
		return
	}
	s.observers.Publish(msg)
}

// resolve hands msg to the await it answers, if any
func (s *Session) resolve(msg entities.Message) bool {
	s.mu.Lock()
	p, ok := s.pending[msg.Type]
	if ok {
		delete(s.pending, msg.Type)
		s.mu.Unlock()
		p.ch <- result{msg: msg}
		return true
	}

	if s.abandoned[msg.Type] {
		delete(s.abandoned, msg.Type)
		s.mu.Unlock()
		s.logger.Debug("Discarding late response", zap.String("type", string(msg.Type)))
		return true
	}

	if msg.Type != entities.MessageTypeError || len(s.pending) == 0 {
		s.mu.Unlock()
		return false
	}

	peerErr := &entities.PeerError{}
	if err := msg.DecodeData(&peerErr.ErrorPayload); err != nil {
		peerErr.Message = err.Error()
	}
	owner, ok := s.errorOwner(peerErr.ErrorPayload)
	if !ok {
		s.mu.Unlock()
		return false
	}
	p = s.pending[owner]
	delete(s.pending, owner)
	s.mu.Unlock()

	p.ch <- result{msg: msg, err: peerErr}
	return true
}

// errorOwner finds the pending await a peer error answers. mu must be held.
func (s *Session) errorOwner(payload entities.ErrorPayload) (entities.MessageType, bool) {
	if id, _ := payload.Details["message_id"].(string); id != "" {
		for t, p := range s.pending {
			if p.messageID == id {
				return t, true
			}
		}
	}

	for _, code := range []string{payload.ErrorCode, payload.ErrorType} {
		if t, known := requestErrors[strings.ToUpper(code)]; known {
			_, ok := s.pending[t]
			return t, ok
		}
	}

	// no session exists yet, so the error answers the connection request
	if _, ok := s.pending[entities.MessageTypeConnectionResponse]; ok {
		return entities.MessageTypeConnectionResponse, true
	}
	return "", false
}

func (s *Session) answerHeartbeat() {
	reply, err := entities.NewMessage(entities.MessageTypeHeartbeatResponse, entities.HeartbeatPayload{
		ClientTime: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	if err := s.conn.Send(reply); err != nil {
		s.logger.Debug("Failed to answer heartbeat", zap.Error(err))
	}
}
