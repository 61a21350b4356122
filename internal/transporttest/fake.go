// Package transporttest provides an in-memory Transport for exercising the
// connection lifecycle without a network.
package transporttest

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
)

// ErrRefused is returned by Dial while the transport is refusing connections
var ErrRefused = errors.New("connection refused")

// ErrClosed is returned by a closed Conn
var ErrClosed = errors.New("use of closed connection")

// Transport hands out Conns and records every dial
type Transport struct {
	mu      sync.Mutex
	refuse  int
	always  bool
	dials   []time.Time
	headers []http.Header
	conns   chan *Conn
}

// NewTransport returns a transport that accepts every dial
func NewTransport() *Transport {
	return &Transport{conns: make(chan *Conn, 64)}
}

// Refuse makes the next n dials fail
func (t *Transport) Refuse(n int) {
	t.mu.Lock()
	t.refuse = n
	t.mu.Unlock()
}

// RefuseAll makes every dial fail until called with false
func (t *Transport) RefuseAll(refuse bool) {
	t.mu.Lock()
	t.always = refuse
	t.mu.Unlock()
}

// Dials is the number of dial attempts so far
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dials)
}

// DialTimes returns when each dial attempt started
func (t *Transport) DialTimes() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Time, len(t.dials))
	copy(out, t.dials)
	return out
}

// Headers returns the header passed to each dial
func (t *Transport) Headers() []http.Header {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]http.Header, len(t.headers))
	copy(out, t.headers)
	return out
}

func (t *Transport) Dial(ctx context.Context, url string, header http.Header) (repositories.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.dials = append(t.dials, time.Now())
	t.headers = append(t.headers, header)
	if t.always || t.refuse > 0 {
		if t.refuse > 0 {
			t.refuse--
		}
		t.mu.Unlock()
		return nil, ErrRefused
	}
	t.mu.Unlock()

	c := newConn()
	t.conns <- c
	return c, nil
}

// NextConn waits for the next accepted connection
func (t *Transport) NextConn(timeout time.Duration) (*Conn, bool) {
	select {
	case c := <-t.conns:
		return c, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Conn is one in-memory link. Frames written by the client appear on Sent;
// frames queued with Deliver are returned by ReadMessage.
type Conn struct {
	inbound chan []byte
	sent    chan []byte

	mu       sync.Mutex
	writeErr error
	closed   chan struct{}
	once     sync.Once
}

func newConn() *Conn {
	return &Conn{
		inbound: make(chan []byte, 64),
		sent:    make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	c.sent <- frame
	return nil
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Closed is closed once the client or the test closes the link
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// FailWrites makes every subsequent write return err
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// DeliverRaw queues a raw frame for the client to read
func (c *Conn) DeliverRaw(frame []byte) {
	select {
	case c.inbound <- frame:
	case <-c.closed:
	}
}

// Deliver queues msg for the client to read
func (c *Conn) Deliver(msg entities.Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	c.DeliverRaw(frame)
	return nil
}

// Reply builds a message of the given type and delivers it
func (c *Conn) Reply(msgType entities.MessageType, payload interface{}) error {
	msg, err := entities.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return c.Deliver(msg)
}

// NextSent waits for the next frame written by the client
func (c *Conn) NextSent(timeout time.Duration) (entities.Message, bool) {
	select {
	case frame := <-c.sent:
		msg, err := entities.DecodeMessage(frame)
		if err != nil {
			return entities.Message{}, false
		}
		return msg, true
	case <-time.After(timeout):
		return entities.Message{}, false
	}
}

// NextSentOfType skips frames until one of msgType is written
func (c *Conn) NextSentOfType(msgType entities.MessageType, timeout time.Duration) (entities.Message, bool) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return entities.Message{}, false
		}
		msg, ok := c.NextSent(remaining)
		if !ok {
			return entities.Message{}, false
		}
		if msg.Type == msgType {
			return msg, true
		}
	}
}
