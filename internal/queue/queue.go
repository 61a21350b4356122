// Package queue buffers outbound messages while the link is down.
package queue

import (
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/internal/metrics"
)

// DefaultCapacity is the number of messages held before the oldest is dropped
const DefaultCapacity = 1000

// Link is the part of the connection manager the queue writes through
type Link interface {
	Connected() bool
	Send(msg entities.Message) error
}

// OverflowFunc is called with every message dropped to make room
type OverflowFunc func(dropped entities.Message, err error)

// Queue forwards messages to the link while it is connected and buffers them
// FIFO otherwise. Submit and Flush are serialized, so a submit issued during
// a flush waits until the backlog has been written.
type Queue struct {
	link       Link
	capacity   int
	onOverflow OverflowFunc
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	pending []entities.Message
}

// New creates a queue writing through link. A capacity below 1 uses DefaultCapacity.
func New(link Link, capacity int, onOverflow OverflowFunc, logger *zap.Logger, m *metrics.Metrics) *Queue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Queue{
		link:       link,
		capacity:   capacity,
		onOverflow: onOverflow,
		logger:     logger.Named("queue"),
		metrics:    m,
	}
}

// Submit sends msg now when the link is connected and nothing is waiting
// ahead of it; otherwise msg is buffered. It reports whether msg reached the
// transport.
func (q *Queue) Submit(msg entities.Message) bool {
	var dropped []entities.Message

	q.mu.Lock()
	if len(q.pending) == 0 && q.link.Connected() {
		err := q.link.Send(msg)
		if err == nil {
			q.mu.Unlock()
			return true
		}
		q.logger.Debug("Direct send failed, buffering",
			zap.String("type", string(msg.Type)),
			zap.Error(err))
	}
	dropped = q.enqueue(msg)
	q.mu.Unlock()

	q.overflow(dropped)
	return false
}

// enqueue must be called with mu held
func (q *Queue) enqueue(msg entities.Message) []entities.Message {
	var dropped []entities.Message
	for len(q.pending) >= q.capacity {
		dropped = append(dropped, q.pending[0])
		q.pending[0] = entities.Message{}
		q.pending = q.pending[1:]
	}
	q.pending = append(q.pending, msg)
	q.metrics.QueueDepth.Set(float64(len(q.pending)))
	return dropped
}

func (q *Queue) overflow(dropped []entities.Message) {
	for _, msg := range dropped {
		q.metrics.QueueOverflows.Inc()
		q.logger.Warn("Queue full, dropped oldest message",
			zap.String("type", string(msg.Type)),
			zap.String("message_id", msg.MessageID),
			zap.Int("capacity", q.capacity))
		if q.onOverflow != nil {
			q.onOverflow(msg, entities.ErrQueueOverflow)
		}
	}
}

// Flush writes buffered messages in enqueue order until the backlog is empty
// or a send fails, and returns how many were written. Messages that could
// not be written stay at the head of the queue.
func (q *Queue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	flushed := 0
	for len(q.pending) > 0 {
		if !q.link.Connected() {
			break
		}
		msg := q.pending[0]
		if err := q.link.Send(msg); err != nil {
			q.logger.Warn("Flush interrupted",
				zap.Int("flushed", flushed),
				zap.Int("remaining", len(q.pending)),
				zap.Error(err))
			break
		}
		q.pending[0] = entities.Message{}
		q.pending = q.pending[1:]
		flushed++
	}
	if len(q.pending) == 0 {
		q.pending = nil
	}
	q.metrics.QueueDepth.Set(float64(len(q.pending)))

	if flushed > 0 {
		q.logger.Info("Flushed queued messages", zap.Int("count", flushed))
	}
	return flushed
}

// Len is the number of buffered messages
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a copy of the buffered messages in order
func (q *Queue) Pending() []entities.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]entities.Message, len(q.pending))
	copy(out, q.pending)
	return out
}
