package adapters

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
)

var ErrDeviceBusy = errors.New("capture device already open")

// MemoryCapture is an in-memory capture device. Buffers are either pushed by
// the caller or produced by a generator on a fixed interval, which makes it
// usable both for tests and for headless runs without a microphone.
type MemoryCapture struct {
	mu       sync.Mutex
	open     *memoryStream
	opens    int
	openErr  error
	format   entities.AudioFormat
	interval time.Duration
	generate func(seq int) []byte
}

// NewMemoryCapture creates a device that only delivers what is pushed to it
func NewMemoryCapture() *MemoryCapture {
	return &MemoryCapture{}
}

// NewToneCapture creates a device delivering a sine tone in buffers of
// frames samples every interval
func NewToneCapture(frames int, interval time.Duration, frequency float64, amplitude int16) *MemoryCapture {
	return &MemoryCapture{
		interval: interval,
		generate: func(seq int) []byte {
			buf := make([]byte, frames*2)
			for i := 0; i < frames; i++ {
				t := float64(seq*frames+i) / entities.SampleRate
				s := int16(float64(amplitude) * math.Sin(2*math.Pi*frequency*t))
				binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
			}
			return buf
		},
	}
}

// FailOpen makes the next Open calls fail with err; nil restores normal behaviour
func (m *MemoryCapture) FailOpen(err error) {
	m.mu.Lock()
	m.openErr = err
	m.mu.Unlock()
}

// Opens is the number of successful Open calls
func (m *MemoryCapture) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Format is the format requested by the last Open
func (m *MemoryCapture) Format() entities.AudioFormat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.format
}

// IsOpen reports whether a stream is currently delivering
func (m *MemoryCapture) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open != nil
}

func (m *MemoryCapture) Open(ctx context.Context, format entities.AudioFormat, onBuffer func([]byte)) (repositories.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	if m.open != nil {
		return nil, ErrDeviceBusy
	}

	s := &memoryStream{
		device:   m,
		onBuffer: onBuffer,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.open = s
	m.opens++
	m.format = format

	if m.generate != nil && m.interval > 0 {
		go s.run(m.interval, m.generate)
	} else {
		close(s.done)
	}
	return s, nil
}

// Push delivers buf to the open stream on the caller's goroutine. It reports
// false when no stream is open.
func (m *MemoryCapture) Push(buf []byte) bool {
	m.mu.Lock()
	s := m.open
	m.mu.Unlock()
	if s == nil {
		return false
	}
	return s.deliver(buf)
}

type memoryStream struct {
	device   *MemoryCapture
	onBuffer func([]byte)

	// deliverMu is held across every callback so that Close can wait for
	// in-flight deliveries
	deliverMu sync.Mutex
	closed    bool
	stop      chan struct{}
	done      chan struct{}
	once      sync.Once
}

func (s *memoryStream) deliver(buf []byte) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.closed {
		return false
	}
	s.onBuffer(buf)
	return true
}

func (s *memoryStream) run(interval time.Duration, generate func(int) []byte) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for seq := 0; ; seq++ {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.deliver(generate(seq)) {
				return
			}
		}
	}
}

func (s *memoryStream) Close() error {
	s.once.Do(func() {
		close(s.stop)
		<-s.done

		s.deliverMu.Lock()
		s.closed = true
		s.deliverMu.Unlock()

		s.device.mu.Lock()
		if s.device.open == s {
			s.device.open = nil
		}
		s.device.mu.Unlock()
	})
	return nil
}

// StaticPermission always reports the same microphone permission
type StaticPermission repositories.PermissionStatus

func (p StaticPermission) Query(ctx context.Context) (repositories.PermissionStatus, error) {
	return repositories.PermissionStatus(p), nil
}
