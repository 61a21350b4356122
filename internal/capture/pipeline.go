// Package capture drives the recording lifecycle and turns platform capture
// buffers into sequenced audio chunks.
package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
	"github.com/satriahrh/arunika/client/internal/metrics"
	"github.com/satriahrh/arunika/client/internal/pubsub"
)

// DefaultChunkBuffer is how many captured buffers may wait for emission
const DefaultChunkBuffer = 64

// State of the recording lifecycle
type State int

const (
	StateIdle State = iota
	StateRecording
)

func (s State) String() string {
	if s == StateRecording {
		return "recording"
	}
	return "idle"
}

// LevelEvent is the normalized level of one emitted chunk
type LevelEvent struct {
	Sequence uint32
	Level    int
}

// Pipeline owns one capture device. Buffers delivered by the device are
// handed to an emitter goroutine through a bounded channel; the device
// callback never blocks and drops a buffer when the channel is full.
type Pipeline struct {
	device     repositories.AudioCapture
	permission repositories.MicrophonePermission
	bufferSize int
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	state    State
	stream   repositories.CaptureStream
	frames   chan []byte
	emitDone chan struct{}
	// seq is written only by the emitter goroutine while recording and read
	// by StopCapture after the emitter has exited
	seq     uint32
	dropped atomic.Uint64

	chunks *pubsub.Topic[entities.AudioChunk]
	levels *pubsub.Topic[LevelEvent]
}

// NewPipeline creates an idle pipeline. A bufferSize below 1 uses DefaultChunkBuffer.
func NewPipeline(device repositories.AudioCapture, permission repositories.MicrophonePermission, bufferSize int, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	if bufferSize < 1 {
		bufferSize = DefaultChunkBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Pipeline{
		device:     device,
		permission: permission,
		bufferSize: bufferSize,
		logger:     logger.Named("capture"),
		metrics:    m,
		chunks:     pubsub.NewTopic[entities.AudioChunk](),
		levels:     pubsub.NewTopic[LevelEvent](),
	}
}

// State returns the lifecycle state
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OnChunk registers a listener called, in sequence order, for every emitted
// chunk. It runs on the emitter goroutine and must not call StopCapture.
func (p *Pipeline) OnChunk(fn func(entities.AudioChunk)) (cancel func()) {
	return p.chunks.Listen(fn)
}

// Chunks returns a buffered channel of emitted chunks
func (p *Pipeline) Chunks(buffer int) (<-chan entities.AudioChunk, func()) {
	return p.chunks.Subscribe(buffer)
}

// OnLevel registers a listener for per-chunk audio levels
func (p *Pipeline) OnLevel(fn func(LevelEvent)) (cancel func()) {
	return p.levels.Listen(fn)
}

// Levels returns a buffered channel of per-chunk audio levels
func (p *Pipeline) Levels(buffer int) (<-chan LevelEvent, func()) {
	return p.levels.Subscribe(buffer)
}

// Dropped is the number of device buffers lost because the pipeline was full
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}

// StartCapture opens the device and begins a recording pass at sequence 0
func (p *Pipeline) StartCapture(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateIdle {
		return entities.ErrAlreadyRecording
	}

	status, err := p.permission.Query(ctx)
	if err != nil {
		return fmt.Errorf("query microphone permission: %w", err)
	}
	if status != repositories.PermissionGranted {
		p.logger.Warn("Microphone permission not granted", zap.String("status", string(status)))
		return fmt.Errorf("%w: %s", entities.ErrPermissionDenied, status)
	}

	frames := make(chan []byte, p.bufferSize)
	onBuffer := func(buf []byte) {
		cp := make([]byte, len(buf))
		copy(cp, buf)
		select {
		case frames <- cp:
		default:
			p.dropped.Add(1)
			p.metrics.ChunksDropped.Inc()
		}
	}

	stream, err := p.device.Open(ctx, entities.DefaultAudioFormat(), onBuffer)
	if err != nil {
		return fmt.Errorf("open capture device: %w", err)
	}

	p.seq = 0
	p.stream = stream
	p.frames = frames
	p.emitDone = make(chan struct{})
	p.state = StateRecording
	go p.emit(frames, p.emitDone)

	p.logger.Info("Capture started", zap.Int("sampleRate", entities.SampleRate))
	return nil
}

// StopCapture releases the device, emits every buffered frame and finally a
// chunk marked final. It returns once the device has been released.
func (p *Pipeline) StopCapture() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateRecording {
		return entities.ErrNotRecording
	}

	closeErr := p.stream.Close()
	close(p.frames)
	<-p.emitDone

	final := entities.AudioChunk{Sequence: p.seq, Payload: []byte{}, IsFinal: true}
	p.publish(final)

	p.stream = nil
	p.frames = nil
	p.emitDone = nil
	p.state = StateIdle

	p.logger.Info("Capture stopped", zap.Uint32("finalSequence", final.Sequence))
	if closeErr != nil {
		return fmt.Errorf("close capture device: %w", closeErr)
	}
	return nil
}

func (p *Pipeline) emit(frames <-chan []byte, done chan<- struct{}) {
	defer close(done)
	for buf := range frames {
		p.publish(entities.AudioChunk{Sequence: p.seq, Payload: buf})
		p.seq++
	}
}

func (p *Pipeline) publish(chunk entities.AudioChunk) {
	level := entities.Level(chunk.Payload)
	p.metrics.ChunksEmitted.Inc()
	p.metrics.AudioLevel.Set(float64(level))
	if chunk.IsFinal {
		p.logger.Debug("Final chunk", zap.Uint32("sequence", chunk.Sequence))
	}
	p.chunks.Publish(chunk)
	p.levels.Publish(LevelEvent{Sequence: chunk.Sequence, Level: level})
}
