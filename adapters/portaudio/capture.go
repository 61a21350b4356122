// Package portaudio captures microphone input through PortAudio.
package portaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/entities"
	"github.com/satriahrh/arunika/client/domain/repositories"
)

// DefaultFramesPerBuffer is the number of samples in every delivered buffer
const DefaultFramesPerBuffer = 1024

var errMultiChannel = errors.New("only mono capture is supported")

// Capture opens the default input device
type Capture struct {
	framesPerBuffer int
	logger          *zap.Logger
}

func NewCapture(framesPerBuffer int, logger *zap.Logger) *Capture {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capture{framesPerBuffer: framesPerBuffer, logger: logger.Named("portaudio")}
}

func (c *Capture) Open(ctx context.Context, format entities.AudioFormat, onBuffer func([]byte)) (repositories.CaptureStream, error) {
	if format.Channels != 1 {
		return nil, errMultiChannel
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}

	samples := make([]int16, c.framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(format.SampleRate), c.framesPerBuffer, samples)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open default input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start input stream: %w", err)
	}

	s := &stream16{
		stream:   stream,
		samples:  samples,
		frame:    make([]byte, len(samples)*2),
		onBuffer: onBuffer,
		logger:   c.logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type stream16 struct {
	stream   *portaudio.Stream
	samples  []int16
	frame    []byte
	onBuffer func([]byte)
	logger   *zap.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
	err  error
}

func (s *stream16) readLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				s.logger.Debug("Input overflowed")
				continue
			}
			s.logger.Error("Error reading audio", zap.Error(err))
			return
		}

		for i, sample := range s.samples {
			binary.LittleEndian.PutUint16(s.frame[i*2:], uint16(sample))
		}
		s.onBuffer(s.frame)
	}
}

// Close stops the read loop, then stops and releases the device
func (s *stream16) Close() error {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		if err := s.stream.Stop(); err != nil {
			s.err = err
		}
		if err := s.stream.Close(); err != nil && s.err == nil {
			s.err = err
		}
		portaudio.Terminate()
	})
	return s.err
}

// DevicePermission reports granted when a default input device exists.
// Desktop hosts have no permission prompt; a missing device is reported as denied.
type DevicePermission struct{}

func (DevicePermission) Query(ctx context.Context) (repositories.PermissionStatus, error) {
	if err := portaudio.Initialize(); err != nil {
		return repositories.PermissionUndetermined, fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	if _, err := portaudio.DefaultInputDevice(); err != nil {
		return repositories.PermissionDenied, nil
	}
	return repositories.PermissionGranted, nil
}
