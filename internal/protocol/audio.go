package protocol

import (
	"encoding/base64"
	"fmt"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/entities"
)

// recording is the framing state of one recording pass
type recording struct {
	sessionID string
	samples   int
	next      uint32
	// lost is set when the session of the pass closed before its final chunk
	lost bool
}

// BeginRecording announces a recording pass with audio_start. Every chunk
// of the pass is stamped with the session id current at this point. If that
// session closes before the final chunk, the rest of the pass is dropped.
func (s *Session) BeginRecording() error {
	s.mu.Lock()
	if !s.current.IsEstablished() {
		s.mu.Unlock()
		return entities.ErrSessionNotEstablished
	}
	if s.recording != nil {
		s.mu.Unlock()
		return entities.ErrAlreadyRecording
	}
	rec := &recording{sessionID: s.current.ID}
	s.recording = rec
	s.mu.Unlock()

	_, err := s.Submit(entities.MessageTypeAudioStart, entities.AudioStartPayload{
		SessionID:         rec.sessionID,
		AudioConfig:       entities.DefaultAudioFormat(),
		ProcessingOptions: s.cfg.Processing,
	})
	if err != nil {
		s.mu.Lock()
		s.recording = nil
		s.mu.Unlock()
		return err
	}
	s.logger.Info("Recording started", zap.String("sessionID", rec.sessionID))
	return nil
}

// SendChunk frames chunk as audio_data. The final chunk is followed by
// audio_stop carrying its sequence and the duration of the whole pass.
// Chunks must arrive in sequence order without gaps. Chunks of a lost pass
// are not sent and fail with ErrSessionNotEstablished; the final one still
// ends the pass.
func (s *Session) SendChunk(chunk entities.AudioChunk) error {
	s.mu.Lock()
	rec := s.recording
	if rec == nil {
		s.mu.Unlock()
		return entities.ErrNotRecording
	}
	if chunk.Sequence != rec.next {
		s.mu.Unlock()
		return fmt.Errorf("%w: chunk sequence %d, expected %d", entities.ErrInvalidMessage, chunk.Sequence, rec.next)
	}
	rec.next++
	rec.samples += chunk.Samples()
	if chunk.IsFinal {
		s.recording = nil
	}
	samples := rec.samples
	lost := rec.lost
	s.mu.Unlock()

	if lost {
		return fmt.Errorf("%w: session %s closed during recording", entities.ErrSessionNotEstablished, rec.sessionID)
	}

	if _, err := s.Submit(entities.MessageTypeAudioData, entities.AudioDataPayload{
		SessionID:  rec.sessionID,
		AudioChunk: base64.StdEncoding.EncodeToString(chunk.Payload),
		Sequence:   chunk.Sequence,
		IsFinal:    chunk.IsFinal,
	}); err != nil {
		return err
	}
	if !chunk.IsFinal {
		return nil
	}

	duration := entities.SamplesDuration(samples)
	if _, err := s.Submit(entities.MessageTypeAudioStop, entities.AudioStopPayload{
		SessionID:  rec.sessionID,
		Sequence:   chunk.Sequence,
		DurationMs: duration.Milliseconds(),
	}); err != nil {
		return err
	}
	s.logger.Info("Recording finished",
		zap.String("sessionID", rec.sessionID),
		zap.Uint32("sequence", chunk.Sequence),
		zap.Duration("duration", duration))
	return nil
}

// Recording reports whether a recording pass is being framed
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording != nil
}

// CancelRecording abandons the current pass without framing audio_stop.
// The peer discards the partial pass on the next audio_start.
func (s *Session) CancelRecording() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recording == nil {
		return entities.ErrNotRecording
	}
	s.logger.Info("Recording cancelled", zap.String("sessionID", s.recording.sessionID))
	s.recording = nil
	return nil
}
