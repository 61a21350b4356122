package entities

import (
	"encoding/binary"
	"time"
)

const (
	SampleRate    = 16000
	Channels      = 1
	BitDepth      = 16
	EncodingPCM   = "pcm"
	bytesPerFrame = Channels * BitDepth / 8
)

// AudioFormat describes the PCM stream exchanged with the peer
type AudioFormat struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
	Encoding   string `json:"encoding"`
}

// DefaultAudioFormat is the only format this client captures: 16 kHz mono s16le
func DefaultAudioFormat() AudioFormat {
	return AudioFormat{
		SampleRate: SampleRate,
		Channels:   Channels,
		BitDepth:   BitDepth,
		Encoding:   EncodingPCM,
	}
}

// AudioChunk is a bounded, sequenced slice of captured audio
type AudioChunk struct {
	Sequence uint32
	Payload  []byte
	IsFinal  bool
}

// Samples returns the number of 16-bit samples in the payload
func (c AudioChunk) Samples() int {
	return len(c.Payload) / bytesPerFrame
}

// Duration is the playback length of the payload at the fixed format
func (c AudioChunk) Duration() time.Duration {
	return SamplesDuration(c.Samples())
}

// SamplesDuration converts a sample count at the fixed rate to wall time
func SamplesDuration(samples int) time.Duration {
	return time.Duration(samples) * time.Second / SampleRate
}

// MaxAudioLevel is the top of the normalized level range
const MaxAudioLevel = 100

// Level computes the average magnitude of a s16le payload normalized to
// 0..MaxAudioLevel. Empty payloads have level 0.
func Level(payload []byte) int {
	n := len(payload) / 2
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < n; i++ {
		s := int64(int16(binary.LittleEndian.Uint16(payload[i*2:])))
		if s < 0 {
			s = -s
		}
		sum += s
	}
	avg := float64(sum) / float64(n)
	level := int(avg / 327.67)
	if level > MaxAudioLevel {
		return MaxAudioLevel
	}
	if level < 0 {
		return 0
	}
	return level
}
