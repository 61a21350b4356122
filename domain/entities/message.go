package entities

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType defines the type of a protocol message
type MessageType string

// Supported message types
const (
	MessageTypeConnectionRequest  MessageType = "connection_request"
	MessageTypeConnectionResponse MessageType = "connection_response"
	MessageTypeAudioStart         MessageType = "audio_start"
	MessageTypeAudioData          MessageType = "audio_data"
	MessageTypeAudioStop          MessageType = "audio_stop"
	MessageTypeSTTRequest         MessageType = "stt_request"
	MessageTypeSTTResponse        MessageType = "stt_response"
	MessageTypeLLMRequest         MessageType = "llm_request"
	MessageTypeLLMResponse        MessageType = "llm_response"
	MessageTypeLLMStream          MessageType = "llm_stream"
	MessageTypeMCPRequest         MessageType = "mcp_request"
	MessageTypeMCPResponse        MessageType = "mcp_response"
	MessageTypeStatusUpdate       MessageType = "status_update"
	MessageTypeError              MessageType = "error"
	MessageTypeHeartbeat          MessageType = "heartbeat"
	MessageTypeHeartbeatResponse  MessageType = "heartbeat_response"
)

var knownMessageTypes = map[MessageType]bool{
	MessageTypeConnectionRequest:  true,
	MessageTypeConnectionResponse: true,
	MessageTypeAudioStart:         true,
	MessageTypeAudioData:          true,
	MessageTypeAudioStop:          true,
	MessageTypeSTTRequest:         true,
	MessageTypeSTTResponse:        true,
	MessageTypeLLMRequest:         true,
	MessageTypeLLMResponse:        true,
	MessageTypeLLMStream:          true,
	MessageTypeMCPRequest:         true,
	MessageTypeMCPResponse:        true,
	MessageTypeStatusUpdate:       true,
	MessageTypeError:              true,
	MessageTypeHeartbeat:          true,
	MessageTypeHeartbeatResponse:  true,
}

// Known reports whether t belongs to the protocol's closed set of types
func (t MessageType) Known() bool {
	return knownMessageTypes[t]
}

// Message is the envelope for every unit exchanged with the peer
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	MessageID string          `json:"message_id"`
}

// NewMessage frames payload into an envelope with a fresh message id
func NewMessage(msgType MessageType, payload interface{}) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
		MessageID: fmt.Sprintf("%s_%s", msgType, uuid.New().String()),
	}, nil
}

// DecodeMessage parses a raw frame into an envelope
func DecodeMessage(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type field", ErrInvalidMessage)
	}
	return msg, nil
}

// Encode serializes the envelope for the wire
func (m Message) Encode() ([]byte, error) {
	if len(m.Data) == 0 {
		m.Data = json.RawMessage(`{}`)
	}
	return json.Marshal(m)
}

// DecodeData unmarshals the type-specific payload into v
func (m Message) DecodeData(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrInvalidMessage, m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrInvalidMessage, m.Type, err)
	}
	return nil
}

// ProcessingOptions controls how the peer treats a recording
type ProcessingOptions struct {
	Model       string `json:"model"`
	AutoProcess bool   `json:"auto_process"`
	Language    string `json:"language,omitempty"`
}

// ServerInfo describes the peer as reported at handshake
type ServerInfo struct {
	Version         string   `json:"version"`
	Capabilities    []string `json:"capabilities"`
	SupportedModels []string `json:"supported_models"`
}

type ConnectionRequestPayload struct {
	ClientID      string      `json:"client_id"`
	ClientVersion string      `json:"client_version"`
	Capabilities  []string    `json:"capabilities"`
	AudioFormat   AudioFormat `json:"audio_format"`
}

type ConnectionResponsePayload struct {
	Status     string     `json:"status"`
	ServerInfo ServerInfo `json:"server_info"`
	SessionID  string     `json:"session_id"`
}

// ConnectionStatusConnected is the only handshake status that establishes a session
const ConnectionStatusConnected = "connected"

type AudioStartPayload struct {
	SessionID         string            `json:"session_id"`
	AudioConfig       AudioFormat       `json:"audio_config"`
	ProcessingOptions ProcessingOptions `json:"processing_options"`
}

type AudioDataPayload struct {
	SessionID  string `json:"session_id"`
	AudioChunk string `json:"audio_chunk"` // base64 encoded PCM
	Sequence   uint32 `json:"sequence"`
	IsFinal    bool   `json:"is_final"`
}

type AudioStopPayload struct {
	SessionID  string `json:"session_id"`
	Sequence   uint32 `json:"sequence"`
	DurationMs int64  `json:"duration_ms"`
}

type STTRequestPayload struct {
	SessionID string `json:"session_id"`
	AudioURL  string `json:"audio_url,omitempty"`
	Model     string `json:"model"`
	Language  string `json:"language"`
}

type STTSegment struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type STTResponsePayload struct {
	SessionID        string       `json:"session_id"`
	Text             string       `json:"text"`
	Confidence       float64      `json:"confidence"`
	Language         string       `json:"language"`
	ProcessingTimeMs int64        `json:"processing_time_ms"`
	AudioDurationMs  int64        `json:"audio_duration_ms"`
	Segments         []STTSegment `json:"segments"`
}

type LLMOptions struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Stream      bool    `json:"stream"`
}

type LLMRequestPayload struct {
	SessionID string     `json:"session_id"`
	Text      string     `json:"text"`
	Model     string     `json:"model"`
	Context   string     `json:"context"`
	Options   LLMOptions `json:"options"`
}

type LLMResponsePayload struct {
	SessionID        string  `json:"session_id"`
	Response         string  `json:"response"`
	Model            string  `json:"model"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
	TokensUsed       int     `json:"tokens_used"`
	Confidence       float64 `json:"confidence"`
}

type LLMStreamPayload struct {
	SessionID string `json:"session_id"`
	Chunk     string `json:"chunk"`
	IsFinal   bool   `json:"is_final"`
}

type MCPRequestPayload struct {
	SessionID string                 `json:"session_id"`
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
}

type MCPResponsePayload struct {
	SessionID string                 `json:"session_id"`
	Result    map[string]interface{} `json:"result"`
	Success   bool                   `json:"success"`
}

type StatusUpdatePayload struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Message   string `json:"message"`
}

type ErrorPayload struct {
	SessionID string                 `json:"session_id,omitempty"`
	ErrorType string                 `json:"error_type"`
	Message   string                 `json:"message"`
	ErrorCode string                 `json:"error_code"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HeartbeatPayload carries whichever clock the sender has
type HeartbeatPayload struct {
	ServerTime string `json:"server_time,omitempty"`
	ClientTime string `json:"client_time,omitempty"`
	Uptime     int64  `json:"uptime,omitempty"`
}
