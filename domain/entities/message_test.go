package entities

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageEnvelope(t *testing.T) {
	msg, err := NewMessage(MessageTypeAudioData, AudioDataPayload{
		SessionID:  "s1",
		AudioChunk: "AAA=",
		Sequence:   3,
		IsFinal:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, MessageTypeAudioData, msg.Type)
	assert.True(t, strings.HasPrefix(msg.MessageID, "audio_data_"))
	assert.NotEmpty(t, msg.Timestamp)

	frame, err := msg.Encode()
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &wire))
	for _, key := range []string{"type", "timestamp", "data", "message_id"} {
		assert.Contains(t, wire, key)
	}

	data := wire["data"].(map[string]interface{})
	assert.Equal(t, "s1", data["session_id"])
	assert.Equal(t, float64(3), data["sequence"])
	assert.Equal(t, true, data["is_final"])
}

func TestNewMessageIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		msg, err := NewMessage(MessageTypeHeartbeat, HeartbeatPayload{})
		require.NoError(t, err)
		assert.False(t, seen[msg.MessageID], "duplicate message id %s", msg.MessageID)
		seen[msg.MessageID] = true
	}
}

func TestDecodeMessage(t *testing.T) {
	frame := `{
		"type": "connection_response",
		"timestamp": "2024-01-01T00:00:00",
		"data": {
			"status": "connected",
			"server_info": {"version": "1.0.0", "capabilities": ["stt"], "supported_models": ["base"]},
			"session_id": "sess_1"
		},
		"message_id": "msg_1"
	}`

	msg, err := DecodeMessage([]byte(frame))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeConnectionResponse, msg.Type)
	assert.Equal(t, "msg_1", msg.MessageID)

	var payload ConnectionResponsePayload
	require.NoError(t, msg.DecodeData(&payload))
	assert.Equal(t, ConnectionStatusConnected, payload.Status)
	assert.Equal(t, "sess_1", payload.SessionID)
	assert.Equal(t, []string{"base"}, payload.ServerInfo.SupportedModels)
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", "not json"},
		{"missing type", `{"data": {}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.frame))
			assert.True(t, errors.Is(err, ErrInvalidMessage))
		})
	}
}

func TestDecodeDataWithoutPayload(t *testing.T) {
	msg := Message{Type: MessageTypeStatusUpdate}
	var payload StatusUpdatePayload
	assert.ErrorIs(t, msg.DecodeData(&payload), ErrInvalidMessage)
}

func TestMessageTypeKnown(t *testing.T) {
	assert.True(t, MessageTypeHeartbeatResponse.Known())
	assert.True(t, MessageTypeLLMStream.Known())
	assert.False(t, MessageType("listening_start").Known())
}

func TestTransportErrorMatchesSentinel(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(&TransportError{Op: "dial", Err: cause})

	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "dial")
}

func TestPeerErrorMessage(t *testing.T) {
	err := &PeerError{ErrorPayload{ErrorType: "SESSION_MISMATCH", ErrorCode: "SESSION_MISMATCH", Message: "Session ID mismatch"}}
	assert.Contains(t, err.Error(), "Session ID mismatch")
}
