package peer

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/entities"
)

// Error codes sent in `error` messages
const (
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeSessionMismatch    = "SESSION_MISMATCH"
	CodeNoAudioData        = "NO_AUDIO_DATA"
	CodeInvalidAudioFormat = "INVALID_AUDIO_FORMAT"
	CodeNoText             = "NO_TEXT"
	CodeNoTool             = "NO_TOOL"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
)

// recording accumulates one audio_start..audio_stop pass
type recording struct {
	options  entities.ProcessingOptions
	chunks   int
	bytes    int
	sequence uint32
}

// processMessage routes one inbound frame
func (c *Client) processMessage(data []byte) {
	msg, err := entities.DecodeMessage(data)
	if err != nil {
		c.logger.Warn("Failed to parse message", zap.Error(err))
		c.sendError(entities.Message{}, CodeInvalidMessage, "invalid JSON in message")
		return
	}

	c.hub.frames.Publish(Frame{ClientID: c.clientID, SessionID: c.SessionID(), Message: msg})

	if c.SessionID() == "" {
		if msg.Type != entities.MessageTypeConnectionRequest {
			c.sendError(msg, CodeInvalidMessage, "expected connection_request")
			return
		}
		c.handleConnectionRequest(msg)
		return
	}

	switch msg.Type {
	case entities.MessageTypeConnectionRequest:
		c.sendError(msg, CodeInvalidMessage, "session already established")
	case entities.MessageTypeHeartbeat:
		c.handleHeartbeat()
	case entities.MessageTypeHeartbeatResponse:
		c.logger.Debug("Heartbeat response received")
	case entities.MessageTypeAudioStart:
		c.handleAudioStart(msg)
	case entities.MessageTypeAudioData:
		c.handleAudioData(msg)
	case entities.MessageTypeAudioStop:
		c.handleAudioStop(msg)
	case entities.MessageTypeSTTRequest:
		c.handleSTTRequest(msg)
	case entities.MessageTypeLLMRequest:
		c.handleLLMRequest(msg)
	case entities.MessageTypeMCPRequest:
		c.handleMCPRequest(msg)
	default:
		c.sendError(msg, CodeUnknownMessageType, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (c *Client) handleConnectionRequest(msg entities.Message) {
	var req entities.ConnectionRequestPayload
	if err := msg.DecodeData(&req); err != nil {
		c.sendError(msg, CodeInvalidMessage, err.Error())
		return
	}

	sessionID := "sess_" + uuid.New().String()[:8]
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()

	c.logger.Info("Session established",
		zap.String("sessionID", sessionID),
		zap.String("clientVersion", req.ClientVersion),
		zap.Strings("capabilities", req.Capabilities))

	c.reply(entities.MessageTypeConnectionResponse, entities.ConnectionResponsePayload{
		Status: entities.ConnectionStatusConnected,
		ServerInfo: entities.ServerInfo{
			Version:         c.hub.cfg.Version,
			Capabilities:    c.hub.cfg.Capabilities,
			SupportedModels: c.hub.cfg.SupportedModels,
		},
		SessionID: sessionID,
	})
}

func (c *Client) handleHeartbeat() {
	if c.hub.muteHeartbeats.Load() {
		c.logger.Debug("Heartbeat ignored while muted")
		return
	}
	c.reply(entities.MessageTypeHeartbeatResponse, entities.HeartbeatPayload{
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
		Uptime:     int64(time.Since(c.connectedAt).Seconds()),
	})
}

// checkSession reports whether the sessionID carried by msg belongs to this
// client, replying with SESSION_MISMATCH when it does not
func (c *Client) checkSession(msg entities.Message, sessionID string) bool {
	if sessionID != c.SessionID() {
		c.sendError(msg, CodeSessionMismatch, "session ID mismatch")
		return false
	}
	return true
}

func (c *Client) handleAudioStart(msg entities.Message) {
	var start entities.AudioStartPayload
	if err := msg.DecodeData(&start); err != nil {
		c.sendError(msg, CodeInvalidMessage, err.Error())
		return
	}
	if !c.checkSession(msg, start.SessionID) {
		return
	}

	c.mu.Lock()
	c.recording = &recording{options: start.ProcessingOptions}
	c.mu.Unlock()

	c.sendStatus("audio_recording_started", 0, "Ready to receive audio")
}

func (c *Client) handleAudioData(msg entities.Message) {
	var chunk entities.AudioDataPayload
	if err := msg.DecodeData(&chunk); err != nil {
		c.sendError(msg, CodeInvalidMessage, err.Error())
		return
	}
	if !c.checkSession(msg, chunk.SessionID) {
		return
	}

	audio, err := base64.StdEncoding.DecodeString(chunk.AudioChunk)
	if err != nil {
		c.sendError(msg, CodeInvalidAudioFormat, fmt.Sprintf("invalid base64 audio: %v", err))
		return
	}
	// The closing chunk of a pass carries no samples.
	if len(audio) == 0 && !chunk.IsFinal {
		c.sendError(msg, CodeNoAudioData, "no audio data provided")
		return
	}

	c.mu.Lock()
	rec := c.recording
	if rec == nil {
		c.mu.Unlock()
		c.sendError(msg, CodeNoAudioData, "audio_data without audio_start")
		return
	}
	rec.chunks++
	rec.bytes += len(audio)
	rec.sequence = chunk.Sequence
	c.mu.Unlock()

	c.sendStatus("audio_data_received", min(90, int(chunk.Sequence%100)), fmt.Sprintf("Received chunk %d", chunk.Sequence))
}

func (c *Client) handleAudioStop(msg entities.Message) {
	var stop entities.AudioStopPayload
	if err := msg.DecodeData(&stop); err != nil {
		c.sendError(msg, CodeInvalidMessage, err.Error())
		return
	}
	if !c.checkSession(msg, stop.SessionID) {
		return
	}

	c.mu.Lock()
	rec := c.recording
	c.mu.Unlock()

	c.sendStatus("processing_audio", 10, "Processing audio...")
	if rec == nil || rec.bytes == 0 {
		c.sendError(msg, CodeNoAudioData, "no audio data received")
		return
	}

	c.logger.Info("Recording received",
		zap.Int("chunks", rec.chunks),
		zap.Int("bytes", rec.bytes),
		zap.Uint32("sequence", stop.Sequence),
		zap.Uint32("lastChunk", rec.sequence),
		zap.Int64("durationMs", stop.DurationMs))

	if !rec.options.AutoProcess {
		return
	}

	c.sendStatus("processing_stt", 20, "Converting speech to text...")
	c.reply(entities.MessageTypeSTTResponse, c.transcription(rec, rec.options.Language))
	c.sendStatus("processing_llm", 60, "Generating response...")
	c.reply(entities.MessageTypeLLMResponse, c.answer(c.hub.cfg.Transcript, rec.options.Model))
	c.sendStatus("processing_complete", 100, "Processing complete")
}

func (c *Client) handleSTTRequest(msg entities.Message) {
	var req entities.STTRequestPayload
	if err := msg.DecodeData(&req); err != nil {
		c.sendError(msg, CodeInvalidMessage, err.Error())
		return
	}
	if !c.checkSession(msg, req.SessionID) {
		return
	}

	c.mu.Lock()
	rec := c.recording
	c.mu.Unlock()
	if rec == nil || rec.bytes == 0 {
		c.sendError(msg, CodeNoAudioData, "no audio data available")
		return
	}

	c.reply(entities.MessageTypeSTTResponse, c.transcription(rec, req.Language))
}

func (c *Client) handleLLMRequest(msg entities.Message) {
	var req entities.LLMRequestPayload
	if err := msg.DecodeData(&req); err != nil {
		c.sendError(msg, CodeInvalidMessage, err.Error())
		return
	}
	if !c.checkSession(msg, req.SessionID) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.sendError(msg, CodeNoText, "no text provided")
		return
	}

	c.reply(entities.MessageTypeLLMResponse, c.answer(req.Text, req.Model))
}

func (c *Client) handleMCPRequest(msg entities.Message) {
	var req entities.MCPRequestPayload
	if err := msg.DecodeData(&req); err != nil {
		c.sendError(msg, CodeInvalidMessage, err.Error())
		return
	}
	if !c.checkSession(msg, req.SessionID) {
		return
	}
	if req.Tool == "" {
		c.sendError(msg, CodeNoTool, "no tool specified")
		return
	}

	c.reply(entities.MessageTypeMCPResponse, entities.MCPResponsePayload{
		SessionID: c.SessionID(),
		Result: map[string]interface{}{
			"tool":      req.Tool,
			"arguments": req.Arguments,
		},
		Success: true,
	})
}

func (c *Client) transcription(rec *recording, language string) entities.STTResponsePayload {
	if language == "" {
		language = "en"
	}
	audioMs := entities.SamplesDuration(rec.bytes / 2).Milliseconds()
	return entities.STTResponsePayload{
		SessionID:       c.SessionID(),
		Text:            c.hub.cfg.Transcript,
		Confidence:      0.95,
		Language:        language,
		AudioDurationMs: audioMs,
		Segments: []entities.STTSegment{{
			Text:       c.hub.cfg.Transcript,
			End:        float64(audioMs) / 1000,
			Confidence: 0.95,
		}},
	}
}

func (c *Client) answer(text, model string) entities.LLMResponsePayload {
	if model == "" {
		model = "llama2"
	}
	return entities.LLMResponsePayload{
		SessionID:  c.SessionID(),
		Response:   "You said: " + text,
		Model:      model,
		TokensUsed: len(strings.Fields(text)),
		Confidence: 0.9,
	}
}

func (c *Client) sendStatus(status string, progress int, message string) {
	c.reply(entities.MessageTypeStatusUpdate, entities.StatusUpdatePayload{
		SessionID: c.SessionID(),
		Status:    status,
		Progress:  progress,
		Message:   message,
	})
}

// sendError reports a failure caused by msg. The message_id of msg is echoed
// in details so the client can match the error to its request.
func (c *Client) sendError(msg entities.Message, code, message string) {
	payload := entities.ErrorPayload{
		SessionID: c.SessionID(),
		ErrorType: strings.ToLower(code),
		Message:   message,
		ErrorCode: code,
	}
	if msg.MessageID != "" {
		payload.Details = map[string]interface{}{"message_id": msg.MessageID}
	}
	c.reply(entities.MessageTypeError, payload)
}
