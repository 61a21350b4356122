package protocol

import (
	"context"

	"github.com/satriahrh/arunika/client/domain/entities"
)

func (s *Session) requireSession() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current.IsEstablished() {
		return "", entities.ErrSessionNotEstablished
	}
	return s.current.ID, nil
}

func roundTrip[T any](ctx context.Context, s *Session, reqType, respType entities.MessageType, payload interface{}) (*T, error) {
	msg, err := entities.NewMessage(reqType, payload)
	if err != nil {
		return nil, err
	}
	resp, err := s.SendAndAwait(ctx, msg, respType, 0)
	if err != nil {
		return nil, err
	}
	var out T
	if err := resp.DecodeData(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestTranscription asks the peer to transcribe audio it already holds
func (s *Session) RequestTranscription(ctx context.Context, req entities.STTRequestPayload) (*entities.STTResponsePayload, error) {
	id, err := s.requireSession()
	if err != nil {
		return nil, err
	}
	req.SessionID = id
	if req.Model == "" {
		req.Model = s.cfg.Processing.Model
	}
	if req.Language == "" {
		req.Language = s.cfg.Processing.Language
	}
	return roundTrip[entities.STTResponsePayload](ctx, s, entities.MessageTypeSTTRequest, entities.MessageTypeSTTResponse, req)
}

// AskLanguageModel sends text to the peer's language model and waits for the full answer.
// Streamed partials arrive as unsolicited llm_stream messages.
func (s *Session) AskLanguageModel(ctx context.Context, req entities.LLMRequestPayload) (*entities.LLMResponsePayload, error) {
	id, err := s.requireSession()
	if err != nil {
		return nil, err
	}
	req.SessionID = id
	return roundTrip[entities.LLMResponsePayload](ctx, s, entities.MessageTypeLLMRequest, entities.MessageTypeLLMResponse, req)
}

// ExecuteTool asks the peer to run a tool on the client's behalf
func (s *Session) ExecuteTool(ctx context.Context, req entities.MCPRequestPayload) (*entities.MCPResponsePayload, error) {
	id, err := s.requireSession()
	if err != nil {
		return nil, err
	}
	req.SessionID = id
	if req.Arguments == nil {
		req.Arguments = map[string]interface{}{}
	}
	return roundTrip[entities.MCPResponsePayload](ctx, s, entities.MessageTypeMCPRequest, entities.MessageTypeMCPResponse, req)
}
