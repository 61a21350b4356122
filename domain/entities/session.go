package entities

import (
	"errors"
	"time"
)

// SessionState represents the negotiation state of a session
type SessionState string

const (
	SessionStateUnestablished SessionState = "unestablished"
	SessionStateEstablished   SessionState = "established"
	SessionStateClosed        SessionState = "closed"
)

// Capability is a feature tag the client declares at handshake
type Capability string

const (
	CapabilitySpeechToText  Capability = "stt"
	CapabilityLanguageModel Capability = "llm"
	CapabilityToolExecution Capability = "mcp"
)

// DefaultCapabilities is what a voice client declares unless configured otherwise
var DefaultCapabilities = []Capability{
	CapabilitySpeechToText,
	CapabilityLanguageModel,
	CapabilityToolExecution,
}

// Session represents one logical conversation with the peer. A session is
// never resumed: every connection negotiates a new one.
type Session struct {
	ID            string       `json:"session_id,omitempty"`
	ClientID      string       `json:"client_id"`
	Capabilities  []Capability `json:"capabilities"`
	State         SessionState `json:"state"`
	Server        *ServerInfo  `json:"server_info,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	EstablishedAt *time.Time   `json:"established_at,omitempty"`
	ClosedAt      *time.Time   `json:"closed_at,omitempty"`
}

// NewSession creates an unestablished session for a connection attempt
func NewSession(clientID string, capabilities []Capability) *Session {
	caps := make([]Capability, len(capabilities))
	copy(caps, capabilities)
	return &Session{
		ClientID:     clientID,
		Capabilities: caps,
		State:        SessionStateUnestablished,
		CreatedAt:    time.Now(),
	}
}

// Establish stores the peer-assigned identity
func (s *Session) Establish(sessionID string, server *ServerInfo) error {
	if sessionID == "" {
		return errors.New("session_id is required")
	}
	if s.State != SessionStateUnestablished {
		return errors.New("session is not awaiting a handshake")
	}
	now := time.Now()
	s.ID = sessionID
	s.Server = server
	s.State = SessionStateEstablished
	s.EstablishedAt = &now
	return nil
}

// Close invalidates the session and clears its identity
func (s *Session) Close() {
	if s.State == SessionStateClosed {
		return
	}
	now := time.Now()
	s.ID = ""
	s.State = SessionStateClosed
	s.ClosedAt = &now
}

// IsEstablished reports whether domain operations may use this session
func (s *Session) IsEstablished() bool {
	return s != nil && s.State == SessionStateEstablished && s.ID != ""
}

// CapabilityStrings returns the capability tags in wire form
func (s *Session) CapabilityStrings() []string {
	out := make([]string, len(s.Capabilities))
	for i, c := range s.Capabilities {
		out[i] = string(c)
	}
	return out
}

// Validate validates the session data
func (s *Session) Validate() error {
	if s.ClientID == "" {
		return errors.New("client_id is required")
	}

	switch s.State {
	case SessionStateUnestablished, SessionStateClosed:
	case SessionStateEstablished:
		if s.ID == "" {
			return errors.New("established session must carry a session_id")
		}
	default:
		return errors.New("invalid session state")
	}

	return nil
}
