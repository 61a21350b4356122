package protocol

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/domain/entities"
)

// startHandshake runs synchronously on entry into Connected so that the
// connection request is the first frame of every connection. The response is
// awaited in the background. Queued messages are flushed once a session is
// established; after a failed handshake they wait for the next connection.
func (s *Session) startHandshake() {
	sess := entities.NewSession(s.cfg.ClientID, s.cfg.Capabilities)
	s.mu.Lock()
	s.current = sess
	s.handshakeErr = nil
	s.mu.Unlock()

	req, err := entities.NewMessage(entities.MessageTypeConnectionRequest, entities.ConnectionRequestPayload{
		ClientID:      s.cfg.ClientID,
		ClientVersion: s.cfg.ClientVersion,
		Capabilities:  sess.CapabilityStrings(),
		AudioFormat:   entities.DefaultAudioFormat(),
	})
	if err != nil {
		s.handshakeFailed(sess, err)
		return
	}

	p, err := s.register(entities.MessageTypeConnectionResponse, req.MessageID)
	if err != nil {
		s.handshakeFailed(sess, err)
		return
	}

	start := time.Now()
	if err := s.conn.Send(req); err != nil {
		s.unregister(entities.MessageTypeConnectionResponse, p)
		s.handshakeFailed(sess, err)
		return
	}
	s.logger.Debug("Connection request sent", zap.String("clientID", s.cfg.ClientID))

	go func() {
		resp, err := s.await(context.Background(), entities.MessageTypeConnectionResponse, p, s.cfg.HandshakeTimeout)
		s.observe(entities.MessageTypeConnectionResponse, start, err)
		if err != nil {
			s.handshakeFailed(sess, err)
			return
		}
		if s.completeHandshake(sess, resp) {
			s.outbox.Flush()
		}
	}()
}

func (s *Session) completeHandshake(sess *entities.Session, resp entities.Message) bool {
	var payload entities.ConnectionResponsePayload
	if err := resp.DecodeData(&payload); err != nil {
		s.handshakeFailed(sess, err)
		return false
	}
	if payload.Status != entities.ConnectionStatusConnected {
		s.handshakeFailed(sess, fmt.Errorf("peer answered status %q", payload.Status))
		return false
	}

	s.mu.Lock()
	if s.current != sess {
		s.mu.Unlock()
		return false
	}
	err := sess.Establish(payload.SessionID, &payload.ServerInfo)
	s.mu.Unlock()
	if err != nil {
		s.handshakeFailed(sess, err)
		return false
	}

	s.logger.Info("Session established",
		zap.String("sessionID", payload.SessionID),
		zap.String("serverVersion", payload.ServerInfo.Version))
	s.events.Publish(SessionEvent{
		Type:      SessionEstablished,
		SessionID: payload.SessionID,
		Server:    &payload.ServerInfo,
	})
	return true
}

// handshakeFailed leaves the connection up without a session. Pending and
// later awaits fail with ErrSessionNotEstablished until the next connection.
func (s *Session) handshakeFailed(sess *entities.Session, cause error) {
	err := fmt.Errorf("%w: %w", entities.ErrSessionNotEstablished, cause)

	s.mu.Lock()
	stale := s.current != sess
	if !stale {
		s.handshakeErr = err
	}
	s.mu.Unlock()
	if stale {
		return
	}

	s.metrics.HandshakeFailures.Inc()
	s.logger.Error("Handshake failed", zap.String("clientID", s.cfg.ClientID), zap.Error(cause))
	s.failPending(err, entities.MessageTypeConnectionResponse)
	s.events.Publish(SessionEvent{Type: SessionHandshakeFailed, Err: err})
}
