// Package websocket implements the client transport on gorilla/websocket.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/satriahrh/arunika/client/domain/repositories"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	handshakeTimeout = 10 * time.Second
)

// Transport dials websocket connections carrying text frames
type Transport struct {
	dialer *websocket.Dialer
}

// NewTransport returns a transport using a copy of the default dialer
func NewTransport() *Transport {
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = handshakeTimeout
	return &Transport{dialer: &d}
}

func (t *Transport) Dial(ctx context.Context, url string, header http.Header) (repositories.Conn, error) {
	ws, resp, err := t.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(maxMessageSize)
	return &Conn{ws: ws}, nil
}

// Conn adapts a gorilla connection to repositories.Conn
type Conn struct {
	ws *websocket.Conn
}

func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *Conn) WriteMessage(data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame when possible and releases the socket
func (c *Conn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}
