package repositories

import (
	"context"
	"net/http"
)

// Transport dials a persistent message-oriented connection
type Transport interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Conn is one established link carrying whole text frames
type Conn interface {
	// ReadMessage blocks until the next frame arrives or the link fails
	ReadMessage() ([]byte, error)
	// WriteMessage writes one frame. It is not safe for concurrent use.
	WriteMessage(data []byte) error
	// Close tears the link down and unblocks a pending ReadMessage
	Close() error
}
