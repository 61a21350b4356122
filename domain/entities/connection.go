package entities

// ConnectionState is the transport lifecycle owned by the connection manager
type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateReconnecting
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateReconnecting:
		return "reconnecting"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Active reports whether the manager is working towards or holding a link
func (s ConnectionState) Active() bool {
	return s == ConnectionStateConnecting || s == ConnectionStateConnected || s == ConnectionStateReconnecting
}
