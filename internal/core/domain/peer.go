package domain

// ConnectionState is the per-party peer connection state exposed upward.
// Reconnecting is not a transport state: it marks a rebuild in flight, so the
// UI can tell a recoverable outage from a terminal one.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionReconnecting ConnectionState = "reconnecting"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

func (s ConnectionState) Terminal() bool {
	return s == ConnectionFailed || s == ConnectionClosed
}

// SignalingState is the signaling client's connection state.
type SignalingState string

const (
	SignalingDisconnected SignalingState = "disconnected"
	SignalingConnecting   SignalingState = "connecting"
	SignalingConnected    SignalingState = "connected"
	SignalingReconnecting SignalingState = "reconnecting"
)

// ChatMessage is relayed verbatim; rendering belongs to the application.
type ChatMessage struct {
	StreamID StreamID `json:"streamId"`
	From     PartyID  `json:"from"`
	Text     string   `json:"text"`
	SentAt   int64    `json:"sentAt"` // unix millis
}
