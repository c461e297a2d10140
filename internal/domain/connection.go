package domain

import "time"

// ConnectionStatus is the lifecycle status of the market-data session.
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusSubscribed
	StatusDegraded
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusSubscribed:
		return "SUBSCRIBED"
	case StatusDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// ConnectionState is owned by the connection supervisor; others get copies.
type ConnectionState struct {
	Status        ConnectionStatus `json:"status"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	Instruments   []string         `json:"instruments"`
	Attempt       int              `json:"attempt"`  // consecutive failed reconnects
	Sessions      uint64           `json:"sessions"` // successful connects so far
}
