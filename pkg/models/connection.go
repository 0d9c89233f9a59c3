package models

import "time"

// TransportKind identifies the transport a connection arrived over.
type TransportKind string

const (
	TransportWebSocket TransportKind = "websocket"
	TransportPolling   TransportKind = "polling"
)

// HealthStatus classifies the liveness of a connection.
type HealthStatus string

const (
	HealthConnected    HealthStatus = "connected"
	HealthHealthy      HealthStatus = "healthy"
	HealthStale        HealthStatus = "stale"
	HealthDisconnected HealthStatus = "disconnected"
)

// ConnectionSession describes one live client connection. It is owned
// exclusively by the connection registry: created on a successful handshake
// and destroyed on disconnect or supersede.
type ConnectionSession struct {
	ConnectionID string        `json:"connection_id"`
	UserID       string        `json:"user_id"`
	DeviceID     string        `json:"device_id,omitempty"`
	SessionID    string        `json:"session_id"`
	Transport    TransportKind `json:"transport"`
	ConnectedAt  time.Time     `json:"connected_at"`
	LastActivity time.Time     `json:"last_activity"`
}

// HealthRecord tracks ping/pong liveness for one connection. One record
// exists per live connection and dies with it.
type HealthRecord struct {
	ConnectionID string        `json:"connection_id"`
	LastPing     time.Time     `json:"last_ping"`
	LastPong     time.Time     `json:"last_pong"`
	Latency      time.Duration `json:"latency"`
	Status       HealthStatus  `json:"status"`
}

// Identity is the result of verifying a connection credential.
type Identity struct {
	UserID   string
	DeviceID string
	Name     string
}
