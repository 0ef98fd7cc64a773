package models

// Message represents a WebSocket message
type Message struct {
	Type    string      `json:"type"`
	Content interface{} `json:"content"`
}

// WebSocket message types pushed to a user's connections
const (
	MessageOrdersPlaced = "orders_placed"
	MessagePositions    = "positions"
	MessageSessionState = "session_state"
)

// APIResponse is the generic success envelope used by mutating endpoints.
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
