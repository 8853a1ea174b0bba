package chat

// DeliveryState tracks a message through optimistic send and server echo.
type DeliveryState string

const (
	// StatePending is the optimistic local copy, awaiting the server echo.
	StatePending DeliveryState = "pending"
	// StateConfirmed carries the server-assigned ID and timestamp.
	StateConfirmed DeliveryState = "confirmed"
	// StateFailed marks a send the relay rejected. The body stays visible
	// so the user can retry it.
	StateFailed DeliveryState = "failed"
)

// Message is one chat message in a conversation transcript.
type Message struct {
	ID             string        `json:"id"` // server-assigned once confirmed
	CorrelationID  string        `json:"correlationId"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Body           string        `json:"body"`
	IsAI           bool          `json:"isAI,omitempty"`
	State          DeliveryState `json:"state"`
	Timestamp      int64         `json:"timestamp"` // unix millis
}
