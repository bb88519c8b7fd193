package moderation

// MessageCreatedEvent is the trigger payload published when a chat message
// is created. Delivery is at-least-once, so handlers must be idempotent.
type MessageCreatedEvent struct {
	EventID   string `json:"event_id"`
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	Ts        int64  `json:"ts,omitempty"`
}

// DecisionEvent is the fan-out payload published after a message reaches a
// terminal moderation status, so interested services (presence, previews)
// can react without polling.
type DecisionEvent struct {
	RoomID    string   `json:"room_id"`
	MessageID string   `json:"message_id"`
	Status    string   `json:"status"`
	BlockedBy string   `json:"blocked_by,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Warning   bool     `json:"warning,omitempty"`
	AIScore   *float64 `json:"ai_score,omitempty"`
}
