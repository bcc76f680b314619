package bus

// InboundMessage is one normalized message received from a channel adapter.
type InboundMessage struct {
	ID       string            `json:"id"`
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is one reply addressed back to a channel adapter.
//
// Metadata carries at least chat_type and, for group replies, the
// message_id being replied to.
type OutboundMessage struct {
	ID       string            `json:"id"`
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
