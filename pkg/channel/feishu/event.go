package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Feishu chat_type values as delivered by the event stream.
const (
	chatTypeDirect = "p2p"
	chatTypeGroup  = "group"
)

const msgTypeText = "text"

// Event is one inbound message event as delivered by the event client.
//
// Content carries the kind-specific payload encoding; for text messages it is
// a JSON envelope of the form {"text": "..."}.
type Event struct {
	SenderID    string
	ChatID      string
	MessageID   string
	ChatType    string
	MessageType string
	Content     string
}

// EventHandler consumes one inbound event. The event client invokes it
// synchronously on its own goroutine, one event at a time.
type EventHandler func(Event)

// EventClient is the long-lived connection delivering Feishu message events.
type EventClient interface {
	// Start blocks the calling goroutine until the connection ends or Stop
	// is called.
	Start() error
	// Stop causes a blocked Start to return.
	Stop()
}

// SendResult reports the backend outcome of one message API call.
type SendResult struct {
	Success bool
	Code    int
	Msg     string
}

// MessageAPI issues outbound message calls against the Feishu Open API.
type MessageAPI interface {
	CreateMessage(ctx context.Context, chatID string, content string) (SendResult, error)
	ReplyMessage(ctx context.Context, messageID string, content string) (SendResult, error)
}

// decodeTextContent unwraps the {"text": "..."} envelope of a text message.
func decodeTextContent(raw string) (string, error) {
	var envelope struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return "", fmt.Errorf("decode text content: %w", err)
	}

	text := strings.TrimSpace(envelope.Text)
	if text == "" {
		return "", errors.New("empty text content")
	}

	return text, nil
}

// encodeTextContent wraps reply text into the envelope the message API expects.
func encodeTextContent(text string) string {
	encoded, _ := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: text})

	return string(encoded)
}
