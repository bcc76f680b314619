package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"skylark/pkg/config"
)

const (
	defaultWebhookAddr = "0.0.0.0:18791"
	defaultWebhookPath = "/feishu/events"
	eventTypeMessage   = "im.message.receive_v1"
)

// webhookEventClient receives Feishu events over the HTTP callback mode.
//
// Start blocks on the HTTP server; Stop shuts the server down, causing Start
// to return. Events are delivered to the handler one at a time.
type webhookEventClient struct {
	path              string
	verificationToken string
	handler           EventHandler
	server            *http.Server

	// deliverMu serializes handler invocations across request goroutines.
	deliverMu sync.Mutex
}

// newWebhookEventClient builds the production event client from config.
func newWebhookEventClient(cfg config.FeishuConfig, handler EventHandler) (EventClient, error) {
	if handler == nil {
		return nil, errors.New("event handler is required")
	}

	addr := strings.TrimSpace(cfg.WebhookAddr)
	if addr == "" {
		addr = defaultWebhookAddr
	}
	path := strings.TrimSpace(cfg.WebhookPath)
	if path == "" {
		path = defaultWebhookPath
	}

	client := &webhookEventClient{
		path:              path,
		verificationToken: strings.TrimSpace(cfg.VerificationToken),
		handler:           handler,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, client.handleCallback)

	client.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return client, nil
}

func (c *webhookEventClient) Start() error {
	err := c.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

func (c *webhookEventClient) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.server.Shutdown(ctx)
}

type callbackEnvelope struct {
	// v1 url_verification fields.
	Type      string `json:"type,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	Token     string `json:"token,omitempty"`

	// v2 event fields.
	Schema string `json:"schema,omitempty"`
	Header struct {
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
		} `json:"message"`
	} `json:"event"`
}

func (c *webhookEventClient) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var envelope callbackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		http.Error(w, "parse body", http.StatusBadRequest)
		return
	}

	if envelope.Type == "url_verification" {
		if !c.tokenValid(envelope.Token) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]string{"challenge": envelope.Challenge})
		return
	}

	if !c.tokenValid(envelope.Header.Token) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	if envelope.Header.EventType == eventTypeMessage {
		message := envelope.Event.Message
		event := Event{
			SenderID:    envelope.Event.Sender.SenderID.OpenID,
			ChatID:      message.ChatID,
			MessageID:   message.MessageID,
			ChatType:    message.ChatType,
			MessageType: message.MessageType,
			Content:     message.Content,
		}

		c.deliverMu.Lock()
		c.handler(event)
		c.deliverMu.Unlock()
	}

	writeJSON(w, map[string]int{"code": 0})
}

func (c *webhookEventClient) tokenValid(token string) bool {
	if c.verificationToken == "" {
		return true
	}

	return token == c.verificationToken
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
