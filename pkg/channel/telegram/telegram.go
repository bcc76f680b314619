package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"skylark/pkg/bus"
	"skylark/pkg/config"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"
const messagePreviewLimit = 240

// Adapter bridges Telegram long-polling updates into Skylark messages.
type Adapter struct {
	cfg       config.TelegramConfig
	bus       *bus.MessageBus
	allowFrom map[string]struct{}
	log       *slog.Logger

	mu      sync.Mutex
	running bool
	bot     *telego.Bot
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, b *bus.MessageBus, log *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("channels.telegram.token is required")
	}
	if b == nil {
		return nil, errors.New("message bus is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		bus:       b,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in bus metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Start begins long polling and forwards admitted messages to the bus.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return errors.New("telegram channel already started")
	}

	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Token))
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	updates, err := bot.UpdatesViaLongPolling(pollCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	done := make(chan struct{})
	a.bot = bot
	a.cancel = cancel
	a.done = done
	a.running = true

	go a.pump(updates, done)

	a.log.Info("Telegram channel started")
	return nil
}

// Stop cancels long polling and waits for the update pump to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	_ = ctx

	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	cancel := a.cancel
	done := a.done
	a.bot = nil
	a.mu.Unlock()

	cancel()
	<-done

	a.log.Info("Telegram channel stopped")
	return nil
}

// Send delivers one outbound message to its Telegram chat.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()

	if bot == nil {
		a.log.Error("Dropping outbound message, channel not running", "chat_id", msg.ChatID)
		return errors.New("telegram channel is not running")
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.ChatID), 10, 64)
	if err != nil {
		a.log.Error("Dropping outbound message with invalid chat_id", "chat_id", msg.ChatID)
		return fmt.Errorf("parse chat_id: %w", err)
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return nil
	}

	a.log.Info("Sending message", "chat_id", msg.ChatID, "content", previewText(content))
	if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), content)); err != nil {
		a.log.Error("Failed to send telegram message", "error", err)
		return fmt.Errorf("send telegram message: %w", err)
	}

	return nil
}

// pump drains the long-polling update channel until it closes.
func (a *Adapter) pump(updates <-chan telego.Update, done chan<- struct{}) {
	defer close(done)

	for update := range updates {
		message := update.Message
		if message == nil {
			continue
		}

		content := strings.TrimSpace(message.Text)
		if content == "" {
			// Runtime currently expects text content.
			continue
		}
		if message.From == nil {
			a.log.Debug("Ignoring message without sender")
			continue
		}

		senderID := strconv.FormatInt(message.From.ID, 10)
		if !a.senderAllowed(senderID) {
			a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
			continue
		}

		chatID := strconv.FormatInt(message.Chat.ID, 10)
		inbound := bus.InboundMessage{
			Channel:  channelName,
			SenderID: senderID,
			ChatID:   chatID,
			Content:  content,
			Metadata: map[string]string{
				"update_id": strconv.Itoa(update.UpdateID),
			},
		}

		a.log.Info("Received message", "chat_id", chatID, "sender_id", senderID, "content", previewText(content))
		if !a.bus.PublishInbound(context.Background(), inbound) {
			a.log.Error("Failed to publish inbound message", "chat_id", chatID)
		}
	}
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
