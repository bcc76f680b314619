package feishu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"skylark/pkg/bus"
	"skylark/pkg/config"
)

const channelName = "feishu"
const messagePreviewLimit = 240

// enqueueTimeout bounds how long the event callback may wait on a saturated
// bridge before dropping the event; the event client may tear the connection
// down if the callback stalls.
const enqueueTimeout = time.Second

// pollInterval is the idle wakeup period of the processor loop; stop requests
// are observed within one interval.
const pollInterval = time.Second

type lifecycleState int

const (
	stateStopped lifecycleState = iota
	stateStarting
	stateRunning
	stateStopping
)

// EventClientFactory builds the blocking event client for one adapter run,
// with handler registered before the connection starts.
type EventClientFactory func(cfg config.FeishuConfig, handler EventHandler) (EventClient, error)

// MessageAPIFactory builds the outbound message backend for one adapter run.
type MessageAPIFactory func(cfg config.FeishuConfig) MessageAPI

// Adapter bridges Feishu message events into Skylark inbound/outbound messages.
//
// Inbound events arrive via a synchronous callback on the event client's
// goroutine, cross a bounded bridge channel, and are filtered and published to
// the bus by a processor goroutine. Outbound sends go straight to the message
// API and never touch the ingress path.
type Adapter struct {
	cfg       config.FeishuConfig
	bus       *bus.MessageBus
	allowFrom map[string]struct{}
	log       *slog.Logger

	newEventClient EventClientFactory
	newMessageAPI  MessageAPIFactory

	mu         sync.Mutex
	state      lifecycleState
	client     EventClient
	api        MessageAPI
	stopCh     chan struct{}
	procDone   chan struct{}
	workerDone chan struct{}
}

// NewAdapter constructs a Feishu adapter publishing inbound messages to b.
func NewAdapter(cfg config.FeishuConfig, b *bus.MessageBus, log *slog.Logger) (*Adapter, error) {
	if b == nil {
		return nil, errors.New("message bus is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:            cfg,
		bus:            b,
		allowFrom:      allowFromSet(cfg.AllowFrom),
		log:            log.With("component", "channel.feishu"),
		newEventClient: newWebhookEventClient,
		newMessageAPI:  newHTTPMessageAPI,
	}, nil
}

// Name returns the channel identifier used in bus metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Start brings the adapter to Running: it creates the ingress bridge, launches
// the worker goroutine hosting the event client's blocking Start, and launches
// the processor loop. It fails without side effects when credentials are
// missing or the adapter is not Stopped.
func (a *Adapter) Start(ctx context.Context) error {
	_ = ctx

	a.mu.Lock()
	if a.state != stateStopped {
		a.mu.Unlock()
		return errors.New("feishu channel already started")
	}

	if strings.TrimSpace(a.cfg.AppID) == "" || strings.TrimSpace(a.cfg.AppSecret) == "" {
		a.mu.Unlock()
		a.log.Error("Feishu app_id or app_secret not configured")
		return errors.New("channels.feishu.app_id and app_secret are required")
	}

	a.state = stateStarting

	buffer := a.cfg.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}
	bridge := make(chan Event, buffer)
	stopCh := make(chan struct{})
	procDone := make(chan struct{})
	workerDone := make(chan struct{})

	client, err := a.newEventClient(a.cfg, func(ev Event) {
		a.enqueue(bridge, ev)
	})
	if err != nil {
		a.state = stateStopped
		a.mu.Unlock()
		return fmt.Errorf("initialize event client: %w", err)
	}

	a.client = client
	a.api = a.newMessageAPI(a.cfg)
	a.stopCh = stopCh
	a.procDone = procDone
	a.workerDone = workerDone

	go a.runWorker(client, stopCh, workerDone)
	go a.runProcessor(bridge, stopCh, procDone)

	// The transition to Running happens under the same critical section as the
	// goroutine launch, so a concurrent Stop sees either Stopped or Running.
	a.state = stateRunning
	a.mu.Unlock()

	a.log.Info("Feishu channel started", "app_id", a.cfg.AppID, "allowed_senders", len(a.allowFrom))
	return nil
}

// Stop winds the adapter down: processor first, then the event client (which
// unblocks the worker), then both goroutines are joined and the API handle is
// dropped. Stopping an already-stopped adapter is a no-op.
func (a *Adapter) Stop(ctx context.Context) error {
	_ = ctx

	a.mu.Lock()
	if a.state != stateRunning {
		a.mu.Unlock()
		return nil
	}
	a.state = stateStopping
	client := a.client
	stopCh := a.stopCh
	procDone := a.procDone
	workerDone := a.workerDone
	a.mu.Unlock()

	close(stopCh)
	<-procDone

	client.Stop()
	<-workerDone

	a.mu.Lock()
	a.client = nil
	a.api = nil
	a.state = stateStopped
	a.mu.Unlock()

	a.log.Info("Feishu channel stopped")
	return nil
}

// Send delivers one outbound message through the Feishu message API.
//
// Direct chats are addressed by chat_id via a create call; group chats reply
// to metadata message_id. Failures are logged and returned; they never affect
// the adapter lifecycle and are not retried.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	a.mu.Lock()
	api := a.api
	running := a.state == stateRunning
	a.mu.Unlock()

	if !running || api == nil {
		a.log.Error("Dropping outbound message, channel not running", "chat_id", msg.ChatID)
		return errors.New("feishu channel is not running")
	}

	chatID := strings.TrimSpace(msg.ChatID)
	if chatID == "" {
		a.log.Error("Dropping outbound message without chat_id")
		return errors.New("chat_id is required")
	}

	content := encodeTextContent(msg.Content)

	chatType := strings.TrimSpace(msg.Metadata["chat_type"])
	if chatType == "" {
		chatType = chatTypeDirect
	}

	var result SendResult
	var err error
	if chatType == chatTypeDirect {
		a.log.Info("Sending message", "chat_id", chatID, "content", previewText(msg.Content))
		result, err = api.CreateMessage(ctx, chatID, content)
	} else {
		messageID := strings.TrimSpace(msg.Metadata["message_id"])
		if messageID == "" {
			a.log.Error("Dropping group reply without message_id", "chat_id", chatID)
			return errors.New("message_id is required for group replies")
		}
		a.log.Info("Sending group reply", "chat_id", chatID, "message_id", messageID, "content", previewText(msg.Content))
		result, err = api.ReplyMessage(ctx, messageID, content)
	}

	if err != nil {
		a.log.Error("Failed to send feishu message", "chat_id", chatID, "error", err)
		return fmt.Errorf("send feishu message: %w", err)
	}
	if !result.Success {
		a.log.Error("Feishu API rejected message", "chat_id", chatID, "code", result.Code, "msg", result.Msg)
		return fmt.Errorf("feishu api error %d: %s", result.Code, result.Msg)
	}

	return nil
}

// enqueue is the event callback body. It runs on the event client's goroutine
// and must return promptly regardless of bridge state: validation failures and
// bridge saturation drop the event instead of blocking the client.
func (a *Adapter) enqueue(bridge chan<- Event, ev Event) {
	if ev.MessageType != msgTypeText {
		a.log.Warn("Ignoring unsupported message type", "message_type", ev.MessageType, "message_id", ev.MessageID)
		return
	}

	text, err := decodeTextContent(ev.Content)
	if err != nil {
		a.log.Warn("Ignoring undecodable message content", "message_id", ev.MessageID, "error", err)
		return
	}
	ev.Content = text

	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()

	select {
	case bridge <- ev:
	case <-timer.C:
		a.log.Error("Ingress bridge saturated, dropping event", "message_id", ev.MessageID, "sender_id", ev.SenderID)
	}
}

// runWorker hosts the event client's blocking Start call for the lifetime of
// one Running period.
func (a *Adapter) runWorker(client EventClient, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if err := client.Start(); err != nil {
		select {
		case <-stopCh:
			// Expected during shutdown.
		default:
			a.log.Error("Feishu event client terminated", "error", err)
		}
	}
}

// runProcessor drains the bridge, applies the allow list, and publishes
// admitted events on the bus. Queued events left behind on stop are discarded.
func (a *Adapter) runProcessor(bridge <-chan Event, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// Bus publishes must not outlive the stop request: a full, unconsumed
	// inbound buffer would otherwise pin the processor inside PublishInbound
	// and wedge the join in Stop.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		// Checked ahead of the blocking select so a stop request is never
		// outraced by queued bridge events.
		select {
		case <-stopCh:
			return
		default:
		}

		select {
		case <-stopCh:
			return
		case ev := <-bridge:
			a.dispatch(ctx, ev)
		case <-ticker.C:
			// Idle wakeup; keeps stop observation bounded even with a quiet bridge.
		}
	}
}

// dispatch forwards one admitted event to the bus.
func (a *Adapter) dispatch(ctx context.Context, ev Event) {
	if !a.senderAllowed(ev.SenderID) {
		a.log.Warn("Sender not in allow list", "sender_id", ev.SenderID)
		return
	}

	inbound := bus.InboundMessage{
		Channel:  channelName,
		SenderID: ev.SenderID,
		ChatID:   ev.ChatID,
		Content:  ev.Content,
		Metadata: map[string]string{
			"chat_type":  ev.ChatType,
			"message_id": ev.MessageID,
		},
	}

	if !a.bus.PublishInbound(ctx, inbound) {
		a.log.Error("Failed to publish inbound message", "chat_id", ev.ChatID, "message_id", ev.MessageID)
		return
	}

	a.log.Info("Received message", "chat_id", ev.ChatID, "sender_id", ev.SenderID, "chat_type", ev.ChatType, "content", previewText(ev.Content))
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
