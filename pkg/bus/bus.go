package bus

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const defaultBufferSize = 100

// MessageBus is the in-process hand-off between channel adapters and the responder.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	done      chan struct{}
	closeOnce sync.Once
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, defaultBufferSize),
		outbound: make(chan OutboundMessage, defaultBufferSize),
		done:     make(chan struct{}),
	}
}

// PublishInbound enqueues one inbound message, assigning an ID when absent.
// It returns false when the bus is closed or the context is canceled.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = uuid.New().String()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.inbound <- msg:
		return true
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case <-mb.done:
		return InboundMessage{}, false
	case msg := <-mb.inbound:
		return msg, true
	}
}

func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = uuid.New().String()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.outbound <- msg:
		return true
	}
}

func (mb *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case <-mb.done:
		return OutboundMessage{}, false
	case msg := <-mb.outbound:
		return msg, true
	}
}

// Close shuts the bus down; further publishes and consumes return false.
func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)
	})
}
