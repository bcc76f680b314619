package telegram

import (
	"context"
	"strings"
	"testing"

	"skylark/pkg/bus"
	"skylark/pkg/config"
)

func TestNewAdapterRequiresToken(t *testing.T) {
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)

	if _, err := NewAdapter(config.TelegramConfig{}, mb, nil); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestNewAdapterRequiresBus(t *testing.T) {
	if _, err := NewAdapter(config.TelegramConfig{Token: "123:abc"}, nil, nil); err == nil {
		t.Fatal("expected error for missing bus")
	}
}

func TestSendWhenNotRunningFails(t *testing.T) {
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)

	adapter, err := NewAdapter(config.TelegramConfig{Token: "123:abc"}, mb, nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}

	if err := adapter.Send(context.Background(), bus.OutboundMessage{ChatID: "42", Content: "hi"}); err == nil {
		t.Fatal("expected Send to fail before Start")
	}
}

func TestStopBeforeStartIsNoOp(t *testing.T) {
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)

	adapter, err := NewAdapter(config.TelegramConfig{Token: "123:abc"}, mb, nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}

	if err := adapter.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
}

func TestSenderAllowed(t *testing.T) {
	adapter := &Adapter{allowFrom: map[string]struct{}{"1": {}}}
	if !adapter.senderAllowed("1") {
		t.Fatal("expected sender 1 to be allowed")
	}
	if adapter.senderAllowed("2") {
		t.Fatal("expected sender 2 to be denied")
	}

	adapter.allowFrom = nil
	if !adapter.senderAllowed("any") {
		t.Fatal("expected sender to be allowed when allowlist empty")
	}
}

func TestAllowFromSet(t *testing.T) {
	allowed := allowFromSet([]string{" 123 ", "", "456", "123"})
	if len(allowed) != 2 {
		t.Fatalf("allowFromSet len = %d, want 2", len(allowed))
	}
}

func TestPreviewText(t *testing.T) {
	if got := previewText(" hello "); got != "hello" {
		t.Fatalf("previewText = %q, want %q", got, "hello")
	}

	long := strings.Repeat("a", messagePreviewLimit+20)
	got := previewText(long)
	if len(got) != messagePreviewLimit+3 || !strings.HasSuffix(got, "...") {
		t.Fatalf("previewText long = %q, want bounded ellipsis", got)
	}
}
