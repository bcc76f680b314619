package gateway

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"skylark/pkg/bus"
	"skylark/pkg/channel"
	"skylark/pkg/config"

	"github.com/stretchr/testify/require"
)

type recordingProvider struct {
	mu sync.Mutex

	healthCalls      int
	createdSessions  int
	promptSessionIDs []string
	promptTexts      []string
}

func (p *recordingProvider) Health(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthCalls++
	return nil
}

func (p *recordingProvider) CreateSession(context.Context, string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createdSessions++
	return fmt.Sprintf("session-%d", p.createdSessions), nil
}

func (p *recordingProvider) Prompt(_ context.Context, sessionID string, prompt string, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promptSessionIDs = append(p.promptSessionIDs, sessionID)
	p.promptTexts = append(p.promptTexts, prompt)
	return "ok:" + prompt, nil
}

func (p *recordingProvider) snapshot() (int, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sessionIDs := make([]string, len(p.promptSessionIDs))
	copy(sessionIDs, p.promptSessionIDs)
	return p.createdSessions, sessionIDs
}

// scriptedAdapter replays a fixed inbound script on Start and records sends.
type scriptedAdapter struct {
	name    string
	bus     *bus.MessageBus
	inbound []bus.InboundMessage

	mu     sync.Mutex
	sent   []bus.OutboundMessage
	sentCh chan bus.OutboundMessage
}

func newScriptedAdapter(name string, mb *bus.MessageBus, inbound []bus.InboundMessage) *scriptedAdapter {
	return &scriptedAdapter{
		name:    name,
		bus:     mb,
		inbound: inbound,
		sentCh:  make(chan bus.OutboundMessage, 16),
	}
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Start(ctx context.Context) error {
	go func() {
		for _, msg := range a.inbound {
			a.bus.PublishInbound(ctx, msg)
		}
	}()
	return nil
}

func (a *scriptedAdapter) Stop(context.Context) error { return nil }

func (a *scriptedAdapter) Send(_ context.Context, msg bus.OutboundMessage) error {
	a.mu.Lock()
	a.sent = append(a.sent, msg)
	a.mu.Unlock()
	a.sentCh <- msg
	return nil
}

func freePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	return port
}

func TestGatewayEndToEnd(t *testing.T) {
	mb := bus.NewMessageBus()

	inbound := []bus.InboundMessage{
		{Channel: "feishu", SenderID: "U1", ChatID: "oc_1", Content: "hello", Metadata: map[string]string{"chat_type": "p2p", "message_id": "om_1"}},
		{Channel: "feishu", SenderID: "U1", ChatID: "oc_1", Content: "again", Metadata: map[string]string{"chat_type": "p2p", "message_id": "om_2"}},
	}
	adapter := newScriptedAdapter("feishu", mb, inbound)
	client := &recordingProvider{}

	cfg := &config.Config{}
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = freePort(t)
	cfg.Responder.Model = "gpt-5.2"

	svc, err := NewService(cfg, mb, []channel.Adapter{adapter}, client, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- svc.Run(ctx) }()

	var replies []bus.OutboundMessage
	for len(replies) < 2 {
		select {
		case msg := <-adapter.sentCh:
			replies = append(replies, msg)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for replies, got %d", len(replies))
		}
	}

	require.Equal(t, "ok:hello", replies[0].Content)
	require.Equal(t, "ok:again", replies[1].Content)
	require.Equal(t, "oc_1", replies[0].ChatID)
	require.Equal(t, "om_1", replies[0].Metadata["message_id"])

	createdSessions, sessionIDs := client.snapshot()
	require.Equal(t, 1, createdSessions, "one chat must reuse one session")
	require.Equal(t, []string{"session-1", "session-1"}, sessionIDs)

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not shut down")
	}
}

func TestGatewayFailsWithoutStartableChannels(t *testing.T) {
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)

	failing := &failingAdapter{}
	client := &recordingProvider{}

	cfg := &config.Config{}
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = freePort(t)

	svc, err := NewService(cfg, mb, []channel.Adapter{failing}, client, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.Error(t, svc.Run(ctx))
}

type failingAdapter struct{}

func (a *failingAdapter) Name() string                { return "broken" }
func (a *failingAdapter) Start(context.Context) error { return fmt.Errorf("no credentials") }
func (a *failingAdapter) Stop(context.Context) error  { return nil }

func (a *failingAdapter) Send(context.Context, bus.OutboundMessage) error { return nil }
