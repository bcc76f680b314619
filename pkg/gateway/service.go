package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"skylark/pkg/bus"
	"skylark/pkg/channel"
	"skylark/pkg/config"
	"skylark/pkg/provider"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790

	providerHealthInterval = 30 * time.Second
)

// Service owns the message bus, the channel adapters, and the responder loop
// that turns inbound messages into replies.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	provider provider.Client
	bus      *bus.MessageBus
	adapters []channel.Adapter
	byName   map[string]channel.Adapter

	mu               sync.RWMutex
	startedAt        time.Time
	providerLastOKAt time.Time
	providerLastErr  string
	channelStates    map[string]channelState
	sessions         map[string]string
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status           string                  `json:"status"`
	UptimeSeconds    int64                   `json:"uptime_seconds"`
	ProviderLastOKAt string                  `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string                  `json:"provider_last_error,omitempty"`
	Channels         map[string]channelState `json:"channels"`
}

func NewService(cfg *config.Config, mb *bus.MessageBus, adapters []channel.Adapter, client provider.Client, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if mb == nil {
		return nil, errors.New("message bus is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if client == nil {
		return nil, errors.New("provider client is required")
	}
	if log == nil {
		log = slog.Default()
	}

	byName := make(map[string]channel.Adapter, len(adapters))
	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		byName[adapter.Name()] = adapter
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		provider:      client,
		bus:           mb,
		adapters:      adapters,
		byName:        byName,
		channelStates: channelStates,
		sessions:      make(map[string]string),
	}, nil
}

// Run starts the channels and pumps messages until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkProviderHealth(ctx); err != nil {
		return err
	}

	serverErrors := make(chan error, 1)
	go s.runHealthServer(ctx, serverErrors)

	go func() {
		ticker := time.NewTicker(providerHealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.checkProviderHealth(ctx)
			}
		}
	}()

	started := make([]channel.Adapter, 0, len(s.adapters))
	for _, adapter := range s.adapters {
		if err := adapter.Start(ctx); err != nil {
			// A channel that fails to start never takes the gateway down.
			s.log.Error("Failed to start channel", "channel", adapter.Name(), "error", err)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: err.Error()})
			continue
		}
		s.setChannelState(adapter.Name(), channelState{Running: true})
		started = append(started, adapter)
	}
	if len(started) == 0 {
		return errors.New("no channel adapters started")
	}

	loopsDone := make(chan struct{}, 2)
	go func() {
		s.runResponder(ctx)
		loopsDone <- struct{}{}
	}()
	go func() {
		s.runOutboundDispatcher(ctx)
		loopsDone <- struct{}{}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErrors:
		runErr = err
	}

	s.shutdown(started)
	<-loopsDone
	<-loopsDone

	return runErr
}

// shutdown stops adapters in reverse start order and closes the bus.
func (s *Service) shutdown(started []channel.Adapter) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(started) - 1; i >= 0; i-- {
		adapter := started[i]
		if err := adapter.Stop(stopCtx); err != nil {
			s.log.Error("Failed to stop channel", "channel", adapter.Name(), "error", err)
		}
		s.setChannelState(adapter.Name(), channelState{Running: false})
	}

	s.bus.Close()
}

// runResponder consumes inbound messages and publishes generated replies.
func (s *Service) runResponder(ctx context.Context) {
	for {
		inbound, ok := s.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}

		reply, err := s.respond(ctx, inbound)
		if err != nil {
			s.log.Error("Failed to generate reply", "channel", inbound.Channel, "chat_id", inbound.ChatID, "error", err)
			continue
		}

		outbound := bus.OutboundMessage{
			Channel:  inbound.Channel,
			ChatID:   inbound.ChatID,
			Content:  reply,
			Metadata: inbound.Metadata,
		}
		if !s.bus.PublishOutbound(ctx, outbound) {
			s.log.Error("Failed to publish outbound message", "channel", inbound.Channel, "chat_id", inbound.ChatID)
		}
	}
}

// runOutboundDispatcher routes outbound messages to the owning adapter's Send.
func (s *Service) runOutboundDispatcher(ctx context.Context) {
	for {
		outbound, ok := s.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}

		adapter, found := s.byName[outbound.Channel]
		if !found {
			s.log.Error("No adapter for outbound channel", "channel", outbound.Channel)
			continue
		}

		if err := adapter.Send(ctx, outbound); err != nil {
			s.log.Error("Outbound send failed", "channel", outbound.Channel, "chat_id", outbound.ChatID, "error", err)
		}
	}
}

// respond produces one reply, creating the per-chat provider session on first use.
func (s *Service) respond(ctx context.Context, inbound bus.InboundMessage) (string, error) {
	chatKey := inbound.Channel + ":" + inbound.ChatID

	s.mu.RLock()
	sessionID := s.sessions[chatKey]
	s.mu.RUnlock()

	if sessionID == "" {
		created, err := s.provider.CreateSession(ctx, chatKey)
		if err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
		sessionID = created

		s.mu.Lock()
		s.sessions[chatKey] = sessionID
		s.mu.Unlock()
	}

	reply, err := s.provider.Prompt(ctx, sessionID, inbound.Content, s.cfg.Responder.Model)
	if err != nil {
		return "", fmt.Errorf("prompt: %w", err)
	}

	return reply, nil
}

func (s *Service) checkProviderHealth(ctx context.Context) error {
	err := s.provider.Health(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.providerLastErr = err.Error()
		return err
	}
	s.providerLastOKAt = time.Now().UTC()
	s.providerLastErr = ""

	return nil
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	providerLastOK := ""
	if !s.providerLastOKAt.IsZero() {
		providerLastOK = s.providerLastOKAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:           status,
		UptimeSeconds:    uptime,
		ProviderLastOKAt: providerLastOK,
		ProviderLastErr:  s.providerLastErr,
		Channels:         channels,
	}
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.providerLastOKAt.IsZero() || s.providerLastErr != "" {
		return false
	}
	for _, state := range s.channelStates {
		if state.Running {
			return true
		}
	}

	return false
}
