package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fernhq/fern/pkg/fern/agent"
	"github.com/fernhq/fern/pkg/fern/backend"
	"github.com/fernhq/fern/pkg/fern/channels"
	"github.com/fernhq/fern/pkg/fern/channels/discord"
	"github.com/fernhq/fern/pkg/fern/channels/twilio"
	"github.com/fernhq/fern/pkg/fern/completion"
	"github.com/fernhq/fern/pkg/fern/config"
	"github.com/fernhq/fern/pkg/fern/gateway"
	"github.com/fernhq/fern/pkg/fern/memory"
	"github.com/fernhq/fern/pkg/fern/scheduler"
	"github.com/fernhq/fern/pkg/fern/store"
	"github.com/fernhq/fern/pkg/fern/subagent"
)

const (
	// shutdownTimeout bounds the whole graceful stop sequence.
	shutdownTimeout = 10 * time.Second

	// gatewayStopTimeout bounds draining of in-flight HTTP requests.
	gatewayStopTimeout = 5 * time.Second

	// maintenanceInterval is the cadence for session and todo cleanup.
	maintenanceInterval = 10 * time.Minute

	// todoRetention is how long finished checklist items are kept.
	todoRetention = 7 * 24 * time.Hour

	// summaryTimeout bounds one archival summarization prompt.
	summaryTimeout = 2 * time.Minute
)

// newServeCmd creates the `fern serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant daemon",
		Long: `Start Fern as a daemon: launch the LLM backend subprocess, connect
the configured messaging channels and serve the local HTTP API.

Examples:
  fern serve
  fern serve --channel discord
  fern serve --config ./fern.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (discord, sms, whatsapp)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	config.AuditSecrets(cfg.SourcePath(), logger)
	vault := config.ResolveSecrets(cfg, logger)
	if vault != nil {
		defer vault.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	srv := backend.NewServer(backend.ServerConfig{
		Command:    cfg.Backend.Command,
		PortMin:    cfg.Backend.PortMin,
		PortMax:    cfg.Backend.PortMax,
		StorageDir: cfg.Storage.SessionsPath,
	}, logger)
	if err := srv.Start(ctx); err != nil {
		st.Close()
		return fmt.Errorf("starting backend: %w", err)
	}
	client := srv.Client()

	comp := completion.NewCoordinator(logger)

	var memStore *memory.Store
	var archivist *memory.Archivist
	if cfg.Memory.Enabled {
		embedder := memory.NewEmbedder(cfg.Memory.Embedding)
		memStore, err = memory.New(st.DB(), embedder, logger)
		if err != nil {
			srv.Stop()
			st.Close()
			return fmt.Errorf("opening memory store: %w", err)
		}
		summarizer := &summaryCompleter{
			client: client,
			comp:   comp,
			logger: logger.With("component", "summarizer"),
		}
		archivist = memory.NewArchivist(memStore, sessionFetcher{client: client}, summarizer, logger)
		logger.Info("memory enabled", "embedder", embedder.Name(), "model", embedder.Model())
	} else {
		logger.Info("memory disabled")
	}

	var archiver agent.Archiver
	if archivist != nil {
		archiver = archivist
	}
	coordinator := agent.NewCoordinator(agent.Config{
		MaxTurnDuration: cfg.Agent.MaxTurnDuration(),
	}, client, srv, archiver, comp, logger)

	channelFilter, _ := cmd.Flags().GetStringSlice("channel")
	registry := channels.NewRegistry()
	if cfg.Channels.Discord.Enabled && shouldEnable("discord", channelFilter) {
		registry.Register(discord.New(discord.Config{Token: cfg.Channels.Discord.Token}, logger))
	}
	if cfg.Channels.Twilio.Enabled {
		twilioCfg := twilio.Config{
			AccountSID: cfg.Channels.Twilio.AccountSID,
			AuthToken:  cfg.Channels.Twilio.AuthToken,
			From:       cfg.Channels.Twilio.From,
		}
		if shouldEnable("sms", channelFilter) {
			registry.Register(twilio.New(twilioCfg, twilio.ModeSMS, logger))
		}
		if shouldEnable("whatsapp", channelFilter) {
			registry.Register(twilio.New(twilioCfg, twilio.ModeWhatsApp, logger))
		}
	}
	for _, ch := range registry.All() {
		if err := ch.Connect(ctx); err != nil {
			logger.Error("channel connect failed", "channel", ch.Name(), "error", err)
			continue
		}
		logger.Info("channel connected", "channel", ch.Name())
	}
	dispatcher := channels.NewDispatcher(registry, logger)

	subagents := subagent.NewManager(cfg.Subagents, st, coordinator, comp, logger)
	if err := subagents.Recover(ctx); err != nil {
		logger.Warn("subagent recovery failed", "error", err)
	}

	sched := scheduler.New(cfg.Scheduler, st, coordinator, dispatcher, logger)
	if err := sched.Recover(ctx); err != nil {
		logger.Warn("scheduler recovery failed", "error", err)
	}
	sched.Start()

	for _, ch := range registry.All() {
		go pumpChannel(ctx, ch, coordinator, dispatcher, logger)
	}

	go maintenanceLoop(ctx, coordinator, st, logger)

	deps := gateway.Deps{
		Agent:     coordinator,
		Subagents: subagents,
		Jobs:      sched,
		Tasks:     st,
		Sender:    dispatcher,
		Registry:  registry,
	}
	if memStore != nil {
		deps.Memory = memStore
	}
	gw := gateway.New(gateway.Config{
		Addr:             fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Secret:           cfg.API.Secret,
		WebhookPublicURL: cfg.Webhook.PublicURL,
		TwilioAuthToken:  cfg.Channels.Twilio.AuthToken,
	}, deps, logger)
	if err := gw.Start(ctx); err != nil {
		sched.Stop()
		subagents.Close()
		if archivist != nil {
			archivist.Close()
		}
		srv.Stop()
		st.Close()
		return fmt.Errorf("starting gateway: %w", err)
	}

	logger.Info("fern running, press Ctrl+C to stop",
		"port", cfg.Port,
		"backend_port", srv.Port(),
		"channels", registry.Names(),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping")

	done := make(chan struct{})
	go func() {
		// Stop intake first so nothing new starts, then drain the pools.
		cancel()
		sched.Stop()
		subagents.Close()
		if archivist != nil {
			archivist.Close()
		}
		dispatcher.Close()
		for _, ch := range registry.All() {
			if err := ch.Disconnect(); err != nil {
				logger.Warn("channel disconnect failed", "channel", ch.Name(), "error", err)
			}
		}
		stopCtx, stopCancel := context.WithTimeout(context.Background(), gatewayStopTimeout)
		if err := gw.Stop(stopCtx); err != nil {
			logger.Warn("gateway stop failed", "error", err)
		}
		stopCancel()
		srv.Stop()
		if err := st.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// shouldEnable reports whether a channel passes the --channel filter. An
// empty filter enables everything the config enables.
func shouldEnable(name string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == name {
			return true
		}
	}
	return false
}

// pumpChannel feeds inbound messages from one adapter into the agent.
// Each message runs in its own goroutine so a slow turn on one chat does
// not block the rest of the channel.
func pumpChannel(ctx context.Context, ch channels.Channel, coordinator *agent.Coordinator, dispatcher *channels.Dispatcher, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch.Receive():
			if !ok {
				return
			}
			go handleInbound(ctx, msg, coordinator, dispatcher, logger)
		}
	}
}

// handleInbound runs one turn for an inbound message and routes the reply
// back out. RunTurn never returns an error; failures arrive as a
// user-facing response string.
func handleInbound(ctx context.Context, msg *channels.IncomingMessage, coordinator *agent.Coordinator, dispatcher *channels.Dispatcher, logger *slog.Logger) {
	result := coordinator.RunTurn(ctx, agent.TurnInput{
		ThreadID:      msg.ThreadID(),
		Message:       msg.Content,
		Channel:       msg.Channel,
		ChannelUserID: msg.From,
	})
	if result.Response == "" || ctx.Err() != nil {
		return
	}

	if err := dispatcher.SendReply(ctx, msg.Channel, msg.ChatID, result.Response, msg.ID); err != nil {
		logger.Error("reply delivery failed", "channel", msg.Channel, "to", msg.ChatID, "error", err)
		// Second attempt with a short notice so the user is not left
		// hanging when the full response itself was the problem.
		if err := dispatcher.Send(ctx, msg.Channel, msg.ChatID, "I hit an error delivering my reply."); err != nil {
			logger.Error("error notice delivery failed", "channel", msg.Channel, "error", err)
		}
	}
}

// maintenanceLoop purges expired thread sessions and old finished todos.
func maintenanceLoop(ctx context.Context, coordinator *agent.Coordinator, st *store.Store, logger *slog.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := coordinator.Sessions().PurgeExpired(); n > 0 {
				logger.Debug("expired sessions purged", "count", n)
			}
			if n, err := st.PurgeTodos(ctx, todoRetention); err != nil {
				logger.Warn("todo purge failed", "error", err)
			} else if n > 0 {
				logger.Debug("finished todos purged", "count", n)
			}
		}
	}
}

// sessionFetcher adapts the backend client to the archivist's fetch
// interface, flattening message parts to plain text.
type sessionFetcher struct {
	client *backend.Client
}

func (f sessionFetcher) SessionMessages(ctx context.Context, sessionID string) ([]memory.RawMessage, error) {
	msgs, err := f.client.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]memory.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		var sb strings.Builder
		for _, part := range m.Parts {
			if part.Type != "text" || part.Text == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(part.Text)
		}
		if sb.Len() == 0 {
			continue
		}
		out = append(out, memory.RawMessage{
			ID:   m.Info.ID,
			Role: m.Info.Role,
			Text: sb.String(),
		})
	}
	return out, nil
}

// summaryCompleter runs one-shot prompts in a throwaway backend session.
// The archivist uses it for chunk summarization.
type summaryCompleter struct {
	client *backend.Client
	comp   *completion.Coordinator
	logger *slog.Logger
}

func (s *summaryCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	sessionID, err := s.client.CreateSession(ctx, "memory archival")
	if err != nil {
		return "", err
	}
	defer func() {
		if err := s.client.DeleteSession(context.Background(), sessionID); err != nil {
			s.logger.Debug("archival session cleanup failed", "session", sessionID, "error", err)
		}
	}()

	// Subscribe before prompting so the idle event cannot slip past.
	unsubscribe := s.client.Subscribe(sessionID, func(ev backend.Event) {
		switch ev.Type {
		case backend.EventSessionIdle:
			s.comp.SignalComplete(sessionID)
		case backend.EventSessionError:
			msg := ev.Message
			if msg == "" {
				msg = "session error"
			}
			s.comp.SignalError(sessionID, errors.New(msg))
		}
	})
	defer unsubscribe()

	waiter := s.comp.Register(sessionID)
	if err := s.client.Prompt(ctx, sessionID, backend.PromptRequest{
		Parts: []backend.PartInput{backend.TextPart(prompt)},
	}); err != nil {
		waiter.Cancel()
		return "", err
	}
	if err := waiter.Wait(ctx, summaryTimeout); err != nil {
		return "", err
	}
	return s.client.LastAssistantText(ctx, sessionID)
}
