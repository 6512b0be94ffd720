package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/goconcierge/internal/agent"
	"github.com/nextlevelbuilder/goconcierge/internal/assistant"
	"github.com/nextlevelbuilder/goconcierge/internal/buffer"
	"github.com/nextlevelbuilder/goconcierge/internal/bus"
	"github.com/nextlevelbuilder/goconcierge/internal/channels"
	"github.com/nextlevelbuilder/goconcierge/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/goconcierge/internal/clock"
	"github.com/nextlevelbuilder/goconcierge/internal/config"
	"github.com/nextlevelbuilder/goconcierge/internal/contextcache"
	"github.com/nextlevelbuilder/goconcierge/internal/gateway"
	httpapi "github.com/nextlevelbuilder/goconcierge/internal/http"
	"github.com/nextlevelbuilder/goconcierge/internal/lockqueue"
	"github.com/nextlevelbuilder/goconcierge/internal/sessions"
	"github.com/nextlevelbuilder/goconcierge/internal/store"
	"github.com/nextlevelbuilder/goconcierge/internal/tools"
	"github.com/nextlevelbuilder/goconcierge/internal/tracing"
	"github.com/nextlevelbuilder/goconcierge/internal/webhook"
)

// drainTimeout bounds how long shutdown waits for queued turns.
const drainTimeout = 30 * time.Second

func setupLogging(format string) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

// fatal logs err and exits after delay, so log shippers see the line
// before the container restarts.
func fatal(msg string, delay time.Duration, args ...any) {
	slog.Error(msg, args...)
	if delay > 0 {
		time.Sleep(delay)
	}
	os.Exit(1)
}

func bufferConfig(b config.BufferConfig) buffer.Config {
	return buffer.Config{
		TextWindow:     b.TextWindow.D(),
		MediaWindow:    b.MediaWindow.D(),
		PresenceWindow: b.PresenceWindow.D(),
		VoiceWindow:    b.VoiceWindow.D(),
		MaxFragments:   b.MaxFragments,
		MaxHolds:       b.MaxHolds,
		TextWindows: map[string]time.Duration{
			webhook.OperationsName: b.OperationsTextWindow.D(),
		},
	}
}

func logGateConfig(l config.LogConfig) channels.LogGateConfig {
	return channels.LogGateConfig{
		InvalidWebhookWindow: l.InvalidWebhookWindow.D(),
		TypingWindow:         l.TypingWindow.D(),
		Retention:            l.Retention.D(),
	}
}

// processorPolicies derives the per-processor behaviour from config.
func processorPolicies(cfg *config.Config) (main, ops webhook.Policy) {
	main = webhook.Policy{
		TrackPresence: cfg.WhatsApp.TrackPresence,
		ResponseDelay: cfg.WhatsApp.ResponseDelay.D(),
	}
	ops = webhook.Policy{
		ResponseDelay: cfg.Operations.ResponseDelay.D(),
		CompactLogs:   true,
		AssistantID:   cfg.Operations.AssistantID,
	}
	return main, ops
}

func loopPolicy(p webhook.Policy) agent.Policy {
	return agent.Policy{
		ResponseDelay: p.ResponseDelay,
		TrackPresence: p.TrackPresence,
		CompactLogs:   p.CompactLogs,
		AssistantID:   p.AssistantID,
	}
}

func tokenEstimator(encoding string) contextcache.TokenEstimator {
	if encoding == "" {
		return contextcache.CharEstimator{}
	}
	return contextcache.NewTiktokenEstimator(encoding)
}

// gatewayStats is the body of GET /health.
type gatewayStats struct {
	Version   string                            `json:"version"`
	Uptime    string                            `json:"uptime"`
	Buffer    buffer.Stats                      `json:"buffer"`
	Locks     lockqueue.Stats                   `json:"locks"`
	Sessions  sessions.Stats                    `json:"sessions"`
	Turns     agent.Stats                       `json:"turns"`
	Context   contextcache.Stats                `json:"context"`
	Echoes    int                               `json:"echoes"`
	Outbound  int                               `json:"outboundPending"`
	Channels  map[string]channels.ChannelStatus `json:"channels"`
	LogGates  int                               `json:"logGates"`
	LockAlert []lockqueue.Issue                 `json:"lockIssues,omitempty"`
}

func runGateway() {
	setupLogging("")

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal("failed to load config", 0, "error", err)
	}
	setupLogging(cfg.Log.Format)
	exitDelay := cfg.Gateway.ExitDelay.D()

	if err := cfg.Validate(); err != nil {
		if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
			fmt.Println("No configuration found. Run the setup wizard first:")
			fmt.Println()
			fmt.Println("  goconcierge onboard")
			fmt.Println()
		}
		fatal("invalid config", exitDelay, "error", err)
	}

	// Intake stops on a signal; turns keep running on workCtx until the
	// queue drains.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	shutdownTracing, err := tracing.Setup(workCtx, tracing.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Headers:     cfg.Telemetry.Headers,
		Version:     Version,
	})
	if err != nil {
		fatal("tracing setup failed", exitDelay, "error", err)
	}

	clk := clock.Real()
	loc := cfg.Context.Location()

	clients, err := openClientStore(workCtx, storeConfig(cfg))
	if err != nil {
		fatal("client store unavailable", exitDelay, "error", err)
	}

	echoes := webhook.NewEchoTracker(clk, cfg.WhatsApp.EchoTTL.D(), cfg.WhatsApp.EchoCap)
	built, err := whatsapp.New(cfg.WhatsApp, loc, echoes.RecordID)
	if err != nil {
		fatal("whatsapp transport", exitDelay, "error", err)
	}

	msgBus := bus.New()
	channelMgr := channels.NewManager(msgBus, channels.WithRetry(3, 2*time.Second))
	channelMgr.RegisterChannel(whatsapp.ChannelName, built.Transport)
	profiles := store.NewProfiles(clients, built.Profiles)

	sessStore, err := sessions.Open(sessions.Options{
		Dir:             cfg.SessionsDir(),
		SaveInterval:    cfg.Sessions.SaveInterval.D(),
		BackupKeep:      cfg.Sessions.BackupKeep,
		Retention:       cfg.Sessions.Retention.D(),
		ActiveWindow:    cfg.Sessions.ActiveWindow.D(),
		CompressBackups: cfg.Sessions.CompressBackups,
		Clock:           clk,
	})
	if err != nil {
		fatal("session store", exitDelay, "error", err)
	}

	toolsReg := tools.NewRegistry()
	toolsReg.Register(tools.NewCurrentTimeTool(clk, loc))
	if cfg.Operations.ChatID != "" {
		toolsReg.Register(tools.NewEscalateTool(built.Transport, cfg.Operations.ChatID))
	}

	asst := assistant.NewClient(
		assistant.NewOpenAIAPI(cfg.Assistant.APIKey, cfg.Assistant.BaseURL),
		assistant.Config{
			AssistantID:        cfg.Assistant.AssistantID,
			PollInterval:       cfg.Assistant.PollInterval.D(),
			MaxPollBackoff:     cfg.Assistant.MaxPollBackoff.D(),
			MaxPollAttempts:    cfg.Assistant.MaxPollAttempts,
			AddMessageAttempts: cfg.Assistant.AddMessageAttempts,
			OrphanAge:          cfg.Assistant.OrphanAge.D(),
		},
		clk, toolsReg,
	)

	injector := contextcache.NewInjector(contextcache.Config{
		HistoryTTL:        cfg.Context.HistoryTTL.D(),
		RelevantTTL:       cfg.Context.RelevantTTL.D(),
		MarkerTTL:         cfg.Context.MarkerTTL.D(),
		RecentWindow:      cfg.Context.RecentWindow.D(),
		CompressThreshold: cfg.Context.CompressThreshold,
		MaxLines:          cfg.Context.MaxLines,
		HistoryFetch:      cfg.Context.HistoryFetch,
		Location:          loc,
	}, clk, built.History, profiles, asst, tokenEstimator(cfg.Context.Tokenizer))

	queue := lockqueue.New(lockqueue.Config{
		StaleAfter:    cfg.Lock.StaleAfter.D(),
		QueueAlert:    cfg.Lock.QueueAlert,
		SweepInterval: cfg.Lock.SweepInterval.D(),
	}, clk)

	mainPolicy, opsPolicy := processorPolicies(cfg)
	loop := agent.NewLoop(agent.LoopConfig{
		Channel:   whatsapp.ChannelName,
		Sessions:  sessStore,
		Assistant: asst,
		Injector:  injector,
		Queue:     queue,
		Outbound:  msgBus,
		Events:    msgBus,
		Presence:  channelMgr,
		Echoes:    echoes,
		Policies: map[string]agent.Policy{
			webhook.MainName:       loopPolicy(mainPolicy),
			webhook.OperationsName: loopPolicy(opsPolicy),
		},
		Clock:       clk,
		LatencyWarn: cfg.Assistant.LatencyWarn.D(),
	})

	msgBus.Subscribe("turn-log", func(ev bus.Event) {
		if ev.Name != bus.EventSessionRotated {
			return
		}
		if r, ok := ev.Payload.(agent.SessionRotated); ok {
			slog.Warn("gateway: thread rotated after context overflow", "key", r.Key, "old", r.OldThread, "new", r.NewThread)
		}
	})

	buf := buffer.New(bufferConfig(cfg.Buffer), clk, loop.FlushFunc(workCtx))
	activity := webhook.NewActivityTracker(clk, cfg.Buffer.PresenceWindow.D())
	buf.SetHold(activity.Hold)
	gate := channels.NewLogGate(clk, logGateConfig(cfg.Log))

	deps := webhook.Deps{
		Buffer:          buf,
		Turns:           loop,
		Echoes:          echoes,
		Activity:        activity,
		Context:         injector,
		Transcriber:     assistant.NewOpenAITranscriber(cfg.Assistant.APIKey, cfg.Assistant.TranscribeLanguage, cfg.WhatsApp.Token),
		Clients:         profiles,
		Gate:            gate,
		ManualAgentSync: cfg.WhatsApp.ManualAgentSync,
	}
	var processors []webhook.Processor
	if cfg.Operations.Enabled() {
		processors = append(processors, webhook.NewOperationsProcessor(deps, opsPolicy, cfg.Operations.ChatID, cfg.Operations.BotNumber))
	}
	processors = append(processors, webhook.NewMainProcessor(deps, mainPolicy, cfg.Operations.ChatID))
	router := webhook.NewRouter(gate, processors...)

	started := clk.Now()
	handler := webhook.NewHandler(workCtx, webhook.HandlerConfig{
		Path:    cfg.Gateway.WebhookPath,
		MaxBody: cfg.Gateway.MaxBodySize,
		Router:  router,
		Limiter: channels.NewWebhookRateLimiter(clk, cfg.Gateway.IngressRPM),
		Gate:    gate,
		Health: func() any {
			return gatewayStats{
				Version:   Version,
				Uptime:    clk.Now().Sub(started).Round(time.Second).String(),
				Buffer:    buf.Stats(),
				Locks:     queue.Stats(),
				Sessions:  sessStore.Stats(),
				Turns:     loop.Stats(),
				Context:   injector.Stats(),
				Echoes:    echoes.Len(),
				Outbound:  msgBus.Pending() + channelMgr.Pending(),
				Channels:  channelMgr.Status(),
				LogGates:  gate.Len(),
				LockAlert: queue.DetectIssues(),
			}
		},
	})
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	var stream *gateway.Server
	if token := cfg.Gateway.AdminToken; token != "" {
		httpapi.NewSessionsHandler(sessStore, queue, msgBus, token).RegisterRoutes(mux)
		httpapi.NewClientsHandler(clients, injector, msgBus, token).RegisterRoutes(mux)
		if cfg.Gateway.EventsPath != "" {
			stream = gateway.NewServer(gateway.Config{
				AllowedOrigins: cfg.Gateway.AllowedOrigins,
				Token:          token,
			}, msgBus, clk, func() any {
				return map[string]any{"sessions": sessStore.Stats(), "turns": loop.Stats()}
			})
			stream.RegisterRoutes(mux, cfg.Gateway.EventsPath)
		}
	} else {
		slog.Info("operator API disabled (GOCONCIERGE_ADMIN_TOKEN not set)")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := channelMgr.StartAll(workCtx); err != nil {
		fatal("start channels", exitDelay, "error", err)
	}

	g, gctx := errgroup.WithContext(workCtx)
	g.Go(func() error { sessStore.Run(gctx); return nil })
	g.Go(func() error { queue.Run(gctx); return nil })
	g.Go(func() error {
		runMaintenance(gctx, clk, maintenance{
			buffer:   buf,
			idleAge:  cfg.Buffer.IdleMaxAge.D(),
			gate:     gate,
			activity: activity,
			injector: injector,
			interval: time.Minute,
		})
		return nil
	})
	g.Go(func() error {
		return runSchedules(gctx, clk, []schedule{
			{name: "sessions.sweep", expr: cfg.Sessions.SweepSchedule, run: func(context.Context) {
				if n := sessStore.Sweep(); n > 0 {
					slog.Info("gateway: idle sessions purged", "count", n)
				}
			}},
			{name: "assistant.orphans", expr: cfg.Assistant.OrphanSchedule, run: func(ctx context.Context) {
				sweepOrphans(ctx, asst, sessStore, queue)
			}},
		})
	})
	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, func(next *config.Config) {
			applyReload(cfg, next, buf, gate, activity)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("config hot reload disabled", "error", err)
		}
		return nil
	})

	// Runs from a previous process may still be active on stored threads.
	go sweepOrphans(workCtx, asst, sessStore, queue)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("goconcierge gateway starting",
			"version", Version,
			"addr", addr,
			"webhook", cfg.Gateway.WebhookPath,
			"processors", len(processors),
			"tools", toolsReg.Names(),
			"sessions", sessStore.Stats().Total,
			"db", cfg.Database.Driver,
		)
		serveErr <- server.ListenAndServe()
	}()

	exitCode := 0
	select {
	case <-sigCtx.Done():
		slog.Info("graceful shutdown initiated")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("gateway server", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	server.Shutdown(shutdownCtx)
	if stream != nil {
		stream.Close()
	}
	if err := handler.Wait(shutdownCtx); err != nil {
		slog.Warn("webhook routing did not finish", "error", err)
	}
	cancel()

	if n := buf.FlushAll(); n > 0 {
		slog.Info("flushed pending buffers", "count", n)
	}
	queue.Close()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	if err := queue.Wait(drainCtx); err != nil {
		slog.Warn("turn queue did not drain", "error", err, "stats", queue.Stats())
	}
	cancelDrain()

	cancelWork()
	g.Wait()
	channelMgr.StopAll(context.Background())

	if err := sessStore.Close(); err != nil {
		slog.Error("final session snapshot failed", "error", err)
		exitCode = 1
	}
	if err := clients.Close(); err != nil {
		slog.Warn("close client store", "error", err)
	}
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	shutdownTracing(flushCtx)
	cancelFlush()

	slog.Info("gateway stopped", "turns", loop.Stats())
	if exitCode != 0 {
		fatal("gateway exited with errors", exitDelay)
	}
}

// applyReload pushes hot-reloadable settings into running components.
// Everything else needs a restart.
func applyReload(cfg, next *config.Config, buf *buffer.Buffer, gate *channels.LogGate, activity *webhook.ActivityTracker) {
	before := cfg.Hash()
	cfg.ReplaceFrom(next)
	if cfg.Hash() == before {
		return
	}
	b, l := cfg.Snapshot()
	buf.SetConfig(bufferConfig(b))
	gate.SetConfig(logGateConfig(l))
	activity.SetWindow(b.PresenceWindow.D())
	slog.Info("config reloaded", "hash", cfg.Hash(), "text_window", b.TextWindow.D())
}
