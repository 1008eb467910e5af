package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/guanpeibj/family-ai-assistant/internal/channels"
	"github.com/guanpeibj/family-ai-assistant/internal/config"
	"github.com/guanpeibj/family-ai-assistant/internal/embeddings"
	"github.com/guanpeibj/family-ai-assistant/internal/engine"
	"github.com/guanpeibj/family-ai-assistant/internal/experiments"
	"github.com/guanpeibj/family-ai-assistant/internal/gateway"
	"github.com/guanpeibj/family-ai-assistant/internal/household"
	"github.com/guanpeibj/family-ai-assistant/internal/llm"
	"github.com/guanpeibj/family-ai-assistant/internal/media"
	"github.com/guanpeibj/family-ai-assistant/internal/observability"
	"github.com/guanpeibj/family-ai-assistant/internal/prompts"
	"github.com/guanpeibj/family-ai-assistant/internal/reminders"
	"github.com/guanpeibj/family-ai-assistant/internal/store"
	"github.com/guanpeibj/family-ai-assistant/internal/toolclient"
	"github.com/guanpeibj/family-ai-assistant/internal/toolservice"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant: gateway, engine, tool service, reminders",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "faa.yaml", "config file path")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	st, err := store.New(store.Config{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		RunMigrations:   true,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Media rendering needs a signing secret; without one, render_chart
	// and /media stay off.
	var renderer *media.Renderer
	var mediaHandler http.Handler
	if cfg.Media.SigningSecret != "" {
		signer := media.NewSigner(cfg.Media.SigningSecret, cfg.Media.URLTTL)
		renderer, err = media.NewRenderer(cfg.Media.Root, cfg.Media.BaseURL, signer, logger)
		if err != nil {
			return fmt.Errorf("init media: %w", err)
		}
		mediaHandler = renderer.Handler()
	} else {
		logger.Warn(ctx, "media.disabled", "reason", "no signing secret")
	}

	// Tool service: in-process unless an external URL is configured.
	toolURL := cfg.ToolService.URL
	if toolURL == "" {
		registry := toolservice.NewRegistry()
		toolservice.RegisterDefaultTools(registry, st, renderer)
		tsrv := toolservice.NewServer(registry, logger,
			toolservice.WithStrictMode(cfg.ToolService.StrictMode),
			toolservice.WithMetrics(metrics),
		)
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.ToolService.Port)
		toolURL = "http://" + addr
		go serveHTTP(ctx, addr, tsrv.Handler(), "toolservice", logger)
	}
	tools := toolclient.New(toolURL, logger)

	provider, err := chatProvider(cfg)
	if err != nil {
		return err
	}
	llmc := llm.NewClient(provider, llm.ClientConfig{
		RPMLimit:      cfg.LLM.RPMLimit,
		Concurrency:   cfg.LLM.Concurrency,
		MaxRetries:    cfg.LLM.MaxRetries,
		CacheTTL:      cfg.LLM.CacheTTL,
		CacheMaxItems: cfg.LLM.CacheMaxItems,
		Metrics:       metrics,
	})

	embAPIKey := cfg.Embeddings.APIKey
	if embAPIKey == "" {
		embAPIKey = cfg.LLM.APIKey
	}
	embCache := embeddings.NewCache(
		embeddings.NewOpenAIProvider(embeddings.OpenAIConfig{
			APIKey:    embAPIKey,
			BaseURL:   cfg.Embeddings.BaseURL,
			Model:     cfg.Embeddings.Model,
			Dimension: cfg.Embeddings.Dimension,
		}),
		embeddings.CacheConfig{
			MaxItems: cfg.Embeddings.CacheMaxItems,
			TTL:      cfg.Embeddings.CacheTTL,
			Metrics:  metrics,
		},
	)

	pm, err := prompts.NewManager(cfg.Prompts.CatalogPath, logger)
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}
	if cfg.Prompts.Watch {
		if err := pm.Watch(ctx); err != nil {
			return fmt.Errorf("watch prompts: %w", err)
		}
	}

	exps, err := experiments.LoadFile(cfg.Prompts.ExperimentsPath)
	if err != nil {
		return err
	}
	assigner, err := experiments.NewAssigner(exps, logger)
	if err != nil {
		return fmt.Errorf("load experiments: %w", err)
	}

	households := household.NewProvider(st, cfg.Family.SharedUserIDs,
		cfg.Family.HouseholdCacheTTL, logger)

	contexts := engine.NewContextManager(tools, households, cfg.Engine.LightContextSize, logger)
	analyzer := engine.NewAnalyzer(llmc, pm, contexts, tools, cfg.Engine.MaxThinkingRounds, logger, metrics)
	executor := engine.NewExecutor(tools, cfg.Engine.MaxPlanSteps, cfg.Engine.VerifyMaxRounds, logger, metrics)
	responder := engine.NewResponder(llmc, pm, tools, logger)
	orch := engine.NewOrchestrator(contexts, analyzer, executor, responder, pm, assigner,
		tools, embCache,
		engine.OrchestratorConfig{
			MessageDeadline:   cfg.Engine.MessageDeadline,
			SummaryEveryTurns: cfg.Engine.SummaryEveryTurns,
		}, logger, metrics)

	inbound := gateway.NewInboundHandler(st, orch, logger)
	senders := channels.NewSenderSet(st.ChannelAddress, logger)
	webhooks := map[string]http.Handler{}

	if cfg.Channels.Threema.Enabled {
		th := channels.NewThreema(channels.ThreemaConfig{
			GatewayID:     cfg.Channels.Threema.GatewayID,
			APISecret:     cfg.Channels.Threema.APISecret,
			WebhookSecret: cfg.Channels.Threema.WebhookSecret,
			SendURL:       cfg.Channels.Threema.SendURL,
		}, inbound, logger)
		senders.Register(th)
		webhooks["threema"] = th.Webhook()
	}
	if cfg.Channels.Telegram.Enabled {
		tg, err := channels.NewTelegram(cfg.Channels.Telegram.Token, inbound, logger)
		if err != nil {
			return fmt.Errorf("init telegram: %w", err)
		}
		senders.Register(tg)
		go tg.Start(ctx)
	}

	dispatcher := reminders.NewDispatcher(tools, senders, cfg.Reminders.PollSchedule, cfg.Reminders.DefaultChannel, logger, metrics)
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start reminders: %w", err)
	}

	srv := gateway.NewServer(orch, webhooks, mediaHandler, gateway.Config{
		MaxContentBytes: cfg.Engine.MaxContentBytes,
		DB:              st,
		ToolService:     pingFunc(tools.Ping),
		LLMProvider:     provider.Name(),
		Gatherer:        prometheus.DefaultGatherer,
	}, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info(ctx, "serve.start", "addr", addr, "tool_service", toolURL)
	serveHTTP(ctx, addr, srv.Handler(), "gateway", logger)
	return nil
}

// chatProvider picks the configured chat provider.
func chatProvider(cfg *config.Config) (llm.Provider, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		return llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey: cfg.LLM.AnthropicAPIKey,
			Model:  cfg.LLM.AnthropicModel,
		}), nil
	case "", "openai":
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		}), nil
	default:
		// OpenAI-compatible endpoints (qwen, deepseek) reuse the
		// openai provider under their own name.
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Name:    cfg.LLM.Provider,
		}), nil
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// serveHTTP runs an HTTP server until ctx is cancelled, then drains it.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, name string, logger *observability.Logger) {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(ctx, name+".serve.failed", "error", err.Error())
	}
}
