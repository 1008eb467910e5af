package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/guanpeibj/family-ai-assistant/internal/config"
	"github.com/guanpeibj/family-ai-assistant/internal/media"
	"github.com/guanpeibj/family-ai-assistant/internal/observability"
	"github.com/guanpeibj/family-ai-assistant/internal/store"
	"github.com/guanpeibj/family-ai-assistant/internal/toolservice"
)

func buildToolServiceCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "toolservice",
		Short: "Run the generic tool service standalone",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
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

			var renderer *media.Renderer
			if cfg.Media.SigningSecret != "" {
				signer := media.NewSigner(cfg.Media.SigningSecret, cfg.Media.URLTTL)
				renderer, err = media.NewRenderer(cfg.Media.Root, cfg.Media.BaseURL, signer, logger)
				if err != nil {
					return fmt.Errorf("init media: %w", err)
				}
			}

			registry := toolservice.NewRegistry()
			toolservice.RegisterDefaultTools(registry, st, renderer)
			srv := toolservice.NewServer(registry, logger,
				toolservice.WithStrictMode(cfg.ToolService.StrictMode),
				toolservice.WithMetrics(metrics),
			)

			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.ToolService.Port)
			logger.Info(ctx, "toolservice.start", "addr", addr)
			serveHTTP(ctx, addr, srv.Handler(), "toolservice", logger)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "faa.yaml", "config file path")
	return cmd
}
