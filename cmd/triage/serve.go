package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/steveyegge/triage/internal/pipeline"
	"github.com/steveyegge/triage/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve issue webhooks and sweep untriaged issues",
	Long: `Start the webhook server.

Endpoints:
  POST /webhooks/github   GitHub "issues" events (opened, reopened, bypass label added)
  POST /webhooks/gitlab   GitLab "Issue Hook" events (open, reopen, bypass label added)
  GET  /healthz           queue status
  GET  /metrics           Prometheus metrics

With server.sweep_schedule set (cron syntax, e.g. "*/30 * * * *"), open
issues that carry no triage labels are triaged on that schedule. With
server.redis_url set, runs for the same issue on different instances
supersede each other through Redis.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		addr := cfg.Server.Addr
		if cmd.Flags().Changed("addr") {
			addr, _ = cmd.Flags().GetString("addr")
		}

		var guard pipeline.Guard = pipeline.NewMemoryGuard()
		if cfg.Server.RedisURL != "" {
			rg, client, err := redisGuard(ctx, cfg.Server.RedisURL)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			guard = rg
			logger.Info("redis connected, sharing run generations")
		}

		deps, err := buildPipeline(ctx, cfg, buildOptions{guard: guard, registry: prometheus.DefaultRegisterer})
		if err != nil {
			return err
		}
		defer deps.Close()

		sc := server.DefaultConfig()
		sc.WebhookSecret = cfg.Server.WebhookSecret
		sc.GitLabToken = cfg.Server.GitLabWebhookToken
		sc.BypassLabel = cfg.Security.BypassLabel
		sc.Workers = cfg.Server.Workers
		sc.SweepSchedule = cfg.Server.SweepSchedule
		sc.Retention = time.Duration(cfg.Retention.RetentionDays) * 24 * time.Hour
		sc.KeepFailed = cfg.Retention.KeepFailed
		if cfg.Telemetry.Enabled() {
			sc.ServiceName = cfg.Telemetry.ServiceName
		}
		if sc.WebhookSecret == "" {
			logger.Warn("TRIAGE_WEBHOOK_SECRET not set, GitHub signatures are not verified")
		}

		opts := []server.Option{server.WithLogger(logger), server.WithChains(deps.chains)}
		if deps.store != nil {
			opts = append(opts, server.WithPruner(deps.store))
		}
		srv, err := server.New(deps.orch, deps.tracker, sc, opts...)
		if err != nil {
			return err
		}
		return srv.ListenAndServe(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "Listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}
