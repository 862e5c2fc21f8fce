package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/guildlog"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/queue"
	"github.com/oriys/quasar/internal/supervisor"
	"github.com/oriys/quasar/internal/timerstore"
)

func daemonCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the guild script runtime daemon",
		Long:  "Run the per-guild VM supervisor, task scheduler, and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.DSN = pgDSN
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Daemon.LogLevel)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.Init(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			store, err := timerstore.NewPostgresStore(context.Background(), cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect timer store: %w", err)
			}
			defer store.Close()

			glog := guildlog.New(store)
			defer glog.Close()

			var notifier queue.Notifier
			if cfg.Redis.Enabled {
				client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
				if err := client.Ping(context.Background()).Err(); err != nil {
					logging.Op().Warn("redis unreachable, falling back to in-process notifications", "error", err)
					notifier = queue.NewChannelNotifier()
				} else {
					notifier = queue.NewRedisNotifier(client)
					defer client.Close()
				}
			} else {
				notifier = queue.NewChannelNotifier()
			}
			defer notifier.Close()

			sup := supervisor.New(supervisor.Config{
				TimerStore:         store,
				GuildLog:           glog,
				Provider:           &supervisor.StaticProvider{},
				Notifier:           notifier,
				VMInitialHeapBytes: cfg.VM.InitialHeapBytes,
				VMMaxHeapBytes:     cfg.VM.MaxHeapBytes,
			})
			sup.Start(context.Background())
			defer sup.Stop()

			if cfg.Daemon.HTTPAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusOK)
					fmt.Fprintln(w, "ok")
				})
				srv := &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("http server failed", "error", err)
					}
				}()
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(ctx)
				}()
				logging.Op().Info("serving metrics", "addr", cfg.Daemon.HTTPAddr)
			}

			logging.Op().Info("quasar runtime started")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}
