package main

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	redisbroker "github.com/ggoodman/bayeux-server-go/broker/redis"
	"github.com/ggoodman/bayeux-server-go/metrics"
	"github.com/ggoodman/bayeux-server-go/server"
)

func serveCmd() *cobra.Command {
	var (
		addr     string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a server node",
		Long: `Run a server node configured from BAYEUX_* environment variables.

When REDIS_ADDR is set, publishes are relayed to every node sharing it.
The admin endpoint serves /healthz, /metrics, /sessions, /channels and
POST /publish.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(logLevel)
			if err != nil {
				return err
			}
			cfg, err := server.ConfigFromEnv()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := []server.Option{
				server.WithConfig(cfg),
				server.WithLogger(log),
				server.WithMetrics(metrics.New(metrics.WithLogger(log))),
			}
			if cfg.RedisAddr != "" {
				b := redisbroker.New(redisbroker.Config{Addr: cfg.RedisAddr, KeyPrefix: cfg.RedisKeyPrefix})
				defer b.Close()
				if err := b.Ping(ctx); err != nil {
					return err
				}
				opts = append(opts, server.WithBroker(b))
			}
			srv := server.New(opts...)

			httpSrv := &http.Server{
				Addr:              addr,
				Handler:           newAdminRouter(srv, prometheus.DefaultGatherer),
				ReadHeaderTimeout: 10 * time.Second,
			}

			log.Info("bayeuxd.start",
				slog.String("addr", addr),
				slog.String("node", srv.NodeID()),
				slog.Bool("broker", cfg.RedisAddr != ""))

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(ctx) })
			g.Go(func() error {
				if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("admin listener: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			})

			err = g.Wait()
			log.Info("bayeuxd.stop")
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "Admin listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}
