package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	redisbroker "github.com/ggoodman/bayeux-server-go/broker/redis"
	"github.com/ggoodman/bayeux-server-go/server"
)

func publishCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "publish <channel> <json>",
		Short: "Publish a message to every node through Redis",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(logLevel)
			if err != nil {
				return err
			}
			cfg, err := server.ConfigFromEnv()
			if err != nil {
				return err
			}
			if cfg.RedisAddr == "" {
				return errors.New("REDIS_ADDR must be set to publish to running nodes")
			}

			var data any
			if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
				return fmt.Errorf("message data: %w", err)
			}

			ctx := cmd.Context()
			b := redisbroker.New(redisbroker.Config{Addr: cfg.RedisAddr, KeyPrefix: cfg.RedisKeyPrefix})
			defer b.Close()
			if err := b.Ping(ctx); err != nil {
				return err
			}

			// A node without subscribers only relays.
			srv := server.New(server.WithConfig(cfg), server.WithLogger(log), server.WithBroker(b))
			if err := srv.Publish(ctx, nil, bayeux.NewMessage(args[0], data)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published to %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	return cmd
}
