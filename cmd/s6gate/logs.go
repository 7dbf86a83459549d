package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"s6gate/internal/client"
	"s6gate/internal/config"
	"s6gate/internal/logstream"
)

func logsCmd() *cobra.Command {
	var (
		server   string
		backfill int
	)
	cmd := &cobra.Command{
		Use:   "logs CONTAINER SERVICE",
		Short: "Follow a service log through the gateway",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			logger := newLogger(cmd.ErrOrStderr(), config.LoggingConfig{Level: "warn"})
			f := &client.Follower{BaseURL: server, Backfill: backfill, Logger: logger}
			err := f.Follow(ctx, args[0], args[1], func(ev logstream.Event) {
				if ev.Type == logstream.EventError {
					logger.Warn("stream error", "detail", ev.Data)
					return
				}
				fmt.Fprint(out, ev.Data)
			})
			if errors.Is(err, client.ErrServiceStopped) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s/%s stopped\n", args[0], args[1])
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://127.0.0.1:8081", "Gateway base URL")
	cmd.Flags().IntVar(&backfill, "backfill", 100, "Lines of history to print first")
	return cmd
}
