// Command fake-agent serves the in-container agent contract over a Unix
// socket with in-memory services, for running the gateway without robots.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"s6gate/internal/agent/agenttest"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		socketPath string
		services   []string
		interval   time.Duration
	)
	cmd := &cobra.Command{
		Use:           "fake-agent",
		Short:         "Serve fake s6 services over a Unix socket",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			agent := agenttest.New(services...)
			go grow(ctx, agent, services, interval)

			logger.Info("fake agent listening", "socket", socketPath, "services", strings.Join(services, ","))
			return agent.ListenAndServe(ctx, socketPath)
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", "/tmp/s6-agent.sock", "Unix socket path")
	cmd.Flags().StringSliceVar(&services, "service", []string{"demo", "demo-log"}, "Service names to serve")
	cmd.Flags().DurationVar(&interval, "log-interval", time.Second, "How often each service writes a log line")
	return cmd
}

// grow appends a line to every service log each interval.
func grow(ctx context.Context, agent *agenttest.Agent, services []string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, name := range services {
				agent.AppendLog(name, fmt.Sprintf("%s %s tick %d\n", now.Format(time.RFC3339), name, n))
			}
		}
	}
}
