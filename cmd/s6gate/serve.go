package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"s6gate/internal/agent"
	"s6gate/internal/api"
	"s6gate/internal/config"
	"s6gate/internal/docker"
	"s6gate/internal/logstream"
	"s6gate/internal/notify"
	"s6gate/internal/services"
	"s6gate/internal/topics"
)

const shutdownTimeout = 5 * time.Second

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.Path(*configPath))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(os.Stderr, cfg.Logging)

	sockets := make(map[string]string, len(cfg.Containers))
	for name, ctr := range cfg.Containers {
		sockets[name] = ctr.SocketPath
	}
	agentClient := agent.NewClient(agent.NewPool(sockets, agent.Options{
		RequestTimeout: cfg.Agents.RequestTimeout.Std(),
		LogTimeout:     cfg.Agents.LogTimeout.Std(),
		Logger:         logger,
	}))

	registry := services.NewRegistry(agentClient, cfg.Containers)
	pollerOpts := services.PollerOptions{
		Containers: cfg.ContainerNames(),
		Interval:   cfg.Poller.Interval.Std(),
		Logger:     logger,
	}
	if tg := notify.NewTelegram(cfg.Notify.Telegram); tg != nil {
		pollerOpts.Notifier = tg
	}
	poller := services.NewPoller(registry, agentClient, pollerOpts)

	logs := logstream.New(
		logstream.NewAgentSource(agentClient, logstream.AgentSourceOptions{
			Status:         poller,
			PollInterval:   cfg.Logs.PollInterval.Std(),
			StatusInterval: cfg.Logs.StatusCheckInterval.Std(),
			Retries:        cfg.Logs.SourceRetries,
			Logger:         logger,
		}),
		logstream.Options{
			HistoryLines: cfg.Logs.HistoryLines,
			Buffer:       cfg.Logs.SubscriberBuffer,
			Overflow:     cfg.Logs.OverflowPolicy,
			Logger:       logger,
		},
	)
	defer logs.Close()

	bridge := topics.NewBridge(cfg.Containers, topics.Options{
		StalenessWindow: cfg.Topics.StalenessWindow.Std(),
		MaxRateHz:       cfg.Topics.MaxRateHz,
		ExposeStale:     cfg.Topics.ExposeStale,
		Logger:          logger,
	}, func(container, url string) topics.Source {
		return topics.NewRosbridge(url, logger.With("container", container))
	})

	engine := docker.NewAdapter(docker.Options{
		Host:        cfg.Docker.Host,
		Disabled:    !cfg.Docker.On(),
		StopTimeout: cfg.Docker.StopTimeout.Std(),
		CallTimeout: cfg.Docker.CallTimeout.Std(),
		Logger:      logger,
	})
	defer engine.Close()

	server := api.NewServer(api.Deps{
		Config:     cfg,
		Registry:   registry,
		Poller:     poller,
		Dispatcher: services.NewDispatcher(registry, agentClient, logger),
		Agent:      agentClient,
		Logs:       logs,
		Topics:     bridge,
		Docker:     engine,
		Logger:     logger,
		Version:    version,
	})
	if cfg.Server.StaticDir != "" {
		server.WithStatic(http.Dir(cfg.Server.StaticDir))
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(ctx) })
	g.Go(func() error { return bridge.Run(ctx) })
	g.Go(func() error {
		return engine.Watch(ctx, 30*time.Second, func(ev docker.Event) {
			server.BroadcastDockerEvent(ctx, ev)
		})
	})
	g.Go(func() error {
		logger.Info("s6gate starting", "addr", cfg.Server.HTTPAddr, "version", version, "containers", len(cfg.Containers))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
