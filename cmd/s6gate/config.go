package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"s6gate/internal/config"
)

func configCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect gateway configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the config file and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(*configPath)
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), path, cfg)
			return nil
		},
	})
	return cmd
}

func printSummary(w io.Writer, path string, cfg *config.Config) {
	fmt.Fprintf(w, "config %s is valid\n", path)
	fmt.Fprintf(w, "listen: %s\n", cfg.Server.HTTPAddr)
	if cfg.Docker.On() {
		fmt.Fprintf(w, "docker: %s\n", cfg.Docker.Host)
	} else {
		fmt.Fprintln(w, "docker: disabled")
	}
	fmt.Fprintf(w, "containers: %d\n", len(cfg.Containers))
	for _, name := range cfg.ContainerNames() {
		ctr := cfg.Containers[name]
		topics := "none"
		if ctr.ROS2 != nil {
			topics = fmt.Sprintf("%d via %s (domain %d)", len(ctr.ROS2.Topics)+len(ctr.ROS2.StaticTopics), ctr.ROS2.BridgeURL, ctr.ROS2.DomainID)
		}
		fmt.Fprintf(w, "  %s: socket=%s labels=%d topics=%s\n", name, ctr.SocketPath, len(ctr.Services), topics)
	}
}
