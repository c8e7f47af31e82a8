package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jfoltran/cdcfabric/internal/config"
	"github.com/jfoltran/cdcfabric/internal/supervisor"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the routing fabric from a topology file",
	Long: `Run loads a YAML topology of sources, sinks, and pipelines, connects
every one of them, and streams changes until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(runConfigPath)
		if err != nil {
			return err
		}
		cfg, err := config.Parse(data)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sup := supervisor.New(logger)
		if err := sup.Start(ctx, cfg); err != nil {
			return err
		}

		<-ctx.Done()
		logger.Info().Msg("shutdown signal received")

		shutdownCtx := context.WithoutCancel(cmd.Context())
		return sup.Shutdown(shutdownCtx)
	},
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "cdcfabric.yaml", "Path to the topology YAML file")
	rootCmd.AddCommand(runCmd)
}
