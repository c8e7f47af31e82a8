// Command cdcfabric is the launcher for the routing fabric: it loads a
// YAML topology file, builds the zerolog logger, and hands both to the
// supervisor. It owns everything internal/config's doc comment says the
// core does not: reading a file, parsing flags, and reacting to signals.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	logger    zerolog.Logger
	logOutput = os.Stderr
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "cdcfabric",
	Short: "Change data capture routing fabric",
	Long: `cdcfabric reads a change feed from one or more source databases and
routes it to one or more destination sinks, applying filters, retries, and
dead-lettering along the way.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var w zerolog.ConsoleWriter
		switch logFormat {
		case "json":
			logger = zerolog.New(logOutput).With().Timestamp().Logger()
		default:
			w = zerolog.ConsoleWriter{Out: logOutput, TimeFormat: time.RFC3339}
			logger = zerolog.New(w).With().Timestamp().Logger()
		}

		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			level = zerolog.InfoLevel
		}
		logger = logger.Level(level)
		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.StringVar(&logFormat, "log-format", "console", "Log format (console, json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}
