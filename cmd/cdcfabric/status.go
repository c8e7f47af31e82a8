package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jfoltran/cdcfabric/internal/stats"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the last-known state of a running or recently-stopped fabric",
	Long: `Status reads the state file a running fabric persists periodically, so
it works even when invoked from a separate terminal or after the fabric has
stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := stats.ReadStateFile()
		if err != nil {
			return fmt.Errorf("no state available: %w", err)
		}
		if statusJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "phase: %s\n\n", snap.Phase)

		fmt.Fprintln(cmd.OutOrStdout(), "sources:")
		for _, name := range sortedKeysSrc(snap.Sources) {
			s := snap.Sources[name]
			fmt.Fprintf(cmd.OutOrStdout(), "  %-20s connected=%-5v events=%-8d lag=%v\n", name, s.Connected, s.EventsEmitted, s.LagEstimate)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "sinks:")
		for _, name := range sortedKeysSnk(snap.Sinks) {
			s := snap.Sinks[name]
			fmt.Fprintf(cmd.OutOrStdout(), "  %-20s connected=%-5v writes=%d/%d avg_latency=%v\n", name, s.Connected, s.WritesOK, s.WritesTotal, s.AvgLatency)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "pipelines:")
		for _, name := range sortedKeysPipe(snap.Pipelines) {
			p := snap.Pipelines[name]
			fmt.Fprintf(cmd.OutOrStdout(), "  %-20s in=%d ok=%d failed=%d dead-lettered=%d avg_latency=%v\n", name, p.EventsIn, p.EventsOK, p.EventsFailed, p.DeadLettered, p.AvgLatency)
		}
		return nil
	},
}

func sortedKeysSrc(m map[string]stats.SourceSnapshot) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysSnk(m map[string]stats.SinkSnapshot) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysPipe(m map[string]stats.PipelineSnapshot) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print raw JSON instead of a formatted table")
	rootCmd.AddCommand(statusCmd)
}
