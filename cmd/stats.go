package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store size, pool counters and cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			s, err := openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			stats, err := s.manager.Stats(ctx)
			if err != nil {
				return fmt.Errorf("failed to collect stats: %w", err)
			}

			return render(cmd.OutOrStdout(), stats, func(w io.Writer) {
				renderStats(w, stats)
			})
		},
	}
}

func newOptimizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "optimize",
		Short: "Refresh planner statistics, checkpoint the WAL and reclaim free pages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			s, err := openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			before, err := s.manager.Stats(ctx)
			if err != nil {
				return fmt.Errorf("failed to collect stats: %w", err)
			}

			start := time.Now()
			sp := startSpinner(cmd.OutOrStdout(), " Optimizing store...")
			err = s.manager.Optimize(ctx)
			stopSpinner(sp)
			if err != nil {
				return fmt.Errorf("optimize failed: %w", err)
			}
			elapsed := time.Since(start)

			after, err := s.manager.Stats(ctx)
			if err != nil {
				return fmt.Errorf("failed to collect stats: %w", err)
			}

			result := struct {
				SizeBefore int64         `json:"size_before" yaml:"size_before"`
				SizeAfter  int64         `json:"size_after" yaml:"size_after"`
				WALBefore  int64         `json:"wal_before" yaml:"wal_before"`
				WALAfter   int64         `json:"wal_after" yaml:"wal_after"`
				Duration   time.Duration `json:"duration" yaml:"duration"`
			}{before.SizeBytes, after.SizeBytes, before.WALBytes, after.WALBytes, elapsed}

			return render(cmd.OutOrStdout(), result, func(w io.Writer) {
				successColor.Fprintf(w, "✓ Optimized %s in %s\n", after.StorePath, elapsed.Round(time.Millisecond))
				printField(w, "Size", fmt.Sprintf("%s → %s", humanBytes(before.SizeBytes), humanBytes(after.SizeBytes)))
				printField(w, "WAL", fmt.Sprintf("%s → %s", humanBytes(before.WALBytes), humanBytes(after.WALBytes)))
			})
		},
	}
}
