package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/drip/internal/store"
)

var cleanupMaxAge time.Duration

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue inspection and maintenance commands",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show send unit counts by status",
	RunE:  runQueueStats,
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete terminal units older than the retention age",
	RunE:  runQueueCleanup,
}

func init() {
	queueCleanupCmd.Flags().DurationVar(&cleanupMaxAge, "max-age", 0,
		"Delete sent/bounced/skipped units older than this (defaults to storage.retention)")

	queueCmd.AddCommand(queueStatsCmd, queueCleanupCmd)
	rootCmd.AddCommand(queueCmd)
}

func openStore() (*store.BoltStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := store.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return s, nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	counts, err := s.CountUnits(context.Background())
	if err != nil {
		return fmt.Errorf("failed to count units: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "scheduled\t%d\n", counts.Scheduled)
	fmt.Fprintf(w, "sending\t%d\n", counts.Sending)
	fmt.Fprintf(w, "sent\t%d\n", counts.Sent)
	fmt.Fprintf(w, "failed\t%d\n", counts.Failed)
	fmt.Fprintf(w, "bounced\t%d\n", counts.Bounced)
	fmt.Fprintf(w, "skipped\t%d\n", counts.Skipped)
	fmt.Fprintf(w, "total\t%d\n", counts.Total)
	return w.Flush()
}

func runQueueCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	maxAge := cleanupMaxAge
	if maxAge <= 0 {
		maxAge = cfg.Storage.Retention
	}
	if maxAge <= 0 {
		return fmt.Errorf("no retention age configured; pass --max-age or set storage.retention")
	}

	s, err := store.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer s.Close()

	deleted, err := s.CleanupTerminal(context.Background(), maxAge)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	fmt.Printf("Deleted %d terminal units older than %s\n", deleted, maxAge)
	return nil
}
