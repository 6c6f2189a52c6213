package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove finished operations from the queue",
	Long: `Remove finished operations from the queue.

By default only SUCCESS operations are removed. With --older-than,
every operation created before the cutoff is removed regardless of
state, except those currently SYNCING.`,
	RunE: runPurge,
}

func init() {
	purgeCmd.Flags().Duration("older-than", 0, "Remove operations older than this (e.g. 720h)")
	rootCmd.AddCommand(purgeCmd)
}

func runPurge(cmd *cobra.Command, args []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")
	if olderThan < 0 {
		return fmt.Errorf("--older-than must not be negative")
	}

	s, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()

	var n int64
	if olderThan > 0 {
		cutoff := time.Now().Add(-olderThan).UnixMilli()
		n, err = s.PurgeOlderThan(ctx, cutoff)
	} else {
		n, err = s.PurgeSuccessful(ctx)
	}
	if err != nil {
		return err
	}

	cmd.Printf("Purged %d operation(s)\n", n)
	return nil
}
