package main

import (
	"context"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-arm operations that ran out of retries",
	Long: `Re-arm operations that ran out of retries. Exhausted FAILED
operations go back to PENDING with a fresh retry budget and are picked
up by the next drain run.`,
	RunE: runRetry,
}

func init() {
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) error {
	s, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := s.ResetExhausted(context.Background())
	if err != nil {
		return err
	}

	cmd.Printf("Re-armed %d operation(s)\n", n)
	return nil
}
