package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"opqueue/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts per state",
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List operations in the queue",
	RunE:  runList,
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output counts as JSON")
	rootCmd.AddCommand(statusCmd)

	listCmd.Flags().Int("limit", 50, "Maximum operations to show")
	listCmd.Flags().Int("offset", 0, "Offset into the queue")
	listCmd.Flags().Bool("json", false, "Output operations as JSON")
	rootCmd.AddCommand(listCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	s, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	counts, err := s.CountByStatus(context.Background())
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(counts)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, status := range []models.OperationStatus{
		models.StatusPending,
		models.StatusSyncing,
		models.StatusSuccess,
		models.StatusFailed,
	} {
		fmt.Fprintf(w, "%s\t%d\n", status, counts[status])
	}
	return w.Flush()
}

func runList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	s, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	ops, err := s.List(context.Background(), limit, offset)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(ops)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tRESOURCE\tSTATUS\tRETRIES\tCREATED")
	for _, op := range ops {
		created := time.UnixMilli(op.CreatedAt).Format(time.RFC3339)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			op.ID, op.Type, op.ResourceID, op.Status, op.RetryCount, op.MaxRetries, created)
	}
	return w.Flush()
}
