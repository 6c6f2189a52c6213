package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"opqueue/internal/models"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <type> <resource-id>",
	Short: "Add an operation to the queue",
	Long: `Add an operation to the queue. The operation is persisted
immediately and synced on the next drain run.

Known types: ADD_TO_CART, REMOVE_FROM_CART, UPDATE_QUANTITY, PLACE_ORDER,
UPDATE_PROFILE, APPLY_COUPON.

Examples:
  opqueue enqueue ADD_TO_CART product-42 --payload '{"quantity":2}'
  opqueue enqueue PLACE_ORDER order-17 --max-retries 5`,
	Args: cobra.ExactArgs(2),
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().String("payload", "", "JSON payload for the operation")
	enqueueCmd.Flags().Int("max-retries", models.DefaultMaxRetries, "Retry budget for this operation")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	payload, _ := cmd.Flags().GetString("payload")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")

	if payload != "" && !json.Valid([]byte(payload)) {
		return fmt.Errorf("--payload must be valid JSON")
	}
	if maxRetries < 0 {
		return fmt.Errorf("--max-retries must not be negative")
	}

	s, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	op := &models.Operation{
		Type:       models.OperationType(args[0]),
		ResourceID: args[1],
		MaxRetries: maxRetries,
	}
	if payload != "" {
		op.Payload = json.RawMessage(payload)
	}

	id, err := s.Enqueue(context.Background(), op)
	if err != nil {
		return err
	}

	cmd.Printf("Enqueued %s\n", id)
	return nil
}
