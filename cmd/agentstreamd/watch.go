package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kelgrand/agentstream/internal/client"
)

var watchURL string

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "http://localhost:8080", "daemon base URL")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <agent-id>",
	Short: "Follow an agent's message stream",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	agentID := args[0]
	base := strings.TrimRight(watchURL, "/")
	gateway := "ws" + strings.TrimPrefix(base, "http") + "/api/ws"

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	consumer := client.NewConsumer(gateway, &client.HTTPBackfiller{BaseURL: base})
	view, err := consumer.Watch(ctx, agentID)
	if err != nil {
		return err
	}
	go func() { _ = consumer.Run(ctx) }()

	var printed int64
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, msg := range view.Messages() {
			if msg.SequenceNumber <= printed {
				continue
			}
			// Print only the contiguous prefix; entries past a gap wait for
			// the repair.
			if msg.SequenceNumber > view.LastSequence() {
				break
			}
			fmt.Printf("[%d] %s: %s\n", msg.SequenceNumber, msg.Type, msg.Content)
			printed = msg.SequenceNumber
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
