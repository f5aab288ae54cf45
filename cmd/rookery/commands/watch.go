package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/rookery/internal/printer"
	"github.com/dyluth/rookery/pkg/blackboard"
)

var watchType string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch live blackboard activity",
	Long: `Subscribe to live item events and print each mutation as it happens.

Every create, update, and delete on the blackboard is shown with its
timestamp, action, type, and summary. Press Ctrl+C to stop.

Examples:
  # Watch everything
  rookery watch

  # Only goal activity
  rookery watch --type goal`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchType, "type", "t", "", "Only show events for this item type")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bb, err := connectBlackboard()
	if err != nil {
		return err
	}
	defer bb.Close()

	if err := bb.Ping(ctx); err != nil {
		return printer.Error(
			"blackboard not reachable",
			fmt.Sprintf("Could not reach Redis at %s: %v", rootRedisAddr, err),
			[]string{"Check the --redis flag or REDIS_URL."},
		)
	}

	sub, err := bb.SubscribeItemEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	printer.Info("Watching instance '%s' (Ctrl+C to stop)...\n\n", rootInstance)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	for {
		select {
		case <-sigCh:
			fmt.Println()
			return nil
		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			printer.Warning("subscription error: %v\n", err)
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if event.Item == nil {
				continue
			}
			if watchType != "" && string(event.Item.Type) != watchType {
				continue
			}
			printEvent(event)
		}
	}
}

func printEvent(event *blackboard.ItemEvent) {
	ts := time.Now().Format("15:04:05")
	item := event.Item
	status := item.Dimensions[blackboard.DimStatus]
	if status != "" {
		status = " [" + status + "]"
	}
	fmt.Printf("%s  %-8s  %-14s  %s%s  %s\n", ts, event.Action, item.Type, truncate(item.Summary, 50), status, item.ID)
}
