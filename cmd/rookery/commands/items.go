package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/rookery/internal/printer"
	"github.com/dyluth/rookery/internal/resolver"
	"github.com/dyluth/rookery/internal/timespec"
	"github.com/dyluth/rookery/pkg/blackboard"
)

var (
	itemsType     string
	itemsDims     []string
	itemsLinkedTo string
	itemsContains string
	itemsSince    string
	itemsUntil    string
	itemsLimit    int
	itemsOutput   string
)

var itemsCmd = &cobra.Command{
	Use:   "items [ITEM_ID]",
	Short: "Inspect blackboard items",
	Long: `Inspect blackboard items in list or get mode.

List Mode (no ITEM_ID):
  Displays matching items as a table or JSON array. Filters combine
  with AND semantics.

Get Mode (with ITEM_ID):
  Displays complete details of a single item as pretty-printed JSON,
  including its dimensions, links, and detail payload.

Time filters accept a duration relative to now ("1h", "30m") or an
RFC3339 timestamp.

Examples:
  # List everything
  rookery items

  # Open goals created in the last hour
  rookery items --type goal --dim status=open --since 1h

  # Outputs attached to a task
  rookery items --type agent_output --linked-to <task-id>

  # Full detail of one item
  rookery items <item-id>

  # Extract ids for scripting
  rookery items --type task --output json | jq -r '.[].id'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runItems,
}

func init() {
	itemsCmd.Flags().StringVarP(&itemsType, "type", "t", "", "Filter by item type (goal, task, agent_output, ...)")
	itemsCmd.Flags().StringArrayVarP(&itemsDims, "dim", "d", nil, "Filter by dimension, key=value (repeatable)")
	itemsCmd.Flags().StringVar(&itemsLinkedTo, "linked-to", "", "Filter by linked item id")
	itemsCmd.Flags().StringVar(&itemsContains, "contains", "", "Filter by summary substring")
	itemsCmd.Flags().StringVar(&itemsSince, "since", "", "Only items created after this time (duration or RFC3339)")
	itemsCmd.Flags().StringVar(&itemsUntil, "until", "", "Only items created before this time (duration or RFC3339)")
	itemsCmd.Flags().IntVar(&itemsLimit, "limit", 50, "Maximum items to return")
	itemsCmd.Flags().StringVarP(&itemsOutput, "output", "o", "default", "Output format: default or json (list mode)")
	rootCmd.AddCommand(itemsCmd)
}

func runItems(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	bb, err := connectBlackboard()
	if err != nil {
		return err
	}
	defer bb.Close()

	if len(args) > 0 {
		return getItem(ctx, bb, args[0])
	}
	return listItems(ctx, bb)
}

func getItem(ctx context.Context, bb *blackboard.Client, ref string) error {
	id, err := resolver.ResolveItemID(ctx, bb, ref)
	if err != nil {
		var ambiguous *resolver.AmbiguousError
		if errors.As(err, &ambiguous) {
			fmt.Fprintln(os.Stderr, resolver.FormatAmbiguousError(ambiguous))
			return fmt.Errorf("ambiguous short ID '%s'", ref)
		}
		if resolver.IsNotFoundError(err) || strings.Contains(err.Error(), "item not found") {
			return printer.Error(
				"item not found",
				fmt.Sprintf("No item matching '%s' on instance '%s'.", ref, rootInstance),
				[]string{"List items to find the right id:\n  rookery items"},
			)
		}
		return err
	}

	item, err := bb.Get(ctx, id)
	if err != nil {
		return err
	}

	pretty, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func listItems(ctx context.Context, bb *blackboard.Client) error {
	sinceMS, untilMS, err := timespec.ParseRange(itemsSince, itemsUntil)
	if err != nil {
		return err
	}

	dims, err := parseDims(itemsDims)
	if err != nil {
		return err
	}

	query := blackboard.Query{
		Dimensions:      dims,
		SummaryContains: itemsContains,
		LinkedTo:        itemsLinkedTo,
		CreatedAfterMs:  sinceMS,
		CreatedBeforeMs: untilMS,
		Limit:           itemsLimit,
	}
	if itemsType != "" {
		query.Types = []blackboard.ItemType{blackboard.ItemType(itemsType)}
	}

	items, err := bb.Query(ctx, query)
	if err != nil {
		return err
	}

	if itemsOutput == "json" {
		out, err := json.MarshalIndent(items, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(items) == 0 {
		fmt.Println("No items found.")
		return nil
	}

	fmt.Printf("%-36s  %-14s  %-20s  %s\n", "ID", "TYPE", "CREATED", "SUMMARY")
	for _, item := range items {
		created := time.UnixMilli(item.CreatedAtMs).Format("2006-01-02 15:04:05")
		fmt.Printf("%-36s  %-14s  %-20s  %s\n", item.ID, item.Type, created, truncate(item.Summary, 60))
	}
	return nil
}

func parseDims(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	dims := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --dim '%s' (expected key=value)", pair)
		}
		dims[key] = value
	}
	return dims, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
