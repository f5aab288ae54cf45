package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/rookery/internal/modelreg"
	"github.com/dyluth/rookery/internal/printer"
)

var (
	modelsProvider string
	modelsEnabled  bool
	modelsOutput   string
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect and manage the model registry",
	Long: `List registered models with their live scores, or enable/disable one.

Scores are maintained by the evaluator from recent judgements and run
outcomes; the router uses them to pick models for each request.

Examples:
  # All models with scores
  rookery models list

  # Only enabled ollama models
  rookery models list --provider ollama --enabled

  # Take a model out of rotation
  rookery models disable gpt-4o-mini

  # Put it back
  rookery models enable gpt-4o-mini

  # Pin the responder to these models, best first
  rookery models prefer responder llama3:8b gpt-4o-mini

  # Clear the pin again
  rookery models prefer responder --clear`,
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered models",
	RunE:  runModelsList,
}

var modelsEnableCmd = &cobra.Command{
	Use:   "enable MODEL_ID",
	Short: "Enable a model for routing",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setModelEnabled(args[0], true) },
}

var modelsDisableCmd = &cobra.Command{
	Use:   "disable MODEL_ID",
	Short: "Disable a model (router will skip it)",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setModelEnabled(args[0], false) },
}

var modelsPreferClear bool

var modelsPreferCmd = &cobra.Command{
	Use:   "prefer AGENT_ID [MODEL_ID...]",
	Short: "Pin an agent's model preferences, best first",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runModelsPrefer,
}

func init() {
	modelsListCmd.Flags().StringVar(&modelsProvider, "provider", "", "Filter by provider")
	modelsListCmd.Flags().BoolVar(&modelsEnabled, "enabled", false, "Only enabled models")
	modelsListCmd.Flags().StringVarP(&modelsOutput, "output", "o", "default", "Output format: default or json")
	modelsPreferCmd.Flags().BoolVar(&modelsPreferClear, "clear", false, "Remove the agent's preferences")
	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsEnableCmd)
	modelsCmd.AddCommand(modelsDisableCmd)
	modelsCmd.AddCommand(modelsPreferCmd)
	rootCmd.AddCommand(modelsCmd)
}

func openRegistry(ctx context.Context) (*modelreg.Registry, func(), error) {
	bb, err := connectBlackboard()
	if err != nil {
		return nil, nil, err
	}
	registry, err := modelreg.NewRegistry(ctx, bb)
	if err != nil {
		bb.Close()
		return nil, nil, err
	}
	return registry, func() { bb.Close() }, nil
}

func runModelsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	registry, cleanup, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	models := registry.List(modelreg.Filter{
		Provider:    modelsProvider,
		EnabledOnly: modelsEnabled,
	})

	if modelsOutput == "json" {
		out, err := json.MarshalIndent(models, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(models) == 0 {
		fmt.Println("No models registered.")
		fmt.Println()
		fmt.Println("Seed the catalogue in rookery.yml and restart rookeryd.")
		return nil
	}

	fmt.Printf("%-24s  %-10s  %-8s  %-8s  %-8s  %-10s  %s\n",
		"ID", "PROVIDER", "QUALITY", "RELIAB", "LAT(MS)", "COST/1K", "ENABLED")
	for _, m := range models {
		fmt.Printf("%-24s  %-10s  %-8.2f  %-8.2f  %-8.0f  %-10.5f  %v\n",
			m.ID, m.Provider, m.QualityScore, m.ReliabilityScore, m.AvgLatencyMs, m.CostPer1KTokens, m.IsEnabled)
	}
	return nil
}

func setModelEnabled(modelID string, enabled bool) error {
	ctx := context.Background()
	registry, cleanup, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	m, err := registry.Get(modelID)
	if err != nil {
		return printer.Error(
			"model not found",
			fmt.Sprintf("No model with id '%s' on instance '%s'.", modelID, rootInstance),
			[]string{"List models to find the right id:\n  rookery models list"},
		)
	}

	m.IsEnabled = enabled
	if err := registry.Put(ctx, m); err != nil {
		return fmt.Errorf("failed to update model: %w", err)
	}

	if enabled {
		printer.Success("model %s enabled\n", modelID)
	} else {
		printer.Success("model %s disabled\n", modelID)
	}
	return nil
}

func runModelsPrefer(cmd *cobra.Command, args []string) error {
	agentID := args[0]
	modelIDs := args[1:]
	if modelsPreferClear && len(modelIDs) > 0 {
		return fmt.Errorf("--clear takes no model ids")
	}
	if !modelsPreferClear && len(modelIDs) == 0 {
		return fmt.Errorf("name at least one model, or pass --clear")
	}

	ctx := context.Background()
	registry, cleanup, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	prefs := make([]modelreg.AgentModelPreference, 0, len(modelIDs))
	for i, id := range modelIDs {
		if _, err := registry.Get(id); err != nil {
			return printer.Error(
				"model not found",
				fmt.Sprintf("No model with id '%s' on instance '%s'.", id, rootInstance),
				[]string{"List models to find the right id:\n  rookery models list"},
			)
		}
		prefs = append(prefs, modelreg.AgentModelPreference{
			AgentID:  agentID,
			ModelID:  id,
			Priority: i,
		})
	}

	if err := registry.SetPreferences(ctx, agentID, prefs); err != nil {
		return fmt.Errorf("failed to store preferences: %w", err)
	}

	if modelsPreferClear {
		printer.Success("preferences for %s cleared\n", agentID)
	} else {
		printer.Success("%s now prefers %d model(s); restart rookeryd to apply\n", agentID, len(prefs))
	}
	return nil
}
