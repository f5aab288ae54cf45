package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/rookery/internal/printer"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show health of a running rookeryd",
	Long: `Query the /healthz endpoint of a running rookeryd and display the result.

Shows overall status (healthy/degraded/unhealthy), model and agent counts,
and job queue depths per state.

Examples:
  # Check the local daemon
  rookery status

  # Check a remote daemon
  rookery status --server http://rookery.internal:8400

  # Machine-readable output
  rookery status --json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(rootServerURL + "/healthz")
	if err != nil {
		return printer.Error(
			"rookeryd not reachable",
			fmt.Sprintf("Could not reach %s: %v", rootServerURL, err),
			[]string{"Start the daemon:\n  rookeryd --config rookery.yml", "Or point at the right server:\n  rookery status --server http://host:8400"},
		)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if statusJSON {
		fmt.Println(string(body))
		return nil
	}

	var summary struct {
		Status        string `json:"status"`
		Storage       string `json:"storage"`
		Error         string `json:"error,omitempty"`
		EnabledModels int    `json:"enabled_models"`
		EnabledAgents int    `json:"enabled_agents"`
		PendingJobs   int64  `json:"pending_jobs"`
		RunningJobs   int64  `json:"running_jobs"`
		FailedJobs    int64  `json:"failed_jobs"`
	}
	if err := json.Unmarshal(body, &summary); err != nil {
		return fmt.Errorf("unexpected response from %s: %w", rootServerURL, err)
	}

	switch summary.Status {
	case "healthy":
		printer.Success("rookeryd is healthy\n")
	case "degraded":
		printer.Warning("rookeryd is degraded: %s\n", summary.Error)
	default:
		printer.Warning("rookeryd is %s: %s\n", summary.Status, summary.Error)
	}

	printer.Info("  Storage:        %s\n", summary.Storage)
	printer.Info("  Models enabled: %d\n", summary.EnabledModels)
	printer.Info("  Agents:         %d\n", summary.EnabledAgents)
	printer.Info("  Jobs:           pending=%d running=%d failed=%d\n",
		summary.PendingJobs, summary.RunningJobs, summary.FailedJobs)
	return nil
}
