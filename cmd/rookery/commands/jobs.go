package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/rookery/internal/queue"
)

var (
	jobsState  string
	jobsLimit  int64
	jobsOutput string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the job queue",
	Long: `Display job queue counts and recent jobs per state.

States: pending, running, completed, failed.

Examples:
  # Counts plus recent pending jobs
  rookery jobs

  # Recent failures with their errors
  rookery jobs --state failed

  # JSON for scripting
  rookery jobs --state running --output json`,
	RunE: runJobs,
}

func init() {
	jobsCmd.Flags().StringVarP(&jobsState, "state", "s", "pending", "Job state to list")
	jobsCmd.Flags().Int64Var(&jobsLimit, "limit", 20, "Maximum jobs to list")
	jobsCmd.Flags().StringVarP(&jobsOutput, "output", "o", "default", "Output format: default or json")
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	bb, err := connectBlackboard()
	if err != nil {
		return err
	}
	defer bb.Close()

	q := queue.New(bb, queue.Options{})

	jobs, err := q.List(ctx, queue.JobState(jobsState), jobsLimit)
	if err != nil {
		return err
	}

	if jobsOutput == "json" {
		out, err := json.MarshalIndent(jobs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Queue: pending=%d running=%d completed=%d failed=%d\n\n",
		counts[queue.StatePending], counts[queue.StateRunning],
		counts[queue.StateCompleted], counts[queue.StateFailed])

	if len(jobs) == 0 {
		fmt.Printf("No %s jobs.\n", jobsState)
		return nil
	}

	fmt.Printf("%-36s  %-16s  %-8s  %-20s  %s\n", "ID", "TYPE", "ATTEMPT", "CREATED", "LAST ERROR")
	for _, job := range jobs {
		created := time.UnixMilli(job.CreatedAtMs).Format("2006-01-02 15:04:05")
		attempt := fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts)
		fmt.Printf("%-36s  %-16s  %-8s  %-20s  %s\n", job.ID, job.Type, attempt, created, truncate(job.LastError, 50))
	}
	return nil
}
