package commands

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/rookery/internal/printer"
)

var respondStream bool

var respondCmd = &cobra.Command{
	Use:   "respond MESSAGE",
	Short: "Send a request to a running rookeryd",
	Long: `Send a user request to a running rookeryd and print the reply.

The daemon records the request and the goal it spawns on the blackboard,
routes it to the response agent, and returns the generated text. With
--stream the reply is printed token by token as it arrives.

Examples:
  # One-shot request
  rookery respond "summarise the open goals"

  # Stream the reply as it is generated
  rookery respond --stream "explain the routing weights"`,
	Args: cobra.ExactArgs(1),
	RunE: runRespond,
}

func init() {
	respondCmd.Flags().BoolVar(&respondStream, "stream", false, "Stream the reply token by token")
	rootCmd.AddCommand(respondCmd)
}

func runRespond(cmd *cobra.Command, args []string) error {
	message := args[0]
	if respondStream {
		return respondStreaming(message)
	}

	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return err
	}

	resp, err := http.Post(rootServerURL+"/v1/respond", "application/json", bytes.NewReader(body))
	if err != nil {
		return printer.Error(
			"rookeryd not reachable",
			fmt.Sprintf("Could not reach %s: %v", rootServerURL, err),
			[]string{"Start the daemon:\n  rookeryd --config rookery.yml"},
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("request failed (%s): %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out struct {
		Text     string `json:"text"`
		GoalID   string `json:"goal_id"`
		OutputID string `json:"output_id"`
		ModelID  string `json:"model_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("unexpected response: %w", err)
	}

	fmt.Println(out.Text)
	printer.Info("\n(goal %s, output %s, model %s)\n", out.GoalID, out.OutputID, out.ModelID)
	return nil
}

func respondStreaming(message string) error {
	u := rootServerURL + "/v1/respond/stream?message=" + url.QueryEscape(message)
	resp, err := http.Get(u)
	if err != nil {
		return printer.Error(
			"rookeryd not reachable",
			fmt.Sprintf("Could not reach %s: %v", rootServerURL, err),
			[]string{"Start the daemon:\n  rookeryd --config rookery.yml"},
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("request failed (%s): %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	reader := bufio.NewReader(resp.Body)
	var event string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("stream interrupted: %w", err)
		}
		line = strings.TrimRight(line, "\n")

		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var data map[string]string
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data); err != nil {
				continue
			}
			switch event {
			case "token":
				fmt.Print(data["text"])
			case "done":
				fmt.Println()
				printer.Info("\n(output %s)\n", data["output_id"])
				return nil
			case "error":
				fmt.Println()
				return fmt.Errorf("generation failed: %s", data["message"])
			}
		}
	}
}
