package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/taskguard/pkg/api"
	"github.com/psantana5/taskguard/pkg/client"
	tlsutil "github.com/psantana5/taskguard/pkg/tls"
)

var (
	apiURL    string
	apiKey    string
	apiCAFile string
	runsLimit int
)

var statusCmd = &cobra.Command{
	Use:   "status [task]",
	Short: "Show task status from a running daemon",
	Long: `Queries the HTTP API of a running daemon. Without an argument every task is
listed; with a task name its latest runs are shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&apiURL, "api", "http://localhost:9400", "daemon API URL")
	statusCmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("TASKGUARD_API_KEY"), "API key (default from TASKGUARD_API_KEY)")
	statusCmd.Flags().StringVar(&apiCAFile, "ca-file", "", "CA certificate to trust for https")
	statusCmd.Flags().IntVar(&runsLimit, "limit", 10, "runs to show for a single task")
}

func newAPIClient() (*client.Client, error) {
	opts := []client.Option{client.WithAPIKey(apiKey), client.WithTimeout(10 * time.Second)}
	if apiCAFile != "" {
		tlsConfig, err := tlsutil.ClientConfig(apiCAFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithTLS(tlsConfig))
	}
	return client.New(apiURL, opts...), nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		return showTask(ctx, out, c, args[0])
	}

	tasks, err := c.ListTasks(ctx)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(out, tasks)
	}
	return writeStatusTable(out, tasks)
}

func showTask(ctx context.Context, out io.Writer, c *client.Client, name string) error {
	task, err := c.GetTask(ctx, name)
	if err != nil {
		return err
	}
	runs, err := c.ListRuns(ctx, name, runsLimit)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(out, map[string]interface{}{"task": task, "runs": runs})
	}

	if err := writeStatusTable(out, []api.TaskStatus{*task}); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "\nNo runs recorded")
		return nil
	}

	fmt.Fprintln(out)
	table := tablewriter.NewWriter(out)
	table.Header("Iteration", "Started", "Duration", "Status", "Escalated", "Error")
	for _, r := range runs {
		table.Append(
			fmt.Sprintf("%d", r.Iteration),
			r.StartedAt.Format(time.RFC3339),
			r.Duration.Round(time.Millisecond).String(),
			string(r.Status),
			fmt.Sprintf("%t", r.Escalated),
			r.Error,
		)
	}
	return table.Render()
}

func writeStatusTable(out io.Writer, tasks []api.TaskStatus) error {
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No tasks running")
		return nil
	}
	table := tablewriter.NewWriter(out)
	table.Header("Name", "State", "Phase", "Interval", "Policy", "Runs", "Failures", "Last Error")
	for _, t := range tasks {
		table.Append(
			t.Name,
			t.State,
			t.Phase,
			t.Interval,
			t.Policy,
			fmt.Sprintf("%d", t.Stats.Iterations),
			fmt.Sprintf("%d", t.Stats.Failures),
			t.Stats.LastError,
		)
	}
	return table.Render()
}

func printJSON(out io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}
