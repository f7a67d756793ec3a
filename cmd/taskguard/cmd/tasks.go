package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/taskguard/internal/config"
	"github.com/psantana5/taskguard/internal/tasks"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List configured tasks",
	Long:  `Lists the tasks from the configuration file with their kind, interval and failure policy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return writeTasksJSON(os.Stdout, cfg.Tasks)
		}
		return writeTasksTable(os.Stdout, cfg.Tasks)
	},
}

var kindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "List built-in task kinds",
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range tasks.NewKinds().Names() {
			fmt.Println(k)
		}
	},
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(kindsCmd)
}

func writeTasksJSON(w io.Writer, list []config.TaskConfig) error {
	output, err := json.MarshalIndent(map[string]interface{}{
		"tasks": list,
		"count": len(list),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(w, string(output))
	return nil
}

func writeTasksTable(w io.Writer, list []config.TaskConfig) error {
	if len(list) == 0 {
		fmt.Fprintln(w, "No tasks configured")
		return nil
	}

	kinds := tasks.NewKinds()
	table := tablewriter.NewWriter(w)
	table.Header("Name", "Kind", "Interval", "Policy", "Options")

	for _, t := range list {
		kind := t.Kind
		if !kinds.Has(kind) {
			kind += " (unknown)"
		}
		table.Append(t.Name, kind, t.Interval, t.Policy, formatOptions(t.Options))
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	fmt.Fprintf(w, "\nTotal tasks: %d\n", len(list))
	return nil
}

func formatOptions(opts map[string]string) string {
	if len(opts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+opts[k])
	}
	return strings.Join(parts, " ")
}
