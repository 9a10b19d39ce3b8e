package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func newSubmitCmd() *cobra.Command {
	var urls []string
	var maxSteps int
	cmd := &cobra.Command{
		Use:   "submit [task instructions]",
		Short: "Submit a new task to the browser agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]interface{}{"task_instructions": args[0]}
			if len(urls) > 0 {
				payload["context_urls"] = urls
			}
			if maxSteps > 0 {
				payload["agent_config"] = map[string]interface{}{"max_steps": maxSteps}
			}

			raw, err := newAPIClient(serverURL).do(http.MethodPost, "/tasks/submit", nil, payload)
			if err != nil {
				return err
			}
			var result struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(raw, &result); err != nil {
				return fmt.Errorf("error decoding response: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Task submitted successfully!\nTask ID: %s\n", result.ID)
			fmt.Fprintf(out, "To watch for results, run: agent-cli watch %s\n", result.ID)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&urls, "url", nil, "context URL to start from (repeatable)")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "override the agent step limit")
	return cmd
}

func newListCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}
			return getAndPrint(cmd, "/tasks/list/json", q)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of tasks")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of tasks to skip")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var status, taskType string
	var days, limit int
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search tasks by status, type or age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if taskType != "" {
				q.Set("task_type", taskType)
			}
			if cmd.Flags().Changed("days") {
				q.Set("days", strconv.Itoa(days))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			return getAndPrint(cmd, "/tasks/search/json", q)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "task status (PENDING, RUNNING, COMPLETED, FAILED, CANCELLED)")
	cmd.Flags().StringVar(&taskType, "type", "", "task type")
	cmd.Flags().IntVar(&days, "days", 0, "only tasks created within the last N days")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of tasks")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [task-id]",
		Short: "Show a task with its logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(cmd, "/tasks/"+url.PathEscape(args[0])+"/json", nil)
		},
	}
}

func newLogsCmd() *cobra.Command {
	var level string
	var limit int
	cmd := &cobra.Command{
		Use:   "logs [task-id]",
		Short: "Show the log entries of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if level != "" {
				q.Set("level", level)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			return getAndPrint(cmd, "/tasks/"+url.PathEscape(args[0])+"/logs/json", q)
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "only entries of this level")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [task-id]",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(cmd, http.MethodPost, "/tasks/"+url.PathEscape(args[0])+"/cancel")
		},
	}
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry [task-id]",
		Short: "Retry a failed task under a new id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(cmd, http.MethodPost, "/tasks/"+url.PathEscape(args[0])+"/retry")
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [task-id]",
		Short: "Delete a task that is not running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(cmd, http.MethodDelete, "/tasks/"+url.PathEscape(args[0]))
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show task counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(cmd, "/tasks/stats/json", nil)
		},
	}
}

func getAndPrint(cmd *cobra.Command, path string, q url.Values) error {
	raw, err := newAPIClient(serverURL).do(http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), raw)
}

func postAndPrint(cmd *cobra.Command, method, path string) error {
	raw, err := newAPIClient(serverURL).do(method, path, nil, nil)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), raw)
}
