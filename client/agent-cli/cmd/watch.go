package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type taskEvent struct {
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Content string `json:"content,omitempty"`
}

// finalFor 判断事件是否表示该任务已进入终态
func (e taskEvent) finalFor(taskID string) bool {
	if e.TaskID != taskID {
		return false
	}
	switch e.Status {
	case "completed", "failed", "cancelled":
		return e.Type == "task_status" || e.Type == "task_result" || e.Type == "task_error"
	}
	return false
}

func newWatchCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "watch [task-id]",
		Short: "Watch real-time events of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := newAPIClient(serverURL).wsURL("/ws/agent")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Connecting to %s\n", u)

			c, _, err := websocket.DefaultDialer.Dial(u, nil)
			if err != nil {
				return fmt.Errorf("dial: %w", err)
			}
			defer c.Close()

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)
			defer signal.Stop(interrupt)
			go func() {
				if _, ok := <-interrupt; ok {
					c.Close()
				}
			}()

			return watchTask(c, args[0], follow, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "keep watching after the task finishes")
	return cmd
}

// wsConn 是 watchTask 用到的连接方法
type wsConn interface {
	WriteJSON(v interface{}) error
	ReadMessage() (int, []byte, error)
}

func watchTask(c wsConn, taskID string, follow bool, out io.Writer) error {
	if err := c.WriteJSON(map[string]string{"type": "subscribe", "task_id": taskID}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	fmt.Fprintln(out, "WebSocket connected. Waiting for events...")

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		// Pretty print the JSON output
		if err := printJSON(out, message); err != nil {
			return err
		}

		var event taskEvent
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if !follow && event.finalFor(taskID) {
			return nil
		}
	}
}
