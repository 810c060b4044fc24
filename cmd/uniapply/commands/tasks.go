package commands

import (
	"fmt"
	"os"

	"uniapply-backend/internal/tasks"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	listClient string
	listStatus string
	listLimit  int
)

func init() {
	tasksListCmd.Flags().StringVar(&listClient, "client", "", "Only tasks of this client.")
	tasksListCmd.Flags().StringVar(&listStatus, "status", "", "Only tasks with this status.")
	tasksListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum number of tasks.")
	tasksCmd.AddCommand(tasksListCmd, tasksShowCmd)
	rootCmd.AddCommand(tasksCmd)
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspects application tasks.",
}

var tasksListCmd = &cobra.Command{
	Use:   "list [--client <id>] [--status <status>]",
	Short: "Lists tasks, newest first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := tasks.Filter{ClientID: listClient, Limit: listLimit}
		if listStatus != "" {
			status, ok := tasks.ParseStatus(listStatus)
			if !ok {
				return fmt.Errorf("unknown status %q", listStatus)
			}
			filter.Status = status
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.Tasks.List(cmd.Context(), filter)
		if err != nil {
			return err
		}

		t := newTable()
		t.AppendHeader(table.Row{"ID", "Client", "University", "Course", "Status", "Step", "Updated"})
		for _, task := range list {
			t.AppendRow(table.Row{
				task.ID,
				task.ClientID,
				task.University,
				task.CourseCode,
				task.Status,
				task.CurrentStep,
				formatTime(&task.UpdatedAt),
			})
		}
		t.Render()
		return nil
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <task id>",
	Short: "Shows one task and its audit trail.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.Tasks.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printTask(task)
		return printAudit(cmd, a.Tasks, tasks.Resource(task.ID))
	},
}

func printTask(task tasks.Task) {
	if task.ID == "" {
		return
	}
	t := newTable()
	t.AppendRows([]table.Row{
		{"ID", task.ID},
		{"Client", task.ClientID},
		{"University", task.University},
		{"Course", fmt.Sprintf("%s %s", task.CourseCode, task.CourseName)},
		{"Status", task.Status},
		{"Step", task.CurrentStep},
		{"Error", task.LastError},
		{"Confirmation", task.Confirmation},
		{"Supersedes", task.Supersedes},
		{"Started", formatTime(task.StartedAt)},
		{"Finished", formatTime(task.FinishedAt)},
	})
	t.Render()
	if task.Screenshot != "" {
		fmt.Fprintf(os.Stdout, "screenshot: %d bytes (base64)\n", len(task.Screenshot))
	}
}
