package commands

import (
	"strings"

	"uniapply-backend/internal/tasks"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var auditLimit int

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 200, "Maximum number of entries.")
	rootCmd.AddCommand(auditCmd)
}

var auditCmd = &cobra.Command{
	Use:   "audit <resource>",
	Short: "Prints the audit trail of a resource, for example application_task:<id> or client:<id>.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return printAudit(cmd, a.Tasks, args[0])
	},
}

func printAudit(cmd *cobra.Command, store tasks.Store, resource string) error {
	entries, err := store.Audit(cmd.Context(), resource, auditLimit)
	if err != nil {
		return err
	}
	t := newTable()
	t.AppendHeader(table.Row{"Time", "Actor", "Action", "Detail"})
	for _, e := range entries {
		var detail []string
		for k, v := range e.Detail {
			detail = append(detail, k+"="+v)
		}
		t.AppendRow(table.Row{formatTime(&e.CreatedAt), e.Actor, e.Action, strings.Join(detail, " ")})
	}
	t.Render()
	return nil
}
