package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resume bool

func init() {
	runCmd.Flags().BoolVar(&resume, "resume", false, "Resume an awaiting_human task instead of starting a pending one.")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <task id> [--resume]",
	Short: "Runs the browser session of one task in the foreground.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		controller, err := a.Controller(cmd.Context())
		if err != nil {
			return err
		}
		run := controller.Run
		if resume {
			run = controller.Resume
		}
		task, err := run(cmd.Context(), args[0])
		printTask(task)
		if err != nil {
			return fmt.Errorf("session stopped: %w", err)
		}
		return nil
	},
}
