package commands

import (
	"fmt"

	"uniapply-backend/internal/components/telemetry"
	"uniapply-backend/internal/config"
	"uniapply-backend/internal/portal"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	portalsCmd.AddCommand(portalsCheckCmd)
	rootCmd.AddCommand(portalsCmd)
}

var portalsCmd = &cobra.Command{
	Use:   "portals",
	Short: "Inspects the configured portals.",
}

var portalsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Probes the login page of every configured portal.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		registry, err := portal.LoadRegistry(cfg.Portals)
		if err != nil {
			return err
		}
		prober := portal.NewProber(telemetry.SlogAPI{})

		failed := 0
		t := newTable()
		t.AppendHeader(table.Row{"Portal", "Central", "Login URL", "Result"})
		for _, def := range registry.All() {
			login, _ := def.URL(def.LoginPath)
			result := "ok"
			err := prober.Probe(cmd.Context(), def)
			if err != nil {
				failed++
				result = err.Error()
			}
			t.AppendRow(table.Row{def.ID, def.Central, login, result})
		}
		t.Render()
		if failed > 0 {
			return fmt.Errorf("%d portal(s) unreachable", failed)
		}
		return nil
	},
}
