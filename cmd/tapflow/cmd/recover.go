package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Reconcile interrupted sessions",
	Long: `Scan the store for sessions left in an active state by a previous
run, mark them crashed, merge any backed-up steps into the primary
store, and restore tasks that exist only as backup artifacts.`,
	RunE: runRecover,
}

var recoverJSON bool

func init() {
	rootCmd.AddCommand(recoverCmd)
	recoverCmd.Flags().BoolVar(&recoverJSON, "json", false, "emit the report as JSON")
}

func runRecover(cmd *cobra.Command, _ []string) error {
	deps, err := initDeps()
	if err != nil {
		return err
	}
	defer deps.Close()

	eng := newEngine(deps)
	report, err := eng.RecoverAtStartup(cmd.Context())
	if err != nil {
		return err
	}

	if recoverJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if len(report.Sessions) == 0 {
		fmt.Println("No interrupted sessions found.")
		return nil
	}

	fmt.Printf("Reconciled %d of %d interrupted session(s):\n\n", report.Recovered(), len(report.Sessions))
	for _, s := range report.Sessions {
		status := "recovered"
		if s.Err != nil {
			status = "failed: " + s.Err.Error()
		} else if s.Orphan {
			status = "restored from backup"
		}
		fmt.Printf("  %s  steps %d/%d  %s\n", s.SessionID, s.RecoveredSteps, s.TotalSteps, status)
	}
	return nil
}
