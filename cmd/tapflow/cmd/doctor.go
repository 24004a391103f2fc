package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/tapflow/internal/diagnostics"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the host environment",
	Long: `Verify that the data and backup directories are writable, that the
disks backing them have free space, and report basic host details.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	doctor := &diagnostics.Doctor{
		DataPath:  cfg.Storage.Path,
		BackupDir: cfg.Backup.Dir,
	}

	fmt.Println("Checking environment...")
	fmt.Println()

	results := doctor.Run()
	for _, r := range results {
		icon := "✓"
		switch r.Severity {
		case diagnostics.Warn:
			icon = "⚠"
		case diagnostics.Fail:
			icon = "✗"
		}
		fmt.Printf("  %s %-18s %s\n", icon, r.Name, r.Detail)
	}

	fmt.Println()
	if !diagnostics.Healthy(results) {
		return fmt.Errorf("environment check failed")
	}
	fmt.Println("Environment healthy")
	return nil
}
