package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/tapflow/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize tapflow in the current directory",
	Long: `Create the default configuration file and the data and backup
directory structure.`,
	RunE: runInit,
}

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing configuration")
}

func runInit(_ *cobra.Command, _ []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	configPath := filepath.Join(cwd, ".tapflow.yaml")

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("configuration already exists, use --force to overwrite")
	}

	if err := config.AtomicWrite(configPath, []byte(config.DefaultConfigYAML)); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	for _, dir := range []string{
		filepath.Join(cwd, ".tapflow", "data"),
		filepath.Join(cwd, ".tapflow", "backups"),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	fmt.Println("Initialized tapflow project:")
	fmt.Println("  .tapflow.yaml      configuration")
	fmt.Println("  .tapflow/data      primary store")
	fmt.Println("  .tapflow/backups   backup side-channel")
	return nil
}
