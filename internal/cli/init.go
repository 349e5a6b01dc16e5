package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/example/smartobject/internal/config"
)

// InitCmd returns the init command
func InitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create .smartobject/config.json in the project directory",
		Long: `Create a config with one JSON file storage and an empty maps directory.

Examples:
  smartobject init
  smartobject init -C ./myproject --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			out := cmd.OutOrStdout()

			if _, err := os.Stat(config.Path(dir)); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", config.Path(dir))
			}

			cfg := config.Default()
			if err := config.SaveConfig(dir, cfg); err != nil {
				return err
			}
			maps := filepath.Join(dir, cfg.PropertyMapsDir)
			if err := os.MkdirAll(maps, 0755); err != nil {
				return fmt.Errorf("failed to create maps dir: %w", err)
			}

			fmt.Fprintf(out, "%s Created %s\n", okMark, config.Path(dir))
			fmt.Fprintf(out, "  Property maps: %s/<Class>.yml\n", maps)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	return cmd
}
