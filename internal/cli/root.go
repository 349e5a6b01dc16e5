// Package cli implements the smartobject command line.
package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/smartobject/internal/version"
	"github.com/example/smartobject/internal/wire"
)

var (
	okMark   = color.New(color.FgGreen).Sprint("✓")
	failMark = color.New(color.FgRed).Sprint("✗")
)

// RootCmd returns the smartobject command with every subcommand attached.
func RootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "smartobject",
		Short:   "Inspect and edit mapped objects",
		Version: version.String(),
		Long: `smartobject loads the property maps and storages of a project
(.smartobject/config.json) and works with the objects stored in them.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("dir", "C", ".", "Project directory")

	rootCmd.AddCommand(InitCmd())
	rootCmd.AddCommand(MapCmd())
	rootCmd.AddCommand(ObjectCmd())
	rootCmd.AddCommand(StorageCmd())
	return rootCmd
}

// withApp opens the project of cmd, runs fn and closes the project.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *wire.App) error) error {
	dir, _ := cmd.Flags().GetString("dir")
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	app, err := wire.Open(ctx, dir)
	if err != nil {
		return fmt.Errorf("failed to open project: %w", err)
	}
	runErr := fn(ctx, app)
	if err := app.Close(); err != nil && runErr == nil {
		return fmt.Errorf("failed to close project: %w", err)
	}
	return runErr
}
