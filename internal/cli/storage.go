package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/example/smartobject/internal/wire"
)

// StorageCmd returns the storage command
func StorageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect and maintain the configured storages",
	}
	cmd.AddCommand(storageListCmd())
	cmd.AddCommand(storagePurgeCmd())
	return cmd
}

func storageListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the configured storages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *wire.App) error {
				out := cmd.OutOrStdout()
				def, _ := app.Registry.DefaultStorage()

				fmt.Fprintf(out, "%-12s %-8s %s\n", "ID", "KIND", "PATH")
				for _, s := range app.Config.Storages {
					id := s.ID
					if id == def {
						id += "*"
					}
					fmt.Fprintf(out, "%-12s %-8s %s\n", id, s.Kind, app.Config.StoragePath(app.Dir, s))
				}
				return nil
			})
		},
	}
}

func storagePurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Permanently remove deleted records from every storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *wire.App) error {
				out := cmd.OutOrStdout()
				counts, err := app.Registry.Purge(ctx)

				ids := make([]string, 0, len(counts))
				for id := range counts {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					fmt.Fprintf(out, "%s %s: %d removed\n", okMark, id, counts[id])
				}
				if err != nil {
					return fmt.Errorf("failed to purge: %w", err)
				}
				return nil
			})
		},
	}
}
