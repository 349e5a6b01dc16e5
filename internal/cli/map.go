package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/smartobject/internal/core/propmap"
	"github.com/example/smartobject/internal/wire"
)

// MapCmd returns the map command
func MapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Work with property maps",
	}
	cmd.AddCommand(mapCheckCmd())
	return cmd
}

func mapCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <class>",
		Short: "Compile and bind a property map, then print its properties",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *wire.App) error {
				out := cmd.OutOrStdout()
				class := args[0]

				b, err := app.Binding(class)
				if err != nil {
					fmt.Fprintf(out, "%s %s\n", failMark, class)
					return err
				}
				pm := b.Map()

				fmt.Fprintf(out, "%s %s (pk: %s)\n\n", okMark, class, pm.PrimaryKey())
				fmt.Fprintf(out, "%-16s %-6s %-10s %-10s %s\n", "PROPERTY", "TYPE", "STORE", "SYNC", "FLAGS")
				for _, spec := range pm.Specs() {
					fmt.Fprintf(out, "%-16s %-6s %-10s %-10s %s\n",
						spec.Name, spec.Type, spec.Store, spec.Sync, strings.Join(flags(spec), ","))
				}
				if views := pm.Views(); len(views) > 0 {
					fmt.Fprintf(out, "\nViews: %s\n", strings.Join(views, ", "))
				}
				return nil
			})
		},
	}
}

func flags(spec propmap.Spec) []string {
	var out []string
	add := func(on bool, name string) {
		if on {
			out = append(out, name)
		}
	}
	add(spec.PrimaryKey, "pk")
	add(spec.ReadOnly && !spec.PrimaryKey, "read-only")
	add(spec.External, "external")
	add(spec.SyncAlways, "sync-always")
	add(spec.HasDefault, "default")
	add(len(spec.Choices) > 0 || spec.ChoiceNull, "choices")
	add(spec.NoSerialize, "no-serialize")
	add(spec.LogHideValue, "hidden")
	return out
}
