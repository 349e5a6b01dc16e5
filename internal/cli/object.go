package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/smartobject/internal/core/propmap"
	"github.com/example/smartobject/internal/object"
	"github.com/example/smartobject/internal/wire"
)

// ObjectCmd returns the object command
func ObjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "object",
		Short: "Show, edit and delete stored objects",
	}
	cmd.AddCommand(objectShowCmd())
	cmd.AddCommand(objectSetCmd())
	cmd.AddCommand(objectDeleteCmd())
	return cmd
}

func objectShowCmd() *cobra.Command {
	var (
		view string
		all  bool
	)

	cmd := &cobra.Command{
		Use:   "show <class> <pk>",
		Short: "Load an object and print one of its views",
		Long: `Load an object and print one of its views.

Examples:
  smartobject object show User 1
  smartobject object show User 1 --view admin
  smartobject object show User 1 --all`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *wire.App) error {
				objects, err := app.Factory(args[0])
				if err != nil {
					return err
				}
				obj, err := objects.Get(ctx, args[1])
				if err != nil {
					return err
				}

				var values map[string]propmap.Value
				if all {
					values, err = obj.SerializeAll(ctx)
				} else {
					values, err = obj.Serialize(ctx, view)
				}
				if err != nil {
					return err
				}
				printValues(cmd.OutOrStdout(), values)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&view, "view", "v", "", "View to print (default view when empty)")
	cmd.Flags().BoolVar(&all, "all", false, "Print every property, views ignored")
	return cmd
}

func objectSetCmd() *cobra.Command {
	var create bool

	cmd := &cobra.Command{
		Use:   "set <class> <pk> <name=value>...",
		Short: "Set properties of an object and save it",
		Long: `Set properties of an object and save it. Values are coerced to the
declared property types.

Examples:
  smartobject object set User 1 name=jo age=30
  smartobject object set User 2 name=al --create`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseAssignments(args[2:])
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, app *wire.App) error {
				objects, err := app.Factory(args[0])
				if err != nil {
					return err
				}

				var obj *object.Object
				if create {
					b, err := app.Binding(args[0])
					if err != nil {
						return err
					}
					props := map[string]any{b.Map().PrimaryKey(): args[1]}
					for k, v := range values {
						props[k] = v
					}
					created, err := objects.Create(ctx, props)
					if err != nil {
						return err
					}
					obj = created
				} else {
					found, err := objects.Get(ctx, args[1])
					if err != nil {
						return err
					}
					if err := found.SetMany(ctx, values); err != nil {
						return err
					}
					obj = found
				}

				if err := obj.Save(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Saved %s %s\n", okMark, args[0], args[1])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&create, "create", false, "Create the object instead of loading it")
	return cmd
}

func objectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <class> <pk>",
		Short: "Delete an object from every storage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *wire.App) error {
				objects, err := app.Factory(args[0])
				if err != nil {
					return err
				}
				if err := objects.Delete(ctx, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %s %s\n", okMark, args[0], args[1])
				return nil
			})
		},
	}
}

func parseAssignments(args []string) (map[string]any, error) {
	values := make(map[string]any, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", arg)
		}
		values[name] = value
	}
	return values, nil
}

func printValues(out io.Writer, values map[string]propmap.Value) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "%s: %s\n", name, values[name])
	}
}
