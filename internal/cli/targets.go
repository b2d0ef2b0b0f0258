package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/saveenergy/speedkit/internal/catalog"
)

func newTargetsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Manage the target catalog used by --catalog",
	}
	cmd.AddCommand(newTargetsAddCommand(a), newTargetsListCommand(a), newTargetsRemoveCommand(a))
	return cmd
}

func newTargetsAddCommand(a *app) *cobra.Command {
	var (
		name     string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "add <host[:port]>",
		Short: "Add a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := catalog.Open(a.catalogPath(cmd))
			if err != nil {
				return err
			}
			defer store.Close()
			e, err := store.Add(cmd.Context(), args[0], name, priority)
			if err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			fmt.Fprintf(a.stdout, "added %s (%s)\n", e.Address, e.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().IntVar(&priority, "priority", 100, "lower values are tried first")
	return cmd
}

func newTargetsListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List targets in the order runs try them",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := catalog.Open(a.catalogPath(cmd))
			if err != nil {
				return err
			}
			defer store.Close()
			entries, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tADDRESS\tNAME\tPRIORITY\tFAILURES\tLAST OK")
			for _, e := range entries {
				lastOK := "-"
				if !e.LastOK.IsZero() {
					lastOK = e.LastOK.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", e.ID, e.Address, e.Name, e.Priority, e.Failures, lastOK)
			}
			return tw.Flush()
		},
	}
}

func newTargetsRemoveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id|address>",
		Aliases: []string{"remove"},
		Short:   "Remove a target",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := catalog.Open(a.catalogPath(cmd))
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Remove(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, catalog.ErrNotFound) {
					return &exitError{code: exitFailure, err: fmt.Errorf("no target matches %q", args[0])}
				}
				return err
			}
			fmt.Fprintf(a.stdout, "removed %s\n", args[0])
			return nil
		},
	}
}
