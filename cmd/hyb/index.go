package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/chazu/hybrid/metadump"
)

func (a *app) indexCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Query a SQLite index of metadata snapshots",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "hybrid.db", "index database")

	open := func() (*metadump.Index, error) {
		if _, err := a.manifest(); err != nil {
			return nil, err
		}
		return metadump.OpenIndex(dbPath)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <snapshot>...",
		Short: "Add snapshots written by hyb dump",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ix, err := open()
			if err != nil {
				return err
			}
			defer ix.Close()
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				snap, err := metadump.Read(f)
				f.Close()
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if err := ix.Add(cmd.Context(), snap); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
			asms, types, methods, err := ix.Counts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d assemblies, %s types, %s methods\n",
				dbPath, asms, humanize.Comma(int64(types)), humanize.Comma(int64(methods)))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "find <pattern>",
		Short: "List methods whose name matches a SQL LIKE pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ix, err := open()
			if err != nil {
				return err
			}
			defer ix.Close()
			rows, err := ix.FindMethods(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%#08x\t%d\n", r.Assembly, r.Type, r.Signature, r.Token, r.CodeSize)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dups",
		Short: "List methods with identical IL bodies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ix, err := open()
			if err != nil {
				return err
			}
			defer ix.Close()
			groups, err := ix.DuplicateBodies(cmd.Context())
			if err != nil {
				return err
			}
			for _, g := range groups {
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(g, " "))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "errors <assembly>",
		Short: "List types that failed to lay out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ix, err := open()
			if err != nil {
				return err
			}
			defer ix.Close()
			errs, err := ix.TypeErrors(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, e := range errs {
				fmt.Fprintln(cmd.OutOrStdout(), e)
			}
			if len(errs) > 0 {
				return exitCode(1)
			}
			return nil
		},
	})
	return cmd
}
