package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/retune/internal/config"
	"github.com/sawpanic/retune/internal/versions"
)

func newVersionsCmd(cfg func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "Inspect stored config versions and the live pointer",
	}

	open := func() (*versions.Store, error) {
		return versions.New(cfg().Storage.VersionsDir)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List versions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			vs, err := store.ListVersions()
			if err != nil {
				return err
			}
			current := ""
			if ptr, err := store.Current(); err == nil {
				current = ptr.VersionID
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\tID\tCREATED\tSOURCE\tRUN")
			for _, v := range vs {
				mark := ""
				if v.ID == current {
					mark = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", mark, v.ID,
					v.Metadata.CreatedAt.Format(time.RFC3339), v.Metadata.Source, v.Metadata.RunID)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print one version as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			v, err := store.Get(args[0])
			if err != nil {
				return err
			}
			return printJSON(v)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "current",
		Short: "Print the live pointer and the version it names",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			ptr, err := store.Current()
			if err != nil {
				return err
			}
			v, err := store.Get(ptr.VersionID)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"pointer": ptr, "version": v})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "history",
		Short: "Print the pointer journal, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			updates, err := store.History()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tOP\tPREVIOUS\tNEXT\tREASON")
			for _, u := range updates {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", u.At.Format(time.RFC3339), u.Op, u.Previous, u.Next, u.Reason)
			}
			return w.Flush()
		},
	})
	return cmd
}

func newRollbackCmd(cfg func() *config.Config) *cobra.Command {
	var (
		noBackup bool
		reason   string
	)
	cmd := &cobra.Command{
		Use:   "rollback <version-id|latest>",
		Short: "Repoint live at a prior version and reload the runtime",
		Long: `Repoints the live pointer. "latest" means the newest version older than the
current one. The replaced pointer is backed up unless --no-backup is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cfg(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			return a.withDeployLock(cmd.Context(), func(ctx context.Context) error {
				update, err := a.supervisor.RollbackVersion(ctx, args[0], versions.SetOptions{Reason: reason, NoBackup: noBackup})
				if err != nil {
					return err
				}
				fmt.Printf("current: %s -> %s\n", update.Previous, update.Next)
				if update.Backup != "" {
					fmt.Printf("backup:  %s\n", update.Backup)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "Do not back up the replaced pointer")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the pointer journal")
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
