package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/retune/internal/config"
	"github.com/sawpanic/retune/internal/persistence"
	"github.com/sawpanic/retune/internal/rollout"
)

// withApp opens the shared clients for the duration of fn
func withApp(cmd *cobra.Command, cfg func() *config.Config, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newCandidatesCmd(cfg func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "candidates",
		Aliases: []string{"cand"},
		Short:   "Inspect and drive rollout candidates",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List candidates, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				cs, err := a.supervisor.List(ctx, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATUS\tRUN\tVERSION\tUPDATED")
				for _, c := range cs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Status, c.RunID, c.VersionID, c.UpdatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum candidates to list")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a candidate with its status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				c, err := a.supervisor.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}

	var reason string
	promote := &cobra.Command{
		Use:   "promote <id>",
		Short: "Move a staged candidate to paper trading",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				c, err := a.supervisor.PromotePaper(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printStatus(c)
			})
		},
	}
	promote.Flags().StringVar(&reason, "reason", "manual", "Reason recorded in the candidate history")

	check := &cobra.Command{
		Use:   "check <id>",
		Short: "Evaluate a paper or live candidate against runtime metrics",
		Long: `A PAPER candidate is promoted to live or rejected on its paper metrics.
A LIVE candidate is rolled back when a live threshold trips.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				c, err := a.supervisor.Get(ctx, args[0])
				if err != nil {
					return err
				}
				switch c.Status {
				case rollout.StatusPaper:
					err = a.withDeployLock(ctx, func(ctx context.Context) error {
						c, err = a.supervisor.CheckPaper(ctx, args[0], nil)
						return err
					})
				case rollout.StatusLive:
					var tripped bool
					err = a.withDeployLock(ctx, func(ctx context.Context) error {
						c, tripped, err = a.supervisor.CheckLive(ctx, args[0])
						return err
					})
					if err == nil && !tripped {
						fmt.Println("live thresholds hold")
					}
				default:
					return fmt.Errorf("candidate %s is %s; only PAPER and LIVE candidates can be checked", c.ID, c.Status)
				}
				if err != nil {
					return err
				}
				return printStatus(c)
			})
		},
	}

	var rbReason string
	rollback := &cobra.Command{
		Use:   "rollback <id>",
		Short: "Roll a live candidate back to the version it replaced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				var c *rollout.Candidate
				err := a.withDeployLock(ctx, func(ctx context.Context) error {
					var err error
					c, err = a.supervisor.Rollback(ctx, args[0], rbReason)
					return err
				})
				if err != nil {
					return err
				}
				return printStatus(c)
			})
		},
	}
	rollback.Flags().StringVar(&rbReason, "reason", "manual", "Reason recorded in the candidate history")

	cmd.AddCommand(list, show, promote, check, rollback)
	return cmd
}

func printStatus(c *rollout.Candidate) error {
	fmt.Printf("%s: %s\n", c.ID, c.Status)
	if c.VersionID != "" {
		fmt.Printf("  version: %s\n", c.VersionID)
	}
	return nil
}

func newTrialsCmd(cfg func() *config.Config) *cobra.Command {
	var (
		segment   string
		spaceHash string
		statuses  []string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded trials for a segment or a parameter space",
		Long: `Without --segment or --space the trials of the configured parameter space
are listed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter []persistence.TrialStatus
			for _, s := range statuses {
				st := persistence.TrialStatus(s)
				if !st.Valid() {
					return fmt.Errorf("unknown trial status %q", s)
				}
				filter = append(filter, st)
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				repo := a.db.Repository().Trials
				var (
					trials []persistence.Trial
					err    error
				)
				switch {
				case segment != "":
					trials, err = repo.ListBySegment(ctx, segment)
				default:
					hash := spaceHash
					if hash == "" {
						sp, serr := a.cfg.ParameterSpace()
						if serr != nil {
							return serr
						}
						hash = sp.Fingerprint()
					}
					trials, err = repo.ListBySpace(ctx, hash, filter...)
				}
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SEGMENT\tPARAMS\tSTATUS\tOBJECTIVE\tMAX_DD\tRUN")
				for _, t := range trials {
					if segment != "" && len(filter) > 0 && !hasStatus(filter, t.Status) {
						continue
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%.4f\t%s\n", t.SegmentID, shortHash(t.ParamHash), t.Status, t.Objective, t.MaxDrawdown, t.RunID)
				}
				return w.Flush()
			})
		},
	}
	list.Flags().StringVar(&segment, "segment", "", "Segment id")
	list.Flags().StringVar(&spaceHash, "space", "", "Parameter space fingerprint")
	list.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (pending, scored, failed)")
	list.MarkFlagsMutuallyExclusive("segment", "space")

	cmd := &cobra.Command{
		Use:   "trials",
		Short: "Inspect the trial history",
	}
	cmd.AddCommand(list)
	return cmd
}

func hasStatus(set []persistence.TrialStatus, s persistence.TrialStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func newRunsCmd(cfg func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect stored run summaries",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				runs, err := a.db.Repository().Runs.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tOUTCOME\tSTARTED\tDURATION")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Outcome, r.StartedAt.Format(time.RFC3339),
						r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
				}
				return w.Flush()
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a run summary as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				r, err := a.db.Repository().Runs.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(append(r.Summary, '\n'))
				return err
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}
