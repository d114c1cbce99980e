package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sawpanic/retune/internal/application/optimization"
	"github.com/sawpanic/retune/internal/backtest"
	"github.com/sawpanic/retune/internal/config"
	"github.com/sawpanic/retune/internal/marketdata"
)

// runFlags are the config overrides accepted by `retune run`
type runFlags struct {
	deploy    bool
	symbol    string
	timeframe string
	from      string
	to        string
	trials    int
	workers   int
	seed      uint64
	timeout   time.Duration
	dbDSN     string
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	fs.BoolVar(&f.deploy, "deploy", false, "Promote an approved candidate through paper to live")
	fs.StringVar(&f.symbol, "symbol", "", "Instrument to tune")
	fs.StringVar(&f.timeframe, "timeframe", "", "Bar timeframe")
	fs.StringVar(&f.from, "from", "", "Start of the data range (RFC3339 or YYYY-MM-DD)")
	fs.StringVar(&f.to, "to", "", "End of the data range, exclusive (RFC3339 or YYYY-MM-DD)")
	fs.IntVar(&f.trials, "trials", 0, "Trials per segment")
	fs.IntVar(&f.workers, "workers", 0, "Concurrent backtests")
	fs.Uint64Var(&f.seed, "seed", 0, "Search seed")
	fs.DurationVar(&f.timeout, "timeout", 0, "Wall-clock budget for the whole run")
	fs.StringVar(&f.dbDSN, "db-dsn", "", "Trial database DSN")
}

// apply copies every flag the user set onto cfg
func (f *runFlags) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	if fs.Changed("deploy") {
		cfg.Deploy.Enabled = f.deploy
	}
	if fs.Changed("symbol") {
		cfg.Data.Symbol = f.symbol
	}
	if fs.Changed("timeframe") {
		cfg.Data.Timeframe = f.timeframe
	}
	if fs.Changed("from") {
		t, err := parseDate(f.from)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		cfg.Data.From = t
	}
	if fs.Changed("to") {
		t, err := parseDate(f.to)
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}
		cfg.Data.To = t
	}
	if fs.Changed("trials") {
		cfg.Search.Trials = f.trials
	}
	if fs.Changed("workers") {
		cfg.Search.Workers = f.workers
	}
	if fs.Changed("seed") {
		cfg.Search.Seed = f.seed
		cfg.MonteCarlo.Seed = f.seed
	}
	if fs.Changed("timeout") {
		cfg.Timeout = f.timeout
	}
	if fs.Changed("db-dsn") {
		cfg.Storage.DB.DSN = f.dbDSN
	}
	return nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}

func newRunCmd(cfg func() *config.Config) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one full optimization cycle",
		Long: `Loads history, segments it walk-forward, searches every segment, re-scores the
pooled top trials out of sample, stress tests the winner and gates it against the
live configuration. With --deploy an approved winner is promoted to live.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := cfg()
			if err := flags.apply(cmd.Flags(), c); err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}
			return runOptimization(cmd.Context(), c)
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func runOptimization(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := backtest.NewExecEngine(cfg.Backtest.ExecConfig)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	deps := optimization.Deps{
		Market:     marketdata.NewCSVProvider(cfg.Data.Dir),
		Engine:     engine,
		Repo:       a.db.Repository(),
		Versions:   a.versions,
		Supervisor: a.supervisor,
		Metrics:    a.metrics,
		Events:     a.events,
	}
	if a.locker != nil {
		deps.Locker = a.locker
	}

	orch, err := optimization.New(cfg, deps)
	if err != nil {
		return err
	}

	sum, err := orch.Run(ctx)
	if sum != nil {
		fmt.Printf("run %s: %s", sum.RunID, sum.Outcome)
		if sum.VersionID != "" {
			fmt.Printf(" (version %s)", sum.VersionID)
		}
		fmt.Println()
		for _, reason := range sum.FailedChecks() {
			fmt.Printf("  failed: %s\n", reason)
		}
	}
	if err != nil {
		return err
	}
	log.Debug().Int("dropped_events", int(a.events.Dropped())).Msg("Run finished")
	return nil
}
