package main

import (
	"errors"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/retune/internal/application/optimization"
	"github.com/sawpanic/retune/internal/config"
	applog "github.com/sawpanic/retune/internal/log"
)

const (
	appName = "retune"
	version = "v0.4.0"
)

// Exit codes
const (
	exitOK = iota
	exitError
	exitData
	exitDeploy
	exitTimeout
)

type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	var (
		derr *optimization.DataError
		dio  *optimization.DeploymentIOError
		terr *optimization.TimeoutError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &derr):
		return exitData
	case errors.As(err, &dio):
		return exitDeploy
	case errors.As(err, &terr):
		return exitTimeout
	default:
		return exitError
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	var cfg *config.Config

	root := &cobra.Command{
		Use:     appName,
		Short:   "Walk-forward strategy parameter re-tuning with gated deployment",
		Version: version,
		Long: `retune re-optimizes a strategy's parameters on walk-forward segments,
re-scores the best candidates out of sample, stress tests the winner and only
deploys it when it beats the live configuration on every gate.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				c.Log.Level = opts.logLevel
			}
			if opts.logFormat != "" {
				c.Log.Format = opts.logFormat
			}
			applog.Setup(c.Log)
			cfg = c
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "Path to the YAML config file")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level (trace|debug|info|warn|error)")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format (auto|json|console)")

	// subcommands read the config resolved in PersistentPreRunE
	get := func() *config.Config { return cfg }

	root.AddCommand(
		newRunCmd(get),
		newVersionsCmd(get),
		newRollbackCmd(get),
		newTrialsCmd(get),
		newCandidatesCmd(get),
		newRunsCmd(get),
		newServeCmd(get),
	)
	return root
}
