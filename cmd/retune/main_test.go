package main

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/retune/internal/application/optimization"
	"github.com/sawpanic/retune/internal/config"
	"github.com/sawpanic/retune/internal/rollout"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"plain", errors.New("boom"), exitError},
		{"data", &optimization.DataError{Stage: "load", Err: errors.New("no bars")}, exitData},
		{"wrapped data", fmt.Errorf("run: %w", &optimization.DataError{Stage: "segment"}), exitData},
		{"deploy", &optimization.DeploymentIOError{Op: "promote live", Err: errors.New("disk full")}, exitDeploy},
		{"persist after swap", fmt.Errorf("run: %w", &optimization.DeploymentIOError{
			Op:  "promote live",
			Err: fmt.Errorf("%w: failed to persist paper_pass: database is locked", rollout.ErrDeploy),
		}), exitDeploy},
		{"timeout", &optimization.TimeoutError{Budget: time.Minute, Stage: "search"}, exitTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRunFlags_ApplyOnlyChanged(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Search.Trials = 100
	cfg.Data.Symbol = "BTCUSD"

	f := &runFlags{}
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	f.register(fs)
	require.NoError(t, fs.Parse([]string{"--deploy", "--from", "2024-01-01", "--seed", "7"}))
	require.NoError(t, f.apply(fs, cfg))

	assert.True(t, cfg.Deploy.Enabled)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), cfg.Data.From)
	assert.Equal(t, uint64(7), cfg.Search.Seed)
	assert.Equal(t, uint64(7), cfg.MonteCarlo.Seed)
	assert.Equal(t, 100, cfg.Search.Trials, "unset flags keep the config value")
	assert.Equal(t, "BTCUSD", cfg.Data.Symbol)
}

func TestRunFlags_BadDate(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)

	f := &runFlags{}
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	f.register(fs)
	require.NoError(t, fs.Parse([]string{"--to", "yesterday"}))
	assert.ErrorContains(t, f.apply(fs, cfg), "--to")
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "versions", "rollback", "trials", "candidates", "runs", "serve"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
