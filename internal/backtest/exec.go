package backtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ExecConfig configures the subprocess engine
type ExecConfig struct {
	Command string        `yaml:"command" json:"command"`
	Args    []string      `yaml:"args" json:"args"`
	Env     []string      `yaml:"env" json:"env"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" default:"2m"`
}

// ExecEngine runs an external backtest binary. The request is written to its
// stdin as JSON and a Result is read from its stdout.
type ExecEngine struct {
	config ExecConfig
}

// NewExecEngine creates a subprocess engine
func NewExecEngine(config ExecConfig) (*ExecEngine, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("backtest command is required")
	}
	return &ExecEngine{config: config}, nil
}

// Run executes one backtest
func (e *ExecEngine) Run(ctx context.Context, req Request) (*Result, error) {
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode backtest request: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.config.Command, e.config.Args...)
	cmd.Env = append(os.Environ(), e.config.Env...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("backtest aborted after %s: %w", time.Since(start).Round(time.Millisecond), ctx.Err())
		}
		return nil, fmt.Errorf("backtest failed: %w: %s", err, tail(stderr.String(), 512))
	}

	var result Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("decode backtest output: %w", err)
	}

	log.Debug().
		Str("command", e.config.Command).
		Int("bars", len(result.BarReturns)).
		Int("trades", len(result.Trades)).
		Dur("elapsed", time.Since(start)).
		Msg("Backtest completed")

	return &result, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
