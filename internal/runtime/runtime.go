// Package runtime is the contract with the live strategy process: config
// reloads on promotion and the performance figures behind paper and live
// checks.
package runtime

import (
	"context"
	"time"
)

// Metrics are realized performance figures for one config version
type Metrics struct {
	VersionID   string    `json:"version_id"`
	Sharpe      float64   `json:"sharpe"`
	MaxDrawdown float64   `json:"max_drawdown"`
	Trades      int       `json:"trades"`
	Since       time.Time `json:"since"`
}

// Runtime is implemented by the live trading process
type Runtime interface {
	// ReloadConfig makes the runtime load versionID as its live config
	ReloadConfig(ctx context.Context, versionID string) error

	// LiveMetrics reports performance of the config currently live
	LiveMetrics(ctx context.Context) (Metrics, error)

	// PaperMetrics reports paper-trading performance of a version
	PaperMetrics(ctx context.Context, versionID string) (Metrics, error)
}
