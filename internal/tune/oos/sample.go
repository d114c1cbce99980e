package oos

import "fmt"

// Thresholds are the sample-size floors below which an OOS result is not trusted
type Thresholds struct {
	Require   bool    `yaml:"require_min_oos" json:"require_min_oos" default:"true"`
	MinBars   int     `yaml:"min_bars" json:"min_bars" default:"200" validate:"gte=0"`
	MinDays   float64 `yaml:"min_days" json:"min_days" default:"5" validate:"gte=0"`
	MinTrades int     `yaml:"min_trades" json:"min_trades" default:"30" validate:"gte=0"`
}

// DefaultThresholds returns the default floors
func DefaultThresholds() Thresholds {
	return Thresholds{Require: true, MinBars: 200, MinDays: 5.0, MinTrades: 30}
}

// Sample is the size of an evaluated OOS sample
type Sample struct {
	Bars   int     `json:"bars"`
	Days   float64 `json:"days"`
	Trades int     `json:"trades"`
}

// TooSmall reports whether the sample violates any floor, with one reason per
// violated floor. With Require disabled no sample is too small.
func (s Sample) TooSmall(th Thresholds) (bool, []string) {
	if !th.Require {
		return false, nil
	}

	var reasons []string
	if s.Bars < th.MinBars {
		reasons = append(reasons, fmt.Sprintf("bar_count %d < %d", s.Bars, th.MinBars))
	}
	if s.Days < th.MinDays {
		reasons = append(reasons, fmt.Sprintf("day_count %.2f < %.2f", s.Days, th.MinDays))
	}
	if s.Trades < th.MinTrades {
		reasons = append(reasons, fmt.Sprintf("trade_count %d < %d", s.Trades, th.MinTrades))
	}
	return len(reasons) > 0, reasons
}
