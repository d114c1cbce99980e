// Package marketdata defines the OHLCV provider contract and a CSV-file provider.
package marketdata

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Bar is one OHLCV candle, stamped with its open time
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Provider fetches ordered bars for a half-open range [from, to)
type Provider interface {
	FetchOHLCV(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]Bar, error)
}

// ErrNoData is returned when the requested range holds no bars
var ErrNoData = errors.New("no bars in range")

// Slice returns the bars with from <= Time < to. bars must be sorted.
func Slice(bars []Bar, from, to time.Time) []Bar {
	lo := sort.Search(len(bars), func(i int) bool { return !bars[i].Time.Before(from) })
	hi := sort.Search(len(bars), func(i int) bool { return !bars[i].Time.Before(to) })
	if lo >= hi {
		return nil
	}
	return bars[lo:hi]
}

// CSVProvider reads bars from files named <dir>/<SYMBOL>_<timeframe>.csv with
// header time,open,high,low,close,volume. time is RFC3339 or unix seconds.
type CSVProvider struct {
	Dir string
}

// NewCSVProvider creates a provider rooted at dir
func NewCSVProvider(dir string) *CSVProvider {
	return &CSVProvider{Dir: dir}
}

// Path returns the file that holds a symbol/timeframe series
func (p *CSVProvider) Path(symbol, timeframe string) string {
	name := fmt.Sprintf("%s_%s.csv", strings.ToUpper(strings.ReplaceAll(symbol, "/", "")), timeframe)
	return p.Dir + string(os.PathSeparator) + name
}

// FetchOHLCV loads and slices the series
func (p *CSVProvider) FetchOHLCV(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]Bar, error) {
	path := p.Path(symbol, timeframe)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open market data %s: %w", path, err)
	}
	defer f.Close()

	bars, err := ReadCSV(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("read market data %s: %w", path, err)
	}

	out := Slice(bars, from, to)
	if len(out) == 0 {
		return nil, fmt.Errorf("%s %s %s..%s: %w", symbol, timeframe,
			from.Format(time.RFC3339), to.Format(time.RFC3339), ErrNoData)
	}

	log.Debug().
		Str("symbol", symbol).
		Str("timeframe", timeframe).
		Int("bars", len(out)).
		Msg("Loaded market data")

	return out, nil
}

// ReadCSV parses a bar series and returns it sorted by time. Duplicate
// timestamps and non-positive closes are rejected.
func ReadCSV(ctx context.Context, r io.Reader) ([]Bar, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, need := range []string{"time", "open", "high", "low", "close", "volume"} {
		if _, ok := cols[need]; !ok {
			return nil, fmt.Errorf("missing column %q", need)
		}
	}

	var bars []Bar
	line := 1
	for {
		if line%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		ts, err := parseTime(rec[cols["time"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		var vals [5]float64
		for i, name := range []string{"open", "high", "low", "close", "volume"} {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[cols[name]]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, name, err)
			}
			vals[i] = v
		}
		if vals[3] <= 0 {
			return nil, fmt.Errorf("line %d: non-positive close %g", line, vals[3])
		}
		bars = append(bars, Bar{Time: ts, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]})
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	for i := 1; i < len(bars); i++ {
		if bars[i].Time.Equal(bars[i-1].Time) {
			return nil, fmt.Errorf("duplicate bar at %s", bars[i].Time.Format(time.RFC3339))
		}
	}
	return bars, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs > 1e12 { // milliseconds
			return time.UnixMilli(secs).UTC(), nil
		}
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", s)
	}
	return t.UTC(), nil
}
