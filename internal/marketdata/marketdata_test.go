package marketdata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `time,open,high,low,close,volume
2024-01-01T02:00:00Z,102,103,101,102.5,10
2024-01-01T00:00:00Z,100,101,99,100.5,12
1704070800,101,102,100,101.5,11
`

func TestReadCSV_SortsAndParses(t *testing.T) {
	bars, err := ReadCSV(context.Background(), strings.NewReader(sampleCSV))
	require.NoError(t, err)
	require.Len(t, bars, 3)

	assert.Equal(t, 100.5, bars[0].Close)
	assert.Equal(t, time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC), bars[1].Time)
	assert.Equal(t, 102.5, bars[2].Close)
}

func TestReadCSV_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing_column", "time,open,high,low,close\n"},
		{"bad_time", "time,open,high,low,close,volume\nyesterday,1,1,1,1,1\n"},
		{"bad_close", "time,open,high,low,close,volume\n1704067200,1,1,1,0,1\n"},
		{"duplicate", "time,open,high,low,close,volume\n1704067200,1,1,1,1,1\n1704067200,1,1,1,1,1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(context.Background(), strings.NewReader(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestCSVProvider_FetchSlicesRange(t *testing.T) {
	dir := t.TempDir()
	p := NewCSVProvider(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BTCUSDT_1h.csv"), []byte(sampleCSV), 0o644))

	from := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	bars, err := p.FetchOHLCV(context.Background(), "BTC/USDT", "1h", from, from.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, from, bars[0].Time)

	_, err = p.FetchOHLCV(context.Background(), "BTCUSDT", "1h", from.Add(48*time.Hour), from.Add(50*time.Hour))
	assert.True(t, errors.Is(err, ErrNoData))
}

func TestSlice_HalfOpen(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var bars []Bar
	for i := 0; i < 10; i++ {
		bars = append(bars, Bar{Time: base.Add(time.Duration(i) * time.Hour), Close: 1})
	}

	got := Slice(bars, base.Add(2*time.Hour), base.Add(5*time.Hour))
	require.Len(t, got, 3)
	assert.Equal(t, base.Add(4*time.Hour), got[2].Time)
	assert.Nil(t, Slice(bars, base.Add(20*time.Hour), base.Add(30*time.Hour)))
}
