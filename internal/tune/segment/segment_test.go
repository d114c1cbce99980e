package segment

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

func baseRange(days int) Range {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return Range{From: from, To: from.Add(time.Duration(days) * day)}
}

func TestSegments_InvariantsHold(t *testing.T) {
	cases := []struct {
		days           int
		train, emb, oo int
		widen          bool
		maxOOS         int
	}{
		{365, 90, 2, 30, false, 0},
		{365, 90, 2, 30, true, 45},
		{200, 60, 0, 7, false, 0},
		{123, 30, 5, 11, true, 20},
		{100, 97, 1, 2, true, 10},
	}

	for _, c := range cases {
		t.Run(fmt.Sprintf("%d_%d_%d_%d_%t", c.days, c.train, c.emb, c.oo, c.widen), func(t *testing.T) {
			s, err := New(baseRange(c.days), Config{
				TrainLen:   time.Duration(c.train) * day,
				EmbargoLen: time.Duration(c.emb) * day,
				OOSLen:     time.Duration(c.oo) * day,
				MaxOOSLen:  time.Duration(c.maxOOS) * day,
				WidenFinal: c.widen,
			})
			require.NoError(t, err)

			segs := s.All()
			require.NotEmpty(t, segs)
			for i, seg := range segs {
				assert.True(t, seg.Valid(), "segment %d invalid: %+v", i, seg)
				assert.Equal(t, time.Duration(c.emb)*day, seg.EmbargoEnd.Sub(seg.TrainEnd), "embargo must never shrink")
				assert.False(t, seg.OOSEnd.After(baseRange(c.days).To))
				if i > 0 {
					prev := segs[i-1]
					assert.True(t, seg.OOSStart.After(prev.OOSStart))
					assert.False(t, seg.OOSStart.Before(prev.OOSEnd), "OOS windows overlap")
				}
			}
		})
	}
}

func TestSegments_WidenFinalIsCapped(t *testing.T) {
	// 90 train + 2 embargo + 30 oos = 122 days for segment 0; range leaves 20 trailing days
	r := baseRange(142)
	s, err := New(r, Config{TrainLen: 90 * day, EmbargoLen: 2 * day, OOSLen: 30 * day, MaxOOSLen: 40 * day, WidenFinal: true})
	require.NoError(t, err)

	segs := s.All()
	require.Len(t, segs, 1)
	last := segs[0]
	assert.True(t, last.Widened)
	assert.Equal(t, 40*day, last.OOSEnd.Sub(last.OOSStart))

	// Without widening the tail is discarded
	s2, err := New(r, Config{TrainLen: 90 * day, EmbargoLen: 2 * day, OOSLen: 30 * day, WidenFinal: false})
	require.NoError(t, err)
	segs2 := s2.All()
	require.Len(t, segs2, 1)
	assert.Equal(t, 30*day, segs2[0].OOSEnd.Sub(segs2[0].OOSStart))
	assert.False(t, segs2[0].Widened)
}

func TestSegments_Restartable(t *testing.T) {
	s, err := New(baseRange(365), Config{TrainLen: 90 * day, EmbargoLen: day, OOSLen: 30 * day})
	require.NoError(t, err)

	first := s.All()
	second := s.All()
	assert.Equal(t, first, second)

	it := s.Iter()
	seg, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, first[0], seg)
}

func TestSegments_StableIDs(t *testing.T) {
	cfg := Config{TrainLen: 90 * day, EmbargoLen: day, OOSLen: 30 * day}
	a, err := New(baseRange(365), cfg)
	require.NoError(t, err)
	b, err := New(baseRange(400), cfg)
	require.NoError(t, err)

	// Same boundaries in a longer range keep their ids
	assert.Equal(t, a.All()[0].ID, b.All()[0].ID)
	assert.NotEqual(t, a.All()[0].ID, a.All()[1].ID)
}

func TestNew_InsufficientData(t *testing.T) {
	_, err := New(baseRange(100), Config{TrainLen: 90 * day, EmbargoLen: 2 * day, OOSLen: 30 * day})
	var insufficient *InsufficientDataError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 122*day, insufficient.Required)
}

func TestNew_RejectsShortEmbargo(t *testing.T) {
	_, err := New(baseRange(365), Config{TrainLen: 90 * day, EmbargoLen: time.Hour, MinEmbargo: day, OOSLen: 30 * day})
	assert.Error(t, err)
}
