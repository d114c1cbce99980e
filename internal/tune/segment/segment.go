// Package segment partitions a historical data range into walk-forward
// train / embargo / out-of-sample windows.
package segment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Range is a half-open time interval [From, To)
type Range struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Duration returns the length of the range
func (r Range) Duration() time.Duration {
	return r.To.Sub(r.From)
}

// Segment is one walk-forward step. Windows are half-open: train is
// [TrainStart, TrainEnd), embargo [TrainEnd, EmbargoEnd), OOS [OOSStart, OOSEnd).
type Segment struct {
	ID         string    `json:"id"`
	Index      int       `json:"index"`
	TrainStart time.Time `json:"train_start"`
	TrainEnd   time.Time `json:"train_end"`
	EmbargoEnd time.Time `json:"embargo_end"`
	OOSStart   time.Time `json:"oos_start"`
	OOSEnd     time.Time `json:"oos_end"`
	Widened    bool      `json:"widened,omitempty"`
}

// Train returns the training window
func (s Segment) Train() Range { return Range{From: s.TrainStart, To: s.TrainEnd} }

// OOS returns the out-of-sample window
func (s Segment) OOS() Range { return Range{From: s.OOSStart, To: s.OOSEnd} }

// Valid checks the ordering invariant train_end <= embargo_end <= oos_start < oos_end
func (s Segment) Valid() bool {
	return s.TrainStart.Before(s.TrainEnd) &&
		!s.TrainEnd.After(s.EmbargoEnd) &&
		!s.EmbargoEnd.After(s.OOSStart) &&
		s.OOSStart.Before(s.OOSEnd)
}

func segmentID(trainStart, trainEnd, embargoEnd, oosStart, oosEnd time.Time) string {
	key := fmt.Sprintf("%d|%d|%d|%d|%d",
		trainStart.UnixNano(), trainEnd.UnixNano(), embargoEnd.UnixNano(), oosStart.UnixNano(), oosEnd.UnixNano())
	sum := sha256.Sum256([]byte(key))
	return "seg-" + hex.EncodeToString(sum[:6])
}

// Config holds the window lengths
type Config struct {
	TrainLen   time.Duration
	EmbargoLen time.Duration
	MinEmbargo time.Duration
	OOSLen     time.Duration
	MaxOOSLen  time.Duration // cap for widening the final OOS window
	WidenFinal bool
}

// Segmenter produces segments lazily for one data range
type Segmenter struct {
	rng Range
	cfg Config
}

// New validates the configuration and checks that at least one full segment
// fits in the range.
func New(r Range, cfg Config) (*Segmenter, error) {
	if cfg.TrainLen <= 0 || cfg.OOSLen <= 0 {
		return nil, fmt.Errorf("train and oos lengths must be positive (train=%s oos=%s)", cfg.TrainLen, cfg.OOSLen)
	}
	if cfg.EmbargoLen < 0 {
		return nil, fmt.Errorf("embargo length must not be negative: %s", cfg.EmbargoLen)
	}
	if cfg.EmbargoLen < cfg.MinEmbargo {
		return nil, fmt.Errorf("embargo %s below minimum %s", cfg.EmbargoLen, cfg.MinEmbargo)
	}
	if cfg.MaxOOSLen < cfg.OOSLen {
		cfg.MaxOOSLen = cfg.OOSLen
	}

	need := cfg.TrainLen + cfg.EmbargoLen + cfg.OOSLen
	if !r.To.After(r.From) || r.Duration() < need {
		return nil, &InsufficientDataError{Range: r, Required: need}
	}

	return &Segmenter{rng: r, cfg: cfg}, nil
}

// Iter returns a fresh iterator positioned before the first segment. Each call
// starts over, so the sequence can be walked any number of times.
func (s *Segmenter) Iter() *Iterator {
	return &Iterator{seg: s}
}

// All collects the full sequence
func (s *Segmenter) All() []Segment {
	var out []Segment
	it := s.Iter()
	for {
		seg, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, seg)
	}
}

// Iterator walks forward through the range in OOS-length strides
type Iterator struct {
	seg  *Segmenter
	k    int
	done bool
}

// Next returns the next segment, or false when the range is exhausted
func (it *Iterator) Next() (Segment, bool) {
	if it.done {
		return Segment{}, false
	}

	cfg := it.seg.cfg
	end := it.seg.rng.To

	trainStart := it.seg.rng.From.Add(time.Duration(it.k) * cfg.OOSLen)
	trainEnd := trainStart.Add(cfg.TrainLen)
	embargoEnd := trainEnd.Add(cfg.EmbargoLen)
	oosStart := embargoEnd
	oosEnd := oosStart.Add(cfg.OOSLen)

	if oosEnd.After(end) {
		it.done = true
		return Segment{}, false
	}

	widened := false
	// Last full segment: the next stride would not fit
	if oosEnd.Add(cfg.OOSLen).After(end) {
		it.done = true
		if cfg.WidenFinal && oosEnd.Before(end) {
			capped := oosStart.Add(cfg.MaxOOSLen)
			if capped.After(end) {
				capped = end
			}
			if capped.After(oosEnd) {
				oosEnd = capped
				widened = true
			}
		}
	}

	seg := Segment{
		ID:         segmentID(trainStart, trainEnd, embargoEnd, oosStart, oosEnd),
		Index:      it.k,
		TrainStart: trainStart,
		TrainEnd:   trainEnd,
		EmbargoEnd: embargoEnd,
		OOSStart:   oosStart,
		OOSEnd:     oosEnd,
		Widened:    widened,
	}
	it.k++
	return seg, true
}

// InsufficientDataError means the range cannot hold a single full segment
type InsufficientDataError struct {
	Range    Range
	Required time.Duration
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: range %s..%s spans %s, one segment needs %s",
		e.Range.From.Format(time.RFC3339), e.Range.To.Format(time.RFC3339), e.Range.Duration(), e.Required)
}
