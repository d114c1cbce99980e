package log

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TrialProgress logs search progress every few completions with rate and ETA
type TrialProgress struct {
	mu        sync.Mutex
	name      string
	total     int
	current   int
	failed    int
	every     int
	startTime time.Time
	now       func() time.Time
}

// NewTrialProgress creates a reporter for total trials, logging every
// `every` completions (at least once per tenth of the total when every <= 0)
func NewTrialProgress(name string, total, every int) *TrialProgress {
	if every <= 0 {
		every = total / 10
		if every < 1 {
			every = 1
		}
	}
	return &TrialProgress{
		name:      name,
		total:     total,
		every:     every,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Increment records one finished trial
func (p *TrialProgress) Increment(failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current++
	if failed {
		p.failed++
	}
	if p.current%p.every != 0 && p.current != p.total {
		return
	}

	elapsed := p.now().Sub(p.startTime)
	ev := log.Info().
		Str("search", p.name).
		Int("done", p.current).
		Int("total", p.total).
		Int("failed", p.failed)

	if p.total > 0 {
		ev = ev.Float64("pct", float64(p.current)/float64(p.total)*100)
	}
	if elapsed > 0 {
		rate := float64(p.current) / elapsed.Seconds()
		ev = ev.Float64("trials_per_sec", rate)
		if remaining := p.total - p.current; remaining > 0 && rate > 0 {
			ev = ev.Dur("eta", p.ETA(rate, remaining))
		}
	}
	ev.Msg("Search progress")
}

// ETA rounds the remaining time the way operators read it
func (p *TrialProgress) ETA(rate float64, remaining int) time.Duration {
	eta := time.Duration(float64(remaining) / rate * float64(time.Second))
	if eta > time.Hour {
		return eta.Round(time.Minute)
	}
	return eta.Round(time.Second)
}

// Done returns completed and failed counts
func (p *TrialProgress) Done() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.failed
}

// Finish logs the final tally
func (p *TrialProgress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	log.Info().
		Str("search", p.name).
		Int("trials", p.current).
		Int("failed", p.failed).
		Dur("elapsed", p.now().Sub(p.startTime).Round(time.Millisecond)).
		Msg("Search completed")
}
