package bot

import (
	"sync"
	"time"

	"github.com/openclaw/dm-responder-go/internal/clock"
)

// ProcessedSet remembers message ids that were already handled so a message
// is answered at most once while it stays inside the retention window.
type ProcessedSet struct {
	clock      clock.Clock
	retention  time.Duration
	sweepEvery time.Duration

	mu        sync.Mutex
	seen      map[string]time.Time
	lastSweep time.Time
}

func NewProcessedSet(clk clock.Clock, retention, sweepEvery time.Duration) *ProcessedSet {
	if clk == nil {
		clk = clock.Real{}
	}
	return &ProcessedSet{
		clock:      clk,
		retention:  retention,
		sweepEvery: sweepEvery,
		seen:       make(map[string]time.Time),
		lastSweep:  clk.Now(),
	}
}

// Add marks id as processed. It returns false when id was already present.
func (p *ProcessedSet) Add(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[id]; ok {
		return false
	}
	p.seen[id] = p.clock.Now()
	return true
}

func (p *ProcessedSet) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen[id]
	return ok
}

func (p *ProcessedSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

// MaybeSweep drops entries older than the retention window, at most once per
// sweep interval. It returns the number of entries removed.
func (p *ProcessedSet) MaybeSweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if now.Sub(p.lastSweep) < p.sweepEvery {
		return 0
	}
	p.lastSweep = now

	cutoff := now.Add(-p.retention)
	removed := 0
	for id, at := range p.seen {
		if at.Before(cutoff) {
			delete(p.seen, id)
			removed++
		}
	}
	return removed
}
