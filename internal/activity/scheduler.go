// Package activity decides how long a bot sleeps between poll cycles. The
// interval follows a daily pattern of human activity bands, shrinks while
// conversations are active and grows while the inbox is quiet.
package activity

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/dm-responder-go/internal/clock"
)

// Band is an hour range [StartHour, EndHour) with its base interval. A band
// whose StartHour is greater than its EndHour wraps midnight.
type Band struct {
	StartHour int           `yaml:"start_hour"`
	EndHour   int           `yaml:"end_hour"`
	Base      time.Duration `yaml:"base"`
	Variation time.Duration `yaml:"variation"`
}

func (b Band) contains(hour int) bool {
	if b.StartHour <= b.EndHour {
		return b.StartHour <= hour && hour < b.EndHour
	}
	return hour >= b.StartHour || hour < b.EndHour
}

type Config struct {
	Bands   []Band `yaml:"bands"`
	Default Band   `yaml:"default"`

	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`

	ActiveFactor float64 `yaml:"active_factor"`
	IdleFactor   float64 `yaml:"idle_factor"`

	MaxInactiveCycles int           `yaml:"max_inactive_cycles"`
	ResetEvery        time.Duration `yaml:"reset_every"`

	ChunkMin time.Duration `yaml:"chunk_min"`
	ChunkMax time.Duration `yaml:"chunk_max"`
	// EarlyCheckAfter is the remaining sleep above which a chunk boundary
	// triggers an early inbox check.
	EarlyCheckAfter time.Duration `yaml:"early_check_after"`
}

func DefaultBands() []Band {
	return []Band{
		{StartHour: 8, EndHour: 12, Base: 45 * time.Second, Variation: 30 * time.Second},
		{StartHour: 12, EndHour: 14, Base: 90 * time.Second, Variation: 45 * time.Second},
		{StartHour: 14, EndHour: 18, Base: 60 * time.Second, Variation: 40 * time.Second},
		{StartHour: 18, EndHour: 22, Base: 40 * time.Second, Variation: 25 * time.Second},
		{StartHour: 22, EndHour: 8, Base: 300 * time.Second, Variation: 120 * time.Second},
	}
}

func DefaultConfig() Config {
	return Config{
		Bands:             DefaultBands(),
		Default:           Band{Base: 120 * time.Second, Variation: 60 * time.Second},
		MinInterval:       30 * time.Second,
		MaxInterval:       600 * time.Second,
		ActiveFactor:      0.6,
		IdleFactor:        1.2,
		MaxInactiveCycles: 8,
		ResetEvery:        2 * time.Hour,
		ChunkMin:          15 * time.Second,
		ChunkMax:          60 * time.Second,
		EarlyCheckAfter:   30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.Bands) == 0 {
		c.Bands = d.Bands
	}
	if c.Default.Base <= 0 {
		c.Default = d.Default
	}
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxInterval <= 0 || c.MaxInterval < c.MinInterval {
		c.MaxInterval = d.MaxInterval
	}
	if c.ActiveFactor <= 0 {
		c.ActiveFactor = d.ActiveFactor
	}
	if c.IdleFactor <= 0 {
		c.IdleFactor = d.IdleFactor
	}
	if c.MaxInactiveCycles <= 0 {
		c.MaxInactiveCycles = d.MaxInactiveCycles
	}
	if c.ResetEvery <= 0 {
		c.ResetEvery = d.ResetEvery
	}
	if c.ChunkMin <= 0 {
		c.ChunkMin = d.ChunkMin
	}
	if c.ChunkMax <= 0 || c.ChunkMax < c.ChunkMin {
		c.ChunkMax = d.ChunkMax
	}
	if c.EarlyCheckAfter <= 0 {
		c.EarlyCheckAfter = d.EarlyCheckAfter
	}
	return c
}

// State is a snapshot of the scheduler.
type State struct {
	Sleep          time.Duration
	InactiveCycles int
	LastReset      time.Time
}

type Scheduler struct {
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger

	mu             sync.Mutex
	sleep          time.Duration
	inactiveCycles int
	lastReset      time.Time
}

func New(cfg Config, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:       cfg,
		clock:     clk,
		logger:    log.Logger,
		sleep:     cfg.MinInterval,
		lastReset: clk.Now(),
	}
}

func (s *Scheduler) WithLogger(logger zerolog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// BandAt returns the band covering the local hour of t, or the default band.
func (s *Scheduler) BandAt(t time.Time) Band {
	hour := t.Hour()
	for _, b := range s.cfg.Bands {
		if b.contains(hour) {
			return b
		}
	}
	return s.cfg.Default
}

// NextInterval draws the next sleep interval for the current band. The result
// is truncated to whole seconds and clamped to [MinInterval, MaxInterval].
func (s *Scheduler) NextInterval(hadActivity bool) time.Duration {
	band := s.BandAt(s.clock.Now())

	factor := s.cfg.IdleFactor
	if hadActivity {
		factor = s.cfg.ActiveFactor
	}
	base := band.Base.Seconds() * factor
	variation := band.Variation.Seconds() * factor

	lo := base - variation/2
	interval := time.Duration(lo+rand.Float64()*variation) * time.Second
	return s.clamp(interval)
}

func (s *Scheduler) clamp(d time.Duration) time.Duration {
	if d < s.cfg.MinInterval {
		return s.cfg.MinInterval
	}
	if d > s.cfg.MaxInterval {
		return s.cfg.MaxInterval
	}
	return d
}

// Adapt records the outcome of a cycle and returns the sleep duration to use
// before the next one.
func (s *Scheduler) Adapt(hadActivity bool) time.Duration {
	next := s.NextInterval(hadActivity)

	s.mu.Lock()
	s.sleep = next
	if hadActivity {
		s.inactiveCycles = 0
	} else {
		s.inactiveCycles++
	}
	inactive := s.inactiveCycles
	s.mu.Unlock()

	s.logger.Debug().
		Bool("activity", hadActivity).
		Dur("sleep", next).
		Int("inactiveCycles", inactive).
		Msg("adapted poll interval")

	s.MaybeReset()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sleep
}

// MaybeReset returns the scheduler to its shortest interval when the sleep has
// drifted to the maximum, the inbox has been quiet for too many cycles, or the
// last reset is too long ago. It reports whether a reset happened.
func (s *Scheduler) MaybeReset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.sleep < s.cfg.MaxInterval &&
		s.inactiveCycles < s.cfg.MaxInactiveCycles &&
		now.Sub(s.lastReset) <= s.cfg.ResetEvery {
		return false
	}

	old := s.sleep
	s.resetLocked(now)
	s.logger.Info().Dur("from", old).Dur("to", s.sleep).Msg("sleep cycle reset")
	return true
}

// Reset unconditionally returns to the shortest interval.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.resetLocked(s.clock.Now())
	s.mu.Unlock()
}

func (s *Scheduler) resetLocked(now time.Time) {
	s.sleep = s.cfg.MinInterval
	s.inactiveCycles = 0
	s.lastReset = now
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Sleep: s.sleep, InactiveCycles: s.inactiveCycles, LastReset: s.lastReset}
}

// ChunkSize is a quarter of the current band's base interval, bounded to
// [ChunkMin, ChunkMax].
func (s *Scheduler) ChunkSize() time.Duration {
	chunk := s.BandAt(s.clock.Now()).Base / 4
	if chunk < s.cfg.ChunkMin {
		return s.cfg.ChunkMin
	}
	if chunk > s.cfg.ChunkMax {
		return s.cfg.ChunkMax
	}
	return chunk
}

// EarlyCheck looks for new messages during a sleep. It reports whether
// anything was found.
type EarlyCheck func(ctx context.Context) (bool, error)

// Sleep waits for d in chunks. After each chunk, while more than
// EarlyCheckAfter remains, check is run and a positive result ends the sleep.
// Errors from check are logged and the sleep continues. Sleep returns the
// context error when cancelled and reports whether it woke early.
func (s *Scheduler) Sleep(ctx context.Context, d time.Duration, check EarlyCheck) (bool, error) {
	chunk := s.ChunkSize()
	remaining := d

	for remaining > 0 {
		step := min(chunk, remaining)
		if err := s.clock.Sleep(ctx, step); err != nil {
			return false, err
		}
		remaining -= step

		if remaining <= s.cfg.EarlyCheckAfter || check == nil {
			continue
		}
		found, err := check(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("early inbox check failed")
			continue
		}
		if found {
			s.logger.Info().Dur("remaining", remaining).Msg("new messages during sleep, waking early")
			return true, nil
		}
	}
	return false, nil
}
