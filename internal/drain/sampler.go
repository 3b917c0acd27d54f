// Package drain moves raw entries out of session ring buffers, rebuilds
// call structure, and feeds the persistence pipeline. It also closes the
// feedback loop that throttles light hooks when a ring runs hot.
package drain

// SamplerConfig tunes the adaptive sampling feedback loop.
type SamplerConfig struct {
	// HighWatermarkPct is the ring fill percentage at or above which a
	// drain cycle counts toward raising the interval.
	HighWatermarkPct uint64
	// LowWatermarkPct is the fill percentage at or below which a cycle
	// counts toward lowering it.
	LowWatermarkPct uint64
	// RaiseStreak is how many consecutive high cycles double the
	// interval.
	RaiseStreak int
	// LowerStreak is how many consecutive low cycles halve it.
	LowerStreak int
	// MaxInterval caps the interval.
	MaxInterval uint32
}

// AdaptiveSampler derives the light-hook sample interval from ring
// occupancy. Adjustment requires a streak of consecutive cycles on the
// same side of the watermarks; a single cycle in between resets both
// streaks, so isolated spikes don't move the interval.
type AdaptiveSampler struct {
	cfg      SamplerConfig
	interval uint32
	highRun  int
	lowRun   int
}

// NewAdaptiveSampler starts at interval 1 (no sampling).
func NewAdaptiveSampler(cfg SamplerConfig) *AdaptiveSampler {
	return &AdaptiveSampler{cfg: cfg, interval: 1}
}

// Interval returns the current sample interval.
func (s *AdaptiveSampler) Interval() uint32 {
	return s.interval
}

// Observe feeds one drain cycle's occupancy into the loop and returns
// the interval to apply plus whether it changed this cycle.
func (s *AdaptiveSampler) Observe(pending, capacity uint64) (uint32, bool) {
	if capacity == 0 {
		return s.interval, false
	}
	fillPct := pending * 100 / capacity

	switch {
	case fillPct >= s.cfg.HighWatermarkPct:
		s.highRun++
		s.lowRun = 0
		if s.highRun >= s.cfg.RaiseStreak {
			s.highRun = 0
			if s.interval < s.cfg.MaxInterval {
				s.interval *= 2
				if s.interval > s.cfg.MaxInterval {
					s.interval = s.cfg.MaxInterval
				}
				return s.interval, true
			}
		}
	case fillPct <= s.cfg.LowWatermarkPct:
		s.lowRun++
		s.highRun = 0
		if s.lowRun >= s.cfg.LowerStreak {
			s.lowRun = 0
			if s.interval > 1 {
				s.interval /= 2
				return s.interval, true
			}
		}
	default:
		s.highRun = 0
		s.lowRun = 0
	}
	return s.interval, false
}
