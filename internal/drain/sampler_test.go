package drain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testSamplerConfig() SamplerConfig {
	return SamplerConfig{
		HighWatermarkPct: 50,
		LowWatermarkPct:  10,
		RaiseStreak:      2,
		LowerStreak:      5,
		MaxInterval:      256,
	}
}

func TestSamplerRaisesAfterHighStreak(t *testing.T) {
	s := NewAdaptiveSampler(testSamplerConfig())

	// One high cycle is not enough.
	interval, changed := s.Observe(60, 100)
	assert.False(t, changed)
	assert.Equal(t, uint32(1), interval)

	interval, changed = s.Observe(60, 100)
	assert.True(t, changed)
	assert.Equal(t, uint32(2), interval)
}

func TestSamplerLowersAfterLowStreak(t *testing.T) {
	s := NewAdaptiveSampler(testSamplerConfig())
	s.Observe(60, 100)
	s.Observe(60, 100) // interval now 2

	for i := 0; i < 4; i++ {
		_, changed := s.Observe(5, 100)
		assert.False(t, changed)
	}
	interval, changed := s.Observe(5, 100)
	assert.True(t, changed)
	assert.Equal(t, uint32(1), interval)
}

func TestSamplerInteriorCycleResetsStreaks(t *testing.T) {
	s := NewAdaptiveSampler(testSamplerConfig())

	s.Observe(60, 100)
	s.Observe(30, 100) // interior, resets the high streak
	_, changed := s.Observe(60, 100)
	assert.False(t, changed)
	interval, changed := s.Observe(60, 100)
	assert.True(t, changed)
	assert.Equal(t, uint32(2), interval)
}

func TestSamplerCapsAtMaxInterval(t *testing.T) {
	s := NewAdaptiveSampler(testSamplerConfig())

	for i := 0; i < 100; i++ {
		s.Observe(90, 100)
	}
	assert.Equal(t, uint32(256), s.Interval())
}

func TestSamplerFloorsAtOne(t *testing.T) {
	s := NewAdaptiveSampler(testSamplerConfig())

	for i := 0; i < 100; i++ {
		_, changed := s.Observe(0, 100)
		assert.False(t, changed)
	}
	assert.Equal(t, uint32(1), s.Interval())
}

func TestSamplerRecoversStepwise(t *testing.T) {
	s := NewAdaptiveSampler(testSamplerConfig())

	// Push up to 8.
	for i := 0; i < 6; i++ {
		s.Observe(80, 100)
	}
	assert.Equal(t, uint32(8), s.Interval())

	// Each halving needs its own low streak.
	steps := []uint32{4, 2, 1}
	for _, want := range steps {
		for i := 0; i < 4; i++ {
			_, changed := s.Observe(0, 100)
			assert.False(t, changed)
		}
		interval, changed := s.Observe(0, 100)
		assert.True(t, changed)
		assert.Equal(t, want, interval)
	}
}
