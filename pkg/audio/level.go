package audio

import (
	"math"
	"sync/atomic"
)

// defaultDecay is the per-observation factor applied to the held level so the
// meter falls off smoothly after loud passages.
const defaultDecay = 0.85

// Meter is a live audio-level tap. Producers call Observe with each block of
// samples they move through the pipeline; visualisers poll Level at their own
// rate. Gain scales the reported level (not the audio itself).
//
// All methods are safe for concurrent use and never block, so Observe may be
// called from a real-time device callback.
type Meter struct {
	gain  atomic.Uint64 // math.Float64bits
	level atomic.Uint64 // math.Float64bits
}

// NewMeter returns a Meter with unit gain and zero level.
func NewMeter() *Meter {
	m := &Meter{}
	m.gain.Store(math.Float64bits(1))
	return m
}

// SetGain sets the factor applied to observed levels. Negative values are
// treated as zero.
func (m *Meter) SetGain(g float64) {
	m.gain.Store(math.Float64bits(max(g, 0)))
}

// Gain returns the current gain.
func (m *Meter) Gain() float64 {
	return math.Float64frombits(m.gain.Load())
}

// Observe folds the RMS of samples into the held level. Louder blocks raise
// the level immediately; quieter blocks let it decay.
func (m *Meter) Observe(samples []float32) {
	if len(samples) == 0 {
		return
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum/float64(len(samples))) * m.Gain()

	for {
		old := m.level.Load()
		next := max(rms, math.Float64frombits(old)*defaultDecay)
		if m.level.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

// Level returns the held level, clamped to [0, 1].
func (m *Meter) Level() float64 {
	return min(math.Float64frombits(m.level.Load()), 1)
}

// Reset drops the held level to zero.
func (m *Meter) Reset() {
	m.level.Store(0)
}
