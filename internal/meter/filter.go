package meter

import (
	"math"
	"time"

	"github.com/nexus-edge/energy-monitor/internal/domain"
)

// NoiseThreshold is the power level at or below which a sample counts as noise.
const NoiseThreshold = 0.05

// FilterDepth is the number of samples that must all clear the threshold.
const FilterDepth = 2

// Scale converts raw Output bank fields to engineering units.
func Scale(o OutputRegisters) domain.Measurement {
	return domain.Measurement{
		Source:        domain.SourceMeter,
		VoltageRMS:    float64(o.VoltageRMS) / 10,
		CurrentRMS:    float64(o.CurrentRMS) / 10000,
		ActivePower:   float64(o.ActivePower) / 100,
		Frequency:     float64(o.LineFrequency) / 1000,
		PowerFactor:   float64(o.PowerFactor) * math.Pow(2, -15),
		ReactivePower: float64(o.ReactivePower) / 100,
		ApparentPower: float64(o.ApparentPower) / 100,
	}
}

// NoiseFilter zeroes active and reactive power until the last FilterDepth
// samples of that quantity all exceed NoiseThreshold. It is a gate, not an
// average: a passing sample is reported unchanged.
type NoiseFilter struct {
	active   [FilterDepth]float64
	reactive [FilterDepth]float64
	next     int
}

// Apply records the sample and returns it with gated power values.
func (f *NoiseFilter) Apply(m domain.Measurement) domain.Measurement {
	f.active[f.next] = m.ActivePower
	f.reactive[f.next] = m.ReactivePower
	f.next = (f.next + 1) % FilterDepth

	if !aboveThreshold(f.active[:]) {
		m.ActivePower = 0
	}
	if !aboveThreshold(f.reactive[:]) {
		m.ReactivePower = 0
	}
	return m
}

// Reset clears the sample history.
func (f *NoiseFilter) Reset() {
	*f = NoiseFilter{}
}

func aboveThreshold(samples []float64) bool {
	for _, s := range samples {
		if s <= NoiseThreshold {
			return false
		}
	}
	return true
}

// decodeMeasurement scales o, applies the filter and stamps the result.
func decodeMeasurement(f *NoiseFilter, o OutputRegisters, now time.Time) domain.Measurement {
	m := f.Apply(Scale(o))
	m.Timestamp = now
	return m
}
