package vad

import "math"

// EnergyScorer is the default lightweight classifier. It combines
// normalized RMS energy with a zero-crossing penalty: speech carries
// energy at moderate crossing rates, while hiss and clicks score high on
// crossings but low on sustained energy.
type EnergyScorer struct {
	// noiseFloor adapts slowly toward the quietest windows seen, so the
	// score tracks signal above ambient noise rather than absolute level.
	noiseFloor float64
}

// NewEnergyScorer creates a scorer with a conservative initial floor.
func NewEnergyScorer() *EnergyScorer {
	return &EnergyScorer{noiseFloor: 1e-4}
}

// Score implements Scorer.
func (s *EnergyScorer) Score(window []int16) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	crossings := 0
	prevNeg := window[0] < 0
	for _, v := range window {
		f := float64(v)
		sum += f * f
		neg := v < 0
		if neg != prevNeg {
			crossings++
			prevNeg = neg
		}
	}
	rms := math.Sqrt(sum/float64(len(window))) / 32768.0

	// Track the noise floor: fast decay toward quiet windows, slow rise.
	if rms < s.noiseFloor {
		s.noiseFloor = 0.8*s.noiseFloor + 0.2*rms
	} else {
		s.noiseFloor = 0.995*s.noiseFloor + 0.005*rms
	}
	floor := s.noiseFloor
	if floor < 1e-5 {
		floor = 1e-5
	}

	// Energy above the floor, compressed into [0, 1).
	snr := rms / (floor * 8)
	energyScore := snr / (1 + snr)

	// Penalize windows whose crossing rate is outside the speech band.
	rate := float64(crossings) / float64(len(window))
	crossPenalty := 1.0
	if rate > 0.35 {
		crossPenalty = 0.35 / rate
	}
	return energyScore * crossPenalty
}
