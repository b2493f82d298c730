package audio

import "math"

// EchoCanceller suppresses a reference signal from a captured one. Both inputs
// and the output are TargetRate mono; the output has the length of capture.
type EchoCanceller interface {
	Cancel(capture, reference []float32) []float32
}

// Ducker is a minimal EchoCanceller: while the reference is louder than
// thresholdDB the capture is attenuated by gain.
type Ducker struct {
	ThresholdDB float64
	Gain        float32
}

func NewDucker() *Ducker {
	return &Ducker{ThresholdDB: -45, Gain: 0.2}
}

func (d *Ducker) Cancel(capture, reference []float32) []float32 {
	if len(capture) == 0 {
		return nil
	}
	out := make([]float32, len(capture))
	n := min(len(reference), len(capture))
	gain := float32(1)
	if n > 0 && LevelDB(reference[:n]) >= d.ThresholdDB {
		gain = d.Gain
	}
	for i, s := range capture {
		out[i] = s * gain
	}
	return out
}

// RMS is the root-mean-square amplitude of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// LevelDB is 20*log10(rms), negative infinity for digital silence.
func LevelDB(samples []float32) float64 {
	rms := RMS(samples)
	if rms <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}
