// Package audio holds the real-time side of the pipeline: format conversion,
// speech gating, utterance segmentation and the per-session stream state.
// Nothing in this package blocks or logs; it runs on the capture callback.
package audio

// TargetRate is the sample rate expected by the inference engine.
const TargetRate = 16000

// Batch is one audio callback's worth of interleaved samples.
type Batch struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// ToMono averages interleaved channels per frame. A trailing partial frame is ignored.
func ToMono(samples []float32, channels int) []float32 {
	if channels <= 0 || len(samples) == 0 {
		return nil
	}
	if channels == 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		frame := samples[i*channels : (i+1)*channels]
		for _, s := range frame {
			sum += s
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples at sourceRate to TargetRate with linear
// interpolation. The input is returned as-is when it is already at TargetRate.
func Resample(samples []float32, sourceRate int) []float32 {
	if sourceRate == TargetRate {
		return samples
	}
	if len(samples) == 0 || sourceRate <= 0 {
		return nil
	}
	outLen := (len(samples)*TargetRate + sourceRate - 1) / sourceRate
	ratio := float64(sourceRate) / float64(TargetRate)
	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		switch {
		case idx+1 < len(samples):
			out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
		case idx < len(samples):
			out[i] = samples[idx]
		}
	}
	return out
}

// Convert turns a raw batch into TargetRate mono.
func Convert(b Batch) []float32 {
	return Resample(ToMono(b.Samples, b.Channels), b.SampleRate)
}

// Mix sums secondary into primary frame by frame. The result has the length of
// primary; missing secondary frames count as silence.
func Mix(primary, secondary []float32) []float32 {
	if len(primary) == 0 {
		return nil
	}
	out := make([]float32, len(primary))
	for i, s := range primary {
		if i < len(secondary) {
			s += secondary[i]
		}
		out[i] = clamp(s)
	}
	return out
}

func clamp(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
