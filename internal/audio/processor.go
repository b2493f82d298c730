package audio

import (
	"math"
	"sync/atomic"
)

// Processor consumes TargetRate mono batches on the capture callback.
type Processor interface {
	Process(samples []float32)
}

// LevelMeter tracks the most recent batch level for monitoring.
type LevelMeter struct {
	bits atomic.Uint64
}

func NewLevelMeter() *LevelMeter {
	m := &LevelMeter{}
	m.bits.Store(math.Float64bits(math.Inf(-1)))
	return m
}

func (m *LevelMeter) Process(samples []float32) {
	m.bits.Store(math.Float64bits(LevelDB(samples)))
}

// LevelDB returns the level of the last processed batch.
func (m *LevelMeter) LevelDB() float64 {
	return math.Float64frombits(m.bits.Load())
}

// SpeechDetector couples a Gate with an Accumulator.
type SpeechDetector struct {
	gate         *Gate
	acc          *Accumulator
	onTransition func(Transition)
}

// NewSpeechDetector builds a detector. onTransition may be nil.
func NewSpeechDetector(thresholdDB float64, cfg SegmentConfig, sink SegmentSink, onTransition func(Transition)) *SpeechDetector {
	return &SpeechDetector{
		gate:         NewGate(thresholdDB),
		acc:          NewAccumulator(cfg, sink),
		onTransition: onTransition,
	}
}

func (d *SpeechDetector) Process(samples []float32) {
	if tr, ok := d.gate.Process(samples); ok && d.onTransition != nil {
		d.onTransition(tr)
	}
	d.acc.Push(samples, d.gate.Active())
}

func (d *SpeechDetector) KeyDown() { d.acc.KeyDown() }

func (d *SpeechDetector) KeyUp() { d.acc.KeyUp() }

func (d *SpeechDetector) SetPushToTalk(enabled bool) { d.acc.SetPushToTalk(enabled) }

func (d *SpeechDetector) Accumulating() bool { return d.acc.Accumulating() }

// Reset discards any open utterance and forgets the gate state.
func (d *SpeechDetector) Reset() bool {
	d.gate.Reset()
	return d.acc.Reset()
}
