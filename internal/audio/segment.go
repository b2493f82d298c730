package audio

import "time"

// SegmentConfig bounds utterances produced by an Accumulator.
type SegmentConfig struct {
	// MinSilence is how long silence must last before an utterance closes.
	MinSilence time.Duration
	// MinSegment discards utterances with less speech than this.
	MinSegment time.Duration
	// MaxSegment forces a flush of long utterances.
	MaxSegment time.Duration
}

func DefaultSegmentConfig() SegmentConfig {
	return SegmentConfig{
		MinSilence: 500 * time.Millisecond,
		MinSegment: 250 * time.Millisecond,
		MaxSegment: 30 * time.Second,
	}
}

// SegmentSink receives the output of an Accumulator. All methods are called on
// the capture callback and must not block.
type SegmentSink interface {
	SpeechStarted()
	SpeechEnded(duration time.Duration)
	// SegmentReady hands over ownership of samples.
	SegmentReady(samples []float32)
}

// Accumulator turns gated TargetRate audio into discrete utterances.
type Accumulator struct {
	sink       SegmentSink
	pushToTalk bool
	minSilence int
	minSegment int
	maxSegment int
	accumulate bool
	buf        []float32
	speechEnd  int // buf index just past the last active batch
	silenceRun int
	flushedRun int // speech samples already flushed by MaxSegment in this utterance
}

func NewAccumulator(cfg SegmentConfig, sink SegmentSink) *Accumulator {
	a := &Accumulator{
		sink:       sink,
		minSilence: samplesFor(cfg.MinSilence),
		minSegment: samplesFor(cfg.MinSegment),
		maxSegment: samplesFor(cfg.MaxSegment),
	}
	if a.maxSegment <= 0 {
		a.maxSegment = samplesFor(DefaultSegmentConfig().MaxSegment)
	}
	return a
}

func samplesFor(d time.Duration) int {
	return int(d * TargetRate / time.Second)
}

func durationOf(samples int) time.Duration {
	return time.Duration(samples) * time.Second / TargetRate
}

// Accumulating reports whether an utterance is open.
func (a *Accumulator) Accumulating() bool { return a.accumulate }

// SetPushToTalk switches segmentation between gate-driven and key-driven.
// An open utterance is discarded but still reported as ended, so every
// SpeechStarted keeps its SpeechEnded.
func (a *Accumulator) SetPushToTalk(enabled bool) {
	if a.pushToTalk == enabled {
		return
	}
	open := a.accumulate
	spoken := a.flushedRun + a.speechEnd
	a.Reset()
	a.pushToTalk = enabled
	if open {
		a.sink.SpeechEnded(durationOf(spoken))
	}
}

// Push feeds one batch together with the gate's classification of it.
func (a *Accumulator) Push(samples []float32, active bool) {
	if a.pushToTalk {
		if a.accumulate {
			a.buf = append(a.buf, samples...)
			a.speechEnd = len(a.buf)
			a.enforceMax()
		}
		return
	}

	if !a.accumulate {
		if !active {
			return
		}
		a.open()
	}

	a.buf = append(a.buf, samples...)
	if active {
		a.silenceRun = 0
		a.speechEnd = len(a.buf)
	} else {
		a.silenceRun += len(samples)
		if a.silenceRun >= a.minSilence {
			a.close()
			return
		}
	}
	a.enforceMax()
}

// KeyDown opens an utterance in push-to-talk mode.
func (a *Accumulator) KeyDown() {
	if !a.pushToTalk || a.accumulate {
		return
	}
	a.open()
}

// KeyUp closes the push-to-talk utterance.
func (a *Accumulator) KeyUp() {
	if !a.pushToTalk || !a.accumulate {
		return
	}
	a.close()
}

// Reset discards any open utterance without handing it off.
func (a *Accumulator) Reset() bool {
	discarded := a.accumulate && len(a.buf) > 0
	a.accumulate = false
	a.buf = nil
	a.speechEnd = 0
	a.silenceRun = 0
	a.flushedRun = 0
	return discarded
}

func (a *Accumulator) open() {
	a.accumulate = true
	a.buf = make([]float32, 0, TargetRate*2)
	a.speechEnd = 0
	a.silenceRun = 0
	a.flushedRun = 0
	a.sink.SpeechStarted()
}

func (a *Accumulator) close() {
	speech := a.speechEnd
	// The silence debounce tail is not part of the utterance.
	seg := a.buf[:speech]
	total := a.flushedRun + speech
	a.accumulate = false
	a.buf = nil
	a.speechEnd = 0
	a.silenceRun = 0
	a.flushedRun = 0

	a.sink.SpeechEnded(durationOf(total))
	if speech > 0 && speech >= a.minSegment {
		a.sink.SegmentReady(seg)
	}
}

func (a *Accumulator) enforceMax() {
	if len(a.buf) < a.maxSegment {
		return
	}
	seg := a.buf
	a.flushedRun += a.speechEnd
	a.buf = make([]float32, 0, TargetRate*2)
	a.speechEnd = 0
	a.sink.SegmentReady(seg)
}
