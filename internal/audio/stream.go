package audio

import (
	"sync"
	"sync/atomic"
)

// DefaultMaxRecordingSamples caps a recording at ten minutes of TargetRate audio.
const DefaultMaxRecordingSamples = TargetRate * 60 * 10

// StreamState is the mutable audio state of one capture session. The capture
// callback only ever try-locks it: a contended batch is skipped, never waited
// on. Control paths (key events, stop) take the lock normally and hold it
// briefly.
type StreamState struct {
	mu sync.Mutex

	maxRecording int
	recording    bool
	recordBuf    []float32
	monitoring   bool
	meter        *LevelMeter
	detector     *SpeechDetector
	detecting    bool

	processed      atomic.Uint64
	skipped        atomic.Uint64
	droppedSamples atomic.Uint64
}

// NewStreamState creates an empty state. detector may be nil for monitoring
// only streams; maxRecording <= 0 selects DefaultMaxRecordingSamples.
func NewStreamState(detector *SpeechDetector, maxRecording int) *StreamState {
	if maxRecording <= 0 {
		maxRecording = DefaultMaxRecordingSamples
	}
	return &StreamState{
		maxRecording: maxRecording,
		meter:        NewLevelMeter(),
		detector:     detector,
		detecting:    detector != nil,
	}
}

// Process runs one TargetRate mono batch through the enabled processors. It
// reports false when the batch was skipped because the state was busy.
func (s *StreamState) Process(samples []float32) bool {
	if !s.mu.TryLock() {
		s.skipped.Add(1)
		return false
	}
	defer s.mu.Unlock()

	s.processed.Add(1)
	if s.recording {
		s.appendRecording(samples)
	}
	if s.monitoring {
		s.meter.Process(samples)
	}
	if s.detecting && s.detector != nil {
		s.detector.Process(samples)
	}
	return true
}

func (s *StreamState) appendRecording(samples []float32) {
	room := s.maxRecording - len(s.recordBuf)
	if room <= 0 {
		s.droppedSamples.Add(uint64(len(samples)))
		return
	}
	if len(samples) > room {
		s.droppedSamples.Add(uint64(len(samples) - room))
		samples = samples[:room]
	}
	s.recordBuf = append(s.recordBuf, samples...)
}

// SetRecording starts or stops recording. Starting clears any previous buffer.
func (s *StreamState) SetRecording(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on && !s.recording {
		s.recordBuf = nil
	}
	s.recording = on
}

// TakeRecording stops recording and returns the buffer.
func (s *StreamState) TakeRecording() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.recordBuf
	s.recordBuf = nil
	s.recording = false
	return buf
}

func (s *StreamState) RecordingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recordBuf)
}

func (s *StreamState) SetMonitoring(on bool) {
	s.mu.Lock()
	s.monitoring = on
	s.mu.Unlock()
}

// Level is the last monitored level in dB.
func (s *StreamState) Level() float64 { return s.meter.LevelDB() }

// SetDetecting enables or disables the speech detector. Disabling discards
// any open utterance.
func (s *StreamState) SetDetecting(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detecting && !on && s.detector != nil {
		s.detector.Reset()
	}
	s.detecting = on
}

func (s *StreamState) SetPushToTalk(enabled bool) {
	s.withDetector(func(d *SpeechDetector) { d.SetPushToTalk(enabled) })
}

func (s *StreamState) KeyDown() {
	s.withDetector(func(d *SpeechDetector) { d.KeyDown() })
}

func (s *StreamState) KeyUp() {
	s.withDetector(func(d *SpeechDetector) { d.KeyUp() })
}

// Reset discards the in-progress utterance without handing it off.
func (s *StreamState) Reset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detector == nil {
		return false
	}
	return s.detector.Reset()
}

func (s *StreamState) withDetector(fn func(*SpeechDetector)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detector != nil {
		fn(s.detector)
	}
}

// Stats are the callback counters of a stream.
type Stats struct {
	Processed      uint64
	Skipped        uint64
	DroppedSamples uint64
}

func (s *StreamState) Stats() Stats {
	return Stats{
		Processed:      s.processed.Load(),
		Skipped:        s.skipped.Load(),
		DroppedSamples: s.droppedSamples.Load(),
	}
}
