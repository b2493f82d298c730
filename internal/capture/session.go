package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/flowstt/internal/audio"
	"github.com/loqalabs/flowstt/internal/protocol"
)

// Pipeline receives what a Session produces. Calls arrive on the capture
// goroutine and must not block.
type Pipeline interface {
	SpeechStarted(sessionID string)
	SpeechEnded(sessionID string, duration time.Duration)
	Enqueue(sessionID string, samples []float32)
}

type SessionConfig struct {
	ID            string
	Source1       string
	Source2       string
	RecordingMode protocol.RecordingMode
	AECEnabled    bool
	PushToTalk    bool
	ThresholdDB   float64
	Segments      audio.SegmentConfig
	MaxRecording  int
	// RecordingsDir enables a WAV dump of the session when non-empty.
	RecordingsDir string
}

// Session is one running capture: at most two device streams feeding one
// StreamState.
type Session struct {
	cfg      SessionConfig
	pipeline Pipeline
	stream   *audio.StreamState
	ref      *referenceBuffer
	aec      audio.EchoCanceller
	log      *slog.Logger

	mu         sync.Mutex
	streams    []Stream
	closed     atomic.Bool
	failed     atomic.Bool
	echoCancel atomic.Bool
	aecEnabled atomic.Bool
	onFail     func(sessionID string, err error)
}

// StartSession opens the configured sources. The driving source is Source1
// when set, otherwise Source2. onFail is called at most once, on its own
// goroutine, when a stream ends unexpectedly.
func StartSession(ctx context.Context, backend Backend, cfg SessionConfig, pipeline Pipeline, onFail func(string, error), logger *slog.Logger) (*Session, error) {
	if cfg.Source1 == "" && cfg.Source2 == "" {
		return nil, errors.New("no audio source selected")
	}
	s := &Session{
		cfg:      cfg,
		pipeline: pipeline,
		ref:      newReferenceBuffer(audio.TargetRate),
		aec:      audio.NewDucker(),
		log:      logger.With(slog.String("component", "capture"), slog.String("session_id", cfg.ID)),
		onFail:   onFail,
	}
	s.SetMixing(cfg.RecordingMode, cfg.AECEnabled)
	detector := audio.NewSpeechDetector(cfg.ThresholdDB, cfg.Segments, sessionSink{s}, nil)
	s.stream = audio.NewStreamState(detector, cfg.MaxRecording)
	s.stream.SetPushToTalk(cfg.PushToTalk)
	s.stream.SetMonitoring(true)
	s.stream.SetRecording(cfg.RecordingsDir != "")

	driver, reference := cfg.Source1, cfg.Source2
	if driver == "" {
		driver, reference = cfg.Source2, ""
	}

	primary, err := backend.Open(ctx, driver, s.onPrimary, s.onStreamError)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	s.streams = append(s.streams, primary)

	if reference != "" {
		secondary, err := backend.Open(ctx, reference, s.onReference, s.onStreamError)
		if err != nil {
			_ = primary.Close()
			return nil, fmt.Errorf("open %s: %w", reference, err)
		}
		s.streams = append(s.streams, secondary)
	}
	s.log.Info("capture session started", slog.String("source1", cfg.Source1), slog.String("source2", cfg.Source2),
		slog.String("recording_mode", string(cfg.RecordingMode)), slog.Bool("aec", cfg.AECEnabled))
	return s, nil
}

func (s *Session) ID() string { return s.cfg.ID }

func (s *Session) onPrimary(b audio.Batch) {
	if s.closed.Load() {
		return
	}
	samples := audio.Convert(b)
	if len(samples) == 0 {
		return
	}
	if s.cfg.Source1 != "" && s.cfg.Source2 != "" {
		ref := s.ref.take(len(samples))
		switch {
		case !s.echoCancel.Load():
			samples = audio.Mix(samples, ref)
		case s.aecEnabled.Load():
			samples = s.aec.Cancel(samples, ref)
		}
	}
	s.stream.Process(samples)
}

func (s *Session) onReference(b audio.Batch) {
	if s.closed.Load() {
		return
	}
	s.ref.push(audio.Convert(b))
}

func (s *Session) onStreamError(err error) {
	if s.closed.Load() || !s.failed.CompareAndSwap(false, true) {
		return
	}
	s.log.Warn("capture stream failed", slog.String("error", err.Error()))
	if s.onFail != nil {
		go s.onFail(s.cfg.ID, err)
	}
}

// SetMixing changes how two sources are combined while the session runs.
func (s *Session) SetMixing(mode protocol.RecordingMode, aec bool) {
	s.echoCancel.Store(mode == protocol.RecordingEchoCancel)
	s.aecEnabled.Store(aec)
}

// KeyDown and KeyUp delimit a push-to-talk utterance.
func (s *Session) KeyDown() { s.stream.KeyDown() }

func (s *Session) KeyUp() { s.stream.KeyUp() }

func (s *Session) SetPushToTalk(enabled bool) { s.stream.SetPushToTalk(enabled) }

// Stats exposes the callback counters.
func (s *Session) Stats() audio.Stats { return s.stream.Stats() }

// Level is the last monitored input level in dB.
func (s *Session) Level() float64 { return s.stream.Level() }

// Close stops the streams and discards any utterance still accumulating. It
// returns the path of the recording dump, if one was written.
func (s *Session) Close() (string, error) {
	if !s.closed.CompareAndSwap(false, true) {
		return "", nil
	}
	var errs []error
	s.mu.Lock()
	for _, st := range s.streams {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.streams = nil
	s.mu.Unlock()

	if s.stream.Reset() {
		s.log.Debug("discarded in-progress segment")
	}

	var path string
	if s.cfg.RecordingsDir != "" {
		recording := s.stream.TakeRecording()
		if len(recording) > 0 {
			p, err := s.dumpRecording(recording)
			if err != nil {
				errs = append(errs, err)
			} else {
				path = p
			}
		}
	}
	s.log.Info("capture session closed")
	return path, errors.Join(errs...)
}

func (s *Session) dumpRecording(samples []float32) (string, error) {
	if err := os.MkdirAll(s.cfg.RecordingsDir, 0o755); err != nil {
		return "", fmt.Errorf("create recordings dir: %w", err)
	}
	path := filepath.Join(s.cfg.RecordingsDir, s.cfg.ID+".wav")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create recording: %w", err)
	}
	if err := audio.WriteWAV(f, samples, audio.TargetRate); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close recording: %w", err)
	}
	return path, nil
}

type sessionSink struct{ s *Session }

func (k sessionSink) SpeechStarted() { k.s.pipeline.SpeechStarted(k.s.cfg.ID) }

func (k sessionSink) SpeechEnded(d time.Duration) { k.s.pipeline.SpeechEnded(k.s.cfg.ID, d) }

func (k sessionSink) SegmentReady(samples []float32) { k.s.pipeline.Enqueue(k.s.cfg.ID, samples) }

// referenceBuffer parks the non-driving source until the driving callback
// consumes it. Both sides only try-lock; a contended batch is lost.
type referenceBuffer struct {
	mu  sync.Mutex
	buf []float32
	max int
}

func newReferenceBuffer(max int) *referenceBuffer {
	return &referenceBuffer{max: max}
}

func (r *referenceBuffer) push(samples []float32) {
	if len(samples) == 0 || !r.mu.TryLock() {
		return
	}
	defer r.mu.Unlock()
	r.buf = append(r.buf, samples...)
	if over := len(r.buf) - r.max; over > 0 {
		r.buf = append(r.buf[:0], r.buf[over:]...)
	}
}

func (r *referenceBuffer) take(n int) []float32 {
	if !r.mu.TryLock() {
		return nil
	}
	defer r.mu.Unlock()
	if n > len(r.buf) {
		n = len(r.buf)
	}
	out := make([]float32, n)
	copy(out, r.buf[:n])
	r.buf = append(r.buf[:0], r.buf[n:]...)
	return out
}
