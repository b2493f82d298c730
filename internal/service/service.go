// Package service owns the shared state of a running flowsttd: the selected
// sources, the mixing options, the persisted user settings and the capture
// session, and it answers every control request against them.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/flowstt/internal/audio"
	"github.com/loqalabs/flowstt/internal/broadcast"
	"github.com/loqalabs/flowstt/internal/capture"
	"github.com/loqalabs/flowstt/internal/config"
	"github.com/loqalabs/flowstt/internal/hotkey"
	"github.com/loqalabs/flowstt/internal/protocol"
	"github.com/loqalabs/flowstt/internal/stt"
	"github.com/loqalabs/flowstt/internal/transcribe"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Deps are the collaborators the service drives. Nil fields are built from
// config.
type Deps struct {
	Backend capture.Backend
	Engine  stt.Engine
	Hub     *broadcast.Hub
}

type Service struct {
	cfg     config.Config
	log     *slog.Logger
	backend capture.Backend
	engine  stt.Engine
	queue   *stt.Queue
	models  *stt.Models
	hub     *broadcast.Hub
	state   *transcribe.State
	tracker *hotkey.Tracker

	// mu guards the fields below and is never held across I/O or a call into
	// the capture session's Close.
	mu            sync.Mutex
	recordingMode protocol.RecordingMode
	aecEnabled    bool
	settings      protocol.ConfigValues
	session       *capture.Session

	// captureMu serializes starting and stopping capture sessions.
	captureMu sync.Mutex
	// settingsMu serializes read-modify-write of the settings file.
	settingsMu sync.Mutex

	ctx          context.Context
	cancel       context.CancelFunc
	started      bool
	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once

	metricsReg metric.Registration
}

func New(parent context.Context, cfg config.Config, deps Deps, logger *slog.Logger) (*Service, error) {
	settings, err := config.LoadSettings(cfg.Transcription.SettingsPath)
	if err != nil {
		return nil, err
	}
	if deps.Backend == nil {
		deps.Backend, err = capture.NewBackend(cfg.Audio, logger)
		if err != nil {
			return nil, err
		}
	}
	if deps.Engine == nil {
		deps.Engine, err = stt.NewEngine(cfg.STT, logger)
		if err != nil {
			return nil, err
		}
	}
	if deps.Hub == nil {
		deps.Hub = broadcast.NewHub(cfg.IPC.SubscriberBuffer, logger)
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:           cfg,
		log:           logger.With(slog.String("component", "service")),
		backend:       deps.Backend,
		engine:        deps.Engine,
		models:        stt.NewModels(cfg.STT, logger),
		hub:           deps.Hub,
		recordingMode: protocol.RecordingMixed,
		settings:      settings,
		ctx:           ctx,
		cancel:        cancel,
		shutdown:      make(chan struct{}),
	}
	s.state = transcribe.New(settings.TranscriptionMode, cfg.Transcription.HistorySize, s.hub, logger)
	s.queue = stt.NewQueue(ctx, s.engine, stt.QueueOptions{
		Capacity:         cfg.Queue.Capacity,
		InferenceTimeout: time.Duration(cfg.Queue.InferenceTimeoutMS) * time.Millisecond,
		Params:           stt.ParamsFromConfig(cfg.STT),
		OnComplete:       s.onComplete,
		OnDrop:           s.state.Dropped,
		Logger:           logger,
	})
	s.state.SetQueueDepth(s.queue.Depth)
	s.tracker = hotkey.NewTracker(s.keyDown, s.keyUp)
	s.tracker.SetCombinations(settings.PTTHotkeys)

	if err := s.initMetrics(); err != nil {
		s.log.Warn("service metrics unavailable", slog.String("error", err.Error()))
	}
	return s, nil
}

// Start launches the transcription worker.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("service already started")
	}
	s.queue.Start()
	s.started = true
	s.log.Info("service started",
		slog.String("transcription_mode", string(s.settings.TranscriptionMode)),
		slog.String("engine", s.engine.SystemInfo()))
	return nil
}

// Close stops capture, lets the in-flight inference finish and discards
// pending segments. Events raised while closing still reach the hub; the
// caller closes the hub afterwards.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.captureMu.Lock()
		s.stopSession()
		s.state.StopCapture()
		s.captureMu.Unlock()

		s.queue.Close()
		_ = s.models.Wait()
		if s.metricsReg != nil {
			if err := s.metricsReg.Unregister(); err != nil {
				s.log.Warn("failed to unregister capture metrics", slog.String("error", err.Error()))
			}
		}
		s.log.Info("service stopped")
	})
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && s.ctx.Err() == nil
}

// Hub is the event hub every state change is published to.
func (s *Service) Hub() *broadcast.Hub { return s.hub }

// Tracker receives raw key events from a global hook.
func (s *Service) Tracker() *hotkey.Tracker { return s.tracker }

// State exposes the transcription state for read-only consumers.
func (s *Service) State() *transcribe.State { return s.state }

// ShutdownRequested is closed once a client asks the service to exit.
func (s *Service) ShutdownRequested() <-chan struct{} { return s.shutdown }

func (s *Service) requestShutdown() {
	s.shutdownOnce.Do(func() {
		s.log.Info("shutdown requested")
		close(s.shutdown)
	})
}

// Pipeline implementation fed by capture sessions.

func (s *Service) SpeechStarted(sessionID string) { s.state.SpeechStarted(sessionID) }

func (s *Service) SpeechEnded(sessionID string, d time.Duration) {
	s.state.SpeechEnded(sessionID, d)
}

func (s *Service) Enqueue(sessionID string, samples []float32) {
	if _, err := s.queue.Enqueue(sessionID, samples); err != nil {
		s.log.Debug("segment not queued", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

func (s *Service) onComplete(c stt.Completion) {
	result := s.state.Complete(c)
	if c.Err == nil {
		s.log.Debug("segment transcribed",
			slog.Uint64("sequence", result.Sequence),
			slog.String("session_id", result.SessionID),
			slog.Int64("audio_ms", result.AudioDurationMS),
			slog.Int64("inference_ms", result.InferenceMS))
	}
}

// startSession replaces any running session. Callers hold captureMu.
func (s *Service) startSession(ctx context.Context, source1, source2 *string) error {
	s.stopSession()
	s.state.StopCapture()
	if source1 == nil && source2 == nil {
		return nil
	}

	s.mu.Lock()
	sessCfg := capture.SessionConfig{
		ID:            uuid.NewString(),
		Source1:       protocol.Deref(source1),
		Source2:       protocol.Deref(source2),
		RecordingMode: s.recordingMode,
		AECEnabled:    s.aecEnabled,
		PushToTalk:    s.settings.TranscriptionMode == protocol.ModePushToTalk,
		ThresholdDB:   s.cfg.VAD.ThresholdDB,
		Segments: audio.SegmentConfig{
			MinSilence: time.Duration(s.cfg.VAD.MinSilenceMS) * time.Millisecond,
			MinSegment: time.Duration(s.cfg.VAD.MinSegmentMS) * time.Millisecond,
			MaxSegment: time.Duration(s.cfg.VAD.MaxSegmentMS) * time.Millisecond,
		},
		MaxRecording:  s.cfg.Audio.MaxRecordingSeconds * audio.TargetRate,
		RecordingsDir: s.cfg.Audio.RecordingsDir,
	}
	s.mu.Unlock()

	// The state must be Capturing before the first batch can raise speech events.
	s.state.StartCapture(sessCfg.ID, source1, source2)
	sess, err := capture.StartSession(ctx, s.backend, sessCfg, s, s.onSessionFailed, s.log)
	if err != nil {
		s.state.Fail(sessCfg.ID, err)
		return err
	}
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()
	return nil
}

// stopSession closes the running session, if any. Callers hold captureMu.
func (s *Service) stopSession() {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()
	if sess == nil {
		return
	}
	path, err := sess.Close()
	if err != nil {
		s.log.Warn("capture session close failed", slog.String("session_id", sess.ID()), slog.String("error", err.Error()))
	}
	if path != "" {
		s.log.Info("recording saved", slog.String("session_id", sess.ID()), slog.String("path", path))
	}
}

func (s *Service) onSessionFailed(sessionID string, err error) {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()
	s.mu.Lock()
	current := s.session != nil && s.session.ID() == sessionID
	s.mu.Unlock()
	if current {
		s.stopSession()
	}
	s.state.Fail(sessionID, err)
}

func (s *Service) currentSession() *capture.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Service) keyDown() {
	if s.state.Mode() != protocol.ModePushToTalk {
		return
	}
	if sess := s.currentSession(); sess != nil {
		sess.KeyDown()
	}
}

func (s *Service) keyUp() {
	if sess := s.currentSession(); sess != nil {
		sess.KeyUp()
	}
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/flowstt/internal/service")
	skipped, err := meter.Int64ObservableCounter("flowstt.capture.skipped_batches",
		metric.WithDescription("Audio batches skipped because the stream state was busy"))
	if err != nil {
		return err
	}
	level, err := meter.Float64ObservableGauge("flowstt.capture.level",
		metric.WithDescription("Last monitored input level"), metric.WithUnit("dB"))
	if err != nil {
		return err
	}
	reg, err := meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		sess := s.currentSession()
		if sess == nil {
			return nil
		}
		obs.ObserveInt64(skipped, int64(sess.Stats().Skipped))
		obs.ObserveFloat64(level, sess.Level())
		return nil
	}, skipped, level)
	if err != nil {
		return fmt.Errorf("register capture metrics: %w", err)
	}
	s.metricsReg = reg
	return nil
}
