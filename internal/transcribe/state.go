// Package transcribe holds the continuous transcription state machine: capture
// on or off, speaking or silent, the transcription mode, the last error and a
// ring of recent results. Every transition that clients care about is
// published as an event while the state lock is held, so subscribers observe
// events in the same order as the state changes.
package transcribe

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/flowstt/internal/protocol"
	"github.com/loqalabs/flowstt/internal/stt"
)

// Publisher receives events. Publish must not block.
type Publisher interface {
	Publish(evt protocol.Event)
}

type State struct {
	mu      sync.Mutex
	status  protocol.TranscribeStatus
	history *history
	depth   func() int
	pub     Publisher
	log     *slog.Logger
	now     func() time.Time
}

func New(mode protocol.TranscriptionMode, historySize int, pub Publisher, logger *slog.Logger) *State {
	return &State{
		status:  protocol.TranscribeStatus{TranscriptionMode: mode},
		history: newHistory(historySize),
		pub:     pub,
		log:     logger.With(slog.String("component", "transcribe")),
		now:     time.Now,
	}
}

// SetQueueDepth installs the gauge read by Snapshot.
func (s *State) SetQueueDepth(fn func() int) {
	s.mu.Lock()
	s.depth = fn
	s.mu.Unlock()
}

// StartCapture enters Capturing for a new session.
func (s *State) StartCapture(sessionID string, source1, source2 *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Capturing = true
	s.status.InSpeech = false
	s.status.SessionID = sessionID
	s.status.Source1ID = source1
	s.status.Source2ID = source2
	s.status.Error = nil
	s.publish(protocol.CaptureStateChanged(sessionID, true, ""))
	s.log.Info("capture started", slog.String("session_id", sessionID),
		slog.String("source1", protocol.Deref(source1)), slog.String("source2", protocol.Deref(source2)))
}

// StopCapture returns to Idle. Calling it while Idle is a no-op; the result
// reports whether a transition happened.
func (s *State) StopCapture() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Capturing {
		return false
	}
	sessionID := s.status.SessionID
	s.toIdle()
	s.publish(protocol.CaptureStateChanged(sessionID, false, ""))
	s.log.Info("capture stopped", slog.String("session_id", sessionID))
	return true
}

// Fail records an unrecoverable capture error for sessionID and returns to Idle.
func (s *State) Fail(sessionID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Capturing || s.status.SessionID != sessionID {
		return
	}
	msg := err.Error()
	s.toIdle()
	s.status.Error = &msg
	s.publish(protocol.CaptureStateChanged(sessionID, false, msg))
	s.log.Warn("capture failed", slog.String("session_id", sessionID), slog.String("error", msg))
}

func (s *State) toIdle() {
	s.status.Capturing = false
	s.status.InSpeech = false
	s.status.Source1ID = nil
	s.status.Source2ID = nil
}

// SpeechStarted marks the current session as speaking. Stale sessions are ignored.
func (s *State) SpeechStarted(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(sessionID) || s.status.InSpeech {
		return
	}
	s.status.InSpeech = true
	s.publish(protocol.SpeechStarted(sessionID))
}

func (s *State) SpeechEnded(sessionID string, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(sessionID) || !s.status.InSpeech {
		return
	}
	s.status.InSpeech = false
	s.publish(protocol.SpeechEnded(sessionID, duration.Milliseconds()))
}

func (s *State) current(sessionID string) bool {
	return s.status.Capturing && s.status.SessionID == sessionID
}

// Complete stores a queue completion and publishes it. Results of sessions
// that have since stopped are still delivered, tagged with their session.
func (s *State) Complete(c stt.Completion) protocol.TranscriptionResult {
	result := protocol.TranscriptionResult{
		Sequence:        c.Sequence,
		SessionID:       c.SessionID,
		Text:            c.Result.Text,
		Language:        c.Result.Language,
		Segments:        c.Result.Segments,
		AudioDurationMS: c.AudioDuration.Milliseconds(),
		InferenceMS:     c.Inference.Milliseconds(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	result.CompletedAt = s.now().UTC()
	if c.Err != nil {
		result.Error = c.Err.Error()
		msg := fmt.Sprintf("transcription %d failed: %v", c.Sequence, c.Err)
		s.status.Error = &msg
	}
	s.history.push(result)
	last := result
	s.status.LastResult = &last
	s.publish(protocol.TranscriptionComplete(result))
	return result
}

// Dropped records a segment the queue discarded.
func (s *State) Dropped(seq uint64, sessionID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason == stt.DropOverload {
		msg := fmt.Sprintf("segment %d dropped: transcription queue full", seq)
		s.status.Error = &msg
	}
	s.publish(protocol.SegmentDropped(sessionID, seq, reason))
}

func (s *State) SetMode(mode protocol.TranscriptionMode) {
	s.mu.Lock()
	s.status.TranscriptionMode = mode
	s.mu.Unlock()
}

func (s *State) Mode() protocol.TranscriptionMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.TranscriptionMode
}

// SessionID is the current capture session, or "" when idle.
func (s *State) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Capturing {
		return ""
	}
	return s.status.SessionID
}

// Snapshot returns a consistent copy of the status.
func (s *State) Snapshot() protocol.TranscribeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.status
	if s.depth != nil {
		snap.QueueDepth = s.depth()
	}
	if snap.LastResult != nil {
		last := *snap.LastResult
		snap.LastResult = &last
	}
	return snap
}

// History returns up to limit recent results, oldest first.
func (s *State) History(limit int) []protocol.TranscriptionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.recent(limit)
}

func (s *State) publish(evt protocol.Event) {
	if s.pub != nil {
		s.pub.Publish(evt)
	}
}
