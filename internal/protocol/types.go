package protocol

import (
	"fmt"
	"strings"
	"time"
)

// SourceType classifies an audio device.
type SourceType string

const (
	SourceInput  SourceType = "input"
	SourceSystem SourceType = "system"
	SourceMixed  SourceType = "mixed"
)

// AudioDevice is reported by the capture backend and never mutated afterwards.
type AudioDevice struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	SourceType SourceType `json:"source_type"`
}

// TranscriptionMode selects how segments are delimited.
type TranscriptionMode string

const (
	ModeAutomatic  TranscriptionMode = "automatic"
	ModePushToTalk TranscriptionMode = "push_to_talk"
)

func ParseTranscriptionMode(s string) (TranscriptionMode, error) {
	switch TranscriptionMode(strings.TrimSpace(s)) {
	case ModeAutomatic:
		return ModeAutomatic, nil
	case ModePushToTalk:
		return ModePushToTalk, nil
	}
	return "", fmt.Errorf("invalid transcription mode %q (expected automatic or push_to_talk)", s)
}

// RecordingMode selects how two sources are combined.
type RecordingMode string

const (
	RecordingMixed      RecordingMode = "mixed"
	RecordingEchoCancel RecordingMode = "echo_cancel"
)

func ParseRecordingMode(s string) (RecordingMode, error) {
	switch RecordingMode(strings.TrimSpace(s)) {
	case RecordingMixed:
		return RecordingMixed, nil
	case RecordingEchoCancel:
		return RecordingEchoCancel, nil
	}
	return "", fmt.Errorf("invalid recording mode %q (expected mixed or echo_cancel)", s)
}

// HotkeyCombination is one push-to-talk chord. Key order is not significant.
type HotkeyCombination struct {
	Keys []string `json:"keys" yaml:"keys"`
}

func (h HotkeyCombination) Display() string {
	return strings.Join(h.Keys, "+")
}

// TimedText is one timed piece of recognized text within a segment.
type TimedText struct {
	Text    string `json:"text"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

// TranscriptionResult is the outcome of one queued segment.
type TranscriptionResult struct {
	Sequence        uint64      `json:"sequence"`
	SessionID       string      `json:"session_id"`
	Text            string      `json:"text"`
	Language        string      `json:"language,omitempty"`
	Segments        []TimedText `json:"segments,omitempty"`
	AudioDurationMS int64       `json:"audio_duration_ms"`
	InferenceMS     int64       `json:"inference_ms"`
	Error           string      `json:"error,omitempty"`
	CompletedAt     time.Time   `json:"completed_at"`
}

// TranscribeStatus is the status snapshot returned by GetStatus.
type TranscribeStatus struct {
	Capturing         bool                 `json:"capturing"`
	InSpeech          bool                 `json:"in_speech"`
	TranscriptionMode TranscriptionMode    `json:"transcription_mode"`
	Source1ID         *string              `json:"source1_id,omitempty"`
	Source2ID         *string              `json:"source2_id,omitempty"`
	SessionID         string               `json:"session_id,omitempty"`
	QueueDepth        int                  `json:"queue_depth"`
	Error             *string              `json:"error,omitempty"`
	LastResult        *TranscriptionResult `json:"last_result,omitempty"`
}

// ConfigValues are the persisted user settings.
type ConfigValues struct {
	TranscriptionMode TranscriptionMode   `json:"transcription_mode" yaml:"transcription_mode"`
	PTTHotkeys        []HotkeyCombination `json:"ptt_hotkeys" yaml:"ptt_hotkeys"`
	AutoPasteEnabled  bool                `json:"auto_paste_enabled" yaml:"auto_paste_enabled"`
	AutoPasteDelayMS  int                 `json:"auto_paste_delay_ms" yaml:"auto_paste_delay_ms"`
}

// ModelStatus reports whether the inference model is present on disk.
type ModelStatus struct {
	Available bool   `json:"available"`
	Path      string `json:"path"`
}

// CudaStatus reports accelerator availability.
type CudaStatus struct {
	BuildEnabled     bool   `json:"build_enabled"`
	RuntimeAvailable bool   `json:"runtime_available"`
	SystemInfo       string `json:"system_info"`
}

// Transcript mirrors final results onto the bus using the shared STT subject layout.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
	Sequence   uint64    `json:"sequence"`
}

const (
	SubjectTranscriptFinal = "stt.text.final"
	SubjectEventPrefix     = "flowstt.events"
)

// StrPtr returns nil for empty strings.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
