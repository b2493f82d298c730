package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/flowstt/internal/config"
	"github.com/loqalabs/flowstt/internal/protocol"
)

var (
	ErrModelNotLoaded = errors.New("model not loaded")
	ErrOutOfMemory    = errors.New("out of memory")
	ErrQueueClosed    = errors.New("transcription queue closed")
)

// ErrorKind classifies inference failures.
type ErrorKind string

const (
	KindModelNotLoaded ErrorKind = "model_not_loaded"
	KindOutOfMemory    ErrorKind = "out_of_memory"
	KindBackend        ErrorKind = "backend"
)

// EngineError wraps an inference failure with its kind.
type EngineError struct {
	Kind ErrorKind
	Err  error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("inference failed (%s): %v", e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func (e *EngineError) Is(target error) bool {
	switch target {
	case ErrModelNotLoaded:
		return e.Kind == KindModelNotLoaded
	case ErrOutOfMemory:
		return e.Kind == KindOutOfMemory
	}
	return false
}

// Sampling selects the decoder search strategy.
type Sampling string

const (
	SamplingGreedy     Sampling = "greedy"
	SamplingBeamSearch Sampling = "beam_search"
)

// Params is the per-call parameter set handed to an Engine.
type Params struct {
	Sampling       Sampling
	BeamSize       int
	Language       string
	VADSensitivity float64
}

func ParamsFromConfig(cfg config.STTConfig) Params {
	return Params{
		Sampling:       Sampling(cfg.Sampling),
		BeamSize:       cfg.BeamSize,
		Language:       cfg.Language,
		VADSensitivity: cfg.VADSensitivity,
	}
}

// Result is recognized text plus optional timing.
type Result struct {
	Text     string
	Language string
	Segments []protocol.TimedText
}

// Engine turns TargetRate mono samples into text. Implementations need not be
// safe for concurrent use; the Queue never calls one concurrently.
type Engine interface {
	Transcribe(ctx context.Context, samples []float32, params Params) (Result, error)
	SystemInfo() string
}

// NewEngine builds the engine selected by cfg.Mode.
func NewEngine(cfg config.STTConfig, logger *slog.Logger) (Engine, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockEngine(), nil
	case "exec":
		return NewExecEngine(cfg, logger)
	}
	return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
