// Package capture connects platform audio sources to the real-time pipeline.
// A Backend enumerates devices and opens streams; a Session wires one or two
// streams through the mixer into the per-session audio state.
package capture

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/flowstt/internal/audio"
	"github.com/loqalabs/flowstt/internal/config"
	"github.com/loqalabs/flowstt/internal/protocol"
)

// BatchFunc is called on the stream's capture goroutine for every batch. It
// must not block.
type BatchFunc func(audio.Batch)

// ErrorFunc is called at most once when a stream ends unexpectedly.
type ErrorFunc func(error)

// Stream is an open capture stream.
type Stream interface {
	Close() error
}

// Backend is the platform audio collaborator.
type Backend interface {
	ListDevices(ctx context.Context, kind *protocol.SourceType) ([]protocol.AudioDevice, error)
	Open(ctx context.Context, deviceID string, onBatch BatchFunc, onError ErrorFunc) (Stream, error)
}

// NewBackend selects the backend named by cfg.Backend.
func NewBackend(cfg config.AudioConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "ffmpeg":
		return NewFFmpegBackend(cfg, logger)
	case "null":
		return NewNullBackend(), nil
	}
	return nil, fmt.Errorf("unknown audio backend %q", cfg.Backend)
}

func filterDevices(devices []protocol.AudioDevice, kind *protocol.SourceType) []protocol.AudioDevice {
	if kind == nil || *kind == protocol.SourceMixed {
		return devices
	}
	out := make([]protocol.AudioDevice, 0, len(devices))
	for _, d := range devices {
		if d.SourceType == *kind {
			out = append(out, d)
		}
	}
	return out
}
