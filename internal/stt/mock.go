package stt

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/flowstt/internal/protocol"
)

type mockEngine struct{}

// NewMockEngine returns an engine that describes its input instead of
// recognizing it.
func NewMockEngine() Engine {
	return &mockEngine{}
}

func (m *mockEngine) Transcribe(ctx context.Context, samples []float32, params Params) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	d := time.Duration(len(samples)) * time.Second / 16000
	text := fmt.Sprintf("[transcript duration=%dms]", d.Milliseconds())
	return Result{
		Text:     text,
		Language: params.Language,
		Segments: []protocol.TimedText{{Text: text, StartMS: 0, EndMS: d.Milliseconds()}},
	}, nil
}

func (m *mockEngine) SystemInfo() string {
	return "mock engine"
}
