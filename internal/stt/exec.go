package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loqalabs/flowstt/internal/audio"
	"github.com/loqalabs/flowstt/internal/config"
	"github.com/loqalabs/flowstt/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// execEngine runs a whisper.cpp style CLI per segment and reads its JSON output.
type execEngine struct {
	cmd    []string
	cfg    config.STTConfig
	logger *slog.Logger
}

type whisperOutput struct {
	SystemInfo string `json:"systeminfo"`
	Result     struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func NewExecEngine(cfg config.STTConfig, logger *slog.Logger) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execEngine{cmd: args, cfg: cfg, logger: logger.With(slog.String("component", "stt.exec"))}, nil
}

func (e *execEngine) Transcribe(ctx context.Context, samples []float32, params Params) (Result, error) {
	if _, err := os.Stat(e.cfg.ModelPath); err != nil {
		return Result{}, &EngineError{Kind: KindModelNotLoaded, Err: fmt.Errorf("model %s: %w", e.cfg.ModelPath, err)}
	}

	dir, err := os.MkdirTemp("", "flowstt_stt_*")
	if err != nil {
		return Result{}, &EngineError{Kind: KindBackend, Err: fmt.Errorf("temp dir: %w", err)}
	}
	defer os.RemoveAll(dir)

	wavPath := filepath.Join(dir, "segment.wav")
	file, err := os.Create(wavPath)
	if err != nil {
		return Result{}, &EngineError{Kind: KindBackend, Err: fmt.Errorf("temp file: %w", err)}
	}
	if err := audio.WriteWAV(file, samples, audio.TargetRate); err != nil {
		file.Close()
		return Result{}, &EngineError{Kind: KindBackend, Err: err}
	}
	if err := file.Close(); err != nil {
		return Result{}, &EngineError{Kind: KindBackend, Err: fmt.Errorf("close wav: %w", err)}
	}

	outBase := filepath.Join(dir, "segment")
	args := e.buildArgs(wavPath, outBase, params)
	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, &EngineError{Kind: KindBackend, Err: ctxErr}
		}
		return Result{}, classify(err, stderr.String())
	}

	data, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return Result{}, &EngineError{Kind: KindBackend, Err: fmt.Errorf("read stt output: %w", err)}
	}
	return decodeWhisperOutput(data)
}

func (e *execEngine) buildArgs(wavPath, outBase string, params Params) []string {
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "-m", e.cfg.ModelPath, "-f", wavPath, "-oj", "-of", outBase, "-np")
	if params.Language != "" {
		args = append(args, "-l", params.Language)
	}
	if params.Sampling == SamplingBeamSearch && params.BeamSize > 0 {
		args = append(args, "-bs", strconv.Itoa(params.BeamSize))
	} else {
		args = append(args, "-bs", "1")
	}
	if params.VADSensitivity > 0 {
		args = append(args, "-nth", strconv.FormatFloat(params.VADSensitivity, 'f', 2, 64))
	}
	if !e.cfg.GPU {
		args = append(args, "-ng")
	}
	return args
}

func decodeWhisperOutput(data []byte) (Result, error) {
	var out whisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, &EngineError{Kind: KindBackend, Err: fmt.Errorf("decode stt response: %w", err)}
	}
	result := Result{Language: out.Result.Language}
	var text strings.Builder
	for _, seg := range out.Transcription {
		piece := strings.TrimSpace(seg.Text)
		if piece == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteByte(' ')
		}
		text.WriteString(piece)
		result.Segments = append(result.Segments, protocol.TimedText{
			Text:    piece,
			StartMS: seg.Offsets.From,
			EndMS:   seg.Offsets.To,
		})
	}
	result.Text = text.String()
	return result, nil
}

func classify(err error, stderr string) error {
	lower := strings.ToLower(stderr)
	kind := KindBackend
	switch {
	case strings.Contains(lower, "failed to load model"),
		strings.Contains(lower, "failed to initialize whisper context"):
		kind = KindModelNotLoaded
	case strings.Contains(lower, "out of memory"),
		strings.Contains(lower, "failed to allocate"):
		kind = KindOutOfMemory
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && strings.TrimSpace(stderr) != "" {
		return &EngineError{Kind: kind, Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(lastLine(stderr)))}
	}
	return &EngineError{Kind: kind, Err: err}
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// SystemInfo reports where the CLI resolves and how it will be invoked.
func (e *execEngine) SystemInfo() string {
	path, err := exec.LookPath(e.cmd[0])
	if err != nil {
		return fmt.Sprintf("exec engine: %s not found", e.cmd[0])
	}
	return fmt.Sprintf("exec engine: %s model=%s gpu=%t", path, e.cfg.ModelPath, e.cfg.GPU)
}
