package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/flowstt/internal/audio"
	"github.com/loqalabs/flowstt/internal/config"
	"github.com/loqalabs/flowstt/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// FFmpegBackend captures PulseAudio/PipeWire sources through ffmpeg and
// enumerates them with pactl.
type FFmpegBackend struct {
	command []string
	lister  []string
	cfg     config.AudioConfig
	log     *slog.Logger
}

func NewFFmpegBackend(cfg config.AudioConfig, logger *slog.Logger) (*FFmpegBackend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.FFmpegCommand)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("ffmpeg command is empty")
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	return &FFmpegBackend{
		command: args,
		lister:  []string{"pactl", "list", "short", "sources"},
		cfg:     cfg,
		log:     logger.With(slog.String("component", "capture.ffmpeg")),
	}, nil
}

func (b *FFmpegBackend) ListDevices(ctx context.Context, kind *protocol.SourceType) ([]protocol.AudioDevice, error) {
	cmd := exec.CommandContext(ctx, b.lister[0], b.lister[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("list sources: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return filterDevices(parsePactlSources(out), kind), nil
}

// parsePactlSources reads `pactl list short sources` output.
func parsePactlSources(out []byte) []protocol.AudioDevice {
	var devices []protocol.AudioDevice
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 2 || strings.TrimSpace(fields[1]) == "" {
			continue
		}
		name := strings.TrimSpace(fields[1])
		kind := protocol.SourceInput
		display := name
		if strings.HasSuffix(name, ".monitor") {
			kind = protocol.SourceSystem
			display = "Monitor of " + strings.TrimSuffix(name, ".monitor")
		}
		devices = append(devices, protocol.AudioDevice{ID: name, Name: display, SourceType: kind})
	}
	return devices
}

func (b *FFmpegBackend) Open(ctx context.Context, deviceID string, onBatch BatchFunc, onError ErrorFunc) (Stream, error) {
	args := append([]string{}, b.command[1:]...)
	args = append(args,
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", b.cfg.InputFormat,
		"-i", deviceID,
		"-ac", strconv.Itoa(b.cfg.Channels),
		"-ar", strconv.Itoa(b.cfg.SampleRate),
		"-f", "s16le",
		"-",
	)

	cmd := exec.CommandContext(ctx, b.command[0], args...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	// An os.Pipe rather than StdoutPipe: Wait must not close the read end
	// while the pump is still draining it.
	stdout, pipeW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	cmd.Stdout = pipeW
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = pipeW.Close()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	_ = pipeW.Close()

	exit := &processExit{done: make(chan struct{})}
	go func() {
		exit.err = cmd.Wait()
		close(exit.done)
	}()

	select {
	case <-exit.done:
		_ = stdout.Close()
		if exit.err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", exit.err, strings.TrimSpace(stderr.String()))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(250 * time.Millisecond):
	}

	s := &ffmpegStream{
		stdout:  stdout,
		stderr:  stderr,
		process: cmd.Process,
		exit:    exit,
		done:    make(chan struct{}),
	}
	frameBytes := b.cfg.SampleRate * b.cfg.BatchMS / 1000 * b.cfg.Channels * 2
	go s.pump(frameBytes, b.cfg.SampleRate, b.cfg.Channels, onBatch, onError)
	b.log.Debug("capture stream opened", slog.String("device", deviceID))
	return s, nil
}

// processExit is written once by the goroutine calling Wait; err is valid
// after done is closed.
type processExit struct {
	done chan struct{}
	err  error
}

type ffmpegStream struct {
	stdout  io.ReadCloser
	stderr  *lockedBuffer
	process *os.Process
	exit    *processExit
	done    chan struct{}

	closing  sync.Once
	closed   bool
	mu       sync.Mutex
	closeErr error
}

func (s *ffmpegStream) pump(frameBytes, rate, channels int, onBatch BatchFunc, onError ErrorFunc) {
	defer close(s.done)
	if frameBytes < 2*channels {
		frameBytes = 2 * channels
	}
	raw := make([]byte, frameBytes)
	for {
		n, err := io.ReadFull(s.stdout, raw)
		if n >= 2 {
			onBatch(audio.Batch{Samples: decodeS16LE(raw[:n-n%2]), SampleRate: rate, Channels: channels})
		}
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || onError == nil {
				return
			}
			onError(s.endError(err))
			return
		}
	}
}

// endError describes an unrequested end of output. It waits briefly for the
// process so its exit status and stderr are complete.
func (s *ffmpegStream) endError(readErr error) error {
	var err error
	if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
		err = errors.New("capture stream ended")
	} else {
		err = fmt.Errorf("capture stream ended: %w", readErr)
	}
	select {
	case <-s.exit.done:
		if s.exit.err != nil {
			err = fmt.Errorf("%w (%v)", err, s.exit.err)
		}
	case <-time.After(time.Second):
	}
	if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
		err = fmt.Errorf("%w: %s", err, msg)
	}
	return err
}

func decodeS16LE(raw []byte) []float32 {
	out := make([]float32, len(raw)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
	}
	return out
}

func (s *ffmpegStream) Close() error {
	s.closing.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}
		select {
		case <-s.exit.done:
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			<-s.exit.done
		}
		s.closeErr = normalizeStopErr(s.exit.err)
		if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && s.closeErr == nil {
			s.closeErr = err
		}
		<-s.done
	})
	return s.closeErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
