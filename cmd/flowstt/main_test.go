package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/flowstt/internal/broadcast"
	"github.com/loqalabs/flowstt/internal/ipc"
	"github.com/loqalabs/flowstt/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeService answers requests from canned values and records what it saw.
type fakeService struct {
	hub *broadcast.Hub

	mu   sync.Mutex
	reqs []protocol.Request
}

func (f *fakeService) Handle(_ context.Context, req protocol.Request) protocol.Response {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	switch req.Type {
	case protocol.ReqPing:
		return protocol.Response{Type: protocol.RespPong}
	case protocol.ReqListDevices:
		return protocol.Response{Type: protocol.RespDevices, Devices: []protocol.AudioDevice{
			{ID: "mic-1", Name: "Desk Mic", SourceType: protocol.SourceInput},
		}}
	case protocol.ReqGetConfig:
		return protocol.Response{Type: protocol.RespConfigValues, Config: &protocol.ConfigValues{
			TranscriptionMode: protocol.ModePushToTalk,
			PTTHotkeys:        []protocol.HotkeyCombination{{Keys: []string{"ctrl", "alt"}}, {Keys: []string{"f9"}}},
		}}
	case protocol.ReqDownloadModel:
		return protocol.Error("model already downloaded")
	case protocol.ReqSetSources:
		if req.Source1ID == nil && req.Source2ID == nil {
			return protocol.Ok()
		}
		go func() {
			f.hub.Publish(protocol.CaptureStateChanged("s1", true, ""))
			f.hub.Publish(protocol.TranscriptionComplete(protocol.TranscriptionResult{Sequence: 1, SessionID: "s1", Text: "hello there", AudioDurationMS: 1500}))
			f.hub.Publish(protocol.CaptureStateChanged("s1", false, ""))
		}()
		return protocol.Ok()
	default:
		return protocol.Ok()
	}
}

func (f *fakeService) seen() []protocol.RequestType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.RequestType, 0, len(f.reqs))
	for _, r := range f.reqs {
		out = append(out, r.Type)
	}
	return out
}

func (f *fakeService) last() protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

func startFake(t *testing.T) (*fakeService, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "fstt")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "flowstt.sock")

	hub := broadcast.NewHub(16, newLogger())
	fake := &fakeService{hub: hub}
	srv := ipc.NewServer(context.Background(), path, fake, hub, newLogger())
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Close(ctx)
	})
	return fake, path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	code := run(ctx, args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsageErrors(t *testing.T) {
	cases := [][]string{
		{},
		{"bogus"},
		{"--format", "yaml", "ping"},
		{"--nope"},
		{"list", "--type", "mixed"},
		{"history", "--limit", "-1"},
		{"config"},
		{"config", "set", "transcription_mode", "sometimes"},
		{"config", "set", "auto_paste_enabled", "true"},
		{"transcribe"},
		{"ping", "extra"},
	}
	for _, args := range cases {
		code, _, _ := runCLI(t, append([]string{"--socket", "/nonexistent/flowstt.sock"}, args...)...)
		if code != exitUsage {
			t.Fatalf("%v: expected exit %d, got %d", args, exitUsage, code)
		}
	}
}

func TestUnreachableServiceFails(t *testing.T) {
	code, _, stderr := runCLI(t, "--socket", filepath.Join(t.TempDir(), "missing.sock"), "ping")
	if code != exitFailure {
		t.Fatalf("expected exit %d, got %d", exitFailure, code)
	}
	if !strings.Contains(stderr, "not reachable") {
		t.Fatalf("unexpected stderr %q", stderr)
	}
}

func TestPingAndVersion(t *testing.T) {
	_, path := startFake(t)
	code, out, _ := runCLI(t, "--socket", path, "ping")
	if code != exitOK || strings.TrimSpace(out) != "pong" {
		t.Fatalf("ping: %d %q", code, out)
	}
	code, out, _ = runCLI(t, "--format", "json", "version")
	if code != exitOK || !strings.Contains(out, `"version"`) {
		t.Fatalf("version: %d %q", code, out)
	}
}

func TestListJSON(t *testing.T) {
	fake, path := startFake(t)
	code, out, _ := runCLI(t, "--socket", path, "--format", "json", "list", "--type", "input")
	if code != exitOK {
		t.Fatalf("exit %d", code)
	}
	var resp protocol.Response
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(resp.Devices) != 1 || resp.Devices[0].ID != "mic-1" {
		t.Fatalf("unexpected devices %+v", resp.Devices)
	}
	if st := fake.last().SourceType; st == nil || *st != protocol.SourceInput {
		t.Fatalf("expected input filter, got %v", st)
	}
}

func TestConfigGetAndSet(t *testing.T) {
	fake, path := startFake(t)
	code, out, _ := runCLI(t, "--socket", path, "config", "get", "ptt_hotkeys")
	if code != exitOK || strings.TrimSpace(out) != "ctrl+alt, f9" {
		t.Fatalf("get: %d %q", code, out)
	}

	code, _, _ = runCLI(t, "--socket", path, "config", "set", "ptt_hotkeys", "Control + LAlt, f9")
	if code != exitOK {
		t.Fatalf("set exit %d", code)
	}
	req := fake.last()
	if req.Type != protocol.ReqSetPushToTalkHotkeys || len(req.Hotkeys) != 2 {
		t.Fatalf("unexpected request %+v", req)
	}
	if got := req.Hotkeys[0].Keys; len(got) != 2 || got[0] != "Control" || got[1] != "LAlt" {
		t.Fatalf("unexpected keys %v", got)
	}

	code, _, _ = runCLI(t, "--socket", path, "config", "set", "aec_enabled", "on")
	if req := fake.last(); code != exitOK || req.Enabled == nil || !*req.Enabled {
		t.Fatalf("aec: %d %+v", code, req)
	}
}

func TestErrorResponseExitsWithFailure(t *testing.T) {
	_, path := startFake(t)
	code, _, stderr := runCLI(t, "--socket", path, "model", "download")
	if code != exitFailure || !strings.Contains(stderr, "model already downloaded") {
		t.Fatalf("download: %d %q", code, stderr)
	}
}

func TestTranscribeStreamsUntilCaptureStops(t *testing.T) {
	fake, path := startFake(t)
	code, out, stderr := runCLI(t, "--socket", path, "transcribe", "--source1", "mic-1", "--mode", "echo_cancel")
	if code != exitOK {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if !strings.Contains(out, "#1 [1.5s] hello there") || !strings.Contains(out, "capture stopped") {
		t.Fatalf("unexpected output %q", out)
	}
	want := []protocol.RequestType{protocol.ReqSetRecordingMode, protocol.ReqSetSources}
	got := fake.seen()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestParseHotkeys(t *testing.T) {
	combos, err := parseHotkeys("ctrl+shift+space, ,f9")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(combos) != 2 || combos[0].Display() != "ctrl+shift+space" || combos[1].Display() != "f9" {
		t.Fatalf("unexpected combos %+v", combos)
	}
	if _, err := parseHotkeys("ctrl++a"); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
