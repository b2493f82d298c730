package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/flowstt/internal/audio"
	"github.com/loqalabs/flowstt/internal/broadcast"
	"github.com/loqalabs/flowstt/internal/capture"
	"github.com/loqalabs/flowstt/internal/config"
	"github.com/loqalabs/flowstt/internal/protocol"
	"github.com/loqalabs/flowstt/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Audio.Backend = "null"
	cfg.Transcription.SettingsPath = filepath.Join(dir, "settings.yaml")
	cfg.STT.ModelPath = filepath.Join(dir, "model.bin")
	cfg.STT.ModelURL = ""
	return cfg
}

func newTestService(t *testing.T, cfg config.Config) (*Service, *capture.NullBackend) {
	t.Helper()
	backend := capture.NewNullBackend()
	svc, err := New(context.Background(), cfg, Deps{
		Backend: backend,
		Engine:  stt.NewMockEngine(),
		Hub:     broadcast.NewHub(64, newLogger()),
	}, newLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, backend
}

func speech(backend *capture.NullBackend, device string, seconds float64, v float32) {
	batches := int(seconds * 50)
	for i := 0; i < batches; i++ {
		samples := make([]float32, 320)
		for j := range samples {
			samples[j] = v
		}
		backend.Inject(device, audio.Batch{Samples: samples, SampleRate: audio.TargetRate, Channels: 1})
	}
}

func nextEvent(t *testing.T, sub *broadcast.Subscription, skip ...protocol.EventType) protocol.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed")
			}
			skipped := false
			for _, s := range skip {
				if evt.Type == s {
					skipped = true
				}
			}
			if !skipped {
				return evt
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event")
		}
	}
}

func mustOk(t *testing.T, resp protocol.Response) {
	t.Helper()
	if resp.Type != protocol.RespOk {
		t.Fatalf("expected ok, got %s: %s", resp.Type, resp.Message)
	}
}

func TestSetSourcesStartsCapture(t *testing.T) {
	svc, backend := newTestService(t, testConfig(t))
	ctx := context.Background()

	mustOk(t, svc.Handle(ctx, protocol.Request{Type: protocol.ReqSetSources, Source1ID: protocol.StrPtr("null-input")}))
	resp := svc.Handle(ctx, protocol.Request{Type: protocol.ReqGetStatus})
	if resp.Type != protocol.RespStatus || resp.Status == nil {
		t.Fatalf("unexpected response %+v", resp)
	}
	if !resp.Status.Capturing || protocol.Deref(resp.Status.Source1ID) != "null-input" || resp.Status.Source2ID != nil {
		t.Fatalf("unexpected status %+v", resp.Status)
	}
	if !backend.IsOpen("null-input") {
		t.Fatalf("expected device opened")
	}

	mustOk(t, svc.Handle(ctx, protocol.Request{Type: protocol.ReqSetSources}))
	if backend.IsOpen("null-input") {
		t.Fatalf("expected device closed after clearing sources")
	}
	if svc.Handle(ctx, protocol.Request{Type: protocol.ReqGetStatus}).Status.Capturing {
		t.Fatalf("expected idle after clearing sources")
	}
	// Clearing again while idle is a no-op.
	mustOk(t, svc.Handle(ctx, protocol.Request{Type: protocol.ReqSetSources}))
}

func TestSetSourcesUnknownDevice(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t))
	sub := svc.Hub().Subscribe("test")
	defer sub.Close()

	resp := svc.Handle(context.Background(), protocol.Request{Type: protocol.ReqSetSources, Source1ID: protocol.StrPtr("missing")})
	if resp.Type != protocol.RespError || !strings.Contains(resp.Message, "missing") {
		t.Fatalf("expected error naming the device, got %+v", resp)
	}
	started := nextEvent(t, sub)
	failed := nextEvent(t, sub)
	if started.Type != protocol.EventCaptureStateChanged || !*started.Capturing {
		t.Fatalf("expected capture start event, got %+v", started)
	}
	if failed.Type != protocol.EventCaptureStateChanged || *failed.Capturing || failed.Error == nil {
		t.Fatalf("expected capture failure event, got %+v", failed)
	}
}

func TestSpeechProducesOrderedEvents(t *testing.T) {
	svc, backend := newTestService(t, testConfig(t))
	sub := svc.Hub().Subscribe("test")
	defer sub.Close()

	mustOk(t, svc.Handle(context.Background(), protocol.Request{Type: protocol.ReqSetSources, Source1ID: protocol.StrPtr("null-input")}))
	speech(backend, "null-input", 2, 0.3)
	speech(backend, "null-input", 1, 0)

	var got []protocol.Event
	for len(got) < 3 {
		got = append(got, nextEvent(t, sub, protocol.EventCaptureStateChanged))
	}
	if got[0].Type != protocol.EventSpeechStarted || got[1].Type != protocol.EventSpeechEnded || got[2].Type != protocol.EventTranscriptionComplete {
		t.Fatalf("unexpected event order %v %v %v", got[0].Type, got[1].Type, got[2].Type)
	}
	if got[1].DurationMS != 2000 {
		t.Fatalf("expected 2000ms utterance, got %d", got[1].DurationMS)
	}
	if got[2].Result == nil || got[2].Result.Text == "" || got[2].Result.Sequence != 1 {
		t.Fatalf("unexpected result %+v", got[2].Result)
	}

	resp := svc.Handle(context.Background(), protocol.Request{Type: protocol.ReqGetHistory, Limit: 10})
	if resp.Type != protocol.RespHistory || len(resp.History) != 1 {
		t.Fatalf("expected one history entry, got %+v", resp)
	}
}

func TestStreamFailureStopsCapture(t *testing.T) {
	svc, backend := newTestService(t, testConfig(t))
	sub := svc.Hub().Subscribe("test")
	defer sub.Close()

	mustOk(t, svc.Handle(context.Background(), protocol.Request{Type: protocol.ReqSetSources, Source1ID: protocol.StrPtr("null-input")}))
	nextEvent(t, sub)
	backend.Fail("null-input", errors.New("device unplugged"))

	evt := nextEvent(t, sub)
	if evt.Type != protocol.EventCaptureStateChanged || *evt.Capturing || protocol.Deref(evt.Error) != "device unplugged" {
		t.Fatalf("unexpected event %+v", evt)
	}
	status := svc.Handle(context.Background(), protocol.Request{Type: protocol.ReqGetStatus}).Status
	if status.Capturing || protocol.Deref(status.Error) != "device unplugged" {
		t.Fatalf("unexpected status %+v", status)
	}
	deadline := time.Now().Add(time.Second)
	for backend.IsOpen("null-input") {
		if time.Now().After(deadline) {
			t.Fatalf("expected failed stream to be closed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTranscriptionModePersists(t *testing.T) {
	cfg := testConfig(t)
	svc, _ := newTestService(t, cfg)
	ctx := context.Background()

	resp := svc.Handle(ctx, protocol.Request{Type: protocol.ReqSetTranscriptionMode, Mode: "sometimes"})
	if resp.Type != protocol.RespError {
		t.Fatalf("expected error for invalid mode")
	}
	mustOk(t, svc.Handle(ctx, protocol.Request{Type: protocol.ReqSetTranscriptionMode, Mode: "push_to_talk"}))

	saved, err := config.LoadSettings(cfg.Transcription.SettingsPath)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if saved.TranscriptionMode != protocol.ModePushToTalk {
		t.Fatalf("expected persisted push_to_talk, got %s", saved.TranscriptionMode)
	}
	got := svc.Handle(ctx, protocol.Request{Type: protocol.ReqGetConfig})
	if got.Config == nil || got.Config.TranscriptionMode != protocol.ModePushToTalk {
		t.Fatalf("unexpected config %+v", got.Config)
	}
	if status := svc.Handle(ctx, protocol.Request{Type: protocol.ReqGetStatus}).Status; status.TranscriptionMode != protocol.ModePushToTalk {
		t.Fatalf("status did not follow mode change")
	}
}

func TestSetHotkeysNormalizes(t *testing.T) {
	cfg := testConfig(t)
	svc, _ := newTestService(t, cfg)
	ctx := context.Background()

	resp := svc.Handle(ctx, protocol.Request{Type: protocol.ReqSetPushToTalkHotkeys, Hotkeys: []protocol.HotkeyCombination{{Keys: []string{"Control", "LAlt", "ctrl"}}}})
	mustOk(t, resp)
	values := svc.Settings()
	if len(values.PTTHotkeys) != 1 || strings.Join(values.PTTHotkeys[0].Keys, "+") != "ctrl+alt" {
		t.Fatalf("unexpected hotkeys %+v", values.PTTHotkeys)
	}

	resp = svc.Handle(ctx, protocol.Request{Type: protocol.ReqSetPushToTalkHotkeys, Hotkeys: []protocol.HotkeyCombination{{}}})
	if resp.Type != protocol.RespError {
		t.Fatalf("expected error for empty combination")
	}
	if len(svc.Settings().PTTHotkeys[0].Keys) != 2 {
		t.Fatalf("rejected update must not change settings")
	}
}

func TestPushToTalkHotkeyDelimitsSegment(t *testing.T) {
	svc, backend := newTestService(t, testConfig(t))
	ctx := context.Background()
	sub := svc.Hub().Subscribe("test")
	defer sub.Close()

	mustOk(t, svc.Handle(ctx, protocol.Request{Type: protocol.ReqSetTranscriptionMode, Mode: "push_to_talk"}))
	mustOk(t, svc.Handle(ctx, protocol.Request{Type: protocol.ReqSetPushToTalkHotkeys, Hotkeys: []protocol.HotkeyCombination{{Keys: []string{"ctrl", "space"}}}}))
	mustOk(t, svc.Handle(ctx, protocol.Request{Type: protocol.ReqSetSources, Source1ID: protocol.StrPtr("null-input")}))

	// Speech without the chord is ignored.
	speech(backend, "null-input", 1, 0.3)
	tracker := svc.Tracker()
	tracker.Press("ctrl")
	tracker.Press("space")
	speech(backend, "null-input", 1, 0.01)
	tracker.Release("space")
	tracker.Release("ctrl")

	var got []protocol.Event
	for len(got) < 3 {
		got = append(got, nextEvent(t, sub, protocol.EventCaptureStateChanged))
	}
	if got[0].Type != protocol.EventSpeechStarted || got[1].Type != protocol.EventSpeechEnded || got[2].Type != protocol.EventTranscriptionComplete {
		t.Fatalf("unexpected events %v %v %v", got[0].Type, got[1].Type, got[2].Type)
	}
	if got[2].Result.AudioDurationMS != 1000 {
		t.Fatalf("expected 1s push-to-talk segment, got %dms", got[2].Result.AudioDurationMS)
	}
}

func TestMixingChangesApplyToRunningSession(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t))
	ctx := context.Background()
	mustOk(t, svc.Handle(ctx, protocol.Request{Type: protocol.ReqSetSources, Source1ID: protocol.StrPtr("null-input"), Source2ID: protocol.StrPtr("null-monitor")}))
	mustOk(t, svc.Handle(ctx, protocol.Request{Type: protocol.ReqSetRecordingMode, Mode: "echo_cancel"}))
	enabled := true
	mustOk(t, svc.Handle(ctx, protocol.Request{Type: protocol.ReqSetAecEnabled, Enabled: &enabled}))

	if resp := svc.Handle(ctx, protocol.Request{Type: protocol.ReqSetRecordingMode, Mode: "stereo"}); resp.Type != protocol.RespError {
		t.Fatalf("expected error for invalid recording mode")
	}
	if resp := svc.Handle(ctx, protocol.Request{Type: protocol.ReqSetAecEnabled}); resp.Type != protocol.RespError {
		t.Fatalf("expected error without enabled flag")
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.recordingMode != protocol.RecordingEchoCancel || !svc.aecEnabled {
		t.Fatalf("unexpected mixing state %s %v", svc.recordingMode, svc.aecEnabled)
	}
}

func TestModelRequests(t *testing.T) {
	cfg := testConfig(t)
	svc, _ := newTestService(t, cfg)
	ctx := context.Background()

	resp := svc.Handle(ctx, protocol.Request{Type: protocol.ReqGetModelStatus})
	if resp.ModelStatus == nil || resp.ModelStatus.Available || resp.ModelStatus.Path != cfg.STT.ModelPath {
		t.Fatalf("unexpected model status %+v", resp.ModelStatus)
	}
	if err := os.WriteFile(cfg.STT.ModelPath, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	resp = svc.Handle(ctx, protocol.Request{Type: protocol.ReqDownloadModel})
	if resp.Type != protocol.RespError || resp.Message != "model already downloaded" {
		t.Fatalf("unexpected download response %+v", resp)
	}
	resp = svc.Handle(ctx, protocol.Request{Type: protocol.ReqGetCudaStatus})
	if resp.CudaStatus == nil || resp.CudaStatus.SystemInfo == "" {
		t.Fatalf("unexpected cuda status %+v", resp.CudaStatus)
	}
}

func TestMiscRequests(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t))
	ctx := context.Background()

	if resp := svc.Handle(ctx, protocol.Request{Type: protocol.ReqPing}); resp.Type != protocol.RespPong {
		t.Fatalf("expected pong, got %+v", resp)
	}
	if resp := svc.Handle(ctx, protocol.Request{Type: "reboot"}); resp.Type != protocol.RespError {
		t.Fatalf("expected error for unknown request")
	}
	kind := protocol.SourceSystem
	resp := svc.Handle(ctx, protocol.Request{Type: protocol.ReqListDevices, SourceType: &kind})
	if resp.Type != protocol.RespDevices || len(resp.Devices) != 1 || resp.Devices[0].ID != "null-monitor" {
		t.Fatalf("unexpected devices %+v", resp)
	}

	mustOk(t, svc.Handle(ctx, protocol.Request{Type: protocol.ReqShutdown}))
	select {
	case <-svc.ShutdownRequested():
	default:
		t.Fatalf("expected shutdown to be requested")
	}
}

func TestCloseStopsCapture(t *testing.T) {
	svc, backend := newTestService(t, testConfig(t))
	mustOk(t, svc.Handle(context.Background(), protocol.Request{Type: protocol.ReqSetSources, Source1ID: protocol.StrPtr("null-input")}))
	svc.Close()
	if backend.IsOpen("null-input") {
		t.Fatalf("expected capture closed")
	}
	if svc.Healthy() {
		t.Fatalf("closed service must not report healthy")
	}
	resp := svc.Handle(context.Background(), protocol.Request{Type: protocol.ReqSetSources, Source1ID: protocol.StrPtr("null-input")})
	if resp.Type != protocol.RespError {
		t.Fatalf("expected capture to be refused after close")
	}
}

func TestModeSwitchMidUtteranceEndsSpeech(t *testing.T) {
	svc, backend := newTestService(t, testConfig(t))
	ctx := context.Background()
	sub := svc.Hub().Subscribe("test")
	defer sub.Close()

	mustOk(t, svc.Handle(ctx, protocol.Request{Type: protocol.ReqSetPushToTalkHotkeys, Hotkeys: []protocol.HotkeyCombination{{Keys: []string{"ctrl", "space"}}}}))
	mustOk(t, svc.Handle(ctx, protocol.Request{Type: protocol.ReqSetSources, Source1ID: protocol.StrPtr("null-input")}))

	speech(backend, "null-input", 1, 0.3)
	if evt := nextEvent(t, sub, protocol.EventCaptureStateChanged); evt.Type != protocol.EventSpeechStarted {
		t.Fatalf("expected speech_started, got %s", evt.Type)
	}
	if !svc.Handle(ctx, protocol.Request{Type: protocol.ReqGetStatus}).Status.InSpeech {
		t.Fatalf("expected in_speech during utterance")
	}

	mustOk(t, svc.Handle(ctx, protocol.Request{Type: protocol.ReqSetTranscriptionMode, Mode: "push_to_talk"}))
	if evt := nextEvent(t, sub, protocol.EventCaptureStateChanged); evt.Type != protocol.EventSpeechEnded {
		t.Fatalf("expected speech_ended after mode switch, got %s", evt.Type)
	}
	if svc.Handle(ctx, protocol.Request{Type: protocol.ReqGetStatus}).Status.InSpeech {
		t.Fatalf("in_speech must clear when the mode changes")
	}

	tracker := svc.Tracker()
	tracker.Press("ctrl")
	tracker.Press("space")
	speech(backend, "null-input", 0.5, 0.3)
	tracker.Release("space")
	tracker.Release("ctrl")

	var got []protocol.Event
	for len(got) < 3 {
		got = append(got, nextEvent(t, sub, protocol.EventCaptureStateChanged))
	}
	if got[0].Type != protocol.EventSpeechStarted || got[1].Type != protocol.EventSpeechEnded || got[2].Type != protocol.EventTranscriptionComplete {
		t.Fatalf("unexpected events %v %v %v", got[0].Type, got[1].Type, got[2].Type)
	}
	if got[2].Result.AudioDurationMS != 500 {
		t.Fatalf("expected only the keyed audio, got %dms", got[2].Result.AudioDurationMS)
	}
}
