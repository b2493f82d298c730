package ipc

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
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
	"github.com/loqalabs/flowstt/internal/service"
	"github.com/loqalabs/flowstt/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	svc     *service.Service
	backend *capture.NullBackend
	srv     *Server
	path    string
}

// socketDir keeps socket paths short; t.TempDir can exceed the sun_path limit.
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "fstt")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Audio.Backend = "null"
	cfg.Transcription.SettingsPath = filepath.Join(t.TempDir(), "settings.yaml")
	cfg.STT.ModelPath = filepath.Join(t.TempDir(), "model.bin")

	backend := capture.NewNullBackend()
	hub := broadcast.NewHub(64, newLogger())
	svc, err := service.New(context.Background(), cfg, service.Deps{Backend: backend, Engine: stt.NewMockEngine(), Hub: hub}, newLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	path := filepath.Join(socketDir(t), "flowstt.sock")
	srv := NewServer(context.Background(), path, svc, hub, newLogger())
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	h := &harness{svc: svc, backend: backend, srv: srv, path: path}
	t.Cleanup(h.shutdown)
	return h
}

func (h *harness) shutdown() {
	h.svc.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.srv.Close(ctx)
}

func (h *harness) dial(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(context.Background(), h.path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func request(t *testing.T, c *Client, req protocol.Request) protocol.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Request(ctx, req)
	if err != nil {
		t.Fatalf("%s: %v", req.Type, err)
	}
	return resp
}

func nextEvent(t *testing.T, c *Client) protocol.Event {
	t.Helper()
	for {
		select {
		case evt, ok := <-c.Events():
			if !ok {
				t.Fatalf("event stream closed")
			}
			if evt.Type == protocol.EventCaptureStateChanged {
				continue
			}
			return evt
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event")
		}
	}
}

func (h *harness) speak(seconds float64, v float32) {
	for i := 0; i < int(seconds*50); i++ {
		samples := make([]float32, 640)
		for j := range samples {
			samples[j] = v
		}
		// 20ms of 32kHz audio per batch exercises the resampler.
		h.backend.Inject("null-input", audio.Batch{Samples: samples, SampleRate: 32000, Channels: 1})
	}
}

func TestSetSourcesReportsCapturing(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	resp := request(t, c, protocol.Request{Type: protocol.ReqSetSources, Source1ID: protocol.StrPtr("null-input")})
	if resp.Type != protocol.RespOk {
		t.Fatalf("expected ok, got %+v", resp)
	}
	resp = request(t, c, protocol.Request{Type: protocol.ReqGetStatus})
	if resp.Type != protocol.RespStatus || !resp.Status.Capturing || protocol.Deref(resp.Status.Source1ID) != "null-input" {
		t.Fatalf("unexpected status %+v", resp.Status)
	}
}

func TestSpeechEventsInOrder(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	if err := c.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	request(t, c, protocol.Request{Type: protocol.ReqSetSources, Source1ID: protocol.StrPtr("null-input")})

	h.speak(2, 0.3)
	h.speak(1, 0)

	started := nextEvent(t, c)
	ended := nextEvent(t, c)
	complete := nextEvent(t, c)
	if started.Type != protocol.EventSpeechStarted || ended.Type != protocol.EventSpeechEnded || complete.Type != protocol.EventTranscriptionComplete {
		t.Fatalf("unexpected order %s %s %s", started.Type, ended.Type, complete.Type)
	}
	if ended.DurationMS < 1990 || ended.DurationMS > 2010 {
		t.Fatalf("expected ~2000ms, got %d", ended.DurationMS)
	}
	if complete.Result == nil || complete.Result.Text == "" {
		t.Fatalf("expected transcription text, got %+v", complete.Result)
	}
}

func TestBroadcastToEverySubscriber(t *testing.T) {
	h := newHarness(t)
	a := h.dial(t)
	b := h.dial(t)
	for _, c := range []*Client{a, b} {
		if err := c.Subscribe(context.Background()); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	request(t, a, protocol.Request{Type: protocol.ReqSetSources, Source1ID: protocol.StrPtr("null-input")})
	h.speak(1, 0.3)
	h.speak(1, 0)

	var results []*protocol.TranscriptionResult
	for _, c := range []*Client{a, b} {
		for {
			evt := nextEvent(t, c)
			if evt.Type == protocol.EventTranscriptionComplete {
				results = append(results, evt.Result)
				break
			}
		}
	}
	if results[0].Sequence != results[1].Sequence || results[0].Text != results[1].Text || results[0].SessionID != results[1].SessionID {
		t.Fatalf("subscribers saw different results: %+v vs %+v", results[0], results[1])
	}
}

func TestShutdownReachesEverySubscriber(t *testing.T) {
	h := newHarness(t)
	subs := []*Client{h.dial(t), h.dial(t)}
	for _, c := range subs {
		if err := c.Subscribe(context.Background()); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	idle := h.dial(t)

	resp := request(t, idle, protocol.Request{Type: protocol.ReqShutdown})
	if resp.Type != protocol.RespOk {
		t.Fatalf("expected ok, got %+v", resp)
	}
	select {
	case <-h.svc.ShutdownRequested():
	case <-time.After(time.Second):
		t.Fatalf("shutdown not requested")
	}
	h.shutdown()

	for _, c := range append(subs, idle) {
		var last protocol.Event
		timeout := time.After(5 * time.Second)
	drain:
		for {
			select {
			case evt, ok := <-c.Events():
				if !ok {
					break drain
				}
				last = evt
			case <-timeout:
				t.Fatalf("connection not closed after shutdown")
			}
		}
		if last.Type != protocol.EventShutdown {
			t.Fatalf("expected shutdown as final event, got %q", last.Type)
		}
	}
	if _, err := os.Stat(h.path); !os.IsNotExist(err) {
		t.Fatalf("expected socket removed, got %v", err)
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	if err := c.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if resp := request(t, c, protocol.Request{Type: protocol.ReqUnsubscribeEvents}); resp.Type != protocol.RespOk {
		t.Fatalf("unsubscribe: %+v", resp)
	}
	request(t, c, protocol.Request{Type: protocol.ReqSetSources, Source1ID: protocol.StrPtr("null-input")})
	select {
	case evt := <-c.Events():
		t.Fatalf("unexpected event after unsubscribe: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMalformedRequestKeepsConnection(t *testing.T) {
	h := newHarness(t)
	nc, err := net.Dial("unix", h.path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()
	reader := bufio.NewReader(nc)

	for _, line := range []string{"{not json", `{"type":"ping","bogus":1}`, `{"type":"ping"}`} {
		if _, err := io.WriteString(nc, line+"\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	want := []string{`"type":"error"`, `"type":"error"`, `"type":"pong"`}
	for i, w := range want {
		_ = nc.SetReadDeadline(time.Now().Add(5 * time.Second))
		got, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !strings.Contains(got, w) {
			t.Fatalf("response %d: expected %s in %s", i, w, got)
		}
	}
}

func TestStartRefusesLiveSocket(t *testing.T) {
	h := newHarness(t)
	other := NewServer(context.Background(), h.path, h.svc, broadcast.NewHub(4, newLogger()), newLogger())
	if err := other.Start(); err == nil {
		t.Fatalf("expected error binding a live socket")
	}
}

func TestStartReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(socketDir(t), "stale.sock")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write stale file: %v", err)
	}
	srv := NewServer(context.Background(), path, nil, broadcast.NewHub(4, newLogger()), newLogger())
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestClientReportsClosedConnection(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	h.shutdown()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("client did not observe close")
	}
	if _, err := c.Request(context.Background(), protocol.Request{Type: protocol.ReqPing}); err == nil {
		t.Fatalf("expected error on closed connection")
	}
}
