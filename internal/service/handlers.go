package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/flowstt/internal/config"
	"github.com/loqalabs/flowstt/internal/hotkey"
	"github.com/loqalabs/flowstt/internal/protocol"
	"github.com/loqalabs/flowstt/internal/stt"
)

// Handle answers one control request. It never waits on an inference.
// Subscription requests belong to the connection and are rejected here.
func (s *Service) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Type {
	case protocol.ReqListDevices:
		return s.listDevices(ctx, req)
	case protocol.ReqSetSources:
		return s.setSources(ctx, req)
	case protocol.ReqSetRecordingMode:
		return s.setRecordingMode(req)
	case protocol.ReqSetAecEnabled:
		return s.setAecEnabled(req)
	case protocol.ReqGetStatus:
		status := s.state.Snapshot()
		return protocol.Response{Type: protocol.RespStatus, Status: &status}
	case protocol.ReqGetConfig:
		values := s.Settings()
		return protocol.Response{Type: protocol.RespConfigValues, Config: &values}
	case protocol.ReqSetTranscriptionMode:
		return s.setTranscriptionMode(req)
	case protocol.ReqSetPushToTalkHotkeys:
		return s.setHotkeys(req)
	case protocol.ReqDownloadModel:
		return s.downloadModel()
	case protocol.ReqGetModelStatus:
		status := s.models.Status()
		return protocol.Response{Type: protocol.RespModelStatus, ModelStatus: &status}
	case protocol.ReqGetCudaStatus:
		status := stt.CudaStatus(s.cfg.STT, s.engine)
		return protocol.Response{Type: protocol.RespCudaStatus, CudaStatus: &status}
	case protocol.ReqGetHistory:
		return protocol.Response{Type: protocol.RespHistory, History: s.state.History(req.Limit)}
	case protocol.ReqPing:
		return protocol.Response{Type: protocol.RespPong}
	case protocol.ReqShutdown:
		s.requestShutdown()
		return protocol.Ok()
	case protocol.ReqSubscribeEvents, protocol.ReqUnsubscribeEvents:
		return protocol.Error("event subscription is only available on a connection")
	case "":
		return protocol.Error("missing request type")
	default:
		return protocol.Error(fmt.Sprintf("unknown request type %q", req.Type))
	}
}

// Settings returns a copy of the persisted user settings.
func (s *Service) Settings() protocol.ConfigValues {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.settings
	values.PTTHotkeys = append([]protocol.HotkeyCombination(nil), s.settings.PTTHotkeys...)
	return values
}

func (s *Service) listDevices(ctx context.Context, req protocol.Request) protocol.Response {
	devices, err := s.backend.ListDevices(ctx, req.SourceType)
	if err != nil {
		s.log.Warn("list devices failed", slog.String("error", err.Error()))
		return protocol.Error(fmt.Sprintf("list devices: %v", err))
	}
	if devices == nil {
		devices = []protocol.AudioDevice{}
	}
	return protocol.Response{Type: protocol.RespDevices, Devices: devices}
}

func (s *Service) setSources(ctx context.Context, req protocol.Request) protocol.Response {
	source1 := protocol.StrPtr(protocol.Deref(req.Source1ID))
	source2 := protocol.StrPtr(protocol.Deref(req.Source2ID))

	s.captureMu.Lock()
	defer s.captureMu.Unlock()
	if s.ctx.Err() != nil {
		return protocol.Error("service is shutting down")
	}
	// Sessions outlive the request that started them.
	if err := s.startSession(context.WithoutCancel(ctx), source1, source2); err != nil {
		return protocol.Error(fmt.Sprintf("start capture: %v", err))
	}
	return protocol.Ok()
}

func (s *Service) setRecordingMode(req protocol.Request) protocol.Response {
	mode, err := protocol.ParseRecordingMode(req.Mode)
	if err != nil {
		return protocol.Error(err.Error())
	}
	s.mu.Lock()
	s.recordingMode = mode
	aec := s.aecEnabled
	sess := s.session
	s.mu.Unlock()
	if sess != nil {
		sess.SetMixing(mode, aec)
	}
	s.log.Info("recording mode changed", slog.String("mode", string(mode)))
	return protocol.Ok()
}

func (s *Service) setAecEnabled(req protocol.Request) protocol.Response {
	if req.Enabled == nil {
		return protocol.Error("enabled is required")
	}
	s.mu.Lock()
	s.aecEnabled = *req.Enabled
	mode := s.recordingMode
	sess := s.session
	s.mu.Unlock()
	if sess != nil {
		sess.SetMixing(mode, *req.Enabled)
	}
	s.log.Info("echo cancellation toggled", slog.Bool("enabled", *req.Enabled))
	return protocol.Ok()
}

func (s *Service) setTranscriptionMode(req protocol.Request) protocol.Response {
	mode, err := protocol.ParseTranscriptionMode(req.Mode)
	if err != nil {
		return protocol.Error(err.Error())
	}
	if err := s.updateSettings(func(v *protocol.ConfigValues) { v.TranscriptionMode = mode }); err != nil {
		return protocol.Error(err.Error())
	}
	s.state.SetMode(mode)
	if sess := s.currentSession(); sess != nil {
		sess.SetPushToTalk(mode == protocol.ModePushToTalk)
	}
	s.log.Info("transcription mode changed", slog.String("mode", string(mode)))
	return protocol.Ok()
}

func (s *Service) setHotkeys(req protocol.Request) protocol.Response {
	combos, err := normalizeHotkeys(req.Hotkeys)
	if err != nil {
		return protocol.Error(err.Error())
	}
	if err := s.updateSettings(func(v *protocol.ConfigValues) { v.PTTHotkeys = combos }); err != nil {
		return protocol.Error(err.Error())
	}
	s.tracker.SetCombinations(combos)
	return protocol.Ok()
}

func normalizeHotkeys(in []protocol.HotkeyCombination) ([]protocol.HotkeyCombination, error) {
	out := make([]protocol.HotkeyCombination, 0, len(in))
	for i, combo := range in {
		seen := make(map[string]struct{}, len(combo.Keys))
		keys := make([]string, 0, len(combo.Keys))
		for _, k := range combo.Keys {
			n := hotkey.Normalize(k)
			if n == "" {
				return nil, fmt.Errorf("hotkey %d contains an empty key", i+1)
			}
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			keys = append(keys, n)
		}
		if len(keys) == 0 {
			return nil, fmt.Errorf("hotkey %d has no keys", i+1)
		}
		out = append(out, protocol.HotkeyCombination{Keys: keys})
	}
	return out, nil
}

// updateSettings applies fn and persists the result. The in-memory settings
// only change when the write succeeds.
func (s *Service) updateSettings(fn func(*protocol.ConfigValues)) error {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	s.mu.Lock()
	next := s.settings
	next.PTTHotkeys = append([]protocol.HotkeyCombination(nil), s.settings.PTTHotkeys...)
	s.mu.Unlock()

	fn(&next)
	if err := config.SaveSettings(s.cfg.Transcription.SettingsPath, next); err != nil {
		s.log.Warn("save settings failed", slog.String("error", err.Error()))
		return fmt.Errorf("save settings: %w", err)
	}

	s.mu.Lock()
	s.settings = next
	s.mu.Unlock()
	return nil
}

func (s *Service) downloadModel() protocol.Response {
	err := s.models.StartDownload(s.ctx)
	switch {
	case err == nil:
		s.log.Info("model download started", slog.String("path", s.models.Status().Path))
		return protocol.Ok()
	case errors.Is(err, stt.ErrModelPresent):
		return protocol.Error("model already downloaded")
	default:
		return protocol.Error(err.Error())
	}
}
