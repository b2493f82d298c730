package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/loqalabs/flowstt/internal/ipc"
	"github.com/loqalabs/flowstt/internal/protocol"
)

func subFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseSub(fs *flag.FlagSet, args []string, maxArgs int) error {
	if err := fs.Parse(args); err != nil {
		return usagef("%s: %v", fs.Name(), err)
	}
	if fs.NArg() > maxArgs {
		return usagef("%s: unexpected argument %q", fs.Name(), fs.Arg(maxArgs))
	}
	return nil
}

func (a *app) connect(ctx context.Context) (*ipc.Client, error) {
	c, err := a.dial(ctx, a.socket)
	if err != nil {
		return nil, fmt.Errorf("service not reachable (is flowsttd running?): %w", err)
	}
	return c, nil
}

// call issues one request on a fresh connection and turns Error responses
// into errors.
func (a *app) call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	c, err := a.connect(ctx)
	if err != nil {
		return protocol.Response{}, err
	}
	defer c.Close()
	return roundTrip(ctx, c, req)
}

func roundTrip(ctx context.Context, c *ipc.Client, req protocol.Request) (protocol.Response, error) {
	resp, err := c.Request(ctx, req)
	if err != nil {
		return resp, err
	}
	if resp.Type == protocol.RespError {
		return resp, errors.New(resp.Message)
	}
	return resp, nil
}

func (a *app) simple(ctx context.Context, args []string, req protocol.Request) error {
	if err := parseSub(subFlags(string(req.Type)), args, 0); err != nil {
		return err
	}
	resp, err := a.call(ctx, req)
	if err != nil {
		return err
	}
	return a.out.response(resp)
}

func (a *app) list(ctx context.Context, args []string) error {
	fs := subFlags("list")
	kind := fs.String("type", "", "input or system")
	if err := parseSub(fs, args, 0); err != nil {
		return err
	}
	req := protocol.Request{Type: protocol.ReqListDevices}
	switch protocol.SourceType(*kind) {
	case "":
	case protocol.SourceInput, protocol.SourceSystem:
		st := protocol.SourceType(*kind)
		req.SourceType = &st
	default:
		return usagef("list: invalid --type %q (expected input or system)", *kind)
	}
	resp, err := a.call(ctx, req)
	if err != nil {
		return err
	}
	return a.out.response(resp)
}

func (a *app) stop(ctx context.Context, args []string) error {
	if err := parseSub(subFlags("stop"), args, 0); err != nil {
		return err
	}
	resp, err := a.call(ctx, protocol.Request{Type: protocol.ReqSetSources})
	if err != nil {
		return err
	}
	return a.out.response(resp)
}

func (a *app) history(ctx context.Context, args []string) error {
	fs := subFlags("history")
	limit := fs.Int("limit", 10, "number of entries")
	if err := parseSub(fs, args, 0); err != nil {
		return err
	}
	if *limit < 0 {
		return usagef("history: --limit must not be negative")
	}
	resp, err := a.call(ctx, protocol.Request{Type: protocol.ReqGetHistory, Limit: *limit})
	if err != nil {
		return err
	}
	return a.out.response(resp)
}

func (a *app) model(ctx context.Context, args []string) error {
	fs := subFlags("model")
	if err := parseSub(fs, args, 1); err != nil {
		return err
	}
	req := protocol.Request{Type: protocol.ReqGetModelStatus}
	switch fs.Arg(0) {
	case "", "status":
	case "download":
		req.Type = protocol.ReqDownloadModel
	default:
		return usagef("model: unknown action %q", fs.Arg(0))
	}
	resp, err := a.call(ctx, req)
	if err != nil {
		return err
	}
	return a.out.response(resp)
}

func (a *app) config(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usagef("config: expected show, get or set")
	}
	switch args[0] {
	case "show":
		return a.simple(ctx, args[1:], protocol.Request{Type: protocol.ReqGetConfig})
	case "get":
		if len(args) != 2 {
			return usagef("config get: expected a key")
		}
		resp, err := a.call(ctx, protocol.Request{Type: protocol.ReqGetConfig})
		if err != nil {
			return err
		}
		value, err := configValue(resp.Config, args[1])
		if err != nil {
			return err
		}
		return a.out.value(args[1], value)
	case "set":
		if len(args) != 3 {
			return usagef("config set: expected a key and a value")
		}
		req, err := configRequest(args[1], args[2])
		if err != nil {
			return err
		}
		resp, err := a.call(ctx, req)
		if err != nil {
			return err
		}
		return a.out.response(resp)
	default:
		return usagef("config: unknown action %q", args[0])
	}
}

func configValue(values *protocol.ConfigValues, key string) (any, error) {
	if values == nil {
		return nil, errors.New("service returned no settings")
	}
	switch key {
	case "transcription_mode":
		return values.TranscriptionMode, nil
	case "ptt_hotkeys":
		return hotkeyList(values.PTTHotkeys), nil
	case "auto_paste_enabled":
		return values.AutoPasteEnabled, nil
	case "auto_paste_delay_ms":
		return values.AutoPasteDelayMS, nil
	default:
		return nil, usagef("config: unknown key %q", key)
	}
}

// configRequest maps a settable key to its request. Hotkeys are written as
// comma separated chords, e.g. "ctrl+alt,f9".
func configRequest(key, value string) (protocol.Request, error) {
	switch key {
	case "transcription_mode":
		if _, err := protocol.ParseTranscriptionMode(value); err != nil {
			return protocol.Request{}, usageError{msg: err.Error()}
		}
		return protocol.Request{Type: protocol.ReqSetTranscriptionMode, Mode: value}, nil
	case "ptt_hotkeys":
		combos, err := parseHotkeys(value)
		if err != nil {
			return protocol.Request{}, err
		}
		return protocol.Request{Type: protocol.ReqSetPushToTalkHotkeys, Hotkeys: combos}, nil
	case "recording_mode":
		if _, err := protocol.ParseRecordingMode(value); err != nil {
			return protocol.Request{}, usageError{msg: err.Error()}
		}
		return protocol.Request{Type: protocol.ReqSetRecordingMode, Mode: value}, nil
	case "aec_enabled":
		enabled, err := parseBool(value)
		if err != nil {
			return protocol.Request{}, err
		}
		return protocol.Request{Type: protocol.ReqSetAecEnabled, Enabled: &enabled}, nil
	default:
		return protocol.Request{}, usagef("config: key %q cannot be set", key)
	}
}

func parseHotkeys(value string) ([]protocol.HotkeyCombination, error) {
	var combos []protocol.HotkeyCombination
	for _, chord := range strings.Split(value, ",") {
		chord = strings.TrimSpace(chord)
		if chord == "" {
			continue
		}
		var keys []string
		for _, k := range strings.Split(chord, "+") {
			if k = strings.TrimSpace(k); k == "" {
				return nil, usagef("config: empty key in hotkey %q", chord)
			}
			keys = append(keys, k)
		}
		combos = append(combos, protocol.HotkeyCombination{Keys: keys})
	}
	return combos, nil
}

func hotkeyList(combos []protocol.HotkeyCombination) []string {
	out := make([]string, 0, len(combos))
	for _, c := range combos {
		out = append(out, c.Display())
	}
	return out
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "on", "yes", "1":
		return true, nil
	case "false", "off", "no", "0":
		return false, nil
	}
	return false, usagef("invalid boolean %q", s)
}

// transcribe starts capture and streams events until interrupted, the
// service shuts down, or the connection drops. Capture is stopped on the way
// out unless the service is already gone.
func (a *app) transcribe(ctx context.Context, args []string) error {
	fs := subFlags("transcribe")
	source1 := fs.String("source1", "", "primary device id")
	source2 := fs.String("source2", "", "secondary device id (system audio or second input)")
	mode := fs.String("mode", "", "recording mode: mixed or echo_cancel")
	aec := fs.Bool("aec", false, "enable echo cancellation")
	if err := parseSub(fs, args, 0); err != nil {
		return err
	}
	if *source1 == "" && *source2 == "" {
		return usagef("transcribe: at least one of --source1 or --source2 is required")
	}
	if *mode != "" {
		if _, err := protocol.ParseRecordingMode(*mode); err != nil {
			return usageError{msg: err.Error()}
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	c, err := a.connect(dialCtx)
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	setup := []protocol.Request{{Type: protocol.ReqSubscribeEvents}}
	if *mode != "" {
		setup = append(setup, protocol.Request{Type: protocol.ReqSetRecordingMode, Mode: *mode})
	}
	if *aec {
		enabled := true
		setup = append(setup, protocol.Request{Type: protocol.ReqSetAecEnabled, Enabled: &enabled})
	}
	setup = append(setup, protocol.Request{
		Type:      protocol.ReqSetSources,
		Source1ID: protocol.StrPtr(*source1),
		Source2ID: protocol.StrPtr(*source2),
	})
	for _, req := range setup {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		_, err := roundTrip(reqCtx, c, req)
		cancel()
		if err != nil {
			return fmt.Errorf("%s: %w", req.Type, err)
		}
	}

	// A stop for a previous session can arrive before our own start.
	started := false
	for {
		select {
		case evt, ok := <-c.Events():
			if !ok {
				return errors.New("connection to service lost")
			}
			if evt.Type == protocol.EventCaptureStateChanged && evt.Capturing != nil && !started {
				if !*evt.Capturing {
					continue
				}
				started = true
			}
			if err := a.out.event(evt); err != nil {
				return err
			}
			switch {
			case evt.Type == protocol.EventShutdown:
				return nil
			case evt.Type == protocol.EventCaptureStateChanged && evt.Capturing != nil && !*evt.Capturing:
				if evt.Error != nil {
					return fmt.Errorf("capture stopped: %s", *evt.Error)
				}
				return nil
			}
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			_, err := roundTrip(stopCtx, c, protocol.Request{Type: protocol.ReqSetSources})
			return err
		}
	}
}
