//go:build cgo

// Package hook feeds global keyboard events into a hotkey Tracker.
package hook

import (
	"context"
	"log/slog"

	"github.com/loqalabs/flowstt/internal/hotkey"
	gohook "github.com/robotn/gohook"
)

// Run forwards key events to tracker until ctx is done.
func Run(ctx context.Context, tracker *hotkey.Tracker, logger *slog.Logger) error {
	log := logger.With(slog.String("component", "hotkey.hook"))
	events := gohook.Start()
	defer gohook.End()
	log.Info("global key hook started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			name := keyName(ev)
			if name == "" {
				continue
			}
			switch ev.Kind {
			case gohook.KeyDown, gohook.KeyHold:
				tracker.Press(name)
			case gohook.KeyUp:
				tracker.Release(name)
			}
		}
	}
}

// keyName resolves the normalized name of a key event, or "" when the event
// carries neither a known raw code nor a character. Raw code 0 is gohook's
// error entry.
func keyName(ev gohook.Event) string {
	if ev.Rawcode != 0 {
		if name := gohook.RawcodetoKeychar(ev.Rawcode); name != "" {
			return hotkey.Normalize(name)
		}
	}
	if ev.Keychar != 0 && ev.Keychar != gohook.CharUndefined {
		return hotkey.Normalize(string(ev.Keychar))
	}
	return ""
}
