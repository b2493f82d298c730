package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/loqalabs/flowstt/internal/protocol"
	"gopkg.in/yaml.v3"
)

// DefaultSettings are used when no settings file exists yet.
func DefaultSettings() protocol.ConfigValues {
	return protocol.ConfigValues{
		TranscriptionMode: protocol.ModeAutomatic,
		PTTHotkeys: []protocol.HotkeyCombination{
			{Keys: []string{"ctrl", "alt", "space"}},
		},
		AutoPasteEnabled: true,
		AutoPasteDelayMS: 50,
	}
}

// LoadSettings reads the user settings file. A missing file yields defaults.
func LoadSettings(path string) (protocol.ConfigValues, error) {
	values := DefaultSettings()
	if path == "" {
		return values, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return values, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return values, fmt.Errorf("parse settings: %w", err)
	}
	if _, err := protocol.ParseTranscriptionMode(string(values.TranscriptionMode)); err != nil {
		return values, fmt.Errorf("parse settings: %w", err)
	}
	if values.AutoPasteDelayMS < 0 {
		return values, fmt.Errorf("parse settings: auto_paste_delay_ms must be >= 0")
	}
	return values, nil
}

// SaveSettings writes values atomically next to path.
func SaveSettings(path string, values protocol.ConfigValues) error {
	if path == "" {
		return nil
	}
	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
