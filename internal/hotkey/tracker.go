// Package hotkey turns raw key presses into push-to-talk down/up edges.
package hotkey

import (
	"strings"
	"sync"

	"github.com/loqalabs/flowstt/internal/protocol"
)

var aliases = map[string]string{
	"control": "ctrl", "lctrl": "ctrl", "rctrl": "ctrl", "left ctrl": "ctrl", "right ctrl": "ctrl",
	"lalt": "alt", "ralt": "alt", "option": "alt", "left alt": "alt", "right alt": "alt",
	"lshift": "shift", "rshift": "shift", "left shift": "shift", "right shift": "shift",
	"cmd": "meta", "lcmd": "meta", "rcmd": "meta", "super": "meta", "win": "meta",
	" ": "space", "spacebar": "space",
}

// Normalize maps a key name to the form used in combinations.
func Normalize(key string) string {
	k := strings.ToLower(key)
	if k != " " {
		k = strings.TrimSpace(k)
	}
	if a, ok := aliases[k]; ok {
		return a
	}
	return k
}

// Tracker fires onDown when every key of a configured combination is held
// and onUp when the first of those keys is released.
type Tracker struct {
	mu      sync.Mutex
	combos  []map[string]struct{}
	pressed map[string]struct{}
	active  map[string]struct{}
	onDown  func()
	onUp    func()
}

func NewTracker(onDown, onUp func()) *Tracker {
	return &Tracker{pressed: make(map[string]struct{}), onDown: onDown, onUp: onUp}
}

// SetCombinations replaces the configured chords. An active chord is released.
func (t *Tracker) SetCombinations(combos []protocol.HotkeyCombination) {
	t.mu.Lock()
	t.combos = t.combos[:0]
	for _, c := range combos {
		set := make(map[string]struct{}, len(c.Keys))
		for _, k := range c.Keys {
			if n := Normalize(k); n != "" {
				set[n] = struct{}{}
			}
		}
		if len(set) > 0 {
			t.combos = append(t.combos, set)
		}
	}
	wasActive := t.active != nil
	t.active = nil
	t.mu.Unlock()
	if wasActive && t.onUp != nil {
		t.onUp()
	}
}

func (t *Tracker) Press(key string) {
	k := Normalize(key)
	t.mu.Lock()
	t.pressed[k] = struct{}{}
	fire := false
	if t.active == nil {
		for _, combo := range t.combos {
			if t.holds(combo) {
				t.active = combo
				fire = true
				break
			}
		}
	}
	t.mu.Unlock()
	if fire && t.onDown != nil {
		t.onDown()
	}
}

func (t *Tracker) Release(key string) {
	k := Normalize(key)
	t.mu.Lock()
	delete(t.pressed, k)
	fire := false
	if t.active != nil {
		if _, ok := t.active[k]; ok {
			t.active = nil
			fire = true
		}
	}
	t.mu.Unlock()
	if fire && t.onUp != nil {
		t.onUp()
	}
}

// Active reports whether a chord is currently held.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active != nil
}

func (t *Tracker) holds(combo map[string]struct{}) bool {
	for k := range combo {
		if _, ok := t.pressed[k]; !ok {
			return false
		}
	}
	return true
}
