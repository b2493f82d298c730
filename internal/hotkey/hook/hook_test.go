//go:build cgo

package hook

import (
	"testing"

	gohook "github.com/robotn/gohook"
)

func TestKeyName(t *testing.T) {
	cases := []struct {
		name string
		ev   gohook.Event
		want string
	}{
		{"raw code", gohook.Event{Rawcode: 17, Keychar: gohook.CharUndefined}, "ctrl"},
		{"raw code alias", gohook.Event{Rawcode: 32, Keychar: gohook.CharUndefined}, "space"},
		{"raw code wins over char", gohook.Event{Rawcode: 65, Keychar: 'A'}, "a"},
		{"char fallback", gohook.Event{Keychar: 'X'}, "x"},
		{"space char", gohook.Event{Keychar: ' '}, "space"},
		{"unmapped raw code falls back to char", gohook.Event{Rawcode: 60000, Keychar: 'q'}, "q"},
		{"undefined char", gohook.Event{Keychar: gohook.CharUndefined}, ""},
		{"empty event", gohook.Event{}, ""},
		{"unmapped raw code without char", gohook.Event{Rawcode: 60000}, ""},
	}
	for _, tc := range cases {
		if got := keyName(tc.ev); got != tc.want {
			t.Fatalf("%s: keyName(%+v) = %q, want %q", tc.name, tc.ev, got, tc.want)
		}
	}
}
