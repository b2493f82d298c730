package audio

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	in := []float32{0, 0.5, -0.5, 1, -1, 0.25}
	if err := WriteWAV(f, in, TargetRate); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = f.Close()

	f, err = os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	out, rate, err := ReadWAV(f)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rate != TargetRate {
		t.Fatalf("expected rate %d, got %d", TargetRate, rate)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d samples, got %d", len(in), len(out))
	}
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1e-3 {
			t.Fatalf("sample %d: expected %v, got %v", i, in[i], out[i])
		}
	}
}
