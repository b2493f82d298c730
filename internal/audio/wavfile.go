package audio

import (
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes mono float samples as 16-bit PCM.
func WriteWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		buffer.Data[i] = int(math.Round(float64(clamp(s)) * math.MaxInt16))
	}

	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// ReadWAV decodes a PCM WAV file into mono float samples.
func ReadWAV(r io.ReadSeeker) ([]float32, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("read wav: invalid file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("read wav: %w", err)
	}
	channels := buf.Format.NumChannels
	scale := float32(int64(1) << (dec.BitDepth - 1))
	interleaved := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		interleaved[i] = float32(v) / scale
	}
	return ToMono(interleaved, channels), buf.Format.SampleRate, nil
}
