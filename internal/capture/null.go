package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/loqalabs/flowstt/internal/audio"
	"github.com/loqalabs/flowstt/internal/protocol"
)

// NullBackend has no hardware behind it. Its devices produce audio only when
// batches are injected, which makes it the backend for headless runs and
// tests.
type NullBackend struct {
	mu      sync.Mutex
	devices []protocol.AudioDevice
	streams map[string]*nullStream
}

func NewNullBackend() *NullBackend {
	return &NullBackend{
		devices: []protocol.AudioDevice{
			{ID: "null-input", Name: "Null input", SourceType: protocol.SourceInput},
			{ID: "null-monitor", Name: "Null monitor", SourceType: protocol.SourceSystem},
		},
		streams: make(map[string]*nullStream),
	}
}

// AddDevice registers an extra device.
func (b *NullBackend) AddDevice(d protocol.AudioDevice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = append(b.devices, d)
}

func (b *NullBackend) ListDevices(_ context.Context, kind *protocol.SourceType) ([]protocol.AudioDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return filterDevices(append([]protocol.AudioDevice(nil), b.devices...), kind), nil
}

func (b *NullBackend) Open(_ context.Context, deviceID string, onBatch BatchFunc, onError ErrorFunc) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	known := false
	for _, d := range b.devices {
		if d.ID == deviceID {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("unknown device %q", deviceID)
	}
	if _, busy := b.streams[deviceID]; busy {
		return nil, fmt.Errorf("device %q already open", deviceID)
	}
	s := &nullStream{backend: b, id: deviceID, onBatch: onBatch, onError: onError}
	b.streams[deviceID] = s
	return s, nil
}

// Inject delivers a batch to the open stream of deviceID, as a capture
// callback would. It reports false when no stream is open.
func (b *NullBackend) Inject(deviceID string, batch audio.Batch) bool {
	b.mu.Lock()
	s := b.streams[deviceID]
	b.mu.Unlock()
	if s == nil {
		return false
	}
	s.onBatch(batch)
	return true
}

// Fail ends the open stream of deviceID with err.
func (b *NullBackend) Fail(deviceID string, err error) bool {
	b.mu.Lock()
	s := b.streams[deviceID]
	delete(b.streams, deviceID)
	b.mu.Unlock()
	if s == nil {
		return false
	}
	if s.onError != nil {
		s.onError(err)
	}
	return true
}

// IsOpen reports whether deviceID has an open stream.
func (b *NullBackend) IsOpen(deviceID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.streams[deviceID]
	return ok
}

type nullStream struct {
	backend *NullBackend
	id      string
	onBatch BatchFunc
	onError ErrorFunc
}

func (s *nullStream) Close() error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams[s.id] == s {
		delete(b.streams, s.id)
	}
	return nil
}
