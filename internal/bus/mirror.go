package bus

import (
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/flowstt/internal/broadcast"
	"github.com/loqalabs/flowstt/internal/protocol"
)

const mirrorBuffer = 1024

// Mirror republishes every hub event on <prefix>.<event type> and every
// successful transcription on the shared final-transcript subject.
type Mirror struct {
	client *Client
	sub    *broadcast.Subscription
	log    *slog.Logger
	done   chan struct{}
}

func StartMirror(client *Client, hub *broadcast.Hub) *Mirror {
	m := &Mirror{
		client: client,
		sub:    hub.SubscribeBuffered("bus-mirror", mirrorBuffer),
		log:    client.Logger().With(slog.String("component", "bus.mirror")),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Mirror) run() {
	defer close(m.done)
	for evt := range m.sub.Events() {
		m.publish(evt)
	}
	if m.sub.Dropped() {
		m.log.Warn("bus mirror fell behind and was detached")
	}
	if err := m.client.Conn().Flush(); err != nil {
		m.log.Debug("flush failed", slog.String("error", err.Error()))
	}
}

func (m *Mirror) publish(evt protocol.Event) {
	m.send(m.client.prefix+"."+string(evt.Type), evt)
	if evt.Type != protocol.EventTranscriptionComplete || evt.Result == nil {
		return
	}
	r := evt.Result
	if r.Error != "" || r.Text == "" {
		return
	}
	m.send(protocol.SubjectTranscriptFinal, protocol.Transcript{
		SessionID: r.SessionID,
		Text:      r.Text,
		Partial:   false,
		Timestamp: r.CompletedAt,
		Sequence:  r.Sequence,
	})
}

func (m *Mirror) send(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.log.Warn("failed to marshal bus message", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := m.client.Conn().Publish(subject, data); err != nil {
		m.log.Warn("failed to publish bus message", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// Close detaches from the hub and waits for queued events to be published.
func (m *Mirror) Close() {
	m.sub.Close()
	<-m.done
}
