package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/flowstt/internal/broadcast"
	"github.com/loqalabs/flowstt/internal/protocol"
)

const (
	recorderBuffer = 1024
	writeTimeout   = 5 * time.Second
)

// StatusSource resolves the sources of the session being recorded.
type StatusSource interface {
	Snapshot() protocol.TranscribeStatus
}

// Recorder persists hub events that belong to a capture session.
type Recorder struct {
	store  *Store
	status StatusSource
	sub    *broadcast.Subscription
	log    *slog.Logger
	done   chan struct{}
}

func StartRecorder(store *Store, hub *broadcast.Hub, status StatusSource) *Recorder {
	r := &Recorder{
		store:  store,
		status: status,
		sub:    hub.SubscribeBuffered("eventstore", recorderBuffer),
		log:    store.log,
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for evt := range r.sub.Events() {
		if evt.SessionID == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.record(ctx, evt); err != nil {
			r.log.Warn("failed to record event",
				slog.String("type", string(evt.Type)),
				slog.String("session_id", evt.SessionID),
				slog.String("error", err.Error()))
		}
		cancel()
	}
	if r.sub.Dropped() {
		r.log.Warn("event recorder fell behind and was detached")
	}
}

func (r *Recorder) record(ctx context.Context, evt protocol.Event) error {
	if evt.Type == protocol.EventCaptureStateChanged && evt.Capturing != nil {
		if *evt.Capturing {
			var source1, source2 string
			if r.status != nil {
				if snap := r.status.Snapshot(); snap.SessionID == evt.SessionID {
					source1, source2 = protocol.Deref(snap.Source1ID), protocol.Deref(snap.Source2ID)
				}
			}
			if err := r.store.AppendSession(ctx, evt.SessionID, source1, source2); err != nil {
				return err
			}
		}
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	seq := evt.Sequence
	if evt.Result != nil {
		seq = evt.Result.Sequence
	}
	if err := r.store.AppendEvent(ctx, Event{SessionID: evt.SessionID, Type: string(evt.Type), Sequence: seq, Payload: payload}); err != nil {
		return err
	}

	if evt.Type == protocol.EventCaptureStateChanged && evt.Capturing != nil && !*evt.Capturing {
		return r.store.EndSession(ctx, evt.SessionID, protocol.Deref(evt.Error))
	}
	return nil
}

// Close detaches from the hub and waits for queued events to be written.
func (r *Recorder) Close() {
	r.sub.Close()
	<-r.done
}
