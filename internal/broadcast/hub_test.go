package broadcast

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/flowstt/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func drain(sub *Subscription) []protocol.Event {
	var out []protocol.Event
	for evt := range sub.Events() {
		out = append(out, evt)
	}
	return out
}

func TestHubBroadcastsToEverySubscriber(t *testing.T) {
	h := NewHub(8, newLogger())
	a := h.Subscribe("a")
	b := h.Subscribe("b")

	h.Publish(protocol.SpeechStarted("s1"))
	h.Publish(protocol.SpeechEnded("s1", 1500))
	final := protocol.ShutdownEvent()
	h.Close(&final)

	for _, sub := range []*Subscription{a, b} {
		events := drain(sub)
		if len(events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(events))
		}
		if events[0].Type != protocol.EventSpeechStarted || events[1].Type != protocol.EventSpeechEnded || events[2].Type != protocol.EventShutdown {
			t.Fatalf("unexpected order %+v", events)
		}
	}
}

func TestHubDropsSlowSubscriberWithoutBlocking(t *testing.T) {
	h := NewHub(2, newLogger())
	slow := h.Subscribe("slow")
	fast := h.Subscribe("fast")

	got := 0
	for i := 0; i < 10; i++ {
		h.Publish(protocol.SpeechStarted("s1"))
		select {
		case <-fast.Events():
			got++
		default:
			t.Fatalf("fast subscriber missed event %d", i)
		}
	}
	if got != 10 {
		t.Fatalf("expected fast subscriber to receive 10 events, got %d", got)
	}
	if !slow.Dropped() {
		t.Fatalf("expected slow subscriber to be dropped")
	}
	if n := len(drain(slow)); n != 2 {
		t.Fatalf("expected slow subscriber to keep its 2 queued events, got %d", n)
	}
	if h.Len() != 1 {
		t.Fatalf("expected one live subscriber, got %d", h.Len())
	}
}

func TestShutdownReachesFullSubscriber(t *testing.T) {
	h := NewHub(1, newLogger())
	sub := h.Subscribe("full")
	h.Publish(protocol.SpeechStarted("s1"))
	final := protocol.ShutdownEvent()
	h.Close(&final)

	events := drain(sub)
	if len(events) != 2 || events[1].Type != protocol.EventShutdown {
		t.Fatalf("expected queued event then shutdown, got %+v", events)
	}
}

func TestUnsubscribeAndLateSubscribe(t *testing.T) {
	h := NewHub(4, newLogger())
	sub := h.Subscribe("x")
	sub.Close()
	sub.Close()
	h.Publish(protocol.SpeechStarted("s1"))
	if n := len(drain(sub)); n != 0 {
		t.Fatalf("expected no events after unsubscribe, got %d", n)
	}

	h.Close(nil)
	late := h.Subscribe("late")
	if _, ok := <-late.Events(); ok {
		t.Fatalf("expected closed channel for subscription on closed hub")
	}
	late.Close()
}
