package eventbus

import (
	"testing"
)

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()

	b := New()
	uploads, unsubUploads := b.Subscribe(4, "upload.")
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: "upload.published", Data: 1})
	b.Publish(Event{Type: "notifier.sent"})

	if got := len(uploads); got != 1 {
		t.Fatalf("upload subscriber got %d events, want 1", got)
	}
	if got := len(all); got != 2 {
		t.Fatalf("catch-all subscriber got %d events, want 2", got)
	}
	ev := <-uploads
	if ev.Type != "upload.published" || ev.Time.IsZero() {
		t.Fatalf("event = %+v, want upload.published with time", ev)
	}

	unsubUploads()
	unsubUploads()
	if _, ok := <-uploads; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	b.Publish(Event{Type: "upload.failed"})
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
}
