package testutil

import (
	"context"
	"sync"

	"github.com/vk/stagegrid/internal/notify"
)

// RecordingNotifier keeps every event it receives.
type RecordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *RecordingNotifier) Notify(_ context.Context, e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Names returns the event names in arrival order.
func (r *RecordingNotifier) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

// Events returns a copy of the received events.
func (r *RecordingNotifier) Events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}
