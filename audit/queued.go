package audit

import (
	"log"
	"sync"
)

// QueuedSink wraps a slow sink in a bounded queue so it cannot stall the
// call path. Events beyond the queue depth are dropped with a log line;
// delivery order is preserved for events that are accepted.
type QueuedSink struct {
	inner  Observer
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// NewQueuedSink starts the delivery goroutine. A non-positive depth
// falls back to 64.
func NewQueuedSink(inner Observer, depth int) *QueuedSink {
	if depth <= 0 {
		depth = 64
	}
	q := &QueuedSink{
		inner:  inner,
		events: make(chan Event, depth),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *QueuedSink) run() {
	defer close(q.done)
	for ev := range q.events {
		if err := q.inner.Observe(ev); err != nil {
			log.Printf("audit: queued sink %T failed: %v", q.inner, err)
		}
	}
}

// Observe enqueues the event without blocking. A full queue drops the
// event rather than stalling the caller.
func (q *QueuedSink) Observe(ev Event) error {
	select {
	case q.events <- ev:
	default:
		log.Printf("audit: queue full, dropping %s event for %q", ev.Kind, ev.Subject)
	}
	return nil
}

// Close stops accepting events and waits for queued deliveries to finish.
func (q *QueuedSink) Close() {
	q.once.Do(func() {
		close(q.events)
		<-q.done
	})
}
