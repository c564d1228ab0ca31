package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultQueueSize bounds the number of events buffered for the sinks.
const DefaultQueueSize = 256

// Journal fans events out to sinks from a single background worker so a
// slow sink never blocks the caller. When the queue is full the event is
// dropped and counted.
type Journal struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	dropped uint64
}

func NewJournal(log *slog.Logger, sinks ...Sink) *Journal {
	if log == nil {
		log = slog.Default()
	}
	return &Journal{
		sinks:   append([]Sink(nil), sinks...),
		queue:   make(chan Event, DefaultQueueSize),
		timeout: 5 * time.Second,
		log:     log,
	}
}

// Record enqueues e. It never blocks. A nil Journal discards everything.
func (j *Journal) Record(e Event) {
	if j == nil || len(j.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	select {
	case j.queue <- e:
	default:
		j.mu.Lock()
		j.dropped++
		n := j.dropped
		j.mu.Unlock()
		j.log.Warn("history queue full, event dropped", "service", e.Record.Service, "type", e.Type, "dropped", n)
	}
}

// Dropped returns how many events were discarded on a full queue.
func (j *Journal) Dropped() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

// Run delivers queued events until ctx is done, then drains what is left.
func (j *Journal) Run(ctx context.Context) {
	for {
		select {
		case e := <-j.queue:
			j.deliver(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-j.queue:
					j.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) deliver(e Event) {
	for _, s := range j.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		if err := s.Send(ctx, e); err != nil {
			j.log.Debug("history sink send failed", "service", e.Record.Service, "type", e.Type, "error", err)
		}
		cancel()
	}
}

// Close closes every sink that implements io.Closer.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	for _, s := range j.sinks {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return nil
}
