// Package progress carries crawl and download progress from background work to whoever is
// watching: nobody, a callback, or a bounded queue drained by a streaming response.
package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"PenaltyScanner/internal/domain"
)

// EventType names the event kinds of the progress stream.
type EventType string

const (
	EventStart    EventType = "start"
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one progress notification.
type Event struct {
	Type    EventType           `json:"type"`
	Current int                 `json:"current,omitempty"`
	Total   int                 `json:"total,omitempty"`
	Percent float64             `json:"percent,omitempty"`
	Message string              `json:"message,omitempty"`
	Counts  *domain.BatchResult `json:"counts,omitempty"`
	At      time.Time           `json:"at"`
}

// Terminal reports whether no further events follow.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// Sink receives progress events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(Event)
}

// Start, Step, Complete and Fail are convenience constructors.
func Start(total int, msg string) Event {
	return Event{Type: EventStart, Total: total, Message: msg, At: time.Now()}
}

func Step(current, total int, msg string) Event {
	e := Event{Type: EventProgress, Current: current, Total: total, Message: msg, At: time.Now()}
	if total > 0 {
		e.Percent = float64(current) * 100 / float64(total)
	}
	return e
}

func Complete(counts domain.BatchResult, msg string) Event {
	return Event{Type: EventComplete, Counts: &counts, Message: msg, Percent: 100, At: time.Now()}
}

func Fail(err error) Event {
	return Event{Type: EventError, Message: err.Error(), At: time.Now()}
}

type nop struct{}

func (nop) Emit(Event) {}

// Nop discards every event.
func Nop() Sink { return nop{} }

// OrNop returns s, or a no-op sink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return nop{}
	}
	return s
}

// Func adapts a callback to a Sink.
type Func func(Event)

func (f Func) Emit(e Event) {
	if f != nil {
		f(e)
	}
}

// ReadStatus is the outcome of Queue.Read.
type ReadStatus int

const (
	Received ReadStatus = iota
	TimedOut
	Closed
)

// Queue is a bounded hand-off between a producer and one streaming consumer.
// Intermediate progress events are dropped when the queue is full; terminal events wait for
// room unless the consumer has gone away.
type Queue struct {
	ch      chan Event
	gone    chan struct{}
	mu      sync.RWMutex
	closed  bool
	once    sync.Once
	dropped atomic.Int64
}

// NewQueue creates a queue holding at most size pending events.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 16
	}
	return &Queue{ch: make(chan Event, size), gone: make(chan struct{})}
}

func (q *Queue) Emit(e Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	if e.Terminal() {
		select {
		case q.ch <- e:
		case <-q.gone:
		}
		return
	}
	select {
	case q.ch <- e:
	case <-q.gone:
	default:
		q.dropped.Add(1)
	}
}

// Close is called by the producer once it will emit nothing more.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Abandon is called by the consumer when it stops reading.
func (q *Queue) Abandon() {
	q.once.Do(func() { close(q.gone) })
}

// Dropped reports how many intermediate events were discarded.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Read waits up to timeout for the next event.
func (q *Queue) Read(ctx context.Context, timeout time.Duration) (Event, ReadStatus) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case e, ok := <-q.ch:
		if !ok {
			return Event{}, Closed
		}
		return e, Received
	case <-timer.C:
		return Event{}, TimedOut
	case <-ctx.Done():
		return Event{}, Closed
	}
}

// Broadcaster fans events out to any number of subscribers and remembers the last terminal
// event so late subscribers still see how the work ended.
type Broadcaster struct {
	mu       sync.Mutex
	subs     map[*Queue]struct{}
	terminal *Event
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Queue]struct{})}
}

func (b *Broadcaster) Emit(e Event) {
	b.mu.Lock()
	subs := make([]*Queue, 0, len(b.subs))
	for q := range b.subs {
		subs = append(subs, q)
	}
	if e.Terminal() {
		ev := e
		b.terminal = &ev
		b.subs = make(map[*Queue]struct{})
	}
	b.mu.Unlock()

	for _, q := range subs {
		q.Emit(e)
		if e.Terminal() {
			q.Close()
		}
	}
}

// Subscribe returns a queue receiving all future events.
func (b *Broadcaster) Subscribe(size int) *Queue {
	q := NewQueue(size)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal != nil {
		q.Emit(*b.terminal)
		q.Close()
		return q
	}
	b.subs[q] = struct{}{}
	return q
}

// Unsubscribe detaches and abandons q.
func (b *Broadcaster) Unsubscribe(q *Queue) {
	b.mu.Lock()
	delete(b.subs, q)
	b.mu.Unlock()
	q.Abandon()
}

// Close ends every subscription without a terminal event.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Queue]struct{})
	b.mu.Unlock()
	for q := range subs {
		q.Close()
	}
}

// Multi forwards events to several sinks.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}
