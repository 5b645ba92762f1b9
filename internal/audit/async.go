package audit

import (
	"sync"
	"sync/atomic"
)

// AsyncSink decouples event producers from a possibly slow downstream sink.
// Record enqueues onto a bounded buffer and returns immediately; a single
// worker goroutine drains the buffer into the wrapped sink. When the buffer
// is full the event is dropped and counted; the hot path never waits.
type AsyncSink struct {
	next Sink

	ch      chan Event
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsyncSink wraps next with a buffer of the given size (default 1024).
func NewAsyncSink(next Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &AsyncSink{
		next: next,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for ev := range s.ch {
		s.next.Record(ev)
	}
}

// Record enqueues ev, dropping it if the buffer is full.
func (s *AsyncSink) Record(ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (s *AsyncSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops the worker after draining buffered events. Record calls made
// after Close panic; close only once producers have stopped.
func (s *AsyncSink) Close() {
	s.closeOnce.Do(func() {
		close(s.ch)
		<-s.done
	})
}
