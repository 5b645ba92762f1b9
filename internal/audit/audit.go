// Package audit delivers structured lifecycle and lease events.
//
// Sinks are fire-and-forget: Record must never block or fail the
// acquire/release hot path. The pool core emits events; deployments choose
// where they go (logs, object storage, nowhere).
package audit

import (
	"time"

	"github.com/consultra/poolman/internal/logger"
)

// EventType names a lifecycle or lease event.
type EventType string

const (
	EventPoolCreated    EventType = "pool.created"
	EventPoolDestroyed  EventType = "pool.destroyed"
	EventPoolStatus     EventType = "pool.status_changed"
	EventPoolScaled     EventType = "pool.scaled"
	EventLeaseGranted   EventType = "lease.granted"
	EventLeaseReleased  EventType = "lease.released"
	EventLeaseExpired   EventType = "lease.expired"
	EventLeaseForced    EventType = "lease.force_closed"
	EventAcquireTimeout EventType = "acquire.timeout"
	EventAcquireFailed  EventType = "acquire.failed"
	EventShutdownBegin  EventType = "manager.shutdown_begin"
	EventShutdownDone   EventType = "manager.shutdown_done"
)

// Event is one audit record.
type Event struct {
	Type   EventType              `json:"type"`
	At     time.Time              `json:"at"`
	Pool   string                 `json:"pool,omitempty"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// Sink receives audit events. Implementations must not block the caller.
type Sink interface {
	Record(ev Event)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Record(Event) {}

// Tee fans each event out to every sink, in order.
func Tee(sinks ...Sink) Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return teeSink(sinks)
}

type teeSink []Sink

func (t teeSink) Record(ev Event) {
	for _, s := range t {
		s.Record(ev)
	}
}

// LogSink writes each event as one structured log line.
type LogSink struct {
	Log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{Log: log}
}

func (s *LogSink) Record(ev Event) {
	fields := map[string]interface{}{
		"event": string(ev.Type),
		"pool":  ev.Pool,
	}
	for k, v := range ev.Fields {
		fields[k] = v
	}
	s.Log.InfoWith("audit", fields)
}
