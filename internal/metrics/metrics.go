// Package metrics implements the session's metrics sink: a type owned by
// the session that mirrors every event to metrics.ndjson and to a small
// set of live prometheus collectors, so a running session can be scraped
// without tailing files.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilnforge/engine/internal/sidecar"
)

// Event is one line of the metrics.ndjson stream.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	System    string         `json:"system"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
}

const ndjsonFile = "metrics.ndjson"

// flushEvery is how many buffered events trigger an automatic flush.
const flushEvery = 50

// Sink is the session-owned metrics destination. It is not safe for
// concurrent use from multiple goroutines without external
// synchronization; the Cycle Engine serializes access to it the same way
// it serializes sidecar writes.
type Sink struct {
	sidecar *sidecar.Store
	buf     []Event

	cyclesTotal   prometheus.Counter
	prsCreated    prometheus.Counter
	spindleAborts prometheus.Counter
	ticketsByStat *prometheus.CounterVec
	registry      *prometheus.Registry
}

// NewSink constructs a Sink backed by the given sidecar store, registering
// its own private prometheus registry (so multiple sessions in a test
// binary do not collide on the default global registry).
func NewSink(sc *sidecar.Store) *Sink {
	reg := prometheus.NewRegistry()
	s := &Sink{
		sidecar: sc,
		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_cycles_total",
			Help: "Total cycles run by the cycle engine.",
		}),
		prsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_prs_created_total",
			Help: "Total pull requests created.",
		}),
		spindleAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_spindle_aborts_total",
			Help: "Total spindle aborts across all runs.",
		}),
		ticketsByStat: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_tickets_total",
			Help: "Tickets processed, labeled by terminal status.",
		}, []string{"status"}),
		registry: reg,
	}
	reg.MustRegister(s.cyclesTotal, s.prsCreated, s.spindleAborts, s.ticketsByStat)
	return s
}

// Registry exposes the private prometheus registry for an HTTP /metrics
// handler wired up outside the core.
func (s *Sink) Registry() *prometheus.Registry { return s.registry }

// Record buffers one event, mirroring it into the matching prometheus
// collector, and flushes to disk every flushEvery events.
func (s *Sink) Record(system, event string, data map[string]any) {
	s.buf = append(s.buf, Event{Timestamp: time.Now(), System: system, Event: event, Data: data})

	switch event {
	case "cycle_started":
		s.cyclesTotal.Inc()
	case "pr_created":
		s.prsCreated.Inc()
	case "spindle_abort":
		s.spindleAborts.Inc()
	case "ticket_terminal":
		if status, ok := data["status"].(string); ok {
			s.ticketsByStat.WithLabelValues(status).Inc()
		}
	}

	if len(s.buf) >= flushEvery {
		_ = s.Flush()
	}
}

// Flush appends all buffered events to metrics.ndjson and clears the
// buffer, succeeding or failing as a unit per event (a failed append
// leaves the event in the buffer for the next attempt).
func (s *Sink) Flush() error {
	for i, ev := range s.buf {
		if err := s.sidecar.AppendNDJSON(ndjsonFile, ev); err != nil {
			s.buf = s.buf[i:]
			return err
		}
	}
	s.buf = s.buf[:0]
	return nil
}

// Close flushes any buffered events. Safe to call multiple times.
func (s *Sink) Close() error {
	return s.Flush()
}
