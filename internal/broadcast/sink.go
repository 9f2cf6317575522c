package broadcast

import (
	"time"

	"tgsender/internal/eventbus"
)

// Event types published by BusSink.
const (
	EventProgress       = "broadcast.progress"
	EventRunComplete    = "broadcast.run_complete"
	EventScheduleChange = "broadcast.schedule_change"
	EventPersistFailed  = "storage.persist_failed"
)

// Progress is a point-in-time view of the active run.
type Progress struct {
	RunID     string  `json:"run_id,omitempty"`
	Active    bool    `json:"active"`
	Percent   float64 `json:"percent"`
	Attempted int     `json:"attempted"`
	Eligible  int     `json:"eligible"`
	Total     int     `json:"total"`
}

// ScheduleState reports that the slot was armed or cleared, and why.
type ScheduleState struct {
	Armed  bool                `json:"armed"`
	Due    time.Time           `json:"due,omitempty"`
	Slot   *ScheduledBroadcast `json:"slot,omitempty"`
	Reason string              `json:"reason"`
}

// PersistWarning reports a durable write that failed after the in-memory
// state was already updated.
type PersistWarning struct {
	Key string `json:"key"`
	Err string `json:"err"`
}

// Sink receives engine notifications. Implementations must not block.
type Sink interface {
	OnProgress(p Progress)
	OnRunComplete(r RunRecord)
	OnScheduleChange(c ScheduleState)
	OnPersistFailure(w PersistWarning)
}

type NopSink struct{}

func (NopSink) OnProgress(Progress)             {}
func (NopSink) OnRunComplete(RunRecord)         {}
func (NopSink) OnScheduleChange(ScheduleState)  {}
func (NopSink) OnPersistFailure(PersistWarning) {}

// BusSink forwards notifications to the event bus.
type BusSink struct {
	Bus eventbus.Bus
}

func (s BusSink) OnProgress(p Progress) {
	s.Bus.Publish(eventbus.Event{Type: EventProgress, Data: p})
}

func (s BusSink) OnRunComplete(r RunRecord) {
	s.Bus.Publish(eventbus.Event{Type: EventRunComplete, Data: r})
}

func (s BusSink) OnScheduleChange(c ScheduleState) {
	s.Bus.Publish(eventbus.Event{Type: EventScheduleChange, Data: c})
}

func (s BusSink) OnPersistFailure(w PersistWarning) {
	s.Bus.Publish(eventbus.Event{Type: EventPersistFailed, Data: w})
}
