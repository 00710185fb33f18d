package events

import "time"

// Stage buffers events emitted during a single state transition. Commit
// flushes them to the underlying sink in emission order; Abort discards
// them. Subscribers therefore observe either every event of a transition
// or none of them.
//
// A Stage is not safe for concurrent use. Callers hold the state machine
// lock for the duration of the transition.
type Stage struct {
	sink    Sink
	pending []Event
}

// NewStage creates a stage that flushes into sink on Commit.
func NewStage(sink Sink) *Stage {
	if sink == nil {
		sink = NoOpLogger{}
	}
	return &Stage{sink: sink}
}

// Log buffers the event. Timestamps and IDs are assigned at emission time so
// the committed order matches the order the transition produced them in.
func (s *Stage) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = generateEventID()
	}
	s.pending = append(s.pending, event)
}

// Commit flushes all buffered events to the sink and empties the stage.
func (s *Stage) Commit() {
	for _, e := range s.pending {
		s.sink.Log(e)
	}
	s.pending = nil
}

// Abort discards all buffered events.
func (s *Stage) Abort() {
	s.pending = nil
}

// Pending returns the number of buffered events.
func (s *Stage) Pending() int {
	return len(s.pending)
}
