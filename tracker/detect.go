package tracker

import (
	"time"

	"github.com/onnwee/streamwatch/holodex"
)

// Detect compares a raw listing entry against the last-known record and
// returns the transition it implies, or nil. Pure: no side effects, no clock
// reads, deterministic given the same inputs, at most one event per record
// per cycle. Feeding the same snapshot twice yields nil on the second pass
// because the stored record already reflects it.
func Detect(old *StreamRecord, entry holodex.Video, now time.Time) *TransitionEvent {
	observed := derivedStatus(entry)

	if old == nil {
		// First observation. An entry already past its lifetime produces no
		// event; there is nothing to notify about.
		if observed == StatusEnded {
			return nil
		}
		return &TransitionEvent{StreamID: entry.ID, OldStatus: StatusNone, NewStatus: observed, ObservedAt: now}
	}

	// Terminal status never regresses, whatever the snapshot claims.
	if old.Status.Terminal() {
		return nil
	}

	if observed != old.Status {
		return &TransitionEvent{
			StreamID:   old.ID,
			OldStatus:  old.Status,
			NewStatus:  observed,
			ObservedAt: now,
		}
	}

	// Same status; the only notify-worthy change while Scheduled is the start
	// time moving.
	if observed == StatusScheduled {
		newStart := scheduledStart(entry)
		if newStart != nil && old.ScheduledStart != nil && !newStart.Equal(*old.ScheduledStart) {
			return &TransitionEvent{
				StreamID:          old.ID,
				OldStatus:         StatusScheduled,
				NewStatus:         StatusScheduled,
				ObservedAt:        now,
				NewScheduledStart: newStart,
			}
		}
	}

	return nil
}

// DetectMissing returns the event for a tracked record whose id vanished from
// the listing without an observed end. Terminal and already-missing records
// produce nothing.
func DetectMissing(old *StreamRecord, now time.Time) *TransitionEvent {
	if old == nil || old.Status.Terminal() || old.Status == StatusMissing {
		return nil
	}
	return &TransitionEvent{
		StreamID:   old.ID,
		OldStatus:  old.Status,
		NewStatus:  StatusMissing,
		ObservedAt: now,
	}
}
