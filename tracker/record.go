// Package tracker implements the stream lifecycle engine: an authoritative
// store of per-stream state, a pure transition detector, a polling loop
// against the upstream video API, and a dispatcher that turns transitions
// into idempotent chat-platform side effects.
package tracker

import (
	"strings"
	"time"

	"github.com/onnwee/streamwatch/holodex"
)

// Status is the lifecycle state of a tracked stream.
type Status string

const (
	// StatusNone is the old status of a record observed for the first time.
	StatusNone Status = ""
	// StatusScheduled means a start time is announced but the stream has not begun.
	StatusScheduled Status = "scheduled"
	// StatusLive means the stream has started and not yet ended.
	StatusLive Status = "live"
	// StatusEnded is terminal: the upstream reported an actual end time.
	StatusEnded Status = "ended"
	// StatusMissing means a previously tracked, non-terminal stream stopped
	// appearing in listings without ever reporting an end. Not terminal: the
	// id may reappear and resume its lifecycle.
	StatusMissing Status = "missing"
)

// Terminal reports whether no further lifecycle progress is expected.
func (s Status) Terminal() bool { return s == StatusEnded }

// StreamRecord is the authoritative state for one tracked broadcast. It is
// owned by the Store and mutated only through its update API. The side-effect
// markers (ChatChannelID, AlertMessageID, ScheduleAlertedFor, Archived) are
// the sole dedup mechanism across restarts.
type StreamRecord struct {
	ID       string
	TalentID string
	Title    string
	URL      string

	Status         Status
	ScheduledStart *time.Time
	ActualStart    *time.Time
	ActualEnd      *time.Time
	LastSeenAt     time.Time

	ChatChannelID      string
	AlertMessageID     string
	ScheduleAlertedFor *time.Time
	Archived           bool

	// FailedActions lists actions that hit a permanent error and will not be
	// retried automatically, comma separated.
	FailedActions string
}

// ActionFailed reports whether the named action was flagged as permanently failed.
func (r *StreamRecord) ActionFailed(action string) bool {
	if r.FailedActions == "" {
		return false
	}
	for _, a := range strings.Split(r.FailedActions, ",") {
		if a == action {
			return true
		}
	}
	return false
}

// MarkActionFailed flags the named action; repeated calls are no-ops.
func (r *StreamRecord) MarkActionFailed(action string) {
	if r.ActionFailed(action) {
		return
	}
	if r.FailedActions == "" {
		r.FailedActions = action
		return
	}
	r.FailedActions += "," + action
}

// TransitionEvent is the ephemeral detector output consumed by the
// dispatcher. It is never persisted; restart recovery relies on the record
// markers instead.
type TransitionEvent struct {
	StreamID   string
	OldStatus  Status
	NewStatus  Status
	ObservedAt time.Time

	// NewScheduledStart is set on a schedule change while still Scheduled
	// (OldStatus == NewStatus == StatusScheduled).
	NewScheduledStart *time.Time
}

// Rescheduled reports whether the event is a schedule change rather than a
// status transition.
func (e TransitionEvent) Rescheduled() bool {
	return e.OldStatus == StatusScheduled && e.NewStatus == StatusScheduled && e.NewScheduledStart != nil
}

// derivedStatus maps a raw listing entry onto a lifecycle status. An actual
// end is authoritative and wins over any conflicting transient field in the
// same snapshot.
func derivedStatus(v holodex.Video) Status {
	switch {
	case v.EndActual != nil:
		return StatusEnded
	case v.StartActual != nil:
		return StatusLive
	default:
		return StatusScheduled
	}
}

// scheduledStart extracts the announced start, falling back to the
// availability timestamp when the upstream omits one.
func scheduledStart(v holodex.Video) *time.Time {
	if v.StartScheduled != nil {
		return v.StartScheduled
	}
	return v.AvailableAt
}
