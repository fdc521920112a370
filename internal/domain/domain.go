package domain

import "fmt"

// Tracked event lifecycle states.
const (
	TrackedActive           = "active"
	TrackedMissing          = "missing"
	TrackedDeletedConfirmed = "deleted_confirmed"
	TrackedSuppressed       = "suppressed"
)

// Action statuses.
const (
	ActionPlanned  = "planned"
	ActionPending  = "pending"
	ActionPaused   = "paused"
	ActionFired    = "fired"
	ActionCanceled = "canceled"
	ActionDone     = "done"
)

// Action types.
const (
	TypeReminder      = "reminder"
	TypePrep          = "prep"
	TypeBuffer        = "buffer"
	TypeDebrief       = "debrief"
	TypeConfirmDelete = "confirm_delete"
)

// Link relationships.
const (
	RelReminderFor      = "reminder_for"
	RelPrepFor          = "prep_for"
	RelBufferAfter      = "buffer_after"
	RelDebriefFor       = "debrief_for"
	RelConfirmDeleteFor = "confirm_delete_for"
)

// Suppression scopes. Scope "event" is permanent; scope "cooldown" carries an
// expiry timestamp in CreatedTS and only defers the next confirm-delete prompt.
const (
	ScopeEvent    = "event"
	ScopeCooldown = "cooldown"
)

// TrackedEvent is a remote calendar entry the engine watches. The UID is a
// pure function of (backend, calendar, remote event id), so re-ingesting the
// same remote event can never create a second row.
type TrackedEvent struct {
	UID          string `json:"uid"`
	Backend      string `json:"backend"`
	CalendarID   string `json:"calendar_id"`
	EventID      string `json:"event_id"`
	Fingerprint  string `json:"fingerprint,omitempty"`
	Title        string `json:"title"`
	StartTS      int64  `json:"start_ts"`
	EndTS        int64  `json:"end_ts"`
	LastSeenTS   int64  `json:"last_seen_ts"`
	MissingCount int    `json:"missing_count"`
	State        string `json:"state" enum:"active,missing,deleted_confirmed,suppressed"`
}

// Action is an agent-created calendar entry representing a scheduled side
// effect. EventID is the remote calendar id; it is empty for dry-run actions.
type Action struct {
	UID         string `json:"uid"`
	Backend     string `json:"backend"`
	CalendarID  string `json:"calendar_id"`
	EventID     string `json:"event_id,omitempty"`
	Type        string `json:"type"`
	Status      string `json:"status" enum:"planned,pending,paused,fired,canceled,done"`
	DueTS       int64  `json:"due_ts"`
	StartTS     int64  `json:"start_ts"`
	EndTS       int64  `json:"end_ts"`
	LastFiredTS int64  `json:"last_fired_ts,omitempty"`
}

// Link is a typed edge from one tracked event to one action.
type Link struct {
	UID          string `json:"uid"`
	TrackedUID   string `json:"tracked_uid"`
	ActionUID    string `json:"action_uid"`
	Relationship string `json:"relationship"`
	CreatedTS    int64  `json:"created_ts"`
}

type Suppression struct {
	Scope     string `json:"scope"`
	Key       string `json:"key"`
	CreatedTS int64  `json:"created_ts"`
}

// SentRecord marks that the side effect for (action uid, due ts) already
// happened. Presence alone is the exactly-once guard.
type SentRecord struct {
	Key    string `json:"key"`
	SentTS int64  `json:"sent_ts"`
}

// Terminal reports whether an action status accepts no further transitions.
func Terminal(status string) bool {
	return status == ActionCanceled || status == ActionDone
}

// Live reports whether an action still counts against the
// one-live-action-per-type rule: anything not canceled and not done.
func Live(status string) bool {
	return !Terminal(status)
}

// EnsureTrackedTransition validates a tracked event state change. Transitions
// are monotonic except missing -> active, which a reseen poll triggers.
func EnsureTrackedTransition(oldState, newState string) error {
	if oldState == newState {
		return nil
	}
	switch oldState {
	case TrackedActive:
		if newState == TrackedMissing || newState == TrackedSuppressed {
			return nil
		}
	case TrackedMissing:
		if newState == TrackedActive || newState == TrackedDeletedConfirmed || newState == TrackedSuppressed {
			return nil
		}
	}
	return fmt.Errorf("invalid tracked event transition %s -> %s", oldState, newState)
}

// EnsureActionTransition validates an action status change.
func EnsureActionTransition(oldStatus, newStatus string) error {
	if oldStatus == newStatus {
		return nil
	}
	switch oldStatus {
	case ActionPlanned, ActionPending:
		switch newStatus {
		case ActionPlanned, ActionPending, ActionFired, ActionPaused, ActionCanceled, ActionDone:
			return nil
		}
	case ActionPaused:
		if newStatus == ActionPending || newStatus == ActionCanceled || newStatus == ActionDone {
			return nil
		}
	case ActionFired:
		if newStatus == ActionDone || newStatus == ActionCanceled {
			return nil
		}
	}
	return fmt.Errorf("invalid action status transition %s -> %s", oldStatus, newStatus)
}
