// Package engine runs the reconciliation passes over the link store: plan
// (ingest + disappearance handling + derived-action creation), execute (fire
// due actions exactly once), cleanup (soft-cancel renames + retention purge),
// and the confirm-delete response handlers.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"calwatch/internal/calendar"
	"calwatch/internal/config"
	"calwatch/internal/events"
	"calwatch/internal/notify"
	"calwatch/internal/store"
)

// Fatal preconditions: these abort a phase early. Everything item-scoped is
// counted and skipped instead.
var (
	ErrNoActionCalendar   = errors.New("no action calendar configured")
	ErrBackendUnavailable = errors.New("calendar backend unavailable")
)

type Engine struct {
	DB       *sql.DB
	Store    store.Store
	Events   events.Writer
	Config   *config.Config
	Backend  calendar.Backend
	Notifier notify.Notifier
	// Fallback receives the message when Notifier fails. A failure of both
	// leaves the action unfired so the next tick retries it.
	Fallback notify.Notifier
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, backend calendar.Backend, notifier notify.Notifier) Engine {
	return Engine{
		DB:       db,
		Store:    store.Store{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Backend:  backend,
		Notifier: notifier,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// audit appends to the event log, best effort. An audit failure never aborts
// the pass it describes.
func (e Engine) audit(ctx context.Context, evtType, entityKind, entityID string, payload events.EventPayload) {
	_ = e.Events.Append(ctx, evtType, entityKind, entityID, payload)
}

func (e Engine) checkPreconditions() error {
	if e.Backend == nil {
		return ErrBackendUnavailable
	}
	if e.Config == nil || e.Config.ActionCalendar == "" {
		return ErrNoActionCalendar
	}
	return nil
}

func calendarPatch(title, desc string) calendar.EventPatch {
	return calendar.EventPatch{Title: &title, Description: &desc}
}

func newActionUID() string {
	return uuid.New().String()[:16]
}

func buildMessage(actionType, title string) string {
	switch actionType {
	case "reminder":
		return fmt.Sprintf("Reminder: %s is coming up.", title)
	case "prep":
		return fmt.Sprintf("Prep time for %s is starting.", title)
	case "buffer":
		return fmt.Sprintf("Buffer time after %s. Take a breath.", title)
	case "debrief":
		return fmt.Sprintf("Time to debrief: %s. How did it go?", title)
	case "confirm_delete":
		return fmt.Sprintf("Event '%s' seems to have been deleted from your calendar. Was it removed intentionally?", title)
	default:
		return fmt.Sprintf("Action %s for %s.", actionType, title)
	}
}
