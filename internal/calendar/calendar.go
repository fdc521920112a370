// Package calendar defines the narrow contract the engine consumes from a
// remote calendar provider, plus two implementations: a file-backed ICS
// backend and an in-memory backend for tests. The engine never depends on
// provider fields beyond title, start/end, description, location and
// attendees.
package calendar

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("calendar event not found")

// Event is the provider-neutral view of a remote calendar item.
type Event struct {
	ID          string    `json:"id"`
	CalendarID  string    `json:"calendar_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// EventPatch carries the fields UpdateEvent may change. Nil means unchanged.
type EventPatch struct {
	Title       *string
	Description *string
}

type Backend interface {
	ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]Event, error)
	CreateEvent(ctx context.Context, calendarID, title string, start, end time.Time, description string) (string, error)
	// GetEvent returns (nil, nil) for an id that does not exist.
	GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, patch EventPatch) error
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}
