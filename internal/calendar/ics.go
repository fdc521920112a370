package calendar

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"
)

// ICSBackend persists each calendar as a single .ics file under Dir. It is
// the default local backend and doubles as the adapter used in integration
// tests. Every call re-reads the file; writes rewrite it whole. That is
// acceptable at the event counts a personal calendar carries.
type ICSBackend struct {
	Dir string
}

func NewICSBackend(dir string) (*ICSBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &ICSBackend{Dir: dir}, nil
}

func (b *ICSBackend) path(calendarID string) string {
	return filepath.Join(b.Dir, calendarID+".ics")
}

func (b *ICSBackend) load(calendarID string) (*ical.Calendar, error) {
	data, err := os.ReadFile(b.path(calendarID))
	if err != nil {
		if os.IsNotExist(err) {
			return newCalendar(), nil
		}
		return nil, err
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", b.path(calendarID), err)
	}
	return cal, nil
}

func (b *ICSBackend) save(calendarID string, cal *ical.Calendar) error {
	return os.WriteFile(b.path(calendarID), []byte(cal.Serialize()), 0o644)
}

func newCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//calwatch//EN")
	return cal
}

func (b *ICSBackend) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]Event, error) {
	cal, err := b.load(calendarID)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, ve := range cal.Events() {
		ev, err := decodeVEvent(calendarID, ve)
		if err != nil {
			continue
		}
		if ev.Start.Before(timeMin) || ev.Start.After(timeMax) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (b *ICSBackend) CreateEvent(ctx context.Context, calendarID, title string, start, end time.Time, description string) (string, error) {
	cal, err := b.load(calendarID)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	ve := cal.AddEvent(id)
	ve.SetDtStampTime(time.Now().UTC())
	ve.SetStartAt(start.UTC())
	ve.SetEndAt(end.UTC())
	ve.SetSummary(title)
	if description != "" {
		ve.SetDescription(escapeText(description))
	}
	if err := b.save(calendarID, cal); err != nil {
		return "", err
	}
	return id, nil
}

func (b *ICSBackend) GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error) {
	cal, err := b.load(calendarID)
	if err != nil {
		return nil, err
	}
	for _, ve := range cal.Events() {
		if uid := ve.GetProperty(ical.ComponentPropertyUniqueId); uid != nil && uid.Value == eventID {
			ev, err := decodeVEvent(calendarID, ve)
			if err != nil {
				return nil, err
			}
			return &ev, nil
		}
	}
	return nil, nil
}

func (b *ICSBackend) UpdateEvent(ctx context.Context, calendarID, eventID string, patch EventPatch) error {
	cal, err := b.load(calendarID)
	if err != nil {
		return err
	}
	for _, ve := range cal.Events() {
		uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
		if uid == nil || uid.Value != eventID {
			continue
		}
		if patch.Title != nil {
			ve.SetSummary(*patch.Title)
		}
		if patch.Description != nil {
			ve.SetDescription(escapeText(*patch.Description))
		}
		return b.save(calendarID, cal)
	}
	return ErrNotFound
}

func (b *ICSBackend) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	cal, err := b.load(calendarID)
	if err != nil {
		return err
	}
	next := newCalendar()
	found := false
	for _, ve := range cal.Events() {
		uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
		if uid != nil && uid.Value == eventID {
			found = true
			continue
		}
		next.AddVEvent(ve)
	}
	if !found {
		return ErrNotFound
	}
	return b.save(calendarID, next)
}

func decodeVEvent(calendarID string, ve *ical.VEvent) (Event, error) {
	var ev Event
	ev.CalendarID = calendarID
	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return ev, fmt.Errorf("vevent missing UID")
	}
	ev.ID = uid.Value
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ev.Description = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		ev.Location = p.Value
	}
	for _, att := range ve.Attendees() {
		ev.Attendees = append(ev.Attendees, att.Email())
	}
	start, err := ve.GetStartAt()
	if err != nil {
		return ev, fmt.Errorf("vevent %s: %w", ev.ID, err)
	}
	ev.Start = start
	if end, err := ve.GetEndAt(); err == nil {
		ev.End = end
	} else {
		ev.End = start
	}
	return ev, nil
}

// iCalendar TEXT escaping for the description field. Multi-line descriptions
// (the payload marker lives on its own line) must not carry raw newlines.
func escapeText(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

func unescapeText(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
