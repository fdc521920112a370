package calendar

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-memory backend for tests. It implements the same contract
// as ICSBackend without touching the filesystem.
type Memory struct {
	mu     sync.Mutex
	nextID int
	events map[string]map[string]Event // calendarID -> eventID -> event

	// FailList, when set, makes ListEvents return this error. Lets tests
	// exercise the transient-error paths.
	FailList error
}

func NewMemory() *Memory {
	return &Memory{events: map[string]map[string]Event{}}
}

// Put inserts an event directly, bypassing CreateEvent. Tests use it to stage
// user-calendar snapshots.
func (m *Memory) Put(ev Event) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		m.nextID++
		ev.ID = fmt.Sprintf("mem-%d", m.nextID)
	}
	if m.events[ev.CalendarID] == nil {
		m.events[ev.CalendarID] = map[string]Event{}
	}
	m.events[ev.CalendarID][ev.ID] = ev
	return ev.ID
}

// Remove deletes an event without error if absent.
func (m *Memory) Remove(calendarID, eventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events[calendarID], eventID)
}

func (m *Memory) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailList != nil {
		return nil, m.FailList
	}
	var out []Event
	for _, ev := range m.events[calendarID] {
		if ev.Start.Before(timeMin) || ev.Start.After(timeMax) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *Memory) CreateEvent(ctx context.Context, calendarID, title string, start, end time.Time, description string) (string, error) {
	return m.Put(Event{
		CalendarID:  calendarID,
		Title:       title,
		Description: description,
		Start:       start,
		End:         end,
	}), nil
}

func (m *Memory) GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[calendarID][eventID]
	if !ok {
		return nil, nil
	}
	return &ev, nil
}

func (m *Memory) UpdateEvent(ctx context.Context, calendarID, eventID string, patch EventPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[calendarID][eventID]
	if !ok {
		return ErrNotFound
	}
	if patch.Title != nil {
		ev.Title = *patch.Title
	}
	if patch.Description != nil {
		ev.Description = *patch.Description
	}
	m.events[calendarID][eventID] = ev
	return nil
}

func (m *Memory) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[calendarID][eventID]; !ok {
		return ErrNotFound
	}
	delete(m.events[calendarID], eventID)
	return nil
}
