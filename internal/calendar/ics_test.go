package calendar_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"calwatch/internal/calendar"
	"calwatch/internal/codec"
)

func newICS(t *testing.T) *calendar.ICSBackend {
	t.Helper()
	b, err := calendar.NewICSBackend(t.TempDir())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	return b
}

func TestICSRoundTrip(t *testing.T) {
	b := newICS(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	id, err := b.CreateEvent(ctx, "personal", "Dentist", start, start.Add(time.Hour), "bring paperwork")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ev, err := b.GetEvent(ctx, "personal", id)
	if err != nil || ev == nil {
		t.Fatalf("get: %v %v", ev, err)
	}
	if ev.Title != "Dentist" || !ev.Start.Equal(start) || ev.Description != "bring paperwork" {
		t.Fatalf("round trip: %+v", ev)
	}

	evts, err := b.ListEvents(ctx, "personal", start.Add(-time.Hour), start.Add(time.Hour))
	if err != nil || len(evts) != 1 {
		t.Fatalf("list: %v %v", evts, err)
	}
	evts, err = b.ListEvents(ctx, "personal", start.Add(2*time.Hour), start.Add(3*time.Hour))
	if err != nil || len(evts) != 0 {
		t.Fatalf("list outside window: %v %v", evts, err)
	}

	title := "Dentist (moved)"
	if err := b.UpdateEvent(ctx, "personal", id, calendar.EventPatch{Title: &title}); err != nil {
		t.Fatalf("update: %v", err)
	}
	ev, _ = b.GetEvent(ctx, "personal", id)
	if ev.Title != title || ev.Description != "bring paperwork" {
		t.Fatalf("after update: %+v", ev)
	}

	if err := b.DeleteEvent(ctx, "personal", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ev, err = b.GetEvent(ctx, "personal", id)
	if err != nil || ev != nil {
		t.Fatalf("after delete: %+v %v", ev, err)
	}
	if err := b.DeleteEvent(ctx, "personal", id); !errors.Is(err, calendar.ErrNotFound) {
		t.Fatalf("double delete: %v", err)
	}
}

func TestICSMultilineDescriptionSurvives(t *testing.T) {
	b := newICS(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	desc := codec.Encode("notes line one\nnotes line two", codec.Payload{
		ActionEventUID: "act-1",
		ActionType:     "reminder",
		UserEventUID:   "trk-1",
		Relationship:   "reminder_for",
		DueTS:          start.Unix(),
		Status:         "planned",
	})
	id, err := b.CreateEvent(ctx, "calwatch-actions", "Reminder: Dentist", start, start.Add(5*time.Minute), desc)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ev, err := b.GetEvent(ctx, "calwatch-actions", id)
	if err != nil || ev == nil {
		t.Fatalf("get: %v %v", ev, err)
	}
	p, ok := codec.Decode(ev.Description)
	if !ok || p.ActionEventUID != "act-1" || p.ActionType != "reminder" {
		t.Fatalf("marker lost in serialization: %+v ok=%v", p, ok)
	}
}

func TestICSUnknownIDs(t *testing.T) {
	b := newICS(t)
	ctx := context.Background()
	if ev, err := b.GetEvent(ctx, "personal", "nope"); err != nil || ev != nil {
		t.Fatalf("get unknown: %+v %v", ev, err)
	}
	title := "x"
	if err := b.UpdateEvent(ctx, "personal", "nope", calendar.EventPatch{Title: &title}); !errors.Is(err, calendar.ErrNotFound) {
		t.Fatalf("update unknown: %v", err)
	}
	if evts, err := b.ListEvents(ctx, "empty", time.Now(), time.Now().Add(time.Hour)); err != nil || len(evts) != 0 {
		t.Fatalf("list empty calendar: %v %v", evts, err)
	}
}
