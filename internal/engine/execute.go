package engine

import (
	"context"
	"errors"
	"time"

	"calwatch/internal/codec"
	"calwatch/internal/domain"
	"calwatch/internal/events"
	"calwatch/internal/store"
)

type FiredAction struct {
	UID     string `json:"uid"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	DueTS   int64  `json:"due_ts"`
	Message string `json:"message"`
}

type ExecuteResult struct {
	Executed           int           `json:"executed"`
	SkippedAlreadySent int           `json:"skipped_already_sent"`
	SkippedPaused      int           `json:"skipped_paused"`
	SkippedCanceled    int           `json:"skipped_canceled"`
	SkippedOrphaned    int           `json:"skipped_orphaned"`
	Errors             int           `json:"errors"`
	DryRun             bool          `json:"dry_run,omitempty"`
	Actions            []FiredAction `json:"actions,omitempty"`
}

// Execute fires every action due inside the lookahead window, exactly once
// per (action, due time). The sent record is written only after the
// notification succeeds, so a delivery failure leaves the action eligible for
// the next tick. In dry-run mode everything is evaluated and reported but no
// notification goes out and no record is written.
func (e Engine) Execute(ctx context.Context, dryRun bool, lookaheadSec int64) (ExecuteResult, error) {
	res := ExecuteResult{DryRun: dryRun}
	if err := e.checkPreconditions(); err != nil {
		return res, err
	}
	if lookaheadSec <= 0 {
		lookaheadSec = int64(e.Config.LookaheadSeconds)
	}
	now := e.now()
	nowTS := now.UTC().Unix()

	due, err := e.Store.DueActions(ctx, nowTS, lookaheadSec)
	if err != nil {
		return res, err
	}
	due = e.mergeCalendarDue(ctx, now, lookaheadSec, due, &res)

	for _, d := range due {
		switch d.Status {
		case domain.ActionPaused:
			res.SkippedPaused++
			continue
		case domain.ActionCanceled, domain.ActionDone:
			res.SkippedCanceled++
			continue
		}
		key := store.SentKey(d.UID, d.DueTS)
		sent, err := e.Store.WasSent(ctx, key)
		if err != nil {
			res.Errors++
			continue
		}
		if sent {
			res.SkippedAlreadySent++
			continue
		}
		if d.TrackedUID == "" {
			res.SkippedOrphaned++
			e.audit(ctx, "action_orphaned", "action", d.UID, nil)
			continue
		}
		var title, msg string
		tracked, err := e.Store.GetTracked(ctx, d.TrackedUID)
		switch {
		case err == nil:
			if tracked.State == domain.TrackedDeletedConfirmed || tracked.State == domain.TrackedSuppressed {
				res.SkippedCanceled++
				continue
			}
			title = tracked.Title
			msg = buildMessage(d.Type, title)
		case errors.Is(err, store.ErrNotFound) && d.FromCalendar && d.Title != "":
			// Store loss: the calendar entry is self-describing and its
			// title is already the human-facing line.
			title = d.Title
			msg = d.Title
		case errors.Is(err, store.ErrNotFound):
			res.SkippedOrphaned++
			e.audit(ctx, "action_orphaned", "action", d.UID, nil)
			continue
		default:
			res.Errors++
			continue
		}

		res.Actions = append(res.Actions, FiredAction{
			UID: d.UID, Type: d.Type, Title: title, DueTS: d.DueTS, Message: msg,
		})
		if dryRun {
			res.Executed++
			continue
		}
		if err := e.deliver(ctx, msg, d.TrackedUID); err != nil {
			res.Errors++
			continue
		}
		if err := e.Store.RecordSent(ctx, key); err != nil {
			res.Errors++
			continue
		}
		if err := e.Store.UpdateActionStatus(ctx, d.UID, domain.ActionFired); err != nil && !errors.Is(err, store.ErrNotFound) {
			// ErrNotFound means a calendar-only entry with no store row;
			// the sent record alone keeps it from firing again.
			res.Errors++
			continue
		}
		res.Executed++
		e.audit(ctx, "action_fired", "action", d.UID, events.EventPayload{
			"type": d.Type, "tracked_uid": d.TrackedUID, "due_ts": d.DueTS,
		})
	}
	return res, nil
}

func (e Engine) deliver(ctx context.Context, msg, eventUID string) error {
	if e.Notifier == nil {
		return errors.New("no notifier configured")
	}
	err := e.Notifier.Send(ctx, msg, eventUID)
	if err != nil && e.Fallback != nil {
		err = e.Fallback.Send(ctx, msg, eventUID)
	}
	return err
}

// mergeCalendarDue cross-checks the action calendar for marker-bearing
// entries the store does not know about, recovering actions when the store
// and calendar have drifted. Calendar reads run even in dry-run mode.
func (e Engine) mergeCalendarDue(ctx context.Context, now time.Time, lookaheadSec int64, due []store.DueAction, res *ExecuteResult) []store.DueAction {
	known := map[string]bool{}
	for _, d := range due {
		known[d.UID] = true
	}
	evts, err := e.Backend.ListEvents(ctx, e.Config.ActionCalendar, now, now.Add(time.Duration(lookaheadSec)*time.Second))
	if err != nil {
		res.Errors++
		return due
	}
	for _, evt := range evts {
		p, ok := codec.Decode(evt.Description)
		if !ok || known[p.ActionEventUID] {
			continue
		}
		if p.DueTS < now.UTC().Unix() || p.DueTS > now.UTC().Unix()+lookaheadSec {
			continue
		}
		status := p.Status
		stored, err := e.Store.GetAction(ctx, p.ActionEventUID)
		switch {
		case err == nil:
			// The store knows this action and the due query already ruled
			// it out; the marker status may be stale. Carry the store
			// status forward so held actions are counted, not fired.
			switch stored.Status {
			case domain.ActionPaused, domain.ActionCanceled, domain.ActionDone, domain.ActionFired:
				status = stored.Status
			default:
				continue
			}
		case errors.Is(err, store.ErrNotFound):
			// Calendar-only entry; the marker is all there is.
		default:
			res.Errors++
			continue
		}
		due = append(due, store.DueAction{
			Action: domain.Action{
				UID:        p.ActionEventUID,
				Backend:    e.Config.Backend,
				CalendarID: evt.CalendarID,
				EventID:    evt.ID,
				Type:       p.ActionType,
				Status:     status,
				DueTS:      p.DueTS,
			},
			TrackedUID:   p.UserEventUID,
			Relationship: p.Relationship,
			FromCalendar: true,
			Title:        evt.Title,
		})
	}
	return due
}
