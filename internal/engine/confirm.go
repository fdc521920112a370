package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"calwatch/internal/domain"
	"calwatch/internal/events"
)

// How far ahead the denied-deletion recovery scan looks for the event.
const recoveryScanDays = 180

type ConfirmResult struct {
	UID             string          `json:"uid"`
	Outcome         string          `json:"outcome"`
	ActionsCanceled int64           `json:"actions_canceled,omitempty"`
	CooldownUntil   int64           `json:"cooldown_until,omitempty"`
	Recovery        *RecoveryResult `json:"recovery,omitempty"`
}

// RecoveryResult reports the wide rescan a denied deletion triggers.
type RecoveryResult struct {
	Found   bool     `json:"found"`
	Matches []string `json:"matches,omitempty"`
	Detail  string   `json:"detail,omitempty"`
}

// ConfirmYes acknowledges an intentional deletion: the event moves to its
// terminal confirmed state, every linked action is canceled, and the prompt
// itself is marked done.
func (e Engine) ConfirmYes(ctx context.Context, uid string) (ConfirmResult, error) {
	res := ConfirmResult{UID: uid, Outcome: "confirmed"}
	t, err := e.Store.GetTracked(ctx, uid)
	if err != nil {
		return res, err
	}
	if err := domain.EnsureTrackedTransition(t.State, domain.TrackedDeletedConfirmed); err != nil {
		return res, err
	}
	n, err := e.Store.CancelLinkedActions(ctx, uid)
	if err != nil {
		return res, err
	}
	res.ActionsCanceled = n
	if err := e.Store.SetState(ctx, uid, domain.TrackedDeletedConfirmed); err != nil {
		return res, err
	}
	if err := e.Store.CompleteConfirmDelete(ctx, uid); err != nil {
		return res, err
	}
	e.audit(ctx, "deletion_confirmed", "tracked_event", uid, events.EventPayload{
		"title": t.Title, "actions_canceled": n,
	})
	return res, nil
}

// ConfirmNo records that the disappearance was not intentional: the event
// stays missing, the next prompt is deferred by the cooldown, and a wide
// recovery scan looks for the event beyond the normal horizon.
func (e Engine) ConfirmNo(ctx context.Context, uid string) (ConfirmResult, error) {
	res := ConfirmResult{UID: uid, Outcome: "denied"}
	t, err := e.Store.GetTracked(ctx, uid)
	if err != nil {
		return res, err
	}
	now := e.now()
	until := now.Add(time.Duration(e.Config.CooldownHours) * time.Hour).UTC().Unix()
	if err := e.Store.SetCooldown(ctx, uid, until); err != nil {
		return res, err
	}
	res.CooldownUntil = until
	if err := e.Store.CompleteConfirmDelete(ctx, uid); err != nil {
		return res, err
	}
	res.Recovery = e.recoveryScan(ctx, now, t)
	e.audit(ctx, "deletion_denied", "tracked_event", uid, events.EventPayload{
		"title": t.Title, "cooldown_until": until, "recovered": res.Recovery.Found,
	})
	return res, nil
}

// ConfirmDontAsk permanently suppresses prompts for this event. Linked
// actions are canceled; suppression is final and survives re-sighting only
// for prompting purposes, the event itself can still come back active.
func (e Engine) ConfirmDontAsk(ctx context.Context, uid string) (ConfirmResult, error) {
	res := ConfirmResult{UID: uid, Outcome: "suppressed"}
	t, err := e.Store.GetTracked(ctx, uid)
	if err != nil {
		return res, err
	}
	n, err := e.Store.CancelLinkedActions(ctx, uid)
	if err != nil {
		return res, err
	}
	res.ActionsCanceled = n
	if err := e.Store.Suppress(ctx, uid); err != nil {
		return res, err
	}
	e.audit(ctx, "event_suppressed", "tracked_event", uid, events.EventPayload{"title": t.Title})
	return res, nil
}

func (e Engine) recoveryScan(ctx context.Context, now time.Time, t domain.TrackedEvent) *RecoveryResult {
	rec := &RecoveryResult{}
	if e.Backend == nil {
		rec.Detail = "no backend available for recovery scan"
		return rec
	}
	for _, calID := range e.Config.Calendars {
		evts, err := e.Backend.ListEvents(ctx, calID, now.AddDate(0, 0, -recoveryScanDays), now.AddDate(0, 0, recoveryScanDays))
		if err != nil {
			continue
		}
		for _, evt := range evts {
			if strings.EqualFold(strings.TrimSpace(evt.Title), strings.TrimSpace(t.Title)) {
				rec.Found = true
				rec.Matches = append(rec.Matches, fmt.Sprintf("%s/%s at %s", calID, evt.ID, evt.Start.UTC().Format(time.RFC3339)))
			}
		}
	}
	if rec.Found {
		rec.Detail = "event found during recovery scan; the next plan pass will restore it"
	} else {
		rec.Detail = "event not found within the recovery window"
	}
	return rec
}
