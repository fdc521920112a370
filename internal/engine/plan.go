package engine

import (
	"context"
	"strings"
	"time"

	"calwatch/internal/calendar"
	"calwatch/internal/codec"
	"calwatch/internal/config"
	"calwatch/internal/domain"
	"calwatch/internal/events"
	"calwatch/internal/store"
)

// Relink tolerance for the title fallback when a vanished event's content
// hash changed.
const titleRelinkToleranceSec = 300

type PlanResult struct {
	Ingested             int  `json:"ingested"`
	MissingDetected      int  `json:"missing_detected"`
	Relinked             int  `json:"relinked"`
	Resumed              int  `json:"resumed"`
	ConfirmDeleteCreated int  `json:"confirm_delete_created"`
	ActionsPlanned       int  `json:"actions_planned"`
	Errors               int  `json:"errors"`
	DryRun               bool `json:"dry_run,omitempty"`
}

// Plan runs one reconciliation pass: snapshot the watched calendars, ingest
// what is there, handle what is not, escalate sustained disappearances, and
// create the derived actions for upcoming events. Every creation is guarded
// by an existence check, so re-running plan is idempotent.
func (e Engine) Plan(ctx context.Context, dryRun bool) (PlanResult, error) {
	res := PlanResult{DryRun: dryRun}
	if err := e.checkPreconditions(); err != nil {
		return res, err
	}
	now := e.now()

	seen := map[string]bool{}
	snapshotOK := map[string]bool{}
	for _, calID := range e.Config.Calendars {
		evts, err := e.Backend.ListEvents(ctx, calID, now.Add(-time.Hour), now.AddDate(0, 0, e.Config.ScanDaysAhead))
		if err != nil {
			// A failed poll is transient. Events on this calendar keep
			// their state; nothing is marked missing from a snapshot we
			// never took.
			res.Errors++
			continue
		}
		snapshotOK[calID] = true
		for _, evt := range evts {
			if _, isAction := codec.Decode(evt.Description); isAction {
				continue
			}
			uid, n, err := e.ingest(ctx, calID, evt, now)
			if err != nil {
				res.Errors++
				continue
			}
			seen[uid] = true
			res.Ingested++
			res.Resumed += n
		}
	}

	if err := e.handleDisappearances(ctx, now, seen, snapshotOK, &res); err != nil {
		return res, err
	}
	if err := e.escalateMissing(ctx, now, dryRun, &res); err != nil {
		return res, err
	}
	if err := e.planReminders(ctx, now, dryRun, &res); err != nil {
		return res, err
	}
	if err := e.applyPolicies(ctx, now, dryRun, &res); err != nil {
		return res, err
	}

	e.audit(ctx, "plan_completed", "engine", "", events.EventPayload{
		"ingested": res.Ingested, "missing": res.MissingDetected,
		"planned": res.ActionsPlanned, "dry_run": dryRun,
	})
	return res, nil
}

func (e Engine) ingest(ctx context.Context, calID string, evt calendar.Event, now time.Time) (string, int, error) {
	fp := store.ComputeFingerprint(evt.Title,
		evt.Start.UTC().Format(time.RFC3339), evt.End.UTC().Format(time.RFC3339),
		strings.Join(evt.Attendees, ","), evt.Location)
	uid, err := e.Store.UpsertTracked(ctx, e.Config.Backend, calID, evt.ID, evt.Title,
		evt.Start.UTC().Unix(), evt.End.UTC().Unix(), fp)
	if err != nil {
		return "", 0, err
	}
	// A reseen event un-pauses whatever its disappearance paused.
	n, err := e.Store.ResumePausedActions(ctx, uid, now.UTC().Unix())
	if err != nil {
		return uid, 0, err
	}
	if n > 0 {
		e.audit(ctx, "actions_resumed", "tracked_event", uid, events.EventPayload{"count": n})
	}
	return uid, int(n), nil
}

// handleDisappearances walks active events inside the scan horizon that the
// snapshot did not contain. Moves and recreations relink; genuine absence
// increments the miss counter and pauses linked actions.
func (e Engine) handleDisappearances(ctx context.Context, now time.Time, seen, snapshotOK map[string]bool, res *PlanResult) error {
	nowTS := now.UTC().Unix()
	active, err := e.Store.WatchedInWindow(ctx, nowTS-3600, nowTS+int64(e.Config.ScanDaysAhead)*86400)
	if err != nil {
		return err
	}
	for _, t := range active {
		if seen[t.UID] || !snapshotOK[t.CalendarID] {
			continue
		}
		matches, err := e.Store.FindByFingerprint(ctx, t.Fingerprint, t.UID)
		if err != nil {
			res.Errors++
			continue
		}
		if len(matches) == 0 {
			matches, err = e.Store.FindByTitleNear(ctx, t.Title, t.StartTS, titleRelinkToleranceSec, t.UID)
			if err != nil {
				res.Errors++
				continue
			}
		}
		if len(matches) > 0 {
			if err := e.relink(ctx, t, matches[0]); err != nil {
				res.Errors++
				continue
			}
			res.Relinked++
			continue
		}
		if err := e.Store.MarkMissing(ctx, t.UID); err != nil {
			res.Errors++
			continue
		}
		paused, err := e.Store.PauseLinkedActions(ctx, t.UID)
		if err != nil {
			res.Errors++
			continue
		}
		res.MissingDetected++
		e.audit(ctx, "event_missing", "tracked_event", t.UID, events.EventPayload{
			"title": t.Title, "paused_actions": paused,
		})
	}
	return nil
}

// relink moves the vanished event's links onto its reappeared incarnation.
// Linked actions survive the move untouched. The stale row is kept for audit,
// parked in its terminal state so no later pass marks it missing again or
// prompts for it.
func (e Engine) relink(ctx context.Context, old, reborn domain.TrackedEvent) error {
	if _, err := e.DB.ExecContext(ctx,
		`UPDATE links SET tracked_uid=? WHERE tracked_uid=?`, reborn.UID, old.UID); err != nil {
		return err
	}
	if err := e.Store.MarkMissing(ctx, old.UID); err != nil {
		return err
	}
	if err := e.Store.SetState(ctx, old.UID, domain.TrackedDeletedConfirmed); err != nil {
		return err
	}
	e.audit(ctx, "event_relinked", "tracked_event", reborn.UID, events.EventPayload{
		"from": old.UID, "title": reborn.Title,
	})
	return nil
}

// escalateMissing creates confirm-delete prompts for events missing at least
// MissingThreshold consecutive scans, unless suppressed, cooling down, or
// already prompted.
func (e Engine) escalateMissing(ctx context.Context, now time.Time, dryRun bool, res *PlanResult) error {
	nowTS := now.UTC().Unix()
	candidates, err := e.Store.MissingCandidates(ctx, e.Config.MissingThreshold)
	if err != nil {
		return err
	}
	for _, t := range candidates {
		suppressed, err := e.Store.IsSuppressed(ctx, t.UID)
		if err != nil {
			res.Errors++
			continue
		}
		if suppressed {
			continue
		}
		until, err := e.Store.CooldownUntil(ctx, t.UID)
		if err != nil {
			res.Errors++
			continue
		}
		if until > nowTS {
			continue
		}
		has, err := e.Store.HasLiveAction(ctx, t.UID, domain.TypeConfirmDelete)
		if err != nil || has {
			if err != nil {
				res.Errors++
			}
			continue
		}
		if err := e.createAction(ctx, dryRun, t, actionSpec{
			Type:         domain.TypeConfirmDelete,
			Relationship: domain.RelConfirmDeleteFor,
			Title:        "Confirm: '" + t.Title + "' missing",
			Due:          now.Add(time.Minute),
			End:          now.Add(6 * time.Minute),
			Status:       domain.ActionPending,
		}); err != nil {
			res.Errors++
			continue
		}
		res.ConfirmDeleteCreated++
		// Delivery belongs to the executor; the prompt is due a minute out
		// and goes through the sent ledger like every other action.
		e.audit(ctx, "confirm_delete_created", "tracked_event", t.UID, events.EventPayload{"title": t.Title})
	}
	return nil
}

// planReminders derives one reminder per upcoming active event. The offset
// scales with distance: a day out for far events, an hour for near ones,
// fifteen minutes for imminent ones.
func (e Engine) planReminders(ctx context.Context, now time.Time, dryRun bool, res *PlanResult) error {
	upcoming, err := e.Store.ActiveStartingAfter(ctx, now.UTC().Unix())
	if err != nil {
		return err
	}
	for _, t := range upcoming {
		has, err := e.Store.HasLiveAction(ctx, t.UID, domain.TypeReminder)
		if err != nil || has {
			if err != nil {
				res.Errors++
			}
			continue
		}
		start := time.Unix(t.StartTS, 0).UTC()
		due := start.Add(-reminderOffset(start.Sub(now)))
		if !due.After(now) {
			continue
		}
		if err := e.createAction(ctx, dryRun, t, actionSpec{
			Type:         domain.TypeReminder,
			Relationship: domain.RelReminderFor,
			Title:        "Reminder: " + t.Title,
			Due:          due,
			End:          due.Add(5 * time.Minute),
			Status:       domain.ActionPlanned,
		}); err != nil {
			res.Errors++
			continue
		}
		res.ActionsPlanned++
	}
	return nil
}

func reminderOffset(until time.Duration) time.Duration {
	switch {
	case until > 24*time.Hour:
		return 24 * time.Hour
	case until > 2*time.Hour:
		return time.Hour
	default:
		return 15 * time.Minute
	}
}

// applyPolicies evaluates the configured rules against upcoming events.
// Advisory autonomy disables the whole pass.
func (e Engine) applyPolicies(ctx context.Context, now time.Time, dryRun bool, res *PlanResult) error {
	if len(e.Config.Policies) == 0 || e.Config.Autonomy == config.AutonomyAdvisory {
		return nil
	}
	upcoming, err := e.Store.ActiveStartingAfter(ctx, now.UTC().Unix())
	if err != nil {
		return err
	}
	for _, t := range upcoming {
		for _, rule := range e.Config.Policies {
			if rule.Trigger != "" && rule.Trigger != "event_scored" {
				continue
			}
			if c := rule.Condition.TitleContains; c != "" &&
				!strings.Contains(strings.ToLower(t.Title), strings.ToLower(c)) {
				continue
			}
			if err := e.applyPolicy(ctx, now, dryRun, t, rule, res); err != nil {
				res.Errors++
			}
		}
	}
	return nil
}

func (e Engine) applyPolicy(ctx context.Context, now time.Time, dryRun bool, t domain.TrackedEvent, rule config.PolicyRule, res *PlanResult) error {
	start := time.Unix(t.StartTS, 0).UTC()
	end := time.Unix(t.EndTS, 0).UTC()

	var spec actionSpec
	switch rule.Action {
	case config.PolicyBlockPrep:
		offset := minutesOr(rule.Params.OffsetMinutes, 24*60)
		dur := minutesOr(rule.Params.DurationMinutes, 30)
		due := start.Add(-offset)
		spec = actionSpec{
			Type:         domain.TypePrep,
			Relationship: domain.RelPrepFor,
			Title:        "Prep: " + t.Title,
			Due:          due,
			End:          due.Add(dur),
			Status:       domain.ActionPlanned,
		}
	case config.PolicyAddBuffer:
		dur := minutesOr(rule.Params.BufferMinutes, 10)
		spec = actionSpec{
			Type:         domain.TypeBuffer,
			Relationship: domain.RelBufferAfter,
			Title:        "Buffer: " + t.Title,
			Due:          end,
			End:          end.Add(dur),
			Status:       domain.ActionPlanned,
		}
	case config.PolicyBlockDebrief:
		offset := minutesOr(rule.Params.OffsetMinutes, 15)
		dur := minutesOr(rule.Params.DurationMinutes, 15)
		due := end.Add(offset)
		spec = actionSpec{
			Type:         domain.TypeDebrief,
			Relationship: domain.RelDebriefFor,
			Title:        "Debrief: " + t.Title,
			Due:          due,
			End:          due.Add(dur),
			Status:       domain.ActionPlanned,
		}
	default:
		return nil
	}
	if !spec.Due.After(now) {
		return nil
	}
	has, err := e.Store.HasLiveAction(ctx, t.UID, spec.Type)
	if err != nil || has {
		return err
	}
	if err := e.createAction(ctx, dryRun, t, spec); err != nil {
		return err
	}
	res.ActionsPlanned++
	return nil
}

func minutesOr(m, fallback int) time.Duration {
	if m <= 0 {
		m = fallback
	}
	return time.Duration(m) * time.Minute
}

type actionSpec struct {
	Type         string
	Relationship string
	Title        string
	Due          time.Time
	End          time.Time
	Status       string
}

// createAction is the single creation path for derived actions: remote event
// first, then the store row, then the link. UID is generated up front so the
// marker payload and the store row agree. In dry-run mode no remote event is
// created and the store row carries an empty event id.
func (e Engine) createAction(ctx context.Context, dryRun bool, t domain.TrackedEvent, spec actionSpec) error {
	actionUID := newActionUID()
	payload := codec.Payload{
		ActionEventUID: actionUID,
		ActionType:     spec.Type,
		UserEventUID:   t.UID,
		Relationship:   spec.Relationship,
		DueTS:          spec.Due.UTC().Unix(),
		Status:         spec.Status,
	}
	var eventID string
	if !dryRun {
		id, err := e.Backend.CreateEvent(ctx, e.Config.ActionCalendar, spec.Title,
			spec.Due.UTC(), spec.End.UTC(), codec.Encode("", payload))
		if err != nil {
			return err
		}
		eventID = id
	}
	if _, err := e.Store.CreateAction(ctx, domain.Action{
		UID:        actionUID,
		Backend:    e.Config.Backend,
		CalendarID: e.Config.ActionCalendar,
		EventID:    eventID,
		Type:       spec.Type,
		Status:     spec.Status,
		DueTS:      spec.Due.UTC().Unix(),
		StartTS:    spec.Due.UTC().Unix(),
		EndTS:      spec.End.UTC().Unix(),
	}); err != nil {
		return err
	}
	if _, err := e.Store.Link(ctx, t.UID, actionUID, spec.Relationship); err != nil {
		return err
	}
	e.audit(ctx, "action_created", "action", actionUID, events.EventPayload{
		"type": spec.Type, "tracked_uid": t.UID, "due_ts": payload.DueTS, "dry_run": dryRun,
	})
	return nil
}
