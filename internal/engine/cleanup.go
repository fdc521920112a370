package engine

import (
	"context"
	"strings"
	"time"

	"calwatch/internal/codec"
	"calwatch/internal/domain"
	"calwatch/internal/events"
)

type CleanupResult struct {
	RenamedPaused   int  `json:"renamed_paused"`
	RenamedCanceled int  `json:"renamed_canceled"`
	DeletedOld      int  `json:"deleted_old"`
	PurgedSent      int  `json:"purged_sent"`
	Errors          int  `json:"errors"`
	DryRun          bool `json:"dry_run,omitempty"`
}

const (
	pausedPrefix   = "[Paused] "
	canceledPrefix = "[Canceled] "
)

// Cleanup runs the sweeper: paused and canceled actions keep their calendar
// entries but get a status prefix in the title (soft cancel, visible and
// reversible), and canceled actions past the retention window are removed
// from both the calendar and the store along with their ledger entries.
func (e Engine) Cleanup(ctx context.Context, dryRun bool) (CleanupResult, error) {
	res := CleanupResult{DryRun: dryRun}
	if err := e.checkPreconditions(); err != nil {
		return res, err
	}
	now := e.now()

	if err := e.renamePass(ctx, dryRun, &res); err != nil {
		return res, err
	}
	if err := e.purgePass(ctx, now, dryRun, &res); err != nil {
		return res, err
	}

	e.audit(ctx, "cleanup_completed", "engine", "", events.EventPayload{
		"renamed": res.RenamedPaused + res.RenamedCanceled, "deleted": res.DeletedOld, "dry_run": dryRun,
	})
	return res, nil
}

func (e Engine) renamePass(ctx context.Context, dryRun bool, res *CleanupResult) error {
	actions, err := e.Store.StatusActions(ctx)
	if err != nil {
		return err
	}
	for _, a := range actions {
		evt, err := e.Backend.GetEvent(ctx, a.CalendarID, a.EventID)
		if err != nil {
			res.Errors++
			continue
		}
		if evt == nil {
			continue
		}
		prefix := pausedPrefix
		if a.Status == domain.ActionCanceled {
			prefix = canceledPrefix
		}
		base := strings.TrimPrefix(strings.TrimPrefix(evt.Title, pausedPrefix), canceledPrefix)
		title := prefix + base
		desc := codec.UpdateStatus(evt.Description, a.Status)
		if title == evt.Title && desc == evt.Description {
			continue
		}
		if !dryRun {
			if err := e.Backend.UpdateEvent(ctx, a.CalendarID, a.EventID, calendarPatch(title, desc)); err != nil {
				res.Errors++
				continue
			}
		}
		if a.Status == domain.ActionCanceled {
			res.RenamedCanceled++
		} else {
			res.RenamedPaused++
		}
	}
	return nil
}

func (e Engine) purgePass(ctx context.Context, now time.Time, dryRun bool, res *CleanupResult) error {
	cutoff := now.UTC().Unix() - int64(e.Config.CleanupDays)*86400
	old, err := e.Store.OldCanceled(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, a := range old {
		if dryRun {
			res.DeletedOld++
			continue
		}
		if a.EventID != "" {
			// The remote copy may already be gone; store removal proceeds
			// either way.
			_ = e.Backend.DeleteEvent(ctx, a.CalendarID, a.EventID)
		}
		if err := e.Store.DeleteAction(ctx, a.UID); err != nil {
			res.Errors++
			continue
		}
		if err := e.Store.PurgeSentFor(ctx, a.UID); err != nil {
			res.Errors++
			continue
		}
		res.DeletedOld++
		e.audit(ctx, "action_purged", "action", a.UID, events.EventPayload{"type": a.Type})
	}
	if !dryRun {
		n, err := e.Store.PurgeSent(ctx, cutoff)
		if err != nil {
			return err
		}
		res.PurgedSent = int(n)
	}
	return nil
}
