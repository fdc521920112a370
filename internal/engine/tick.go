package engine

import (
	"context"
)

type TickResult struct {
	Plan    PlanResult     `json:"plan"`
	Execute ExecuteResult  `json:"execute"`
	Cleanup *CleanupResult `json:"cleanup,omitempty"`
}

// Tick is one full cycle: plan, then execute, then at most one cleanup per
// calendar day. Plan and execute order matters; an action planned this tick
// whose due time already falls inside the lookahead fires this tick.
func (e Engine) Tick(ctx context.Context, dryRun bool) (TickResult, error) {
	var res TickResult
	plan, err := e.Plan(ctx, dryRun)
	res.Plan = plan
	if err != nil {
		return res, err
	}
	exec, err := e.Execute(ctx, dryRun, 0)
	res.Execute = exec
	if err != nil {
		return res, err
	}

	today := e.now().UTC().Format("2006-01-02")
	last, err := e.Store.GetDaemonState(ctx, "last_cleanup_day")
	if err != nil {
		return res, err
	}
	if last != today {
		cleanup, err := e.Cleanup(ctx, dryRun)
		res.Cleanup = &cleanup
		if err != nil {
			return res, err
		}
		if !dryRun {
			if err := e.Store.SetDaemonState(ctx, "last_cleanup_day", today); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}
