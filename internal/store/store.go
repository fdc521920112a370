// Package store is the durable link graph: tracked events, actions, the
// edges between them, suppressions, and the idempotency ledger. It holds no
// policy; every mutation commits individually so a crash between steps leaves
// the store in a state any caller can safely retry against.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"calwatch/internal/domain"
)

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func (s Store) now() int64 {
	if s.Now != nil {
		return s.Now().UTC().Unix()
	}
	return time.Now().UTC().Unix()
}

// ComputeTrackedUID derives the stable tracked-event id from identity fields.
// The same remote event always hashes to the same uid, whatever its content.
func ComputeTrackedUID(backend, calendarID, eventID string) string {
	sum := sha256.Sum256([]byte(backend + "|" + calendarID + "|" + eventID))
	return hex.EncodeToString(sum[:])[:32]
}

// ComputeFingerprint hashes normalized content for move/recreate detection.
func ComputeFingerprint(title, start, end, attendees, location string) string {
	normalized := strings.ToLower(strings.TrimSpace(title)) + "|" + start + "|" + end + "|" + attendees + "|" + location
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:32]
}

// SentKey is the idempotency ledger key for one firing of one action.
func SentKey(actionUID string, dueTS int64) string {
	return fmt.Sprintf("%s:%d", actionUID, dueTS)
}

const trackedCols = `uid,backend,calendar_id,event_id,fingerprint,title,start_ts,end_ts,last_seen_ts,missing_count,state`

func scanTracked(scan func(dest ...any) error) (domain.TrackedEvent, error) {
	var t domain.TrackedEvent
	err := scan(&t.UID, &t.Backend, &t.CalendarID, &t.EventID, &t.Fingerprint, &t.Title,
		&t.StartTS, &t.EndTS, &t.LastSeenTS, &t.MissingCount, &t.State)
	return t, err
}

// UpsertTracked inserts or refreshes a tracked event. A refresh resets the
// miss counter and restores the active state; this is the one non-monotonic
// transition in the lifecycle.
func (s Store) UpsertTracked(ctx context.Context, backend, calendarID, eventID, title string, startTS, endTS int64, fingerprint string) (string, error) {
	uid := ComputeTrackedUID(backend, calendarID, eventID)
	now := s.now()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO tracked_events
    (uid,backend,calendar_id,event_id,fingerprint,title,start_ts,end_ts,last_seen_ts,missing_count,state)
VALUES (?,?,?,?,?,?,?,?,?,0,'active')
ON CONFLICT(uid) DO UPDATE SET
    fingerprint=excluded.fingerprint,
    title=excluded.title,
    start_ts=excluded.start_ts,
    end_ts=excluded.end_ts,
    last_seen_ts=?,
    missing_count=0,
    state='active'`,
		uid, backend, calendarID, eventID, fingerprint, title, startTS, endTS, now, now)
	return uid, err
}

func (s Store) GetTracked(ctx context.Context, uid string) (domain.TrackedEvent, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+trackedCols+` FROM tracked_events WHERE uid=?`, uid)
	t, err := scanTracked(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// MarkSeen refreshes last-seen and resets the miss counter.
func (s Store) MarkSeen(ctx context.Context, uid string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE tracked_events SET last_seen_ts=?, missing_count=0, state='active' WHERE uid=?`,
		s.now(), uid)
	return err
}

// MarkMissing increments the miss counter and moves the event to missing.
func (s Store) MarkMissing(ctx context.Context, uid string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE tracked_events SET missing_count=missing_count+1, state='missing' WHERE uid=?`, uid)
	return err
}

func (s Store) SetState(ctx context.Context, uid, state string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE tracked_events SET state=? WHERE uid=?`, state, uid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Suppress moves the event to suppressed and records the permanent
// never-ask-again marker.
func (s Store) Suppress(ctx context.Context, uid string) error {
	if err := s.SetState(ctx, uid, domain.TrackedSuppressed); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `INSERT OR REPLACE INTO suppression(scope,key,created_ts) VALUES (?,?,?)`,
		domain.ScopeEvent, uid, s.now())
	return err
}

func (s Store) IsSuppressed(ctx context.Context, uid string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM suppression WHERE scope=? AND key=?`, domain.ScopeEvent, uid)
}

// SetCooldown defers the next confirm-delete prompt for uid until untilTS.
func (s Store) SetCooldown(ctx context.Context, uid string, untilTS int64) error {
	_, err := s.DB.ExecContext(ctx, `INSERT OR REPLACE INTO suppression(scope,key,created_ts) VALUES (?,?,?)`,
		domain.ScopeCooldown, uid, untilTS)
	return err
}

// CooldownUntil returns the cooldown expiry for uid, or 0 when none is set.
func (s Store) CooldownUntil(ctx context.Context, uid string) (int64, error) {
	var until int64
	err := s.DB.QueryRowContext(ctx, `SELECT created_ts FROM suppression WHERE scope=? AND key=?`,
		domain.ScopeCooldown, uid).Scan(&until)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return until, err
}

func (s Store) FindByFingerprint(ctx context.Context, fingerprint, excludeUID string) ([]domain.TrackedEvent, error) {
	return s.queryTracked(ctx, `SELECT `+trackedCols+` FROM tracked_events WHERE fingerprint=? AND uid != ? AND state='active'`,
		fingerprint, excludeUID)
}

func (s Store) FindByTitleNear(ctx context.Context, title string, startTS, toleranceSec int64, excludeUID string) ([]domain.TrackedEvent, error) {
	return s.queryTracked(ctx, `SELECT `+trackedCols+` FROM tracked_events WHERE title=? AND uid != ? AND state='active' AND ABS(start_ts-?) <= ?`,
		title, excludeUID, startTS, toleranceSec)
}

// WatchedInWindow lists active and missing tracked events whose start falls
// inside the scan horizon. The disappearance check runs over this set; missing
// events stay in it so their counter keeps climbing toward the threshold.
func (s Store) WatchedInWindow(ctx context.Context, fromTS, toTS int64) ([]domain.TrackedEvent, error) {
	return s.queryTracked(ctx, `SELECT `+trackedCols+` FROM tracked_events WHERE state IN ('active','missing') AND start_ts >= ? AND start_ts <= ?`,
		fromTS, toTS)
}

// ActiveStartingAfter lists active tracked events that have not started yet.
func (s Store) ActiveStartingAfter(ctx context.Context, nowTS int64) ([]domain.TrackedEvent, error) {
	return s.queryTracked(ctx, `SELECT `+trackedCols+` FROM tracked_events WHERE state='active' AND start_ts > ?`, nowTS)
}

// MissingCandidates lists events missing for at least threshold consecutive
// scans.
func (s Store) MissingCandidates(ctx context.Context, threshold int) ([]domain.TrackedEvent, error) {
	return s.queryTracked(ctx, `SELECT `+trackedCols+` FROM tracked_events WHERE state='missing' AND missing_count >= ?`, threshold)
}

func (s Store) queryTracked(ctx context.Context, query string, args ...any) ([]domain.TrackedEvent, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TrackedEvent
	for rows.Next() {
		t, err := scanTracked(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

const actionCols = `uid,backend,calendar_id,event_id,type,status,due_ts,start_ts,end_ts,last_fired_ts`

func scanAction(scan func(dest ...any) error) (domain.Action, error) {
	var a domain.Action
	err := scan(&a.UID, &a.Backend, &a.CalendarID, &a.EventID, &a.Type, &a.Status,
		&a.DueTS, &a.StartTS, &a.EndTS, &a.LastFiredTS)
	return a, err
}

// CreateAction inserts a new action. A missing UID is generated.
func (s Store) CreateAction(ctx context.Context, a domain.Action) (string, error) {
	if a.UID == "" {
		a.UID = uuid.New().String()[:16]
	}
	if a.Status == "" {
		a.Status = domain.ActionPlanned
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO actions
    (uid,backend,calendar_id,event_id,type,status,due_ts,start_ts,end_ts,last_fired_ts)
VALUES (?,?,?,?,?,?,?,?,?,0)`,
		a.UID, a.Backend, a.CalendarID, a.EventID, a.Type, a.Status, a.DueTS, a.StartTS, a.EndTS)
	return a.UID, err
}

func (s Store) GetAction(ctx context.Context, uid string) (domain.Action, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+actionCols+` FROM actions WHERE uid=?`, uid)
	a, err := scanAction(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// UpdateActionStatus sets the status, stamping last_fired_ts on fire.
func (s Store) UpdateActionStatus(ctx context.Context, uid, status string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE actions SET status=?, last_fired_ts=CASE WHEN ?='fired' THEN ? ELSE last_fired_ts END WHERE uid=?`,
		status, status, s.now(), uid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Link creates the edge from a tracked event to an action.
func (s Store) Link(ctx context.Context, trackedUID, actionUID, relationship string) (string, error) {
	linkUID := uuid.New().String()[:16]
	_, err := s.DB.ExecContext(ctx, `INSERT INTO links(uid,tracked_uid,action_uid,relationship,created_ts) VALUES (?,?,?,?,?)`,
		linkUID, trackedUID, actionUID, relationship, s.now())
	return linkUID, err
}

// LinkedAction is an action joined with its link metadata.
type LinkedAction struct {
	domain.Action
	LinkUID      string `json:"link_uid"`
	Relationship string `json:"relationship"`
}

func (s Store) LinkedActions(ctx context.Context, trackedUID string) ([]LinkedAction, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT a.uid,a.backend,a.calendar_id,a.event_id,a.type,a.status,a.due_ts,a.start_ts,a.end_ts,a.last_fired_ts,l.uid,l.relationship
FROM actions a JOIN links l ON l.action_uid=a.uid WHERE l.tracked_uid=?`, trackedUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []LinkedAction
	for rows.Next() {
		var la LinkedAction
		if err := rows.Scan(&la.UID, &la.Backend, &la.CalendarID, &la.EventID, &la.Type, &la.Status,
			&la.DueTS, &la.StartTS, &la.EndTS, &la.LastFiredTS, &la.LinkUID, &la.Relationship); err != nil {
			return nil, err
		}
		res = append(res, la)
	}
	return res, rows.Err()
}

// HasLiveAction reports whether trackedUID already has a non-terminal action
// of the given type. Creation steps are guarded by this check, which is what
// makes a plan pass idempotent.
func (s Store) HasLiveAction(ctx context.Context, trackedUID, actionType string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM actions a JOIN links l ON l.action_uid=a.uid
WHERE l.tracked_uid=? AND a.type=? AND a.status NOT IN ('canceled','done') LIMIT 1`, trackedUID, actionType)
}

// PauseLinkedActions pauses every linked action still waiting to fire.
func (s Store) PauseLinkedActions(ctx context.Context, trackedUID string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE actions SET status='paused'
WHERE uid IN (SELECT action_uid FROM links WHERE tracked_uid=?) AND status IN ('planned','pending')`, trackedUID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CancelLinkedActions cancels every linked action not already terminal.
func (s Store) CancelLinkedActions(ctx context.Context, trackedUID string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE actions SET status='canceled'
WHERE uid IN (SELECT action_uid FROM links WHERE tracked_uid=?) AND status NOT IN ('done','canceled')`, trackedUID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResumePausedActions moves paused linked actions whose due time has not
// passed back to pending.
func (s Store) ResumePausedActions(ctx context.Context, trackedUID string, nowTS int64) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE actions SET status='pending'
WHERE uid IN (SELECT action_uid FROM links WHERE tracked_uid=?) AND status='paused' AND due_ts > ?`, trackedUID, nowTS)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CompleteConfirmDelete marks confirm-delete actions for trackedUID done.
func (s Store) CompleteConfirmDelete(ctx context.Context, trackedUID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE actions SET status='done'
WHERE uid IN (SELECT action_uid FROM links WHERE tracked_uid=?) AND type='confirm_delete' AND status NOT IN ('done')`, trackedUID)
	return err
}

// DueAction is an action due inside the executor window, joined with its
// link. A missing link leaves TrackedUID empty: the action is orphaned and
// the executor skips it. Title is set only for entries recovered from the
// calendar, where the remote title is the one human-facing string available.
type DueAction struct {
	domain.Action
	TrackedUID   string `json:"tracked_uid,omitempty"`
	Relationship string `json:"relationship,omitempty"`
	FromCalendar bool   `json:"from_calendar,omitempty"`
	Title        string `json:"title,omitempty"`
}

func (s Store) DueActions(ctx context.Context, nowTS, lookaheadSec int64) ([]DueAction, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT a.uid,a.backend,a.calendar_id,a.event_id,a.type,a.status,a.due_ts,a.start_ts,a.end_ts,a.last_fired_ts,
COALESCE(l.tracked_uid,''),COALESCE(l.relationship,'')
FROM actions a LEFT JOIN links l ON l.action_uid=a.uid
WHERE a.due_ts >= ? AND a.due_ts <= ? AND a.status IN ('planned','pending')
ORDER BY a.due_ts ASC`, nowTS, nowTS+lookaheadSec)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []DueAction
	for rows.Next() {
		var d DueAction
		if err := rows.Scan(&d.UID, &d.Backend, &d.CalendarID, &d.EventID, &d.Type, &d.Status,
			&d.DueTS, &d.StartTS, &d.EndTS, &d.LastFiredTS, &d.TrackedUID, &d.Relationship); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// RecordSent writes the idempotency record for one firing.
func (s Store) RecordSent(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO sent_actions(idempotency_key,sent_ts) VALUES (?,?)`, key, s.now())
	return err
}

func (s Store) WasSent(ctx context.Context, key string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM sent_actions WHERE idempotency_key=?`, key)
}

// StatusActions lists paused and canceled actions that have a real remote
// event, for the sweeper's rename pass.
func (s Store) StatusActions(ctx context.Context) ([]domain.Action, error) {
	return s.queryActions(ctx, `SELECT `+actionCols+` FROM actions WHERE status IN ('paused','canceled') AND event_id != ''`)
}

// OldCanceled lists canceled actions whose due time predates the retention
// cutoff.
func (s Store) OldCanceled(ctx context.Context, cutoffTS int64) ([]domain.Action, error) {
	return s.queryActions(ctx, `SELECT `+actionCols+` FROM actions WHERE status='canceled' AND due_ts < ?`, cutoffTS)
}

func (s Store) queryActions(ctx context.Context, query string, args ...any) ([]domain.Action, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// DeleteAction removes an action and its links. Used only by the sweeper
// after retention expiry.
func (s Store) DeleteAction(ctx context.Context, uid string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM links WHERE action_uid=?`, uid); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `DELETE FROM actions WHERE uid=?`, uid)
	return err
}

// PurgeSentFor drops ledger entries belonging to one action.
func (s Store) PurgeSentFor(ctx context.Context, actionUID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM sent_actions WHERE idempotency_key LIKE ? || ':%'`, actionUID)
	return err
}

// PurgeSent drops ledger entries older than the cutoff.
func (s Store) PurgeSent(ctx context.Context, cutoffTS int64) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sent_actions WHERE sent_ts < ?`, cutoffTS)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Summary reports store-wide counts for the status command.
type Summary struct {
	TrackedByState  map[string]int `json:"tracked_by_state"`
	ActionsByStatus map[string]int `json:"actions_by_status"`
	Links           int            `json:"links"`
	Suppressed      int            `json:"suppressed"`
	SentRecords     int            `json:"sent_records"`
}

func (s Store) StatusSummary(ctx context.Context) (Summary, error) {
	sum := Summary{TrackedByState: map[string]int{}, ActionsByStatus: map[string]int{}}
	if err := s.countBy(ctx, `SELECT state, COUNT(*) FROM tracked_events GROUP BY state`, sum.TrackedByState); err != nil {
		return sum, err
	}
	if err := s.countBy(ctx, `SELECT status, COUNT(*) FROM actions GROUP BY status`, sum.ActionsByStatus); err != nil {
		return sum, err
	}
	for _, c := range []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM links`, &sum.Links},
		{`SELECT COUNT(*) FROM suppression WHERE scope='event'`, &sum.Suppressed},
		{`SELECT COUNT(*) FROM sent_actions`, &sum.SentRecords},
	} {
		if err := s.DB.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (s Store) countBy(ctx context.Context, query string, dst map[string]int) error {
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		dst[key] = count
	}
	return rows.Err()
}

// GetDaemonState reads a daemon_state entry; empty string when absent.
func (s Store) GetDaemonState(ctx context.Context, key string) (string, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM daemon_state WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func (s Store) SetDaemonState(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO daemon_state(key,value) VALUES (?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

func (s Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
