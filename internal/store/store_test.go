package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"calwatch/internal/db"
	"calwatch/internal/domain"
	"calwatch/internal/migrate"
	"calwatch/internal/store"
)

func newTestStore(t *testing.T) (store.Store, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.Store{DB: conn, Now: func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }}
	return s, context.Background()
}

func TestComputeTrackedUIDStable(t *testing.T) {
	a := store.ComputeTrackedUID("ics", "personal", "evt-1")
	b := store.ComputeTrackedUID("ics", "personal", "evt-1")
	if a != b {
		t.Fatalf("uid not stable: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("uid length: %d", len(a))
	}
	if a == store.ComputeTrackedUID("ics", "personal", "evt-2") {
		t.Fatalf("distinct events collided")
	}
}

func TestFingerprintNormalizesTitle(t *testing.T) {
	a := store.ComputeFingerprint("  Board Review ", "s", "e", "", "")
	b := store.ComputeFingerprint("board review", "s", "e", "", "")
	if a != b {
		t.Fatalf("title normalization: %s vs %s", a, b)
	}
	if a == store.ComputeFingerprint("board review", "s2", "e", "", "") {
		t.Fatalf("start change did not change fingerprint")
	}
}

func TestUpsertResetsMissState(t *testing.T) {
	s, ctx := newTestStore(t)
	uid, err := s.UpsertTracked(ctx, "ics", "personal", "evt-1", "Dentist", 1000, 2000, "fp")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.MarkMissing(ctx, uid); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkMissing(ctx, uid); err != nil {
		t.Fatal(err)
	}
	tr, _ := s.GetTracked(ctx, uid)
	if tr.State != domain.TrackedMissing || tr.MissingCount != 2 {
		t.Fatalf("after misses: %+v", tr)
	}
	if _, err := s.UpsertTracked(ctx, "ics", "personal", "evt-1", "Dentist", 1000, 2000, "fp"); err != nil {
		t.Fatal(err)
	}
	tr, _ = s.GetTracked(ctx, uid)
	if tr.State != domain.TrackedActive || tr.MissingCount != 0 {
		t.Fatalf("after reseen: %+v", tr)
	}
}

func TestHasLiveActionIgnoresTerminal(t *testing.T) {
	s, ctx := newTestStore(t)
	uid, _ := s.UpsertTracked(ctx, "ics", "personal", "evt-1", "Dentist", 1000, 2000, "fp")
	aid, err := s.CreateAction(ctx, domain.Action{Type: domain.TypeReminder, Status: domain.ActionPlanned, DueTS: 500})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Link(ctx, uid, aid, domain.RelReminderFor); err != nil {
		t.Fatal(err)
	}
	has, err := s.HasLiveAction(ctx, uid, domain.TypeReminder)
	if err != nil || !has {
		t.Fatalf("live: %v %v", has, err)
	}
	if err := s.UpdateActionStatus(ctx, aid, domain.ActionCanceled); err != nil {
		t.Fatal(err)
	}
	has, err = s.HasLiveAction(ctx, uid, domain.TypeReminder)
	if err != nil || has {
		t.Fatalf("canceled still live: %v %v", has, err)
	}
}

func TestPauseResumeExpiredStaysPaused(t *testing.T) {
	s, ctx := newTestStore(t)
	uid, _ := s.UpsertTracked(ctx, "ics", "personal", "evt-1", "Dentist", 1000, 2000, "fp")
	future, _ := s.CreateAction(ctx, domain.Action{Type: domain.TypeReminder, Status: domain.ActionPending, DueTS: 5000})
	past, _ := s.CreateAction(ctx, domain.Action{Type: domain.TypePrep, Status: domain.ActionPending, DueTS: 100})
	s.Link(ctx, uid, future, domain.RelReminderFor)
	s.Link(ctx, uid, past, domain.RelPrepFor)

	if n, err := s.PauseLinkedActions(ctx, uid); err != nil || n != 2 {
		t.Fatalf("pause: %d %v", n, err)
	}
	// Only the action still due in the future comes back.
	if n, err := s.ResumePausedActions(ctx, uid, 1000); err != nil || n != 1 {
		t.Fatalf("resume: %d %v", n, err)
	}
	a, _ := s.GetAction(ctx, future)
	if a.Status != domain.ActionPending {
		t.Fatalf("future action: %+v", a)
	}
	a, _ = s.GetAction(ctx, past)
	if a.Status != domain.ActionPaused {
		t.Fatalf("expired action resumed: %+v", a)
	}
}

func TestSentLedger(t *testing.T) {
	s, ctx := newTestStore(t)
	key := store.SentKey("act-1", 4200)
	sent, err := s.WasSent(ctx, key)
	if err != nil || sent {
		t.Fatalf("fresh key: %v %v", sent, err)
	}
	if err := s.RecordSent(ctx, key); err != nil {
		t.Fatal(err)
	}
	// Recording twice is harmless.
	if err := s.RecordSent(ctx, key); err != nil {
		t.Fatal(err)
	}
	sent, _ = s.WasSent(ctx, key)
	if !sent {
		t.Fatalf("key not recorded")
	}
	// A new due time for the same action is a fresh firing.
	sent, _ = s.WasSent(ctx, store.SentKey("act-1", 9999))
	if sent {
		t.Fatalf("different due treated as sent")
	}
	if err := s.PurgeSentFor(ctx, "act-1"); err != nil {
		t.Fatal(err)
	}
	sent, _ = s.WasSent(ctx, key)
	if sent {
		t.Fatalf("key survived purge")
	}
}

func TestCooldownRoundTrip(t *testing.T) {
	s, ctx := newTestStore(t)
	until, err := s.CooldownUntil(ctx, "uid-1")
	if err != nil || until != 0 {
		t.Fatalf("empty cooldown: %d %v", until, err)
	}
	if err := s.SetCooldown(ctx, "uid-1", 7777); err != nil {
		t.Fatal(err)
	}
	until, _ = s.CooldownUntil(ctx, "uid-1")
	if until != 7777 {
		t.Fatalf("cooldown: %d", until)
	}
	// Scopes do not bleed into each other.
	suppressed, _ := s.IsSuppressed(ctx, "uid-1")
	if suppressed {
		t.Fatalf("cooldown read as suppression")
	}
}

func TestGetTrackedNotFound(t *testing.T) {
	s, ctx := newTestStore(t)
	if _, err := s.GetTracked(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err: %v", err)
	}
	if err := s.UpdateActionStatus(ctx, "nope", domain.ActionFired); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("action err: %v", err)
	}
}

func TestTrackedTransitionRules(t *testing.T) {
	valid := [][2]string{
		{domain.TrackedActive, domain.TrackedMissing},
		{domain.TrackedMissing, domain.TrackedActive},
		{domain.TrackedMissing, domain.TrackedDeletedConfirmed},
		{domain.TrackedMissing, domain.TrackedSuppressed},
	}
	for _, v := range valid {
		if err := domain.EnsureTrackedTransition(v[0], v[1]); err != nil {
			t.Fatalf("%s -> %s: %v", v[0], v[1], err)
		}
	}
	invalid := [][2]string{
		{domain.TrackedDeletedConfirmed, domain.TrackedActive},
		{domain.TrackedSuppressed, domain.TrackedMissing},
		{domain.TrackedActive, domain.TrackedDeletedConfirmed},
	}
	for _, v := range invalid {
		if err := domain.EnsureTrackedTransition(v[0], v[1]); err == nil {
			t.Fatalf("%s -> %s allowed", v[0], v[1])
		}
	}
}
