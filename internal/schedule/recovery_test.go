package schedule

import (
	"context"
	"testing"
	"time"

	"postbot/internal/storage"
	"postbot/internal/task/scheduler"
)

func TestRecover(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()

	recs := []storage.Record{
		{ID: "past0001", Kind: storage.KindOnce, FireAt: FormatStoredTime(now.Add(-time.Second), nil)},
		{ID: "bad00001", Kind: storage.KindOnce, FireAt: "next tuesday-ish"},
		{ID: "futr0001", Kind: storage.KindOnce, FireAt: FormatStoredTime(now.Add(time.Hour), nil)},
		{ID: "naive001", Kind: storage.KindOnce, FireAt: "2099-01-01T09:00:00"},
		{ID: "cron0001", Kind: storage.KindRecurring, CronExpr: "0 9 * * *"},
	}
	for _, r := range recs {
		r.DestinationID, r.Content = 1, "x"
		if err := h.store.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert %s: %v", r.ID, err)
		}
	}

	rep, err := h.svc.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	want := Report{Total: 5, Registered: 3, Skipped: 1, Failed: 1}
	if rep != want {
		t.Fatalf("report %+v want %+v", rep, want)
	}
	for id, live := range map[string]bool{"past0001": false, "bad00001": false, "futr0001": true, "naive001": true, "cron0001": true} {
		if h.triggers.Exists(id) != live {
			t.Fatalf("%s live=%v want %v", id, !live, live)
		}
	}
	// Expired and unreadable records stay in the store.
	for _, id := range []string{"past0001", "bad00001"} {
		if _, err := h.store.Get(ctx, id); err != nil {
			t.Fatalf("%s removed by recovery: %v", id, err)
		}
	}

	tokyo := h.triggers.Location()
	next, _ := h.triggers.NextFire("naive001")
	if wall := next.In(tokyo); wall.Hour() != 9 || wall.Year() != 2099 {
		t.Fatalf("naive timestamp not read in reference zone: %v", wall)
	}
}

func TestRecoveredTriggersCarryRecoveredOrigin(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	r := storage.Record{ID: "soon0001", DestinationID: 4, Content: "hi", Kind: storage.KindOnce,
		FireAt: time.Now().Add(300 * time.Millisecond).Format(time.RFC3339Nano)}
	if err := h.store.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := h.svc.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	cmd := waitDelivered(t, h.gate)
	if cmd.Origin != scheduler.OriginRecovered || cmd.DestinationID != 4 || cmd.Content != "hi" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestRecoverEmptyStore(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rep, err := h.svc.Recover(context.Background())
	if err != nil || rep != (Report{}) {
		t.Fatalf("rep=%+v err=%v", rep, err)
	}
}
