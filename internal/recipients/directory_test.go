package recipients

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"tgsender/internal/broadcast"
	"tgsender/internal/eventbus"
	"tgsender/internal/storage"
	logx "tgsender/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return t0 }

func TestDirectory_UpsertKeepsHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	d := New(st, logx.Nop(), fixedNow)

	if _, err := d.Upsert(ctx, broadcast.Recipient{ID: " 42 ", FirstName: "Ada"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := d.AppendHistory(ctx, "42", HistoryItem{At: t0, Message: "hi", Status: StatusDelivered}); err != nil {
		t.Fatalf("append: %v", err)
	}
	rec, err := d.Upsert(ctx, broadcast.Recipient{ID: "42", FirstName: "Ada", Username: "ada"})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if len(rec.History) != 1 || rec.LastSent == nil || !rec.LastSent.Equal(t0) || rec.Username != "ada" {
		t.Fatalf("record %+v", rec)
	}

	reloaded := New(st, logx.Nop(), fixedNow)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := reloaded.Get("42")
	if !ok || got.FirstName != "Ada" || len(got.History) != 1 {
		t.Fatalf("reloaded %+v ok=%v", got, ok)
	}

	if _, err := d.Upsert(ctx, broadcast.Recipient{ID: "  "}); err == nil {
		t.Fatalf("empty id accepted")
	}
	if err := d.AppendHistory(ctx, "nobody", HistoryItem{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("append to unknown err=%v", err)
	}
}

func TestDirectory_HistoryCap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := New(nil, logx.Nop(), fixedNow)
	_, _ = d.Upsert(ctx, broadcast.Recipient{ID: "1"})
	for i := 0; i < HistoryCap+5; i++ {
		_ = d.AppendHistory(ctx, "1", HistoryItem{At: t0.Add(time.Duration(i) * time.Minute), Message: fmt.Sprint(i), Status: StatusFailed})
	}
	rec, _ := d.Get("1")
	if len(rec.History) != HistoryCap || rec.History[0].Message != "5" {
		t.Fatalf("history len=%d first=%q", len(rec.History), rec.History[0].Message)
	}
	if rec.LastSent != nil {
		t.Fatalf("failed items must not move LastSent")
	}
}

func TestDirectory_ResolveKeepsOrderAndUnknowns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := New(nil, logx.Nop(), fixedNow)
	_, _ = d.Upsert(ctx, broadcast.Recipient{ID: "2", FirstName: "Bo"})
	_, _ = d.Upsert(ctx, broadcast.Recipient{ID: "1", FirstName: "Al"})

	got := d.Resolve(ctx, []string{"1", "9", "2"})
	if len(got) != 3 || got[0].FirstName != "Al" || got[1].ID != "9" || got[1].FirstName != "" || got[2].FirstName != "Bo" {
		t.Fatalf("resolved %+v", got)
	}
	if list := d.List(); list[0].ID != "1" || list[1].ID != "2" {
		t.Fatalf("list order %+v", list)
	}
	if err := d.Delete(ctx, "1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := d.Delete(ctx, "1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err=%v", err)
	}
}

func TestDirectory_Lists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	d := New(st, logx.Nop(), fixedNow)

	l, err := d.SaveList(ctx, "VIP", []string{"3", " 1", "3", ""})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if fmt.Sprint(l.RecipientIDs) != "[3 1]" {
		t.Fatalf("ids %v", l.RecipientIDs)
	}
	if _, err := d.SaveList(ctx, "empty", nil); !errors.Is(err, broadcast.ErrNoRecipients) {
		t.Fatalf("empty list err=%v", err)
	}
	_, _ = d.SaveList(ctx, "alpha", []string{"1"})

	reloaded := New(st, logx.Nop(), fixedNow)
	_ = reloaded.Load(ctx)
	if got, ok := reloaded.GetList("vip"); !ok || len(got.RecipientIDs) != 2 {
		t.Fatalf("reloaded list %+v ok=%v", got, ok)
	}
	if lists := reloaded.Lists(); len(lists) != 2 || lists[0].Name != "alpha" {
		t.Fatalf("lists %+v", lists)
	}
	if err := reloaded.DeleteList(ctx, "VIP"); err != nil {
		t.Fatalf("delete list: %v", err)
	}
	if err := reloaded.DeleteList(ctx, "VIP"); !errors.Is(err, ErrNoList) {
		t.Fatalf("second delete err=%v", err)
	}
}

func TestDirectory_ConsumeRecordsRuns(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(nil, logx.Nop(), fixedNow)
	_, _ = d.Upsert(ctx, broadcast.Recipient{ID: "1"})
	_, _ = d.Upsert(ctx, broadcast.Recipient{ID: "2"})
	_, _ = d.Upsert(ctx, broadcast.Recipient{ID: "3"})

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, broadcast.EventRunComplete)
	done := make(chan struct{})
	go func() {
		d.Consume(ctx, ch)
		close(done)
	}()

	bus.Publish(eventbus.Event{Type: broadcast.EventRunComplete, Data: broadcast.RunRecord{
		ID:      "r1",
		Message: "sale",
		Outcomes: []broadcast.Outcome{
			broadcast.Success("1", t0),
			broadcast.Failed("2", "blocked", t0),
			broadcast.Skipped("3", broadcast.ReasonThrottle, broadcast.RuleCooldown, t0),
		},
	}})
	unsub()
	<-done

	r1, _ := d.Get("1")
	r2, _ := d.Get("2")
	r3, _ := d.Get("3")
	if len(r1.History) != 1 || r1.LastSent == nil {
		t.Fatalf("r1 %+v", r1)
	}
	if len(r2.History) != 1 || r2.History[0].Error != "blocked" || r2.LastSent != nil {
		t.Fatalf("r2 %+v", r2)
	}
	if len(r3.History) != 0 {
		t.Fatalf("skipped recipients get no history item")
	}
}
