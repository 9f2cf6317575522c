package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"tgsender/internal/storage"
)

func waitIdle(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
}

func scheduleReq(due time.Time) ScheduleRequest {
	return ScheduleRequest{
		Due:          due,
		Message:      Message{Text: "launch day"},
		RecipientIDs: []string{"u1", "u2"},
		Definition:   "launch",
	}
}

func TestSchedule_Validation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{})
	ctx := context.Background()

	if _, err := env.engine.Schedule(ctx, scheduleReq(epoch)); !errors.Is(err, ErrInThePast) {
		t.Fatalf("due==now err=%v", err)
	}
	if _, err := env.engine.Schedule(ctx, scheduleReq(epoch.Add(-time.Minute))); !errors.Is(err, ErrInThePast) {
		t.Fatalf("past err=%v", err)
	}
	noRecipients := scheduleReq(epoch.Add(time.Hour))
	noRecipients.RecipientIDs = nil
	if _, err := env.engine.Schedule(ctx, noRecipients); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("no recipients err=%v", err)
	}

	if _, err := env.engine.Schedule(ctx, scheduleReq(epoch.Add(time.Hour))); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := env.engine.Schedule(ctx, scheduleReq(epoch.Add(2*time.Hour))); !errors.Is(err, ErrAlreadyScheduled) || !IsBusy(err) {
		t.Fatalf("second schedule err=%v", err)
	}
}

func TestSchedule_FiresOnceAtDueTime(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{})
	ctx := context.Background()
	slot, err := env.engine.Schedule(ctx, scheduleReq(epoch.Add(time.Hour)))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if slot.Token == "" {
		t.Fatalf("slot has no lease token")
	}
	if _, ok, _ := env.store.Get(ctx, keyScheduled); !ok {
		t.Fatalf("slot not persisted")
	}

	env.clock.Advance(59 * time.Minute)
	if len(env.sender.Sent()) != 0 {
		t.Fatalf("fired early")
	}
	env.clock.Advance(time.Minute)
	waitIdle(t, env.engine)

	if got := env.sender.Sent(); len(got) != 2 {
		t.Fatalf("sent=%v", got)
	}
	if _, ok := env.engine.Current(); ok {
		t.Fatalf("slot should be empty after firing")
	}
	if _, ok, _ := env.store.Get(ctx, keyScheduled); ok {
		t.Fatalf("persisted slot should be removed after firing")
	}
	runs := env.engine.Runs().List(0)
	if len(runs) != 1 || runs[0].Trigger != TriggerScheduled || runs[0].Definition != "launch" {
		t.Fatalf("runs %+v", runs)
	}

	env.clock.Advance(24 * time.Hour)
	waitIdle(t, env.engine)
	if env.engine.Runs().Len() != 1 {
		t.Fatalf("scheduled broadcast fired more than once")
	}
}

func TestSchedule_CancelClearsSlot(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{})
	ctx := context.Background()
	if ok, err := env.engine.CancelSchedule(ctx); ok || err != nil {
		t.Fatalf("cancel on empty slot ok=%v err=%v", ok, err)
	}
	if _, err := env.engine.Schedule(ctx, scheduleReq(epoch.Add(time.Hour))); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if ok, err := env.engine.CancelSchedule(ctx); !ok || err != nil {
		t.Fatalf("cancel ok=%v err=%v", ok, err)
	}
	if _, ok, _ := env.store.Get(ctx, keyScheduled); ok {
		t.Fatalf("persisted slot survived cancel")
	}
	env.clock.Advance(2 * time.Hour)
	if len(env.sender.Sent()) != 0 {
		t.Fatalf("cancelled slot fired")
	}
	if _, err := env.engine.Schedule(ctx, scheduleReq(epoch.Add(3*time.Hour))); err != nil {
		t.Fatalf("reschedule after cancel: %v", err)
	}
}

func TestReconcile_OverdueFiresExactlyOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	first := newTestEnv(t, st, Settings{})
	if _, err := first.engine.Schedule(ctx, scheduleReq(epoch.Add(time.Hour))); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := first.engine.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	restarted := newTestEnv(t, st, Settings{ReconcileGrace: 2 * time.Second})
	restarted.clock.Set(epoch.Add(2 * time.Hour))
	if err := restarted.engine.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, ok := restarted.engine.Current(); !ok {
		t.Fatalf("overdue slot should be armed for the grace period")
	}
	if len(restarted.sender.Sent()) != 0 {
		t.Fatalf("overdue slot fired before the grace period")
	}

	restarted.clock.Advance(2 * time.Second)
	waitIdle(t, restarted.engine)
	if got := restarted.sender.Sent(); len(got) != 2 {
		t.Fatalf("sent=%v", got)
	}
	if _, ok := restarted.engine.Current(); ok {
		t.Fatalf("slot should be empty after catch-up")
	}

	if err := restarted.engine.Reconcile(ctx); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	restarted.clock.Advance(time.Hour)
	waitIdle(t, restarted.engine)
	if restarted.engine.Runs().Len() != 1 {
		t.Fatalf("runs=%d, want 1", restarted.engine.Runs().Len())
	}
}

func TestReconcile_FutureSlotIsRearmed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	first := newTestEnv(t, st, Settings{})
	if _, err := first.engine.Schedule(ctx, scheduleReq(epoch.Add(3*time.Hour))); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	_ = first.engine.Close(ctx)

	restarted := newTestEnv(t, st, Settings{})
	restarted.clock.Set(epoch.Add(time.Hour))
	if err := restarted.engine.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	restarted.clock.Advance(time.Hour + 59*time.Minute)
	if len(restarted.sender.Sent()) != 0 {
		t.Fatalf("fired early")
	}
	restarted.clock.Advance(time.Minute)
	waitIdle(t, restarted.engine)
	if len(restarted.sender.Sent()) != 2 {
		t.Fatalf("re-armed slot did not fire")
	}
}

func TestReconcile_CorruptSlotIsDiscarded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	_ = st.Set(ctx, keyScheduled, []byte(`{"dueTimestamp":"soon"`))
	env := newTestEnv(t, st, Settings{})
	if err := env.engine.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, ok := env.engine.Current(); ok {
		t.Fatalf("corrupt slot armed")
	}
	if _, ok, _ := st.Get(ctx, keyScheduled); ok {
		t.Fatalf("corrupt slot not removed")
	}
}

func TestReconcile_TwoProcessesFireOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	origin := newTestEnv(t, st, Settings{})
	if _, err := origin.engine.Schedule(ctx, scheduleReq(epoch.Add(time.Hour))); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	_ = origin.engine.Close(ctx)

	a := newTestEnv(t, st, Settings{})
	b := newTestEnv(t, st, Settings{})
	for _, env := range []*testEnv{a, b} {
		env.clock.Set(epoch.Add(2 * time.Hour))
		if err := env.engine.Reconcile(ctx); err != nil {
			t.Fatalf("reconcile: %v", err)
		}
	}
	a.clock.Advance(5 * time.Second)
	b.clock.Advance(5 * time.Second)
	waitIdle(t, a.engine)
	waitIdle(t, b.engine)

	total := len(a.sender.Sent()) + len(b.sender.Sent())
	if total != 2 {
		t.Fatalf("sends across processes=%d, want 2", total)
	}
	if _, ok := b.engine.Current(); ok {
		t.Fatalf("losing process kept its slot")
	}
}

func TestExecuteNow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{})
	ctx := context.Background()
	if _, err := env.engine.ExecuteNow(ctx); !errors.Is(err, ErrNotScheduled) {
		t.Fatalf("empty slot err=%v", err)
	}
	if _, err := env.engine.Schedule(ctx, scheduleReq(epoch.Add(time.Hour))); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	env.sender.hook = func(id string) {
		if id == "blocker" {
			entered <- struct{}{}
			<-release
		}
	}
	if _, err := env.engine.Launch(ctx, Request{Recipients: recipients("blocker"), Message: Message{Text: "x"}}); err != nil {
		t.Fatalf("launch: %v", err)
	}
	<-entered
	if _, err := env.engine.ExecuteNow(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("busy err=%v", err)
	}
	if _, ok := env.engine.Current(); !ok {
		t.Fatalf("busy execute must not consume the slot")
	}
	close(release)
	waitIdle(t, env.engine)

	id, err := env.engine.ExecuteNow(ctx)
	if err != nil {
		t.Fatalf("execute now: %v", err)
	}
	waitIdle(t, env.engine)
	if _, ok := env.engine.Runs().Get(id); !ok {
		t.Fatalf("run %s not recorded", id)
	}
	if _, ok := env.engine.Current(); ok {
		t.Fatalf("slot should be consumed")
	}
	env.clock.Advance(2 * time.Hour)
	if env.engine.Runs().Len() != 2 {
		t.Fatalf("slot fired again at its original due time")
	}
}

type claimErrorStore struct {
	storage.Store
}

func (claimErrorStore) DeleteIf(context.Context, string, []byte) (bool, error) {
	return false, errors.New("database is locked")
}

func TestFire_ClaimErrorStillRemovesPersistedSlot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := storage.NewMemory()
	env := newTestEnv(t, claimErrorStore{Store: mem}, Settings{})
	if _, err := env.engine.Schedule(ctx, scheduleReq(epoch.Add(time.Hour))); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	env.clock.Advance(time.Hour)
	waitIdle(t, env.engine)
	if got := env.sender.Sent(); len(got) != 2 {
		t.Fatalf("sent=%v", got)
	}
	if _, ok, _ := mem.Get(ctx, keyScheduled); ok {
		t.Fatalf("persisted slot left behind after firing")
	}

	restarted := newTestEnv(t, mem, Settings{})
	restarted.clock.Set(epoch.Add(2 * time.Hour))
	if err := restarted.engine.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, ok := restarted.engine.Current(); ok {
		t.Fatalf("fired slot was restored on restart")
	}
}
