package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"tgsender/internal/storage"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	fail map[string]error
	// hook runs inside SendOne before the result is returned.
	hook func(id string)
}

func (s *recordingSender) SendOne(_ context.Context, r Recipient, _ Message) error {
	if s.hook != nil {
		s.hook(r.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, r.ID)
	return s.fail[r.ID]
}

func (s *recordingSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type captureSink struct {
	NopSink
	mu        sync.Mutex
	progress  []Progress
	completed []RunRecord
	schedule  []ScheduleState
	warnings  []PersistWarning
}

func (s *captureSink) OnProgress(p Progress) {
	s.mu.Lock()
	s.progress = append(s.progress, p)
	s.mu.Unlock()
}

func (s *captureSink) OnRunComplete(r RunRecord) {
	s.mu.Lock()
	s.completed = append(s.completed, r)
	s.mu.Unlock()
}

func (s *captureSink) OnScheduleChange(c ScheduleState) {
	s.mu.Lock()
	s.schedule = append(s.schedule, c)
	s.mu.Unlock()
}

func (s *captureSink) OnPersistFailure(w PersistWarning) {
	s.mu.Lock()
	s.warnings = append(s.warnings, w)
	s.mu.Unlock()
}

type testEnv struct {
	engine *Engine
	clock  *fakeClock
	store  storage.Store
	sender *recordingSender
	sink   *captureSink
}

func newTestEnv(t *testing.T, st storage.Store, set Settings) *testEnv {
	t.Helper()
	if st == nil {
		st = storage.NewMemory()
	}
	env := &testEnv{
		clock:  newFakeClock(epoch),
		store:  st,
		sender: &recordingSender{fail: map[string]error{}},
		sink:   &captureSink{},
	}
	env.engine = New(context.Background(), Options{
		Store:    st,
		Sender:   env.sender,
		Sink:     env.sink,
		Clock:    env.clock,
		Settings: set,
	})
	t.Cleanup(func() { _ = env.engine.Close(context.Background()) })
	return env
}

func recipients(ids ...string) []Recipient {
	return bareRecipients(ids)
}

func outcomeKinds(outs []Outcome) string {
	s := ""
	for _, o := range outs {
		s += fmt.Sprintf("%s:%s ", o.RecipientID, o.Kind)
	}
	return s
}

func TestStart_IsolatesFailures(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{})
	env.sender.fail["u3"] = errors.New("chat not found")

	rec, err := env.engine.Start(context.Background(), Request{
		Recipients: recipients("u1", "u2", "u3", "u4", "u5"),
		Message:    Message{Text: "hello"},
		Definition: "promo",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.State != RunCompleted || rec.Status != "partial" {
		t.Fatalf("state=%s status=%s", rec.State, rec.Status)
	}
	if rec.SuccessCount != 4 || rec.FailedCount != 1 || rec.TotalCount != 5 {
		t.Fatalf("counts success=%d failed=%d total=%d", rec.SuccessCount, rec.FailedCount, rec.TotalCount)
	}
	if got := outcomeKinds(rec.Outcomes); got != "u1:success u2:success u3:failed u4:success u5:success " {
		t.Fatalf("outcomes %q", got)
	}
	if rec.Outcomes[2].Reason != "chat not found" {
		t.Fatalf("failed reason %q", rec.Outcomes[2].Reason)
	}
	for _, id := range []string{"u1", "u2", "u4", "u5"} {
		if n := len(env.engine.Ledger().History(id, "promo")); n != 1 {
			t.Fatalf("ledger[%s]=%d, want 1", id, n)
		}
	}
	if n := len(env.engine.Ledger().History("u3", "promo")); n != 0 {
		t.Fatalf("failed send must not be recorded, got %d", n)
	}
	if env.engine.Runs().Len() != 1 {
		t.Fatalf("run history len=%d", env.engine.Runs().Len())
	}
	if p := env.engine.Progress(); p.Active {
		t.Fatalf("engine should be idle after the run, got %+v", p)
	}
}

func TestStart_CountFailedAttempts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{CountFailedAttempts: true})
	env.sender.fail["u2"] = errors.New("blocked")

	if _, err := env.engine.Start(context.Background(), Request{
		Recipients: recipients("u1", "u2"),
		Message:    Message{Text: "hi"},
		Definition: "promo",
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if n := len(env.engine.Ledger().History("u2", "promo")); n != 1 {
		t.Fatalf("failed attempt should be recorded when counting failures, got %d", n)
	}
}

func TestStart_CancelDuringSendKeepsPrefix(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{})
	env.sender.hook = func(id string) {
		if id == "u2" {
			env.engine.Cancel()
		}
	}

	rec, err := env.engine.Start(context.Background(), Request{
		Recipients: recipients("u1", "u2", "u3", "u4", "u5"),
		Message:    Message{Text: "hello"},
		Definition: "promo",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.State != RunCancelled || rec.Status != "cancelled" {
		t.Fatalf("state=%s status=%s", rec.State, rec.Status)
	}
	if got := outcomeKinds(rec.Outcomes); got != "u1:success u2:success " {
		t.Fatalf("outcomes %q", got)
	}
	for _, id := range []string{"u3", "u4", "u5"} {
		if len(env.engine.Ledger().History(id, "promo")) != 0 {
			t.Fatalf("%s must not be in the ledger", id)
		}
	}
	if got := env.sender.Sent(); len(got) != 2 {
		t.Fatalf("sent=%v", got)
	}
}

func TestStart_SkipsThrottledInInputOrder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{})
	ctx := context.Background()
	if _, err := env.engine.Ledger().RecordSend(ctx, "u2", "promo", epoch.Add(-time.Hour)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec, err := env.engine.Start(ctx, Request{
		Recipients: recipients("u1", "u2", "u3"),
		Message:    Message{Text: "hello"},
		Definition: "Promo",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := outcomeKinds(rec.Outcomes); got != "u1:success u2:skipped u3:success " {
		t.Fatalf("outcomes %q", got)
	}
	if o := rec.Outcomes[1]; o.Reason != ReasonThrottle || o.Detail != RuleRepeatCap {
		t.Fatalf("skip outcome %+v", o)
	}
	if got := env.sender.Sent(); len(got) != 2 {
		t.Fatalf("throttled recipient was sent to: %v", got)
	}
}

func TestStart_AllSkippedCompletesAtFullProgress(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{})
	ctx := context.Background()
	_, _ = env.engine.Ledger().RecordSend(ctx, "u1", "promo", epoch)

	rec, err := env.engine.Start(ctx, Request{
		Recipients: recipients("u1"),
		Message:    Message{Text: "hello"},
		Definition: "promo",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.State != RunCompleted || rec.SkippedCount != 1 {
		t.Fatalf("record %+v", rec)
	}
	env.sink.mu.Lock()
	defer env.sink.mu.Unlock()
	if n := len(env.sink.progress); n == 0 || env.sink.progress[n-1].Percent != 100 {
		t.Fatalf("progress events %+v", env.sink.progress)
	}
}

func TestStart_WithoutDefinitionIsNotThrottled(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{})
	for i := 0; i < 3; i++ {
		rec, err := env.engine.Start(context.Background(), Request{
			Recipients: recipients("u1"),
			Message:    Message{Text: "hello"},
		})
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if rec.SuccessCount != 1 {
			t.Fatalf("run %d: %+v", i, rec)
		}
	}
	if snap := env.engine.Ledger().Snapshot(); len(snap) != 0 {
		t.Fatalf("untracked runs must not write the ledger: %v", snap)
	}
}

func TestStart_RejectsConfigurationErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{})
	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"no recipients", Request{Message: Message{Text: "x"}}, ErrNoRecipients},
		{"empty message", Request{Recipients: recipients("u1"), Message: Message{Text: "  "}}, ErrEmptyMessage},
	}
	for _, tc := range cases {
		if _, err := env.engine.Start(context.Background(), tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v, want %v", tc.name, err, tc.want)
		}
		if !IsInvalid(tc.want) {
			t.Fatalf("%s: expected invalid classification", tc.name)
		}
	}

	bare := New(context.Background(), Options{Clock: newFakeClock(epoch)})
	defer bare.Close(context.Background())
	if _, err := bare.Start(context.Background(), Request{Recipients: recipients("u1"), Message: Message{Text: "x"}}); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("err=%v, want ErrNoTransport", err)
	}
}

func TestLaunch_RejectsSecondRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{})
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	env.sender.hook = func(string) {
		entered <- struct{}{}
		<-release
	}
	ctx := context.Background()
	req := Request{Recipients: recipients("u1"), Message: Message{Text: "hello"}}

	id, err := env.engine.Launch(ctx, req)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	<-entered

	if _, err := env.engine.Start(ctx, req); !errors.Is(err, ErrAlreadyRunning) || !IsBusy(err) {
		t.Fatalf("second start err=%v", err)
	}
	if _, err := env.engine.Launch(ctx, req); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second launch err=%v", err)
	}
	if err := env.engine.TestSend(ctx, "u9", Message{Text: "t"}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("test send err=%v", err)
	}
	if p := env.engine.Progress(); !p.Active || p.RunID != id {
		t.Fatalf("progress %+v", p)
	}

	close(release)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := env.engine.WaitIdle(waitCtx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	if _, ok := env.engine.Runs().Get(id); !ok {
		t.Fatalf("run %s missing from history", id)
	}
	if env.engine.Runs().Len() != 1 {
		t.Fatalf("rejected runs must not be queued")
	}
}

func TestLaunch_PacesAndCancelWakesPause(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{})
	ctx := context.Background()
	_, err := env.engine.Launch(ctx, Request{
		Recipients: recipients("u1", "u2", "u3"),
		Message:    Message{Text: "hello"},
		Delay:      time.Minute,
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	env.clock.BlockUntil(t, 1)
	if got := env.sender.Sent(); len(got) != 1 {
		t.Fatalf("sent before pause elapsed: %v", got)
	}
	env.clock.Advance(time.Minute)
	env.clock.BlockUntil(t, 1)
	if got := env.sender.Sent(); len(got) != 2 {
		t.Fatalf("sent after one pause: %v", got)
	}

	env.engine.Cancel()
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := env.engine.WaitIdle(waitCtx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	runs := env.engine.Runs().List(0)
	if len(runs) != 1 || runs[0].State != RunCancelled || runs[0].TotalCount != 2 {
		t.Fatalf("runs %+v", runs)
	}
}

func TestCancel_NoopWhenIdle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{})
	if env.engine.Cancel() {
		t.Fatalf("cancel should report false when idle")
	}
	if p := env.engine.Progress(); p.Active || p.Percent != 0 {
		t.Fatalf("idle progress %+v", p)
	}
}

func TestTestSend_RendersWithoutLedger(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{})
	if err := env.engine.TestSend(context.Background(), "u1", Message{Text: "ping"}); err != nil {
		t.Fatalf("test send: %v", err)
	}
	if got := env.sender.Sent(); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("sent=%v", got)
	}
	if env.engine.Runs().Len() != 0 || len(env.engine.Ledger().Snapshot()) != 0 {
		t.Fatalf("test send must not leave history")
	}
}

type failingStore struct {
	storage.Store
}

func (failingStore) Set(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestStart_PersistFailureIsAWarning(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, failingStore{Store: storage.NewMemory()}, Settings{})
	rec, err := env.engine.Start(context.Background(), Request{
		Recipients: recipients("u1", "u2"),
		Message:    Message{Text: "hello"},
		Definition: "promo",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.SuccessCount != 2 {
		t.Fatalf("record %+v", rec)
	}
	if len(env.engine.Ledger().History("u1", "promo")) != 1 {
		t.Fatalf("in-memory ledger must stay authoritative")
	}
	env.sink.mu.Lock()
	defer env.sink.mu.Unlock()
	if len(env.sink.warnings) == 0 {
		t.Fatalf("expected persist warnings")
	}
}

func TestStart_DuplicateRecipientsSentOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{})
	if _, err := env.engine.Definitions().Create(context.Background(), Definition{Name: "promo", MaxRepeats: 1}); err != nil {
		t.Fatalf("create definition: %v", err)
	}
	rec, err := env.engine.Start(context.Background(), Request{
		Recipients: recipients("a", "b", "a"),
		Message:    Message{Text: "hello"},
		Definition: "promo",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := outcomeKinds(rec.Outcomes); got != "a:success b:success " {
		t.Fatalf("outcomes %q", got)
	}
	if got := env.sender.Sent(); len(got) != 2 {
		t.Fatalf("sent=%v", got)
	}
	if n := len(env.engine.Ledger().History("a", "promo")); n != 1 {
		t.Fatalf("ledger entries for a=%d, want 1", n)
	}
}

func TestStart_SenderPanicIsAFailedSend(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{})
	env.sender.hook = func(id string) {
		if id == "b" {
			panic("nil keyboard")
		}
	}
	rec, err := env.engine.Start(context.Background(), Request{
		Recipients: recipients("a", "b", "c"),
		Message:    Message{Text: "hello"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := outcomeKinds(rec.Outcomes); got != "a:success b:failed c:success " {
		t.Fatalf("outcomes %q", got)
	}
	if p := env.engine.Progress(); p.Active {
		t.Fatalf("engine still busy: %+v", p)
	}

	env.sender.hook = nil
	if _, err := env.engine.Start(context.Background(), Request{
		Recipients: recipients("d"),
		Message:    Message{Text: "again"},
	}); err != nil {
		t.Fatalf("second start: %v", err)
	}
}

func TestLaunch_SenderPanicKeepsEngineUsable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{})
	env.sender.hook = func(string) { panic("boom") }
	id, err := env.engine.Launch(context.Background(), Request{
		Recipients: recipients("a"),
		Message:    Message{Text: "hello"},
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitIdle(t, env.engine)
	rec, ok := env.engine.Runs().Get(id)
	if !ok || rec.FailedCount != 1 {
		t.Fatalf("record ok=%v %+v", ok, rec)
	}
	if !strings.Contains(rec.Outcomes[0].Reason, "boom") {
		t.Fatalf("reason %q", rec.Outcomes[0].Reason)
	}
}

func TestClose_WaitsForSyncRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, Settings{})
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	env.sender.hook = func(string) {
		entered <- struct{}{}
		<-release
	}
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_, _ = env.engine.Start(context.Background(), Request{
			Recipients: recipients("a", "b"),
			Message:    Message{Text: "hello"},
		})
	}()
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- env.engine.Close(context.Background()) }()
	select {
	case <-closed:
		t.Fatalf("close returned while a send was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not return after the run finished")
	}
	<-runDone
}
