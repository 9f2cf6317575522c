package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tgsender/internal/broadcast"
	"tgsender/internal/recipients"
	"tgsender/internal/transport"
)

type sentText struct {
	chat int64
	text string
}

type chanSender struct{ ch chan sentText }

func (s chanSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	s.ch <- sentText{chat: to.ChatID, text: text}
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

type fakeEngine struct {
	mu          sync.Mutex
	progress    broadcast.Progress
	slot        *broadcast.ScheduledBroadcast
	cancelled   int
	unscheduled int
}

func (e *fakeEngine) Progress() broadcast.Progress { return e.progress }

func (e *fakeEngine) Current() (broadcast.ScheduledBroadcast, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.slot == nil {
		return broadcast.ScheduledBroadcast{}, false
	}
	return *e.slot, true
}

func (e *fakeEngine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled++
	return e.progress.Active
}

func (e *fakeEngine) CancelSchedule(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	had := e.slot != nil
	e.slot = nil
	e.unscheduled++
	return had, nil
}

type fakeDirectory struct {
	mu   sync.Mutex
	recs []broadcast.Recipient
}

func (d *fakeDirectory) Upsert(_ context.Context, r broadcast.Recipient) (recipients.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recs = append(d.recs, r)
	return recipients.Record{Recipient: r}, nil
}

const operatorID = 42

func startRouter(t *testing.T, eng *fakeEngine, dir *fakeDirectory) (chan<- transport.Update, <-chan sentText) {
	t.Helper()
	out := make(chan sentText, 16)
	r := New(Options{
		Engine:    eng,
		Directory: dir,
		Out:       chanSender{ch: out},
		Operators: []int64{operatorID},
		Location:  time.UTC,
	})
	updates := make(chan transport.Update)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates, out
}

func send(updates chan<- transport.Update, from int64, text string) {
	updates <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ChatID:        from,
		FromID:        from,
		FromFirstName: "Ann",
		FromUsername:  "ann",
		Text:          text,
		IsPrivate:     true,
	}}
}

func reply(t *testing.T, out <-chan sentText) sentText {
	t.Helper()
	select {
	case s := <-out:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply")
		return sentText{}
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		name string
		args []string
		ok   bool
	}{
		{in: "/start", name: "start", ok: true},
		{in: "  /Status@my_bot now ", name: "status", args: []string{"now"}, ok: true},
		{in: "hello", ok: false},
		{in: "/", ok: false},
		{in: "/@bot", ok: false},
	}
	for _, tc := range cases {
		name, args, ok := parseCommand(tc.in)
		if ok != tc.ok || name != tc.name || len(args) != len(tc.args) {
			t.Fatalf("parseCommand(%q) = %q %v %v", tc.in, name, args, ok)
		}
	}
}

func TestStart_RegistersRecipient(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{}
	updates, out := startRouter(t, &fakeEngine{}, dir)
	send(updates, 1001, "/start")

	if got := reply(t, out); got.chat != 1001 || !strings.Contains(got.text, "subscribed") {
		t.Fatalf("reply=%+v", got)
	}
	dir.mu.Lock()
	defer dir.mu.Unlock()
	if len(dir.recs) != 1 || dir.recs[0].ID != "1001" || dir.recs[0].FirstName != "Ann" || dir.recs[0].Username != "ann" {
		t.Fatalf("recs=%+v", dir.recs)
	}
}

func TestOperatorCommands_RejectStrangers(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{progress: broadcast.Progress{Active: true}}
	updates, out := startRouter(t, eng, &fakeDirectory{})

	for _, cmd := range []string{"/status", "/cancel", "/unschedule"} {
		send(updates, 7, cmd)
		if got := reply(t, out); got.text != "unauthorized" {
			t.Fatalf("%s reply=%q", cmd, got.text)
		}
	}
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.cancelled != 0 || eng.unscheduled != 0 {
		t.Fatalf("engine touched by stranger: %+v", eng)
	}
}

func TestStatus_ShowsProgressAndSlot(t *testing.T) {
	t.Parallel()

	due := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	eng := &fakeEngine{
		progress: broadcast.Progress{RunID: "abcdef123456", Active: true, Percent: 40, Attempted: 2, Eligible: 5, Total: 6},
		slot:     &broadcast.ScheduledBroadcast{DueMs: due.UnixMilli(), RecipientIDs: []string{"1", "2"}, Definition: "promo"},
	}
	updates, out := startRouter(t, eng, &fakeDirectory{})
	send(updates, operatorID, "/status")

	got := reply(t, out).text
	for _, want := range []string{"abcdef12", "40%", "2/5", "2026-03-01 09:30", "2 recipients", `"promo"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("status %q missing %q", got, want)
		}
	}
}

func TestCancelAndUnschedule(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{slot: &broadcast.ScheduledBroadcast{DueMs: 1}}
	updates, out := startRouter(t, eng, &fakeDirectory{})

	send(updates, operatorID, "/cancel")
	if got := reply(t, out).text; got != "No active run." {
		t.Fatalf("cancel reply=%q", got)
	}
	send(updates, operatorID, "/unschedule")
	if got := reply(t, out).text; got != "Scheduled broadcast cancelled." {
		t.Fatalf("unschedule reply=%q", got)
	}
	send(updates, operatorID, "/unschedule")
	if got := reply(t, out).text; got != "Nothing scheduled." {
		t.Fatalf("second unschedule reply=%q", got)
	}
}

func TestHelp_HidesOperatorCommands(t *testing.T) {
	t.Parallel()

	updates, out := startRouter(t, &fakeEngine{}, &fakeDirectory{})

	send(updates, 7, "/help")
	if got := reply(t, out).text; strings.Contains(got, "/cancel") || !strings.Contains(got, "/start") {
		t.Fatalf("stranger help=%q", got)
	}
	send(updates, operatorID, "/help")
	if got := reply(t, out).text; !strings.Contains(got, "/cancel") {
		t.Fatalf("operator help=%q", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	updates, out := startRouter(t, &fakeEngine{}, &fakeDirectory{})
	send(updates, 7, "/nope")
	if got := reply(t, out).text; !strings.Contains(got, "/help") {
		t.Fatalf("reply=%q", got)
	}
}
