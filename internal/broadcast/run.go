package broadcast

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	logx "tgsender/pkg/logx"
)

// Run triggers.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// Request describes one delivery run.
type Request struct {
	Recipients []Recipient
	Message    Message
	// Definition names the throttle policy. Empty means not throttled.
	Definition string
	// Delay is the pause between eligible sends. Negative uses the
	// configured default.
	Delay   time.Duration
	Trigger string
}

type activeRun struct {
	id        string
	req       Request
	def       *Definition
	delay     time.Duration
	countFail bool
	startedAt time.Time

	// eligible is -1 until the recipients have been partitioned.
	eligible  atomic.Int64
	attempted atomic.Int64

	cancelled  atomic.Bool
	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

func (r *activeRun) cancel() {
	r.cancelOnce.Do(func() {
		r.cancelled.Store(true)
		close(r.cancelCh)
	})
}

func (r *activeRun) progress() Progress {
	p := Progress{RunID: r.id, Active: true, Total: len(r.req.Recipients)}
	elig := r.eligible.Load()
	if elig < 0 {
		return p
	}
	p.Eligible = int(elig)
	p.Attempted = int(r.attempted.Load())
	if elig == 0 {
		p.Percent = 100
	} else {
		p.Percent = float64(p.Attempted) / float64(elig) * 100
	}
	return p
}

func (e *Engine) validate(req Request) error {
	if e.currentSender() == nil {
		return ErrNoTransport
	}
	if len(req.Recipients) == 0 {
		return ErrNoRecipients
	}
	if strings.TrimSpace(req.Message.Text) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// begin validates req and registers it as the active run. The busy check
// and the registration happen under one lock.
func (e *Engine) begin(req Request) (*activeRun, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	req.Recipients = uniqueRecipients(req.Recipients)
	def := e.defs.Resolve(req.Definition)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.closed {
		return nil, ErrClosed
	}
	if e.state.run != nil {
		return nil, ErrAlreadyRunning
	}
	delay := req.Delay
	if delay < 0 {
		delay = e.settings.DefaultDelay
	}
	r := &activeRun{
		id:        uuid.NewString(),
		req:       req,
		def:       def,
		delay:     delay,
		countFail: e.settings.CountFailedAttempts,
		startedAt: e.clock.Now(),
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.eligible.Store(-1)
	e.state.run = r
	e.wg.Add(1)
	e.metrics.RunStarted()
	return r, nil
}

// uniqueRecipients drops repeated IDs, keeping the first occurrence.
func uniqueRecipients(in []Recipient) []Recipient {
	seen := make(map[string]struct{}, len(in))
	out := make([]Recipient, 0, len(in))
	for _, rc := range in {
		if _, ok := seen[rc.ID]; ok {
			continue
		}
		seen[rc.ID] = struct{}{}
		out = append(out, rc)
	}
	return out
}

// Start runs a broadcast on the calling goroutine and returns its record.
// ctx bounds the sends; use Cancel for a cooperative stop.
func (e *Engine) Start(ctx context.Context, req Request) (RunRecord, error) {
	r, err := e.begin(req)
	if err != nil {
		return RunRecord{}, err
	}
	defer e.wg.Done()
	return e.execute(ctx, r), nil
}

// Launch validates and registers the run, then executes it in the
// background. It returns the run ID.
func (e *Engine) Launch(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r, err := e.begin(req)
	if err != nil {
		return "", err
	}
	go func() {
		defer e.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				e.log.Error("panic in broadcast run", logx.String("run", r.id), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			}
		}()
		e.execute(e.baseCtx, r)
	}()
	return r.id, nil
}

// Cancel asks the active run to stop before its next recipient. An
// in-flight send is not interrupted. It reports whether a run was signalled.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	r := e.state.run
	e.mu.Unlock()
	if r == nil {
		return false
	}
	r.cancel()
	return true
}

func (e *Engine) Progress() Progress {
	e.mu.Lock()
	r := e.state.run
	e.mu.Unlock()
	if r == nil {
		return Progress{}
	}
	return r.progress()
}

func (e *Engine) execute(ctx context.Context, r *activeRun) RunRecord {
	log := e.log.With(logx.String("run", r.id), logx.String("trigger", r.req.Trigger))
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			e.mu.Lock()
			if e.state.run == r {
				e.state.run = nil
			}
			e.mu.Unlock()
			close(r.done)
		})
	}
	defer release()
	recipients := r.req.Recipients
	sender := e.currentSender()
	now := e.clock.Now()

	results := make([]*Outcome, len(recipients))
	eligible := make([]int, 0, len(recipients))
	for i, rc := range recipients {
		if r.def != nil {
			d := Eligible(r.def, e.ledger.History(rc.ID, r.def.Name), now)
			if !d.Eligible {
				o := Skipped(rc.ID, ReasonThrottle, d.Rule, now)
				results[i] = &o
				e.metrics.Send(string(OutcomeSkipped))
				continue
			}
		}
		eligible = append(eligible, i)
	}
	r.eligible.Store(int64(len(eligible)))
	log.Info("broadcast run started",
		logx.Int("recipients", len(recipients)),
		logx.Int("eligible", len(eligible)),
		logx.Duration("delay", r.delay),
	)
	e.sink.OnProgress(r.progress())

	// Ledger writes outlive a shutdown of the send context.
	writeCtx := context.WithoutCancel(ctx)
	state := RunCompleted
	for n, idx := range eligible {
		if r.cancelled.Load() || ctx.Err() != nil {
			state = RunCancelled
			break
		}
		rc := recipients[idx]
		msg := e.renderer.Render(rc, r.req.Message)

		if r.def != nil && r.countFail {
			e.record(writeCtx, rc.ID, r.def.Name)
		}
		err := sendOne(ctx, sender, rc, msg)
		at := e.clock.Now()
		var o Outcome
		if err != nil {
			o = Failed(rc.ID, err.Error(), at)
			log.Warn("send failed", logx.String("recipient", rc.ID), logx.Err(err))
		} else {
			o = Success(rc.ID, at)
			if r.def != nil && !r.countFail {
				e.record(writeCtx, rc.ID, r.def.Name)
			}
		}
		results[idx] = &o
		e.metrics.Send(string(o.Kind))
		r.attempted.Add(1)
		e.sink.OnProgress(r.progress())

		if n < len(eligible)-1 && r.delay > 0 {
			e.pause(ctx, r, r.delay)
		}
	}

	outcomes := make([]Outcome, 0, len(results))
	for _, o := range results {
		if o != nil {
			outcomes = append(outcomes, *o)
		}
	}
	ids := make([]string, 0, len(recipients))
	for _, rc := range recipients {
		ids = append(ids, rc.ID)
	}
	defName := ""
	if r.def != nil {
		defName = r.def.Name
	}
	rec := RunRecord{
		ID:           r.id,
		Timestamp:    r.startedAt,
		FinishedAt:   e.clock.Now(),
		Message:      r.req.Message.Text,
		Definition:   defName,
		Trigger:      r.req.Trigger,
		State:        state,
		Outcomes:     outcomes,
		RecipientIDs: ids,
	}
	rec.summarize()
	e.warnPersist(e.runs.Append(writeCtx, rec))

	release()

	e.metrics.RunFinished(string(state), r.req.Trigger, rec.FinishedAt.Sub(rec.Timestamp))
	log.Info("broadcast run finished",
		logx.String("state", string(state)),
		logx.Int("success", rec.SuccessCount),
		logx.Int("failed", rec.FailedCount),
		logx.Int("skipped", rec.SkippedCount),
	)
	e.sink.OnRunComplete(rec)
	return rec
}

// sendOne turns a panicking sender into a failed send.
func sendOne(ctx context.Context, s Sender, rc Recipient, m Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sender panic: %v", p)
		}
	}()
	return s.SendOne(ctx, rc, m)
}

func (e *Engine) record(ctx context.Context, recipientID, name string) {
	_, err := e.ledger.RecordSend(ctx, recipientID, name, e.clock.Now())
	e.warnPersist(err)
}

// pause waits d on the engine clock. Cancel and ctx end it early.
func (e *Engine) pause(ctx context.Context, r *activeRun, d time.Duration) {
	wake := make(chan struct{})
	t := e.clock.AfterFunc(d, func() { close(wake) })
	defer t.Stop()
	select {
	case <-wake:
	case <-r.cancelCh:
	case <-ctx.Done():
	}
}

// TestSend delivers one rendered message outside of a run. It writes no
// ledger entry and no run record.
func (e *Engine) TestSend(ctx context.Context, recipientID string, m Message) error {
	sender := e.currentSender()
	if sender == nil {
		return ErrNoTransport
	}
	if strings.TrimSpace(recipientID) == "" {
		return &ValidationError{Field: "recipient_id", Msg: "required"}
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyMessage
	}
	e.mu.Lock()
	busy := e.state.run != nil
	e.mu.Unlock()
	if busy {
		return ErrAlreadyRunning
	}
	rcs := e.ResolveRecipients(ctx, []string{recipientID})
	rc := Recipient{ID: recipientID}
	if len(rcs) > 0 {
		rc = rcs[0]
	}
	return sender.SendOne(ctx, rc, e.renderer.Render(rc, m))
}
