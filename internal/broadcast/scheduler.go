package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"tgsender/internal/transport"
	logx "tgsender/pkg/logx"
)

const keyScheduled = "scheduled_broadcast"

// ScheduledBroadcast is the single pending broadcast, as persisted.
//
// Token identifies this slot instance. Firing claims the slot by deleting
// the stored value only if it is still byte-identical, so a second process
// holding the same slot loses the claim.
type ScheduledBroadcast struct {
	DueMs        int64                `json:"dueTimestamp"`
	Message      string               `json:"message"`
	RecipientIDs []string             `json:"recipientIds"`
	DelayMs      int64                `json:"interMessageDelayMs"`
	Definition   string               `json:"definition,omitempty"`
	Buttons      [][]transport.Button `json:"buttons,omitempty"`
	Token        string               `json:"token,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
}

func (s ScheduledBroadcast) Due() time.Time { return time.UnixMilli(s.DueMs) }

type ScheduleRequest struct {
	Due          time.Time
	Message      Message
	RecipientIDs []string
	// Delay is the pause between eligible sends. Negative uses the
	// configured default.
	Delay      time.Duration
	Definition string
}

// Schedule arms the single slot. Only one broadcast may be pending; cancel
// the current one first.
func (e *Engine) Schedule(ctx context.Context, req ScheduleRequest) (ScheduledBroadcast, error) {
	if len(req.RecipientIDs) == 0 {
		return ScheduledBroadcast{}, ErrNoRecipients
	}
	if strings.TrimSpace(req.Message.Text) == "" {
		return ScheduledBroadcast{}, ErrEmptyMessage
	}
	now := e.clock.Now()
	if !req.Due.After(now) {
		return ScheduledBroadcast{}, ErrInThePast
	}

	e.schedMu.Lock()
	defer e.schedMu.Unlock()

	e.mu.Lock()
	if e.state.closed {
		e.mu.Unlock()
		return ScheduledBroadcast{}, ErrClosed
	}
	if e.state.slot != nil {
		e.mu.Unlock()
		return ScheduledBroadcast{}, ErrAlreadyScheduled
	}
	delay := req.Delay
	if delay < 0 {
		delay = e.settings.DefaultDelay
	}
	e.mu.Unlock()

	slot := ScheduledBroadcast{
		DueMs:        req.Due.UnixMilli(),
		Message:      req.Message.Text,
		RecipientIDs: append([]string(nil), req.RecipientIDs...),
		DelayMs:      delay.Milliseconds(),
		Definition:   strings.TrimSpace(req.Definition),
		Buttons:      req.Message.Buttons,
		Token:        uuid.NewString(),
		CreatedAt:    now,
	}
	raw, err := json.Marshal(slot)
	if err != nil {
		return ScheduledBroadcast{}, err
	}
	persisted := true
	if err := e.store.Set(ctx, keyScheduled, raw); err != nil {
		persisted = false
		e.warnPersist(&PersistError{Key: keyScheduled, Err: err})
	}

	e.mu.Lock()
	e.state.slot = &slot
	e.state.slotRaw = raw
	e.state.slotPersisted = persisted
	e.mu.Unlock()

	e.arm(slot, slot.Due().Sub(now))
	e.log.Info("broadcast scheduled",
		logx.Time("due", slot.Due()),
		logx.Int("recipients", len(slot.RecipientIDs)),
		logx.String("definition", slot.Definition),
	)
	e.sink.OnScheduleChange(ScheduleState{Armed: true, Due: slot.Due(), Slot: &slot, Reason: "scheduled"})
	return slot, nil
}

func (e *Engine) arm(slot ScheduledBroadcast, d time.Duration) {
	token := slot.Token
	e.timer.Arm(d, func() {
		_, _ = e.fireScheduled(token)
	})
}

// CancelSchedule clears the slot. It reports whether one was armed.
func (e *Engine) CancelSchedule(ctx context.Context) (bool, error) {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()

	e.mu.Lock()
	slot := e.state.slot
	e.mu.Unlock()
	if slot == nil {
		return false, nil
	}
	e.timer.Disarm()
	e.clearSlot()
	if err := e.store.Remove(ctx, keyScheduled); err != nil {
		e.warnPersist(&PersistError{Key: keyScheduled, Err: err})
	}
	e.log.Info("scheduled broadcast cancelled", logx.Time("due", slot.Due()))
	e.sink.OnScheduleChange(ScheduleState{Reason: "cancelled"})
	return true, nil
}

func (e *Engine) clearSlot() {
	e.mu.Lock()
	e.state.slot = nil
	e.state.slotRaw = nil
	e.state.slotPersisted = false
	e.mu.Unlock()
}

// Current returns the armed slot, if any.
func (e *Engine) Current() (ScheduledBroadcast, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.slot == nil {
		return ScheduledBroadcast{}, false
	}
	return *e.state.slot, true
}

// Reconcile restores a persisted slot after a restart. An overdue slot fires
// after the reconcile grace; a future one is re-armed. Unreadable state is
// removed.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()

	e.mu.Lock()
	armed := e.state.slot != nil
	grace := e.settings.ReconcileGrace
	e.mu.Unlock()
	if armed {
		return nil
	}

	raw, ok, err := e.store.Get(ctx, keyScheduled)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var slot ScheduledBroadcast
	if err := json.Unmarshal(raw, &slot); err != nil || slot.DueMs <= 0 || len(slot.RecipientIDs) == 0 {
		if err == nil {
			err = errors.New("missing due time or recipients")
		}
		e.log.Warn("discarding unreadable scheduled broadcast", logx.Err(err))
		if rmErr := e.store.Remove(ctx, keyScheduled); rmErr != nil {
			e.warnPersist(&PersistError{Key: keyScheduled, Err: rmErr})
		}
		return nil
	}

	e.mu.Lock()
	e.state.slot = &slot
	e.state.slotRaw = raw
	e.state.slotPersisted = true
	e.mu.Unlock()

	now := e.clock.Now()
	wait := slot.Due().Sub(now)
	if wait <= 0 {
		e.log.Info("scheduled broadcast overdue; firing after grace",
			logx.Time("due", slot.Due()),
			logx.Duration("late", -wait),
			logx.Duration("grace", grace),
		)
		wait = grace
	} else {
		e.log.Info("scheduled broadcast restored", logx.Time("due", slot.Due()))
	}
	e.arm(slot, wait)
	e.sink.OnScheduleChange(ScheduleState{Armed: true, Due: slot.Due(), Slot: &slot, Reason: "restored"})
	return nil
}

// ExecuteNow fires the armed slot immediately. It refuses while a run is
// active so the slot is not consumed by a launch that cannot start.
func (e *Engine) ExecuteNow(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	busy := e.state.run != nil
	slot := e.state.slot
	e.mu.Unlock()
	if slot == nil {
		return "", ErrNotScheduled
	}
	if busy {
		return "", ErrAlreadyRunning
	}
	return e.fireScheduled(slot.Token)
}

// fireScheduled consumes the slot identified by token and launches its run.
// The slot is cleared whether or not the launch succeeds.
func (e *Engine) fireScheduled(token string) (string, error) {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()

	e.mu.Lock()
	slot, raw, persisted := e.state.slot, e.state.slotRaw, e.state.slotPersisted
	closed := e.state.closed
	e.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	if slot == nil || slot.Token != token {
		return "", ErrNotScheduled
	}
	e.timer.Disarm()
	ctx := e.baseCtx
	log := e.log.With(logx.String("token", token))

	if persisted {
		claimed, err := e.store.DeleteIf(ctx, keyScheduled, raw)
		switch {
		case err != nil:
			e.warnPersist(&PersistError{Key: keyScheduled, Err: err})
			// The launch goes ahead; the persisted slot must not fire again on the next Reconcile.
			if rmErr := e.store.Remove(ctx, keyScheduled); rmErr != nil {
				e.warnPersist(&PersistError{Key: keyScheduled, Err: rmErr})
			}
		case !claimed:
			e.clearSlot()
			e.metrics.SchedulerFire("lost")
			log.Info("scheduled broadcast already claimed elsewhere; skipping")
			e.sink.OnScheduleChange(ScheduleState{Reason: "claimed"})
			return "", ErrNotScheduled
		}
	}
	e.clearSlot()

	req := Request{
		Recipients: e.ResolveRecipients(ctx, slot.RecipientIDs),
		Message:    Message{Text: slot.Message, Buttons: slot.Buttons},
		Definition: slot.Definition,
		Delay:      time.Duration(slot.DelayMs) * time.Millisecond,
		Trigger:    TriggerScheduled,
	}
	id, err := e.Launch(ctx, req)
	if err != nil {
		e.metrics.SchedulerFire("dropped")
		log.Error("scheduled broadcast dropped", logx.Time("due", slot.Due()), logx.Err(err))
	} else {
		e.metrics.SchedulerFire("fired")
		log.Info("scheduled broadcast fired", logx.String("run", id), logx.Time("due", slot.Due()))
	}
	e.sink.OnScheduleChange(ScheduleState{Reason: "fired"})
	return id, err
}
