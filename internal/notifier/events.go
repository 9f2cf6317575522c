package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tgsender/internal/broadcast"
	"tgsender/internal/eventbus"
	logx "tgsender/pkg/logx"
)

// Consume turns engine events into operator notifications until ctx is
// done or the channel closes.
func (s *Service) Consume(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n, ok := s.format(ev)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, n); err != nil && !errors.Is(err, ErrDisabled) && !errors.Is(err, ErrNoTarget) {
				s.log.Debug("notification not queued", logx.String("event", ev.Type), logx.Err(err))
			}
		}
	}
}

func (s *Service) format(ev eventbus.Event) (Notification, bool) {
	s.mu.Lock()
	loc := s.cfg.Location
	s.mu.Unlock()
	if loc == nil {
		loc = time.UTC
	}
	switch d := ev.Data.(type) {
	case broadcast.RunRecord:
		return runSummary(d, loc), true
	case broadcast.ScheduleState:
		return scheduleChange(d, loc), true
	case broadcast.PersistWarning:
		return Notification{Priority: 7, Text: fmt.Sprintf("Could not save %s: %s", d.Key, d.Err)}, true
	}
	return Notification{}, false
}

func runSummary(r broadcast.RunRecord, loc *time.Location) Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "Broadcast %s (%s, %s)\n", r.Status, r.Trigger, r.FinishedAt.In(loc).Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Delivered %d/%d", r.SuccessCount, r.TotalCount)
	if r.FailedCount > 0 {
		fmt.Fprintf(&b, ", failed %d", r.FailedCount)
	}
	if r.SkippedCount > 0 {
		fmt.Fprintf(&b, ", skipped %d", r.SkippedCount)
	}
	if r.Definition != "" {
		fmt.Fprintf(&b, "\nDefinition: %s", r.Definition)
	}
	p := 5
	switch r.Status {
	case "failed":
		p = 9
	case "partial", "cancelled":
		p = 7
	}
	return Notification{Priority: p, Text: b.String()}
}

func scheduleChange(c broadcast.ScheduleState, loc *time.Location) Notification {
	if c.Armed {
		text := "Broadcast scheduled for " + c.Due.In(loc).Format("2006-01-02 15:04")
		if c.Slot != nil {
			text += fmt.Sprintf(" to %d recipients", len(c.Slot.RecipientIDs))
		}
		return Notification{Priority: 5, Text: text}
	}
	reason := c.Reason
	if reason == "" {
		reason = "cleared"
	}
	return Notification{Priority: 5, Text: "Scheduled broadcast " + reason}
}
