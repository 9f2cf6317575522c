package broadcast

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseDue resolves an operator-supplied due time relative to now.
//
// Supported forms:
//   - RFC3339: "2026-05-01T09:00:00+07:00"
//   - local date-time: "2026-05-01 09:00" (in loc)
//   - offset: "+90m", "+2h30m"
//   - HH:MM: "09:30", the next occurrence in loc
//   - cron: "0 9 * * 1", "@daily" or "cron:<expr>", the next activation
func ParseDue(raw string, now time.Time, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, &ValidationError{Field: "due", Msg: "required"}
	}
	if loc == nil {
		loc = time.Local
	}
	if expr, ok := strings.CutPrefix(s, "cron:"); ok {
		return nextCron(expr, now, loc)
	}
	if off, ok := strings.CutPrefix(s, "+"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(off))
		if err != nil || d <= 0 {
			return time.Time{}, &ValidationError{Field: "due", Msg: fmt.Sprintf("invalid offset %q", s)}
		}
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, loc); err == nil {
		return t, nil
	}
	if h, m, err := parseHHMM(s); err == nil {
		local := now.In(loc)
		t := time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc)
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}
	return nextCron(s, now, loc)
}

func nextCron(expr string, now time.Time, loc *time.Location) (time.Time, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return time.Time{}, &ValidationError{Field: "due", Msg: fmt.Sprintf("unrecognised due time %q", expr)}
	}
	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return time.Time{}, &ValidationError{Field: "due", Msg: fmt.Sprintf("cron %q never fires", expr)}
	}
	return next, nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
