package broadcast

import (
	"strings"
	"time"

	"tgsender/internal/transport"
)

const day = 24 * time.Hour

// Definition is a named throttle policy plus an optional stored message.
//
// MaxRepeats caps lifetime deliveries per recipient. MinDaysBetween is the
// cool-down after the latest delivery, in (possibly fractional) days.
type Definition struct {
	Name           string               `json:"name"`
	MaxRepeats     int                  `json:"max_repeats"`
	MinDaysBetween float64              `json:"min_days_between"`
	Message        string               `json:"message,omitempty"`
	Buttons        [][]transport.Button `json:"buttons,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// DefaultDefinition is the policy for a name with no stored definition:
// deliver at most once.
func DefaultDefinition(name string) Definition {
	return Definition{Name: strings.TrimSpace(name), MaxRepeats: 1}
}

// Skip details reported on throttled outcomes.
const (
	RuleRepeatCap = "repeat_cap"
	RuleCooldown  = "cooldown"
)

// Decision is the throttle verdict for one recipient.
type Decision struct {
	Eligible bool   `json:"eligible"`
	Rule     string `json:"rule,omitempty"`
	// NextEligibleAt is set when a cool-down is the only blocker.
	NextEligibleAt time.Time `json:"next_eligible_at,omitempty"`
}

// Eligible evaluates def against history (oldest first). It is pure.
// A nil definition means the run is not throttled.
func Eligible(def *Definition, history []LedgerEntry, now time.Time) Decision {
	if def == nil || len(history) == 0 {
		return Decision{Eligible: true}
	}
	if def.MaxRepeats > 0 && len(history) >= def.MaxRepeats {
		return Decision{Rule: RuleRepeatCap}
	}
	// Ledger entries roll off at the cap, but ordinals keep counting.
	if def.MaxRepeats > 0 && history[len(history)-1].Ordinal >= def.MaxRepeats {
		return Decision{Rule: RuleRepeatCap}
	}
	if def.MinDaysBetween > 0 {
		last := history[len(history)-1].Timestamp
		elapsed := now.Sub(last).Hours() / 24
		if elapsed < def.MinDaysBetween {
			next := last.Add(time.Duration(def.MinDaysBetween * float64(day)))
			return Decision{Rule: RuleCooldown, NextEligibleAt: next}
		}
	}
	return Decision{Eligible: true}
}
