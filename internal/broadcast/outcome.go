package broadcast

import "time"

type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailed  OutcomeKind = "failed"
	OutcomeSkipped OutcomeKind = "skipped"
)

// ReasonThrottle is the skip reason for recipients rejected by the throttle policy.
const ReasonThrottle = "throttle"

// Outcome is the per-recipient result of a run.
//
// Kind selects the variant: Success carries no reason, Failed carries the
// transport error and Skipped carries the skip reason plus the policy rule
// that fired in Detail.
type Outcome struct {
	RecipientID string      `json:"recipient_id"`
	Kind        OutcomeKind `json:"outcome"`
	Reason      string      `json:"reason,omitempty"`
	Detail      string      `json:"detail,omitempty"`
	At          time.Time   `json:"at"`
}

func Success(id string, at time.Time) Outcome {
	return Outcome{RecipientID: id, Kind: OutcomeSuccess, At: at}
}

func Failed(id, reason string, at time.Time) Outcome {
	return Outcome{RecipientID: id, Kind: OutcomeFailed, Reason: reason, At: at}
}

func Skipped(id, reason, detail string, at time.Time) Outcome {
	return Outcome{RecipientID: id, Kind: OutcomeSkipped, Reason: reason, Detail: detail, At: at}
}

type tally struct {
	success, failed, skipped int
}

func countOutcomes(outs []Outcome) tally {
	var t tally
	for _, o := range outs {
		switch o.Kind {
		case OutcomeSuccess:
			t.success++
		case OutcomeFailed:
			t.failed++
		case OutcomeSkipped:
			t.skipped++
		}
	}
	return t
}
