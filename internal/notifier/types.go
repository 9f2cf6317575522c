package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	// Location formats times in messages. Nil means UTC.
	Location *time.Location
}

// Notification is one operator message. Higher priorities get a prefix.
type Notification struct {
	Text     string
	Priority int
}

type HistoryItem struct {
	At   time.Time
	Text string
	Err  string
}
