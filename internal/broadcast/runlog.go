package broadcast

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"tgsender/internal/storage"
	logx "tgsender/pkg/logx"
)

const (
	keyRunHistory        = "run_history"
	DefaultRunHistoryCap = 50
)

// RunState is the terminal state of a run.
type RunState string

const (
	RunCompleted RunState = "completed"
	RunCancelled RunState = "cancelled"
)

// RunRecord is the summary of one finished run. Outcomes are in input order.
type RunRecord struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	FinishedAt   time.Time `json:"finished_at"`
	Message      string    `json:"message"`
	Definition   string    `json:"definition,omitempty"`
	Trigger      string    `json:"trigger"`
	State        RunState  `json:"state"`
	Status       string    `json:"status"`
	SuccessCount int       `json:"success_count"`
	FailedCount  int       `json:"failed_count"`
	SkippedCount int       `json:"skipped_count"`
	TotalCount   int       `json:"total_count"`
	Outcomes     []Outcome `json:"outcomes"`
	RecipientIDs []string  `json:"recipient_ids"`
}

// summarize fills the counters and the coarse status from Outcomes.
func (r *RunRecord) summarize() {
	t := countOutcomes(r.Outcomes)
	r.SuccessCount, r.FailedCount, r.SkippedCount = t.success, t.failed, t.skipped
	r.TotalCount = len(r.Outcomes)
	switch {
	case r.State == RunCancelled:
		r.Status = "cancelled"
	case t.failed == 0:
		r.Status = "success"
	case t.success == 0:
		r.Status = "failed"
	default:
		r.Status = "partial"
	}
}

// RunLog is the bounded, persisted history of finished runs, newest last.
type RunLog struct {
	store storage.Store
	log   logx.Logger

	mu   sync.RWMutex
	runs []RunRecord
	cap  int

	persistMu sync.Mutex
}

func NewRunLog(st storage.Store, capacity int, log logx.Logger) *RunLog {
	if capacity <= 0 {
		capacity = DefaultRunHistoryCap
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RunLog{store: st, log: log, cap: capacity}
}

func (l *RunLog) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	var runs []RunRecord
	_, err := storage.GetJSON(ctx, l.store, keyRunHistory, &runs)
	var ce *storage.CorruptError
	if errors.As(err, &ce) {
		l.log.Warn("run history corrupt; starting empty", logx.Err(err))
		runs, err = nil, nil
	}
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.runs = runs
	l.trimLocked()
	l.mu.Unlock()
	return nil
}

func (l *RunLog) SetCap(n int) {
	if n <= 0 {
		n = DefaultRunHistoryCap
	}
	l.mu.Lock()
	l.cap = n
	l.trimLocked()
	l.mu.Unlock()
}

// Append adds r and evicts the oldest records beyond the cap.
func (l *RunLog) Append(ctx context.Context, r RunRecord) error {
	l.mu.Lock()
	l.runs = append(l.runs, r)
	l.trimLocked()
	l.mu.Unlock()
	return l.persist(ctx)
}

// List returns up to limit most recent records in insertion order, newest
// last. limit <= 0 returns all.
func (l *RunLog) List(limit int) []RunRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := 0
	if limit > 0 && limit < len(l.runs) {
		start = len(l.runs) - limit
	}
	return append([]RunRecord(nil), l.runs[start:]...)
}

func (l *RunLog) Get(id string) (RunRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.runs {
		if r.ID == id {
			return r, true
		}
	}
	return RunRecord{}, false
}

func (l *RunLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.runs)
}

func (l *RunLog) Clear(ctx context.Context) error {
	l.mu.Lock()
	l.runs = nil
	l.mu.Unlock()
	return l.persist(ctx)
}

// WriteCSV exports one row per run in insertion order.
func (l *RunLog) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"timestamp", "id", "state", "status", "message",
		"success", "total", "skipped", "failed", "trigger",
	}); err != nil {
		return err
	}
	for _, r := range l.List(0) {
		row := []string{
			r.Timestamp.UTC().Format(time.RFC3339),
			r.ID,
			string(r.State),
			r.Status,
			truncateRunes(r.Message, 50),
			strconv.Itoa(r.SuccessCount),
			strconv.Itoa(r.TotalCount),
			strconv.Itoa(r.SkippedCount),
			strconv.Itoa(r.FailedCount),
			r.Trigger,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func (l *RunLog) persist(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	l.mu.RLock()
	snap := append([]RunRecord(nil), l.runs...)
	l.mu.RUnlock()
	if err := storage.SetJSON(ctx, l.store, keyRunHistory, snap); err != nil {
		return &PersistError{Key: keyRunHistory, Err: err}
	}
	return nil
}

func (l *RunLog) trimLocked() {
	if over := len(l.runs) - l.cap; over > 0 {
		l.runs = append([]RunRecord(nil), l.runs[over:]...)
	}
}
