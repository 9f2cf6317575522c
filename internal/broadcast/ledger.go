package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"tgsender/internal/storage"
	logx "tgsender/pkg/logx"
)

const (
	keyLedger        = "ledger"
	DefaultLedgerCap = 20
)

// LedgerEntry is one recorded delivery. Ordinal is 1-based per
// (recipient, definition) pair and keeps counting after old entries roll off.
type LedgerEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Ordinal   int       `json:"ordinal"`
}

// ledgerData is recipient -> lowercased definition name -> entries, oldest first.
type ledgerData map[string]map[string][]LedgerEntry

// Ledger is the in-memory, write-through delivery ledger.
type Ledger struct {
	store storage.Store
	log   logx.Logger

	mu   sync.RWMutex
	data ledgerData
	cap  int

	// persistMu keeps snapshot writes in mutation order.
	persistMu sync.Mutex
}

func NewLedger(st storage.Store, capacity int, log logx.Logger) *Ledger {
	if capacity <= 0 {
		capacity = DefaultLedgerCap
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{store: st, log: log, data: ledgerData{}, cap: capacity}
}

// Load replaces the in-memory ledger with the persisted one. A corrupt
// snapshot is discarded and the ledger starts empty.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	var d ledgerData
	ok, err := storage.GetJSON(ctx, l.store, keyLedger, &d)
	var ce *storage.CorruptError
	if errors.As(err, &ce) {
		l.log.Warn("ledger snapshot corrupt; starting empty", logx.Err(err))
		d, ok, err = nil, false, nil
	}
	if err != nil {
		return err
	}
	if !ok || d == nil {
		d = ledgerData{}
	}
	l.mu.Lock()
	l.data = d
	l.trimAllLocked()
	l.mu.Unlock()
	return nil
}

func (l *Ledger) SetCap(n int) {
	if n <= 0 {
		n = DefaultLedgerCap
	}
	l.mu.Lock()
	l.cap = n
	l.trimAllLocked()
	l.mu.Unlock()
}

func normName(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// RecordSend appends an entry for (recipient, name). The in-memory update is
// visible immediately; a failed persist is returned as *PersistError.
func (l *Ledger) RecordSend(ctx context.Context, recipientID, name string, at time.Time) (LedgerEntry, error) {
	key := normName(name)
	l.mu.Lock()
	byName := l.data[recipientID]
	if byName == nil {
		byName = map[string][]LedgerEntry{}
		l.data[recipientID] = byName
	}
	entries := byName[key]
	ordinal := 1
	if n := len(entries); n > 0 {
		ordinal = entries[n-1].Ordinal + 1
	}
	e := LedgerEntry{Timestamp: at, Ordinal: ordinal}
	entries = append(entries, e)
	if over := len(entries) - l.cap; over > 0 {
		entries = append([]LedgerEntry(nil), entries[over:]...)
	}
	byName[key] = entries
	l.mu.Unlock()

	return e, l.persist(ctx)
}

// History returns a copy of the entries for (recipient, name), oldest first.
func (l *Ledger) History(recipientID, name string) []LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src := l.data[recipientID][normName(name)]
	if len(src) == 0 {
		return nil
	}
	return append([]LedgerEntry(nil), src...)
}

// Snapshot returns a deep copy of the whole ledger.
func (l *Ledger) Snapshot() map[string]map[string][]LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cloneLocked()
}

func (l *Ledger) Reset(ctx context.Context) error {
	l.mu.Lock()
	l.data = ledgerData{}
	l.mu.Unlock()
	return l.persist(ctx)
}

// ResetRecipient forgets every entry of one recipient. It reports whether
// anything was removed.
func (l *Ledger) ResetRecipient(ctx context.Context, recipientID string) (bool, error) {
	l.mu.Lock()
	_, ok := l.data[recipientID]
	delete(l.data, recipientID)
	l.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, l.persist(ctx)
}

func (l *Ledger) persist(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	l.mu.RLock()
	snap := l.cloneLocked()
	l.mu.RUnlock()

	if err := storage.SetJSON(ctx, l.store, keyLedger, snap); err != nil {
		return &PersistError{Key: keyLedger, Err: err}
	}
	return nil
}

func (l *Ledger) cloneLocked() ledgerData {
	out := make(ledgerData, len(l.data))
	for rid, byName := range l.data {
		m := make(map[string][]LedgerEntry, len(byName))
		for k, v := range byName {
			m[k] = append([]LedgerEntry(nil), v...)
		}
		out[rid] = m
	}
	return out
}

func (l *Ledger) trimAllLocked() {
	for _, byName := range l.data {
		for k, v := range byName {
			if over := len(v) - l.cap; over > 0 {
				byName[k] = append([]LedgerEntry(nil), v[over:]...)
			}
		}
	}
}
