// Package recipients is the storage-backed recipient directory, saved
// recipient lists and per-recipient message history.
package recipients

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"tgsender/internal/broadcast"
	"tgsender/internal/storage"
	logx "tgsender/pkg/logx"
)

const (
	keyRecipients = "recipients"
	keyLists      = "recipient_lists"

	// HistoryCap is the number of messages kept per recipient.
	HistoryCap = 50
)

var (
	ErrNotFound = errors.New("recipient not found")
	ErrNoList   = errors.New("recipient list not found")
)

// History item statuses.
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

type HistoryItem struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
	Status  string    `json:"status"`
	RunID   string    `json:"run_id,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Record is a directory entry.
type Record struct {
	broadcast.Recipient
	CreatedAt time.Time     `json:"created_at"`
	LastSent  *time.Time    `json:"last_sent,omitempty"`
	History   []HistoryItem `json:"history,omitempty"`
}

// List is a named, ordered set of recipient IDs.
type List struct {
	Name         string    `json:"name"`
	RecipientIDs []string  `json:"recipient_ids"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Directory struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	mu    sync.RWMutex
	recs  map[string]*Record
	lists map[string]List

	persistMu sync.Mutex
}

func New(st storage.Store, log logx.Logger, now func() time.Time) *Directory {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Directory{
		store: st,
		log:   log.With(logx.String("comp", "recipients")),
		now:   now,
		recs:  map[string]*Record{},
		lists: map[string]List{},
	}
}

// Load reads the directory and the saved lists. Corrupt values are
// discarded with a warning.
func (d *Directory) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	var recs []Record
	if _, err := storage.GetJSON(ctx, d.store, keyRecipients, &recs); err != nil {
		var ce *storage.CorruptError
		if !errors.As(err, &ce) {
			return err
		}
		d.log.Warn("recipient directory corrupt; starting empty", logx.Err(err))
		recs = nil
	}
	var lists []List
	if _, err := storage.GetJSON(ctx, d.store, keyLists, &lists); err != nil {
		var ce *storage.CorruptError
		if !errors.As(err, &ce) {
			return err
		}
		d.log.Warn("recipient lists corrupt; starting empty", logx.Err(err))
		lists = nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.recs = make(map[string]*Record, len(recs))
	for i := range recs {
		r := recs[i]
		if r.ID != "" {
			d.recs[r.ID] = &r
		}
	}
	d.lists = make(map[string]List, len(lists))
	for _, l := range lists {
		d.lists[listKey(l.Name)] = l
	}
	return nil
}

// Upsert adds r or updates its display fields. CreatedAt, LastSent and the
// message history are kept.
func (d *Directory) Upsert(ctx context.Context, r broadcast.Recipient) (Record, error) {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return Record{}, &broadcast.ValidationError{Field: "id", Msg: "required"}
	}
	d.mu.Lock()
	rec, ok := d.recs[r.ID]
	if !ok {
		rec = &Record{CreatedAt: d.now()}
		d.recs[r.ID] = rec
	}
	rec.Recipient = r
	out := cloneRecord(rec)
	d.mu.Unlock()
	return out, d.persistRecipients(ctx)
}

func (d *Directory) Get(id string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.recs[id]
	if !ok {
		return Record{}, false
	}
	return cloneRecord(rec), true
}

// List returns every record ordered by ID.
func (d *Directory) List() []Record {
	d.mu.RLock()
	out := make([]Record, 0, len(d.recs))
	for _, rec := range d.recs {
		out = append(out, cloneRecord(rec))
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	if _, ok := d.recs[id]; !ok {
		d.mu.Unlock()
		return ErrNotFound
	}
	delete(d.recs, id)
	d.mu.Unlock()
	return d.persistRecipients(ctx)
}

// Resolve implements broadcast.RecipientResolver. Unknown IDs come back as
// bare recipients so a run never drops them.
func (d *Directory) Resolve(_ context.Context, ids []string) []broadcast.Recipient {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]broadcast.Recipient, 0, len(ids))
	for _, id := range ids {
		if rec, ok := d.recs[id]; ok {
			out = append(out, rec.Recipient)
			continue
		}
		out = append(out, broadcast.Recipient{ID: id})
	}
	return out
}

// AppendHistory records one message for id, keeping the newest HistoryCap
// items. A delivered item also moves LastSent.
func (d *Directory) AppendHistory(ctx context.Context, id string, item HistoryItem) error {
	d.mu.Lock()
	if !d.appendLocked(id, item) {
		d.mu.Unlock()
		return ErrNotFound
	}
	d.mu.Unlock()
	return d.persistRecipients(ctx)
}

func (d *Directory) appendLocked(id string, item HistoryItem) bool {
	rec, ok := d.recs[id]
	if !ok {
		return false
	}
	rec.History = append(rec.History, item)
	if over := len(rec.History) - HistoryCap; over > 0 {
		rec.History = append([]HistoryItem(nil), rec.History[over:]...)
	}
	if item.Status == StatusDelivered {
		at := item.At
		rec.LastSent = &at
	}
	return true
}

// RecordRun appends one history item per attempted recipient of a finished
// run and persists once. Recipients missing from the directory are ignored.
func (d *Directory) RecordRun(ctx context.Context, run broadcast.RunRecord) error {
	changed := 0
	d.mu.Lock()
	for _, o := range run.Outcomes {
		item := HistoryItem{At: o.At, Message: run.Message, RunID: run.ID}
		switch o.Kind {
		case broadcast.OutcomeSuccess:
			item.Status = StatusDelivered
		case broadcast.OutcomeFailed:
			item.Status = StatusFailed
			item.Error = o.Reason
		default:
			continue
		}
		if d.appendLocked(o.RecipientID, item) {
			changed++
		}
	}
	d.mu.Unlock()
	if changed == 0 {
		return nil
	}
	return d.persistRecipients(ctx)
}

func listKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// SaveList creates or replaces a named list. Duplicate IDs are dropped,
// first occurrence wins.
func (d *Directory) SaveList(ctx context.Context, name string, ids []string) (List, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return List{}, &broadcast.ValidationError{Field: "name", Msg: "required"}
	}
	seen := make(map[string]struct{}, len(ids))
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		clean = append(clean, id)
	}
	if len(clean) == 0 {
		return List{}, broadcast.ErrNoRecipients
	}
	l := List{Name: name, RecipientIDs: clean, UpdatedAt: d.now()}
	d.mu.Lock()
	d.lists[listKey(name)] = l
	d.mu.Unlock()
	return l, d.persistLists(ctx)
}

func (d *Directory) GetList(name string) (List, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.lists[listKey(name)]
	if !ok {
		return List{}, false
	}
	l.RecipientIDs = append([]string(nil), l.RecipientIDs...)
	return l, true
}

func (d *Directory) DeleteList(ctx context.Context, name string) error {
	k := listKey(name)
	d.mu.Lock()
	if _, ok := d.lists[k]; !ok {
		d.mu.Unlock()
		return ErrNoList
	}
	delete(d.lists, k)
	d.mu.Unlock()
	return d.persistLists(ctx)
}

// Lists returns every saved list ordered by name.
func (d *Directory) Lists() []List {
	d.mu.RLock()
	out := make([]List, 0, len(d.lists))
	for _, l := range d.lists {
		out = append(out, l)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return listKey(out[i].Name) < listKey(out[j].Name) })
	return out
}

func (d *Directory) persistRecipients(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	d.persistMu.Lock()
	defer d.persistMu.Unlock()
	if err := storage.SetJSON(ctx, d.store, keyRecipients, d.List()); err != nil {
		return &broadcast.PersistError{Key: keyRecipients, Err: err}
	}
	return nil
}

func (d *Directory) persistLists(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	d.persistMu.Lock()
	defer d.persistMu.Unlock()
	if err := storage.SetJSON(ctx, d.store, keyLists, d.Lists()); err != nil {
		return &broadcast.PersistError{Key: keyLists, Err: err}
	}
	return nil
}

func cloneRecord(r *Record) Record {
	out := *r
	if r.Fields != nil {
		out.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	out.History = append([]HistoryItem(nil), r.History...)
	if r.LastSent != nil {
		t := *r.LastSent
		out.LastSent = &t
	}
	return out
}
