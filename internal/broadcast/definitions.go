package broadcast

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"tgsender/internal/storage"
	logx "tgsender/pkg/logx"
)

const keyDefinitions = "broadcast_definitions"

// Definitions is the named-policy registry. Names are matched case-insensitively.
type Definitions struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	mu   sync.RWMutex
	defs map[string]Definition

	persistMu sync.Mutex
}

func NewDefinitions(st storage.Store, log logx.Logger, now func() time.Time) *Definitions {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Definitions{store: st, log: log, now: now, defs: map[string]Definition{}}
}

func (d *Definitions) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	var list []Definition
	_, err := storage.GetJSON(ctx, d.store, keyDefinitions, &list)
	var ce *storage.CorruptError
	if errors.As(err, &ce) {
		d.log.Warn("definitions corrupt; starting empty", logx.Err(err))
		list, err = nil, nil
	}
	if err != nil {
		return err
	}
	m := make(map[string]Definition, len(list))
	for _, def := range list {
		if k := normName(def.Name); k != "" {
			m[k] = def
		}
	}
	d.mu.Lock()
	d.defs = m
	d.mu.Unlock()
	return nil
}

func validateDefinition(def Definition) error {
	if strings.TrimSpace(def.Name) == "" {
		return &ValidationError{Field: "name", Msg: "required"}
	}
	if def.MaxRepeats < 1 {
		return &ValidationError{Field: "max_repeats", Msg: "must be >= 1"}
	}
	if def.MinDaysBetween < 0 {
		return &ValidationError{Field: "min_days_between", Msg: "must be >= 0"}
	}
	return nil
}

// Create adds a new definition and fails if the name is taken.
func (d *Definitions) Create(ctx context.Context, def Definition) (Definition, error) {
	if err := validateDefinition(def); err != nil {
		return Definition{}, err
	}
	def.Name = strings.TrimSpace(def.Name)
	k := normName(def.Name)
	d.mu.Lock()
	if _, ok := d.defs[k]; ok {
		d.mu.Unlock()
		return Definition{}, ErrDefinitionExists
	}
	now := d.now()
	def.CreatedAt, def.UpdatedAt = now, now
	d.defs[k] = def
	d.mu.Unlock()
	return def, d.persist(ctx)
}

// Put creates or replaces a definition, keeping the original CreatedAt.
func (d *Definitions) Put(ctx context.Context, def Definition) (Definition, error) {
	if err := validateDefinition(def); err != nil {
		return Definition{}, err
	}
	def.Name = strings.TrimSpace(def.Name)
	k := normName(def.Name)
	d.mu.Lock()
	now := d.now()
	if prev, ok := d.defs[k]; ok {
		def.CreatedAt = prev.CreatedAt
	} else {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	d.defs[k] = def
	d.mu.Unlock()
	return def, d.persist(ctx)
}

func (d *Definitions) Delete(ctx context.Context, name string) error {
	k := normName(name)
	d.mu.Lock()
	if _, ok := d.defs[k]; !ok {
		d.mu.Unlock()
		return ErrDefinitionNotFound
	}
	delete(d.defs, k)
	d.mu.Unlock()
	return d.persist(ctx)
}

func (d *Definitions) Get(name string) (Definition, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.defs[normName(name)]
	return def, ok
}

// List returns all definitions sorted by name.
func (d *Definitions) List() []Definition {
	d.mu.RLock()
	out := make([]Definition, 0, len(d.defs))
	for _, def := range d.defs {
		out = append(out, def)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return normName(out[i].Name) < normName(out[j].Name) })
	return out
}

// Resolve returns the policy for name: nil for an untracked run, the stored
// definition when present and DefaultDefinition otherwise.
func (d *Definitions) Resolve(name string) *Definition {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	if def, ok := d.Get(name); ok {
		return &def
	}
	def := DefaultDefinition(name)
	return &def
}

func (d *Definitions) persist(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	d.persistMu.Lock()
	defer d.persistMu.Unlock()
	list := d.List()
	if err := storage.SetJSON(ctx, d.store, keyDefinitions, list); err != nil {
		return &PersistError{Key: keyDefinitions, Err: err}
	}
	return nil
}
