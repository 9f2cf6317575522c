package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"tgsender/internal/metrics"
	"tgsender/internal/storage"
	logx "tgsender/pkg/logx"
)

// ErrClosed is returned by operations started after Close.
var ErrClosed = errors.New("broadcast engine closed")

// Settings are the hot-reloadable delivery knobs.
type Settings struct {
	DefaultDelay time.Duration
	// CountFailedAttempts writes the ledger before each send, so failed
	// deliveries consume the repeat budget too.
	CountFailedAttempts bool
	LedgerCap           int
	RunHistoryCap       int
	// ReconcileGrace delays an overdue slot found at startup.
	ReconcileGrace time.Duration
	Location       *time.Location
}

func (s Settings) withDefaults() Settings {
	if s.DefaultDelay < 0 {
		s.DefaultDelay = 0
	}
	if s.LedgerCap <= 0 {
		s.LedgerCap = DefaultLedgerCap
	}
	if s.RunHistoryCap <= 0 {
		s.RunHistoryCap = DefaultRunHistoryCap
	}
	if s.ReconcileGrace <= 0 {
		s.ReconcileGrace = 2 * time.Second
	}
	if s.Location == nil {
		s.Location = time.Local
	}
	return s
}

type Options struct {
	Store    storage.Store
	Sender   Sender
	Renderer Renderer
	Resolver RecipientResolver
	Sink     Sink
	Clock    Clock
	Log      logx.Logger
	Metrics  *metrics.Metrics
	Settings Settings
}

// EngineState is the mutable engine state. It is only touched under Engine.mu.
type EngineState struct {
	run *activeRun

	slot          *ScheduledBroadcast
	slotRaw       []byte
	slotPersisted bool

	closed bool
}

// Engine owns the delivery run, the scheduled slot and the durable
// ledger, definitions and run history.
type Engine struct {
	log      logx.Logger
	clock    Clock
	store    storage.Store
	sender   Sender
	renderer Renderer
	resolver RecipientResolver
	sink     Sink
	metrics  *metrics.Metrics

	ledger *Ledger
	defs   *Definitions
	runs   *RunLog
	timer  *CancellableTimer

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	// schedMu serializes slot transitions; it is always taken before mu.
	schedMu sync.Mutex

	mu       sync.Mutex
	state    EngineState
	settings Settings
}

// New builds the engine and loads the ledger, definitions and run history.
// Load failures are logged and the affected component starts empty.
func New(ctx context.Context, opts Options) *Engine {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "broadcast"))
	clk := opts.Clock
	if clk == nil {
		clk = SystemClock{}
	}
	st := opts.Store
	if st == nil {
		st = storage.NewMemory()
	}
	rnd := opts.Renderer
	if rnd == nil {
		rnd = identityRenderer{}
	}
	sink := opts.Sink
	if sink == nil {
		sink = NopSink{}
	}
	set := opts.Settings.withDefaults()

	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		log:        log,
		clock:      clk,
		store:      st,
		sender:     opts.Sender,
		renderer:   rnd,
		resolver:   opts.Resolver,
		sink:       sink,
		metrics:    opts.Metrics,
		ledger:     NewLedger(st, set.LedgerCap, log),
		defs:       NewDefinitions(st, log, clk.Now),
		runs:       NewRunLog(st, set.RunHistoryCap, log),
		timer:      NewCancellableTimer(clk),
		baseCtx:    baseCtx,
		baseCancel: cancel,
		settings:   set,
	}
	if err := e.ledger.Load(ctx); err != nil {
		log.Warn("ledger load failed", logx.Err(err))
	}
	if err := e.defs.Load(ctx); err != nil {
		log.Warn("definitions load failed", logx.Err(err))
	}
	if err := e.runs.Load(ctx); err != nil {
		log.Warn("run history load failed", logx.Err(err))
	}
	return e
}

func (e *Engine) Ledger() *Ledger           { return e.ledger }
func (e *Engine) Definitions() *Definitions { return e.defs }
func (e *Engine) Runs() *RunLog             { return e.runs }

func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// Apply swaps the delivery settings. A run already in progress keeps the
// delay it started with.
func (e *Engine) Apply(s Settings) {
	s = s.withDefaults()
	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()
	e.ledger.SetCap(s.LedgerCap)
	e.runs.SetCap(s.RunHistoryCap)
}

// SetSender installs the transport. Runs started before a sender is set
// fail with ErrNoTransport.
func (e *Engine) SetSender(s Sender) {
	e.mu.Lock()
	e.sender = s
	e.mu.Unlock()
}

func (e *Engine) currentSender() Sender {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sender
}

// ResolveRecipients maps IDs to recipient records, keeping order.
func (e *Engine) ResolveRecipients(ctx context.Context, ids []string) []Recipient {
	if e.resolver == nil {
		return bareRecipients(ids)
	}
	return e.resolver.Resolve(ctx, ids)
}

// IsEligible reports whether recipientID may receive the named broadcast now.
// It has no side effects.
func (e *Engine) IsEligible(recipientID, definition string) Decision {
	def := e.defs.Resolve(definition)
	if def == nil {
		return Decision{Eligible: true}
	}
	return Eligible(def, e.ledger.History(recipientID, def.Name), e.clock.Now())
}

// WaitIdle blocks until no run is active or ctx is done.
func (e *Engine) WaitIdle(ctx context.Context) error {
	for {
		e.mu.Lock()
		r := e.state.run
		e.mu.Unlock()
		if r == nil {
			return nil
		}
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close cancels the active run, disarms the scheduler timer and waits for
// the run to finish, whether it was started by Start or Launch. The
// persisted slot is kept for the next Reconcile.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.state.closed {
		e.mu.Unlock()
		return nil
	}
	e.state.closed = true
	r := e.state.run
	e.mu.Unlock()

	e.timer.Disarm()
	if r != nil {
		r.cancel()
	}
	e.baseCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// warnPersist surfaces a failed durable write without failing the caller.
func (e *Engine) warnPersist(err error) {
	if err == nil {
		return
	}
	key := ""
	var pe *PersistError
	if errors.As(err, &pe) {
		key = pe.Key
	}
	e.log.Warn("persist failed; state kept in memory", logx.String("key", key), logx.Err(err))
	e.metrics.PersistError(key)
	e.sink.OnPersistFailure(PersistWarning{Key: key, Err: err.Error()})
}
