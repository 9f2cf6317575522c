package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tgsender/internal/api"
	"tgsender/internal/broadcast"
	"tgsender/internal/config"
	"tgsender/internal/eventbus"
	"tgsender/internal/events"
	"tgsender/internal/metrics"
	"tgsender/internal/notifier"
	"tgsender/internal/recipients"
	"tgsender/internal/render"
	"tgsender/internal/runtime/supervisor"
	"tgsender/internal/storage"
	kit "tgsender/internal/transport"
	telegram "tgsender/internal/transport/telegram/adapter"
	"tgsender/internal/transport/telegram/router"
	logx "tgsender/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	engine *broadcast.Engine
	dir    *recipients.Directory
	notif  *notifier.Service

	// adapter and router are nil when no bot token is configured.
	adapter *telegram.Adapter
	router  *router.Router
	updates chan kit.Update

	publisher *events.AMQPPublisher
	httpSrv   *http.Server
}

// New loads the config and builds every component. Nothing runs until Start.
// env carries secret overrides (see config.ApplyEnv).
func New(cfgPath string, env map[string]string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetEnv(env)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	var (
		ad     *telegram.Adapter
		sender kit.TextSender
	)
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err = telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
			RatePerSec:  cfg.Telegram.RatePerSec,
		}, bootLog)
		if err != nil {
			return nil, err
		}
		sender = ad
	}

	// The Telegram sink warns when enabled without a target, so it is
	// switched on only after the target is set.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, sender)
	logSvc.SetTelegramTarget(operatorChat(cfg))
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))
	if ad == nil {
		log.Warn("telegram.token is empty; running without Telegram delivery")
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	m := metrics.New(nil)
	bus := eventbus.New()

	loadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dir := recipients.New(store, log, time.Now)
	if err := dir.Load(loadCtx); err != nil {
		log.Warn("recipient directory load failed; starting empty", logx.Err(err))
	}

	settings, err := mapDeliverySettings(cfg)
	if err != nil {
		return nil, err
	}
	opts := broadcast.Options{
		Store:    store,
		Renderer: render.Renderer{},
		Resolver: dir,
		Sink:     broadcast.BusSink{Bus: bus},
		Log:      log,
		Metrics:  m,
		Settings: settings,
	}
	if ad != nil {
		opts.Sender = telegram.BroadcastSender{Out: ad, ParseMode: parseMode(cfg)}
	}
	eng := broadcast.New(loadCtx, opts)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, sender, kit.ChatTarget{ChatID: operatorChat(cfg)}, log, m)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		metrics: m,
		engine:  eng,
		dir:     dir,
		notif:   notif,
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}

	if ad != nil {
		a.router = router.New(router.Options{
			Engine:    eng,
			Directory: dir,
			Out:       ad,
			Operators: cfg.Telegram.OperatorIDs,
			Log:       log,
			Location:  eng.Settings().Location,
		})
	}

	if cfg.API.Enabled {
		h := api.NewHandlers(eng, dir, m, log)
		a.httpSrv = api.NewHTTPServer(apiAddr(cfg), h)
	}

	if url, queue := eventsTarget(cfg); url != "" {
		pub, err := events.DialAMQP(url, queue)
		if err != nil {
			// Delivery does not depend on the broker.
			log.Warn("amqp unavailable; run events will not be forwarded", logx.String("queue", queue), logx.Err(err))
		} else {
			a.publisher = pub
			log.Info("forwarding run events", logx.String("queue", queue))
		}
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	// Consumers subscribe before Reconcile so a restored slot is announced.
	a.startConsumers()

	// The notifier drains on Stop, after the app context is gone.
	a.notif.Start(context.WithoutCancel(ctx))

	rctx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
	err := a.engine.Reconcile(rctx)
	cancel()
	if err != nil {
		a.log.Warn("scheduled broadcast not restored", logx.Err(err))
	}

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.sup.Go("telegram.commands", func(c context.Context) error {
			return a.router.Run(c, a.updates)
		})
	}

	if a.httpSrv != nil {
		srv := a.httpSrv
		a.sup.Go("api.http", func(c context.Context) error {
			a.log.Info("api listening", logx.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.watchdog)

	a.sdNotify(sdReady)
	a.log.Info("app started")
	return nil
}

func (a *App) startConsumers() {
	history, unsubHistory := a.bus.Subscribe(64, broadcast.EventRunComplete)
	a.sup.Go0("recipients.history", func(c context.Context) {
		defer unsubHistory()
		a.dir.Consume(c, history)
	})

	notes, unsubNotes := a.bus.Subscribe(64, broadcast.EventRunComplete, broadcast.EventScheduleChange, broadcast.EventPersistFailed)
	a.sup.Go0("notifier.events", func(c context.Context) {
		defer unsubNotes()
		a.notif.Consume(c, notes)
	})

	if a.publisher != nil {
		fwd := events.NewForwarder(a.publisher, a.log, a.metrics)
		out, unsubOut := a.bus.Subscribe(128, broadcast.EventRunComplete, broadcast.EventScheduleChange)
		a.sup.Go("events.forward", func(c context.Context) error {
			defer unsubOut()
			return fwd.Run(c, out)
		})
	}

	// Keep this debug-level: progress events fire once per recipient.
	all, unsubAll := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsubAll()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-all:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the hot-reloadable settings into the running
// components. Storage, API, events and the bot token only change on restart.
func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("some config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	// target first so Apply does not warn about a missing chat
	a.logs.SetTelegramTarget(operatorChat(newCfg))
	a.logs.Apply(mapLogConfig(newCfg))

	if a.router != nil {
		a.router.SetOperators(newCfg.Telegram.OperatorIDs)
	}
	if a.adapter != nil {
		a.adapter.SetRate(newCfg.Telegram.RatePerSec)
	}

	if s, err := mapDeliverySettings(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(s)
	}

	ncfg, err := mapNotifierConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		a.notif.SetTarget(kit.ChatTarget{ChatID: operatorChat(newCfg)})
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case ncfg.Enabled:
			a.notif.Start(context.WithoutCancel(c))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(sdStopping)

	// Intake stops first; the engine closes while the bus consumers still
	// run so the final run summary reaches the notifier and the broker.
	if a.adapter != nil {
		a.step(ctx, "telegram", 3*time.Second, a.adapter.Stop)
	}
	if a.httpSrv != nil {
		a.step(ctx, "api", 3*time.Second, a.httpSrv.Shutdown)
	}
	a.step(ctx, "broadcast", 5*time.Second, a.engine.Close)

	a.sup.Cancel()

	a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if a.publisher != nil {
		a.step(ctx, "events", time.Second, func(context.Context) error { return a.publisher.Close() })
	}
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, command dispatcher, etc.)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		// Leak logging: observe when/if the step eventually finishes.
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
