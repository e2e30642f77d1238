package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"castbot/internal/bot"
	"castbot/internal/broadcast"
	"castbot/internal/config"
	"castbot/internal/dispatch/ratelimit"
	"castbot/internal/eventbus"
	"castbot/internal/eventbus/amqpsink"
	"castbot/internal/maintenance"
	"castbot/internal/metrics"
	"castbot/internal/observability/ops"
	rtsup "castbot/internal/runtime/supervisor"
	"castbot/internal/session"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	telegram "castbot/internal/transport/telegram/adapter"
	logx "castbot/pkg/logx"
)

const updatesBuffer = 256

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter  *telegram.Adapter
	limiter  *ratelimit.Limiter
	store    storage.Store
	sessions session.Store
	metrics  *metrics.Metrics
	bcast    *broadcast.Service
	maint    *maintenance.Service
	ops      *ops.Service
	sink     *amqpsink.Sink
	router   *bot.Router

	updates chan kit.Update
}

// status is served on the ops /status endpoint.
type status struct {
	Limiter     ratelimit.Snapshot    `json:"limiter"`
	Broadcasts  []broadcast.JobStatus `json:"broadcasts"`
	Maintenance []maintenance.JobInfo `json:"maintenance"`
	Storage     bool                  `json:"storage"`
	Events      bool                  `json:"events"`
	Bus         eventbus.Stats        `json:"bus"`
	Supervisor  *rtsup.Counters       `json:"supervisor,omitempty"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	adCfg, err := mapAdapter(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(adCfg, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg), ad)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	m, err := metrics.New(nil)
	if err != nil {
		return nil, err
	}

	lim, err := mapLimits(cfg)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(lim,
		ratelimit.WithLogger(log.With(logx.String("comp", "ratelimit"))),
		ratelimit.WithObserver(m.Limiter()),
	)

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		log.Warn("storage disabled; broadcasts cannot be confirmed")
	}

	sessCfg, err := mapSession(cfg)
	if err != nil {
		return nil, err
	}
	sessions, err := session.Open(sessCfg, log.With(logx.String("comp", "session")))
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	bcCfg, err := mapBroadcast(cfg)
	if err != nil {
		return nil, err
	}
	bd := broadcast.Deps{
		Sender:   ad,
		Limiter:  limiter,
		Sessions: sessions,
		Bus:      bus,
		Recorder: m,
		Log:      log.With(logx.String("comp", "broadcast")),
	}
	if store != nil {
		bd.Store = store
	}
	bcast := broadcast.New(bcCfg, bd)

	mc, err := mapMaintenance(cfg)
	if err != nil {
		return nil, err
	}
	var purger maintenance.Purger
	if store != nil {
		purger = store
	}
	var pruner maintenance.Pruner
	if p, ok := sessions.(session.Pruner); ok {
		pruner = p
	}
	maint := maintenance.New(mc, purger, pruner, log)

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		adapter:  ad,
		limiter:  limiter,
		store:    store,
		sessions: sessions,
		metrics:  m,
		bcast:    bcast,
		maint:    maint,
		updates:  make(chan kit.Update, updatesBuffer),
	}

	oc, err := mapOps(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(oc, ops.Deps{
		Metrics: m.Handler(),
		Checks:  a.readinessChecks(),
		Status:  a.status,
	}, log)

	if cfg.Events.Enabled {
		a.sink = amqpsink.New(mapEvents(cfg), log)
	}

	a.router = bot.New(bot.Config{Owners: cfg.Telegram.OwnerUserIDs}, bot.Deps{
		Adapter:     ad,
		Broadcast:   bcast,
		Sessions:    sessions,
		Limiter:     limiter,
		Maintenance: maint,
		Log:         log,
	})
	return a, nil
}

func (a *App) readinessChecks() []ops.Check {
	var checks []ops.Check
	if a.store != nil {
		checks = append(checks, ops.Check{Name: "storage", Fn: a.store.Ping})
	}
	if p, ok := a.sessions.(pinger); ok {
		checks = append(checks, ops.Check{Name: "session", Fn: p.Ping})
	}
	checks = append(checks, ops.Check{Name: "dispatcher", Fn: func(context.Context) error {
		if !a.limiter.Snapshot().Running {
			return errors.New("dispatcher not running")
		}
		return nil
	}})
	return checks
}

func (a *App) status() any {
	st := status{
		Limiter:     a.limiter.Snapshot(),
		Broadcasts:  a.bcast.Jobs(),
		Maintenance: a.maint.Jobs(),
		Storage:     a.store != nil,
		Events:      a.sink != nil,
		Bus:         a.bus.Stats(),
	}
	if a.sup != nil {
		c := a.sup.Counters()
		st.Supervisor = &c
	}
	return st
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Validate covers syntax; the mappers catch anything only they know.
		if _, err := mapLimits(cfg); err != nil {
			return err
		}
		if _, err := mapOps(cfg); err != nil {
			return err
		}
		_, err := mapMaintenance(cfg)
		return err
	})

	if err := a.limiter.Start(runCtx); err != nil {
		return err
	}
	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}

	a.sup.Go("bot.router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	if a.sink != nil {
		a.sup.GoRestart("events.amqp", func(c context.Context) error {
			if err := a.sink.Connect(); err != nil {
				return err
			}
			events, unsub := a.bus.Subscribe("events.amqp", updatesBuffer)
			defer unsub()
			return a.sink.Run(c, events)
		},
			rtsup.WithPublishFirstError(false),
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		)
	}

	events, unsub := a.bus.Subscribe("events.log", 128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if err := a.maint.Start(runCtx); err != nil {
		return err
	}
	a.ops.Start(runCtx)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
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
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("owners", len(a.cfgm.Get().Telegram.OwnerUserIDs)))
	return nil
}

// applyConfig pushes a validated config into every live component.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(newCfg))
	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if lim, err := mapLimits(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.limiter.SetLimits(lim)
	}
	if bc, err := mapBroadcast(newCfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.bcast.Apply(bc)
	}
	if oc, err := mapOps(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}
	if mc, err := mapMaintenance(newCfg); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else if err := a.maint.Apply(ctx, mc); err != nil {
		a.log.Warn("maintenance reconfigure failed", logx.Err(err))
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component can't stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
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

	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// Pending sends fail with a cancellation so in-flight broadcasts can finish their summary.
	step("limiter", 2*time.Second, func(c context.Context) error { return a.limiter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("events", time.Second, func(context.Context) error {
		if a.sink != nil {
			return a.sink.Close()
		}
		return nil
	})
	step("session", time.Second, func(context.Context) error { return a.sessions.Close() })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
