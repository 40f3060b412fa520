// Package app wires the daemon: storage, provider, livestream pool,
// selection, trigger orchestration, notifier and the debug server.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"vlogd/internal/config"
	"vlogd/internal/eventbus"
	"vlogd/internal/livestream"
	"vlogd/internal/model"
	"vlogd/internal/notifier"
	"vlogd/internal/observability/pprof"
	"vlogd/internal/provider"
	rtsup "vlogd/internal/runtime/supervisor"
	"vlogd/internal/selection"
	"vlogd/internal/storage"
	"vlogd/internal/task/engine"
	"vlogd/internal/task/scheduler"
	"vlogd/internal/timeouts"
	kit "vlogd/internal/transport"
	"vlogd/internal/trigger"
	logx "vlogd/pkg/logx"
)

const tickJob = "trigger.minute"

// maxTickCatchUp bounds how many missed minutes one tick replays.
const maxTickCatchUp = 10 * time.Minute

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	engine   *engine.Service
	sched    *scheduler.Service
	timeouts *timeouts.Service
	pool     *livestream.Pool
	lc       *livestream.Lifecycle
	sel      *selection.Selector
	orch     *trigger.Orchestrator
	notif    *notifier.Service
	pprof    *pprof.Service

	tickMu   sync.Mutex
	tickSpec string // empty while the minute tick is not registered

	// lastMinute is the latest minute the tick processed. Only runTick
	// touches it and the tick never overlaps itself.
	lastMinute time.Time
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (a *App, err error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logs, log := logx.New(mapLogging(cfg))
	bus := eventbus.New()

	scfg, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err != nil {
			_ = store.Close()
			_ = logs.Close()
		}
	}()
	if n, err := storage.SeedUsers(context.Background(), store, mapSeedUsers(cfg)); err != nil {
		return nil, fmt.Errorf("seed users: %w", err)
	} else if n > 0 {
		log.Info("seed users loaded", logx.Int("count", n))
	}

	pcfg, err := mapProvider(cfg)
	if err != nil {
		return nil, err
	}
	prov, err := provider.New(pcfg, log.With(logx.String("comp", "provider")))
	if err != nil {
		return nil, err
	}

	engCfg, err := mapTaskEngine(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	// The scheduler always runs: durable timeouts are armed through it even
	// when the minute tick is disabled.
	sched := scheduler.New(scheduler.Config{Enabled: true, Timezone: cfg.Scheduling.Timezone}, eng, log.With(logx.String("comp", "scheduler")))
	tsvc := timeouts.New(store, sched, log.With(logx.String("comp", "timeouts")), bus)

	lcfg, err := mapLivestream(cfg)
	if err != nil {
		return nil, err
	}
	pool := livestream.NewPool(store, prov, lcfg, log.With(logx.String("comp", "pool")), bus)
	lc := livestream.NewLifecycle(pool, tsvc, eng, log.With(logx.String("comp", "lifecycle")), bus)

	ad, err := newAdapter(cfg, log)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifier(cfg)
	if err != nil {
		return nil, err
	}
	ncfg.Enabled = ncfg.Enabled && ad != nil
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus, store, store)
	if ad != nil {
		logs.SetAlertSender(notif)
	}

	selCfg, err := mapSelection(cfg)
	if err != nil {
		return nil, err
	}
	sel := selection.New(store, selCfg, log.With(logx.String("comp", "selection")))
	tcfg, err := mapTrigger(cfg)
	if err != nil {
		return nil, err
	}
	orch := trigger.New(sel, lc, store, notif, tsvc, tcfg, log.With(logx.String("comp", "trigger")), bus)
	for _, k := range []timeouts.Kind{timeouts.KindNoResponse, timeouts.KindConnect, timeouts.KindVlogExpired} {
		tsvc.Handle(k, orch.HandleTimeout)
	}

	ppcfg, err := mapPprof(cfg)
	if err != nil {
		return nil, err
	}
	dbg := pprof.New(ppcfg, log.With(logx.String("comp", "pprof")))

	a = &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logs,
		bus:      bus,
		store:    store,
		adapter:  ad,
		engine:   eng,
		sched:    sched,
		timeouts: tsvc,
		pool:     pool,
		lc:       lc,
		sel:      sel,
		orch:     orch,
		notif:    notif,
		pprof:    dbg,
	}
	a.registerDebug()
	return a, nil
}

func (a *App) registerDebug() {
	a.pprof.Register("pool", func(ctx context.Context) (any, error) { return a.pool.Stats(ctx) })
	a.pprof.Register("tasks", func(context.Context) (any, error) { return a.engine.Snapshot(), nil })
	a.pprof.Register("scheduler", func(context.Context) (any, error) { return a.sched.Snapshot(), nil })
	a.pprof.Register("notifier", func(context.Context) (any, error) { return a.notif.Snapshot(), nil })
	a.pprof.Register("selection", func(context.Context) (any, error) { return a.sel.Config(), nil })
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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.engine.Start(c)
	a.notif.Start(c)
	if cfg.Scheduling.Enabled {
		if err := a.setTick(tickSpec(cfg)); err != nil {
			return err
		}
	}
	a.sched.Start(c)

	n, err := a.timeouts.Restore(c)
	if err != nil {
		return fmt.Errorf("restore timeouts: %w", err)
	}
	if n > 0 {
		a.log.Info("pending timeouts restored", logx.Int("count", n))
	}

	a.pprof.Start(c)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("scheduling", cfg.Scheduling.Enabled),
		logx.String("transport", a.adapterName()),
	)
	return nil
}

func (a *App) adapterName() string {
	if a.adapter == nil {
		return "none"
	}
	return a.adapter.Name()
}

// setTick registers the minute tick under spec, replacing an older one.
// An empty spec removes it.
func (a *App) setTick(spec string) error {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()
	if spec == a.tickSpec {
		return nil
	}
	if spec == "" {
		a.sched.Remove(tickJob)
		a.tickSpec = ""
		return nil
	}
	_, err := a.sched.AddCronOpt(tickJob, spec, 55*time.Second,
		scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning, CircuitTripFailures: -1},
		a.runTick)
	if err != nil {
		return fmt.Errorf("scheduling.tick_spec: %w", err)
	}
	a.tickSpec = spec
	return nil
}

func (a *App) runTick(ctx context.Context) error {
	return a.processThrough(ctx, time.Now())
}

// processThrough runs every minute after the last processed one up to the
// minute of now. A tick picked up late, or a sparse tick spec, would
// otherwise skip the minutes in between.
func (a *App) processThrough(ctx context.Context, now time.Time) error {
	until := model.TriggerMinute(now)
	from := until
	if !a.lastMinute.IsZero() {
		from = a.lastMinute.Add(time.Minute)
		if oldest := until.Add(-maxTickCatchUp); from.Before(oldest) {
			a.log.Warn("minute tick fell behind",
				logx.Time("last", a.lastMinute),
				logx.Int("dropped", int(oldest.Sub(from)/time.Minute)),
			)
			from = oldest
		}
	}
	for m := from; !m.After(until); m = m.Add(time.Minute) {
		if _, err := a.orch.ProcessForMinute(ctx, m); err != nil {
			return err
		}
		a.lastMinute = m
	}
	return nil
}

// Stop shuts down in dependency order: triggers first, storage last.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// applyConfig pushes a reloaded config into the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed, attrs := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if restart := config.RequiresRestart(changed); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))

	// validate already accepted next, so the mappers below cannot fail.
	if sc, err := mapSelection(next); err == nil {
		a.sel.Apply(sc)
	}
	if lc, err := mapLivestream(next); err == nil {
		a.pool.Apply(lc)
	}
	if tc, err := mapTrigger(next); err == nil {
		a.orch.Apply(tc)
	}
	if ec, err := mapTaskEngine(next); err == nil {
		a.engine.Apply(ctx, ec)
	}
	a.sched.Apply(scheduler.Config{Enabled: true, Timezone: next.Scheduling.Timezone})

	spec := ""
	if next.Scheduling.Enabled {
		spec = tickSpec(next)
	}
	if err := a.setTick(spec); err != nil {
		a.log.Warn("minute tick not updated", logx.Err(err))
	}

	if nc, err := mapNotifier(next); err == nil {
		nc.Enabled = nc.Enabled && a.adapter != nil
		wasOn := a.notif.Enabled()
		if wasOn && !nc.Enabled {
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		}
		a.notif.Apply(nc)
		if !wasOn && nc.Enabled {
			a.notif.Start(ctx)
		}
	}

	if pc, err := mapPprof(next); err == nil {
		a.pprof.Reconfigure(ctx, pc)
	}

	for _, s := range changed {
		if s != "seed_users" {
			continue
		}
		if n, err := storage.SeedUsers(ctx, a.store, mapSeedUsers(next)); err != nil {
			a.log.Warn("seed users reload failed", logx.Err(err))
		} else {
			a.log.Info("seed users reloaded", logx.Int("count", n))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}
